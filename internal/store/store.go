// Package store persists ledger snapshots as JSON documents, balances.json,
// payouts.json and distributed_blocks.json, each replaced atomically on every
// save.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/pkg/errors"
)

const (
	// BalancesFile holds the address -> balance map.
	BalancesFile = "balances.json"
	// PayoutsFile holds payouts in creation order.
	PayoutsFile = "payouts.json"
	// BlocksFile holds the ascending heights of distributed block rewards.
	BlocksFile = "distributed_blocks.json"
)

// Store reads and writes snapshots under one directory.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New creates dir if needed and returns a store rooted there.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, persistenceError("open", "failed to create data directory", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.dir
}

func persistenceError(op, msg string, err error) error {
	return errors.Permanent(fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err),
		errors.ErrorTypePersistence, op, msg)
}

// Documents is a snapshot rendered exactly as Save writes it.
type Documents struct {
	Balances []byte
	Payouts  []byte
	Blocks   []byte
}

// Encode renders a snapshot.
func Encode(snap ledger.Snapshot) (Documents, error) {
	b := snap.Balances
	if b == nil {
		b = map[string]ledger.MinerBalance{}
	}
	p := snap.Payouts
	if p == nil {
		p = []ledger.Payout{}
	}
	h := snap.Blocks
	if h == nil {
		h = []int64{}
	}

	var docs Documents
	var err error
	if docs.Balances, err = json.Marshal(b); err != nil {
		return Documents{}, persistenceError("encode", "failed to encode balances", err)
	}
	if docs.Payouts, err = json.Marshal(p); err != nil {
		return Documents{}, persistenceError("encode", "failed to encode payouts", err)
	}
	if docs.Blocks, err = json.Marshal(h); err != nil {
		return Documents{}, persistenceError("encode", "failed to encode distributed blocks", err)
	}
	return docs, nil
}

// Save writes every document. Each goes to a temporary file in the data
// directory, is synced, then renamed over the previous version. The block
// list is written first: a crash part way through can leave a distribution
// recorded without its credits, never credits without the record.
func (s *Store) Save(snap ledger.Snapshot) error {
	docs, err := Encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeAtomic(BlocksFile, docs.Blocks); err != nil {
		return err
	}
	if err := s.writeAtomic(BalancesFile, docs.Balances); err != nil {
		return err
	}
	if err := s.writeAtomic(PayoutsFile, docs.Payouts); err != nil {
		return err
	}
	return s.syncDir()
}

func (s *Store) writeAtomic(name string, data []byte) (err error) {
	tmp, err := os.CreateTemp(s.dir, "."+name+".*.tmp")
	if err != nil {
		return persistenceError("save", "failed to create temp file for "+name, err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return persistenceError("save", "failed to write "+name, err)
	}
	if err = tmp.Sync(); err != nil {
		return persistenceError("save", "failed to sync "+name, err)
	}
	if err = tmp.Close(); err != nil {
		return persistenceError("save", "failed to close "+name, err)
	}
	if err = os.Rename(tmp.Name(), filepath.Join(s.dir, name)); err != nil {
		return persistenceError("save", "failed to replace "+name, err)
	}
	return nil
}

// syncDir makes the renames durable. Not every platform allows syncing a
// directory, so only open failures are reported.
func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return persistenceError("save", "failed to open data directory", err)
	}
	_ = d.Sync()
	return d.Close()
}

// Load reads every document. A missing file yields an empty collection.
func (s *Store) Load() (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := ledger.Snapshot{
		Balances: map[string]ledger.MinerBalance{},
		Payouts:  []ledger.Payout{},
		Blocks:   []int64{},
	}

	if err := s.read(BalancesFile, &snap.Balances); err != nil {
		return ledger.Snapshot{}, err
	}
	if err := s.read(PayoutsFile, &snap.Payouts); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Balances == nil {
		snap.Balances = map[string]ledger.MinerBalance{}
	}
	if err := s.read(BlocksFile, &snap.Blocks); err != nil {
		return ledger.Snapshot{}, err
	}
	if snap.Payouts == nil {
		snap.Payouts = []ledger.Payout{}
	}
	if snap.Blocks == nil {
		snap.Blocks = []int64{}
	}

	return snap, nil
}

func (s *Store) read(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return persistenceError("load", "failed to read "+name, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return persistenceError("load", "failed to decode "+name, err)
	}
	return nil
}
