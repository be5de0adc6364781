package pplns

import (
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"github.com/bardlex/gompay/pkg/errors"
)

// StaticSource serves a fixed set of shares. It backs offline checks and tests.
type StaticSource struct {
	shares []Share
}

// NewStaticSource sorts shares by timestamp and serves them.
func NewStaticSource(shares []Share) *StaticSource {
	sorted := make([]Share, len(shares))
	copy(sorted, shares)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &StaticSource{shares: sorted}
}

// SharesSince implements ShareSource.
func (s *StaticSource) SharesSince(_ context.Context, since time.Time) ([]Share, error) {
	i := sort.Search(len(s.shares), func(i int) bool {
		return !s.shares[i].Timestamp.Before(since)
	})
	out := make([]Share, len(s.shares)-i)
	copy(out, s.shares[i:])
	return out, nil
}

// ReadShares decodes a JSON array of shares.
func ReadShares(r io.Reader) ([]Share, error) {
	var shares []Share
	if err := json.NewDecoder(r).Decode(&shares); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "read_shares", "failed to decode share window")
	}
	return shares, nil
}
