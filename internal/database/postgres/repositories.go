package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bardlex/gompay/internal/ledger"
	"github.com/bardlex/gompay/internal/pplns"
	"github.com/bardlex/gompay/pkg/errors"
)

// ShareRepository reads the PPLNS window from the share processor's tables.
type ShareRepository struct {
	db *sql.DB
}

var _ pplns.ShareSource = (*ShareRepository)(nil)

// NewShareRepository creates a new share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// SharesSince implements pplns.ShareSource over valid shares.
func (r *ShareRepository) SharesSince(ctx context.Context, since time.Time) ([]pplns.Share, error) {
	query := `
		SELECT u.address, w.name, s.difficulty, s.submitted_at
		FROM shares s
		JOIN users u ON u.id = s.user_id
		LEFT JOIN workers w ON w.id = s.worker_id
		WHERE s.is_valid AND s.submitted_at >= $1
		ORDER BY s.submitted_at, s.id`

	rows, err := r.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, classify(err, "shares_since", "failed to query share window")
	}
	defer func() { _ = rows.Close() }()

	var shares []pplns.Share
	for rows.Next() {
		var row shareRow
		if err := rows.Scan(&row.Address, &row.Worker, &row.Difficulty, &row.SubmittedAt); err != nil {
			return nil, classify(err, "shares_since", "failed to scan share")
		}
		share, err := row.toShare()
		if err != nil {
			return nil, errors.Permanent(err, errors.ErrorTypeValidation, "shares_since", "invalid share row")
		}
		shares = append(shares, share)
	}

	if err := rows.Err(); err != nil {
		return nil, classify(err, "shares_since", "error iterating shares")
	}

	return shares, nil
}

// PayoutRepository mirrors ledger state for reporting. The JSON snapshot
// remains the source of truth; these rows are overwritten on every event.
type PayoutRepository struct {
	db *sql.DB
}

// NewPayoutRepository creates a new payout repository
func NewPayoutRepository(db *sql.DB) *PayoutRepository {
	return &PayoutRepository{db: db}
}

// UpsertBalance writes the current balance of a miner.
func (r *PayoutRepository) UpsertBalance(ctx context.Context, b ledger.MinerBalance) error {
	balance, err := bigint(b.Balance, "balance")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "upsert_balance", "balance out of range")
	}
	earned, err := bigint(b.TotalEarned, "total_earned")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "upsert_balance", "total earned out of range")
	}
	paid, err := bigint(b.TotalPaid, "total_paid")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "upsert_balance", "total paid out of range")
	}

	query := `
		INSERT INTO miner_balances (address, balance_sats, total_earned_sats, total_paid_sats, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			balance_sats = EXCLUDED.balance_sats,
			total_earned_sats = EXCLUDED.total_earned_sats,
			total_paid_sats = EXCLUDED.total_paid_sats,
			updated_at = EXCLUDED.updated_at
		WHERE miner_balances.updated_at <= EXCLUDED.updated_at`

	if _, err := r.db.ExecContext(ctx, query, b.Address, balance, earned, paid, b.UpdatedAt.UTC()); err != nil {
		return classify(err, "upsert_balance", "failed to mirror balance").WithContext("address", b.Address)
	}
	return nil
}

// payoutStage ranks the lifecycle position of a payout row so a delayed
// write cannot move it backwards.
func payoutStage(table string) string {
	return fmt.Sprintf(`(CASE %[1]s.status WHEN 'Pending' THEN 0 WHEN 'Broadcast' THEN 1 ELSE 2 END
		+ CASE WHEN %[1]s.refunded_at IS NULL THEN 0 ELSE 1 END)`, table)
}

// UpsertPayout writes the current state of a payout. Writes that would move
// the row to an earlier lifecycle stage are ignored.
func (r *PayoutRepository) UpsertPayout(ctx context.Context, p ledger.Payout) error {
	amount, err := bigint(p.Amount, "amount")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "upsert_payout", "amount out of range")
	}

	query := `
		INSERT INTO ledger_payouts (id, address, amount_sats, txid, block_height, status,
		                            confirmations, error, created_at, broadcast_at, refunded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			txid = EXCLUDED.txid,
			block_height = EXCLUDED.block_height,
			status = EXCLUDED.status,
			confirmations = GREATEST(ledger_payouts.confirmations, EXCLUDED.confirmations),
			error = EXCLUDED.error,
			broadcast_at = EXCLUDED.broadcast_at,
			refunded_at = EXCLUDED.refunded_at
		WHERE ` + payoutStage("ledger_payouts") + ` <= ` + payoutStage("EXCLUDED")

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.Address, amount, p.TxID, p.BlockHeight, string(p.Status),
		int64(p.Confirmations), p.Error, p.CreatedAt.UTC(), p.BroadcastAt, p.RefundedAt,
	)
	if err != nil {
		return classify(err, "upsert_payout", "failed to mirror payout").
			WithContext("payout_id", p.ID).
			WithContext("status", string(p.Status))
	}
	return nil
}

// Distribution is the mirrored summary of one block reward split.
type Distribution struct {
	BlockHeight  int64
	Reward       uint64
	Distributed  uint64
	Miners       int
	Calculations []pplns.PayoutCalculation
	At           time.Time
}

// RecordDistribution stores a distribution once; replays of the same block
// are ignored.
func (r *PayoutRepository) RecordDistribution(ctx context.Context, d Distribution) error {
	reward, err := bigint(d.Reward, "reward")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "record_distribution", "reward out of range")
	}
	distributed, err := bigint(d.Distributed, "distributed")
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "record_distribution", "distributed out of range")
	}
	calcs, err := json.Marshal(d.Calculations)
	if err != nil {
		return errors.Permanent(err, errors.ErrorTypeValidation, "record_distribution", "failed to encode calculations")
	}

	query := `
		INSERT INTO reward_distributions (block_height, reward_sats, distributed_sats, miners, calculations, distributed_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (block_height) DO NOTHING`

	if _, err := r.db.ExecContext(ctx, query, d.BlockHeight, reward, distributed, d.Miners, calcs, d.At.UTC()); err != nil {
		return classify(err, "record_distribution", "failed to mirror distribution").
			WithContext("block_height", d.BlockHeight)
	}
	return nil
}

// PayoutHistory returns the mirrored payouts of address, newest first.
func (r *PayoutRepository) PayoutHistory(ctx context.Context, address string, limit int) ([]ledger.Payout, error) {
	query := `
		SELECT id, address, amount_sats, txid, block_height, status, confirmations,
		       error, created_at, broadcast_at, refunded_at
		FROM ledger_payouts
		WHERE address = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, address, limit)
	if err != nil {
		return nil, classify(err, "payout_history", "failed to query payouts")
	}
	defer func() { _ = rows.Close() }()

	var payouts []ledger.Payout
	for rows.Next() {
		var (
			p      ledger.Payout
			amount int64
			status string
			conf   int64
		)
		if err := rows.Scan(&p.ID, &p.Address, &amount, &p.TxID, &p.BlockHeight, &status,
			&conf, &p.Error, &p.CreatedAt, &p.BroadcastAt, &p.RefundedAt); err != nil {
			return nil, classify(err, "payout_history", "failed to scan payout")
		}
		p.Amount = uint64(amount)
		p.Status = ledger.PayoutStatus(status)
		p.Confirmations = uint32(conf)
		payouts = append(payouts, p)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, "payout_history", "error iterating payouts")
	}
	return payouts, nil
}
