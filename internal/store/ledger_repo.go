package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/Z333Q/p402-router/internal/x402"
)

// LedgerRepository persists settlement records and their replay keys.
type LedgerRepository struct {
	db *sql.DB
}

// NewLedgerRepository creates a new ledger repository.
func NewLedgerRepository(db *sql.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// ReserveAndRecord atomically reserves the record's proof key and appends
// the ledger row, in one transaction. When tenant and buyer are set, a rate
// event is written alongside so the rolling-window counter cannot drift from
// the ledger. Returns x402.ErrDuplicateProofKey when the key was already
// consumed; the unique index is the cross-process guarantee, so two racing
// settlements on the same key see exactly one success.
func (r *LedgerRepository) ReserveAndRecord(ctx context.Context, rec *x402.SettlementRecord) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO replay_keys (proof_key) VALUES (?)`, rec.ProofKey,
	); err != nil {
		if isUniqueViolation(err) {
			return x402.ErrDuplicateProofKey
		}
		return fmt.Errorf("failed to reserve proof key: %w", err)
	}

	micros, err := x402.AmountToMicros(rec.Amount)
	if err != nil {
		return fmt.Errorf("failed to parse record amount: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (id, proof_key, scheme, tenant_id, buyer_id, amount, amount_micros, asset, payer_address, facilitator_id, tx_hash, outcome, verified_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.ProofKey,
		string(rec.Scheme),
		nullable(rec.TenantID),
		nullable(rec.BuyerID),
		rec.Amount,
		micros,
		rec.Asset,
		nullable(rec.PayerAddress),
		nullable(rec.FacilitatorID),
		nullable(rec.TxHash),
		rec.Outcome,
		rec.VerifiedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append settlement: %w", err)
	}

	if rec.TenantID != "" && rec.BuyerID != "" {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO rate_events (tenant_id, buyer_id, created_at) VALUES (?, ?, ?)`,
			rec.TenantID, rec.BuyerID, rec.VerifiedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to record rate event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit settlement: %w", err)
	}
	return nil
}

// GetByID retrieves a settlement by its record id. Receipt-scheme requests
// re-present this id as the receipt id.
func (r *LedgerRepository) GetByID(ctx context.Context, id string) (*x402.SettlementRecord, error) {
	return r.getOne(ctx, `WHERE id = ?`, id)
}

// GetByProofKey retrieves the settlement that consumed a proof key.
func (r *LedgerRepository) GetByProofKey(ctx context.Context, proofKey string) (*x402.SettlementRecord, error) {
	return r.getOne(ctx, `WHERE proof_key = ?`, proofKey)
}

func (r *LedgerRepository) getOne(ctx context.Context, where string, arg interface{}) (*x402.SettlementRecord, error) {
	var (
		rec          x402.SettlementRecord
		tenantID     sql.NullString
		buyerID      sql.NullString
		payerAddress sql.NullString
		facilitator  sql.NullString
		txHash       sql.NullString
		scheme       string
		verifiedAt   time.Time
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, proof_key, scheme, tenant_id, buyer_id, amount, asset, payer_address, facilitator_id, tx_hash, outcome, verified_at
		 FROM settlements `+where,
		arg,
	).Scan(&rec.ID, &rec.ProofKey, &scheme, &tenantID, &buyerID, &rec.Amount, &rec.Asset,
		&payerAddress, &facilitator, &txHash, &rec.Outcome, &verifiedAt)

	if err == sql.ErrNoRows {
		return nil, x402.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}

	rec.Scheme = x402.Scheme(scheme)
	rec.TenantID = tenantID.String
	rec.BuyerID = buyerID.String
	rec.PayerAddress = payerAddress.String
	rec.FacilitatorID = facilitator.String
	rec.TxHash = txHash.String
	rec.VerifiedAt = verifiedAt.UTC()
	return &rec, nil
}

// DailySpendMicros sums settled amounts for (tenant, buyer) over the UTC day
// containing at.
func (r *LedgerRepository) DailySpendMicros(ctx context.Context, tenantID, buyerID string, at time.Time) (int64, error) {
	dayStart := at.UTC().Truncate(24 * time.Hour)
	dayEnd := dayStart.Add(24 * time.Hour)

	var micros sql.NullInt64
	err := r.db.QueryRowContext(ctx,
		`SELECT SUM(amount_micros) FROM settlements
		 WHERE tenant_id = ? AND buyer_id = ? AND outcome = 'settled'
		   AND verified_at >= ? AND verified_at < ?`,
		tenantID, buyerID, dayStart, dayEnd,
	).Scan(&micros)
	if err != nil {
		return 0, fmt.Errorf("failed to sum daily spend: %w", err)
	}
	return micros.Int64, nil
}

// CountRateEvents counts requests for (tenant, buyer) since the window start.
func (r *LedgerRepository) CountRateEvents(ctx context.Context, tenantID, buyerID string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM rate_events
		 WHERE tenant_id = ? AND buyer_id = ? AND created_at >= ?`,
		tenantID, buyerID, since.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rate events: %w", err)
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
