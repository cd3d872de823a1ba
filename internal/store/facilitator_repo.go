package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Z333Q/p402-router/internal/x402"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so the
// batch queries can run either standalone or inside the cursor transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// FacilitatorRepository persists the facilitator fleet, their health rows
// and the poll cursor.
type FacilitatorRepository struct {
	db *sql.DB
}

// NewFacilitatorRepository creates a new facilitator repository.
func NewFacilitatorRepository(db *sql.DB) *FacilitatorRepository {
	return &FacilitatorRepository{db: db}
}

// Save upserts a facilitator.
func (r *FacilitatorRepository) Save(ctx context.Context, f *x402.Facilitator) error {
	var authConfig sql.NullString
	if len(f.AuthConfig) > 0 {
		authConfig = sql.NullString{String: string(f.AuthConfig), Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO facilitators (id, tenant_id, endpoint, stats_path, auth_config, status, type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   endpoint = excluded.endpoint,
		   stats_path = excluded.stats_path,
		   auth_config = excluded.auth_config,
		   status = excluded.status,
		   type = excluded.type`,
		f.ID, nullable(f.TenantID), f.Endpoint, nullable(f.StatsPath), authConfig, string(f.Status), nullable(f.Type),
	)
	if err != nil {
		return fmt.Errorf("failed to save facilitator: %w", err)
	}
	return nil
}

// GetByID retrieves one facilitator.
func (r *FacilitatorRepository) GetByID(ctx context.Context, id string) (*x402.Facilitator, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, endpoint, stats_path, auth_config, status, type
		 FROM facilitators WHERE id = ?`, id)
	return scanFacilitator(row)
}

// ListBatch returns up to limit facilitators in stable id order starting at
// offset. Both active and inactive facilitators are probed; only rows with
// some other state would be skipped, and none exist today.
func (r *FacilitatorRepository) ListBatch(ctx context.Context, offset, limit int) ([]x402.Facilitator, error) {
	return listBatch(ctx, r.db, offset, limit)
}

func listBatch(ctx context.Context, q dbtx, offset, limit int) ([]x402.Facilitator, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, tenant_id, endpoint, stats_path, auth_config, status, type
		 FROM facilitators
		 WHERE status IN ('active', 'inactive')
		 ORDER BY id
		 LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list facilitators: %w", err)
	}
	defer rows.Close()

	var out []x402.Facilitator
	for rows.Next() {
		f, err := scanFacilitator(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// PickActive selects the facilitator to execute a settlement for tenantID:
// a tenant-scoped active facilitator wins over a shared one, ties broken by
// id for stability.
func (r *FacilitatorRepository) PickActive(ctx context.Context, tenantID string) (*x402.Facilitator, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, endpoint, stats_path, auth_config, status, type
		 FROM facilitators
		 WHERE status = 'active' AND (tenant_id = ? OR tenant_id IS NULL)
		 ORDER BY tenant_id IS NULL, id
		 LIMIT 1`,
		nullable(tenantID),
	)
	return scanFacilitator(row)
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanFacilitator(row scannable) (*x402.Facilitator, error) {
	var (
		f          x402.Facilitator
		tenantID   sql.NullString
		statsPath  sql.NullString
		authConfig sql.NullString
		status     string
		ftype      sql.NullString
	)
	err := row.Scan(&f.ID, &tenantID, &f.Endpoint, &statsPath, &authConfig, &status, &ftype)
	if err == sql.ErrNoRows {
		return nil, x402.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan facilitator: %w", err)
	}
	f.TenantID = tenantID.String
	f.StatsPath = statsPath.String
	f.Status = x402.FacilitatorStatus(status)
	f.Type = ftype.String
	if authConfig.Valid {
		f.AuthConfig = json.RawMessage(authConfig.String)
	}
	return &f, nil
}

// UpsertHealth overwrites the facilitator's health row wholesale and stamps
// last_checked_at. Rows are never deleted.
func (r *FacilitatorRepository) UpsertHealth(ctx context.Context, h *x402.FacilitatorHealth) error {
	return upsertHealth(ctx, r.db, h)
}

func upsertHealth(ctx context.Context, q dbtx, h *x402.FacilitatorHealth) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO facilitator_health (facilitator_id, status, p95_verify_ms, p95_settle_ms, success_rate, latency_ms, last_checked_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(facilitator_id) DO UPDATE SET
		   status = excluded.status,
		   p95_verify_ms = excluded.p95_verify_ms,
		   p95_settle_ms = excluded.p95_settle_ms,
		   success_rate = excluded.success_rate,
		   latency_ms = excluded.latency_ms,
		   last_checked_at = excluded.last_checked_at,
		   last_error = excluded.last_error`,
		h.FacilitatorID, string(h.Status), h.P95VerifyMs, h.P95SettleMs, h.SuccessRate,
		h.LatencyMs, h.LastCheckedAt.UTC(), nullable(h.LastError),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert facilitator health: %w", err)
	}
	return nil
}

// GetHealth retrieves a facilitator's health row.
func (r *FacilitatorRepository) GetHealth(ctx context.Context, facilitatorID string) (*x402.FacilitatorHealth, error) {
	var (
		h           x402.FacilitatorHealth
		status      string
		p95Verify   sql.NullFloat64
		p95Settle   sql.NullFloat64
		successRate sql.NullFloat64
		lastChecked time.Time
		lastError   sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT facilitator_id, status, p95_verify_ms, p95_settle_ms, success_rate, latency_ms, last_checked_at, last_error
		 FROM facilitator_health WHERE facilitator_id = ?`,
		facilitatorID,
	).Scan(&h.FacilitatorID, &status, &p95Verify, &p95Settle, &successRate, &h.LatencyMs, &lastChecked, &lastError)

	if err == sql.ErrNoRows {
		return nil, x402.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get facilitator health: %w", err)
	}

	h.Status = x402.HealthStatus(status)
	h.P95VerifyMs = p95Verify.Float64
	h.P95SettleMs = p95Settle.Float64
	h.SuccessRate = successRate.Float64
	h.LastCheckedAt = lastChecked.UTC()
	h.LastError = lastError.String
	return &h, nil
}

// CursorTx scopes batch reads and health writes to the cursor transaction,
// so the whole probe cycle commits (or rolls back) with the cursor advance.
type CursorTx struct {
	tx *sql.Tx
}

// ListBatch reads the next facilitator batch inside the cursor transaction.
func (c *CursorTx) ListBatch(ctx context.Context, offset, limit int) ([]x402.Facilitator, error) {
	return listBatch(ctx, c.tx, offset, limit)
}

// UpsertHealth writes a probe outcome inside the cursor transaction.
func (c *CursorTx) UpsertHealth(ctx context.Context, h *x402.FacilitatorHealth) error {
	return upsertHealth(ctx, c.tx, h)
}

// WithCursor runs fn with the current offset for jobName inside a write
// transaction and persists the offset fn returns. The transaction takes the
// database write lock immediately (see Open), so overlapping invocations of
// the same job serialize here instead of double-processing a batch.
func (r *FacilitatorRepository) WithCursor(ctx context.Context, jobName string, fn func(ct *CursorTx, offset int) (int, error)) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin cursor transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO poll_cursors (job_name, next_offset) VALUES (?, 0)`, jobName,
	); err != nil {
		return fmt.Errorf("failed to ensure cursor row: %w", err)
	}

	var offset int
	if err := tx.QueryRowContext(ctx,
		`SELECT next_offset FROM poll_cursors WHERE job_name = ?`, jobName,
	).Scan(&offset); err != nil {
		return fmt.Errorf("failed to read cursor: %w", err)
	}

	next, err := fn(&CursorTx{tx: tx}, offset)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE poll_cursors SET next_offset = ?, updated_at = CURRENT_TIMESTAMP WHERE job_name = ?`,
		next, jobName,
	); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit cursor: %w", err)
	}
	return nil
}

// CursorOffset reads the persisted offset for a job, primarily for tests
// and admin surfaces.
func (r *FacilitatorRepository) CursorOffset(ctx context.Context, jobName string) (int, error) {
	var offset int
	err := r.db.QueryRowContext(ctx,
		`SELECT next_offset FROM poll_cursors WHERE job_name = ?`, jobName,
	).Scan(&offset)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read cursor: %w", err)
	}
	return offset, nil
}

// ListWithHealth joins facilitators with their latest health rows for the
// read-only discovery surface.
func (r *FacilitatorRepository) ListWithHealth(ctx context.Context) ([]FacilitatorWithHealth, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT f.id, f.tenant_id, f.endpoint, f.stats_path, f.auth_config, f.status, f.type,
		        h.status, h.p95_verify_ms, h.p95_settle_ms, h.success_rate, h.latency_ms, h.last_checked_at, h.last_error
		 FROM facilitators f
		 LEFT JOIN facilitator_health h ON h.facilitator_id = f.id
		 ORDER BY f.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list facilitators with health: %w", err)
	}
	defer rows.Close()

	var out []FacilitatorWithHealth
	for rows.Next() {
		var (
			f           x402.Facilitator
			tenantID    sql.NullString
			statsPath   sql.NullString
			authConfig  sql.NullString
			status      string
			ftype       sql.NullString
			hStatus     sql.NullString
			p95Verify   sql.NullFloat64
			p95Settle   sql.NullFloat64
			successRate sql.NullFloat64
			latencyMs   sql.NullInt64
			lastChecked sql.NullTime
			lastError   sql.NullString
		)
		if err := rows.Scan(&f.ID, &tenantID, &f.Endpoint, &statsPath, &authConfig, &status, &ftype,
			&hStatus, &p95Verify, &p95Settle, &successRate, &latencyMs, &lastChecked, &lastError); err != nil {
			return nil, fmt.Errorf("failed to scan facilitator row: %w", err)
		}
		f.TenantID = tenantID.String
		f.StatsPath = statsPath.String
		f.Status = x402.FacilitatorStatus(status)
		f.Type = ftype.String
		if authConfig.Valid {
			f.AuthConfig = json.RawMessage(authConfig.String)
		}

		fw := FacilitatorWithHealth{Facilitator: f}
		if hStatus.Valid {
			fw.Health = &x402.FacilitatorHealth{
				FacilitatorID: f.ID,
				Status:        x402.HealthStatus(hStatus.String),
				P95VerifyMs:   p95Verify.Float64,
				P95SettleMs:   p95Settle.Float64,
				SuccessRate:   successRate.Float64,
				LatencyMs:     latencyMs.Int64,
				LastCheckedAt: lastChecked.Time.UTC(),
				LastError:     lastError.String,
			}
		}
		out = append(out, fw)
	}
	return out, rows.Err()
}

// FacilitatorWithHealth pairs a facilitator with its latest health record,
// nil until the first probe cycle reaches it.
type FacilitatorWithHealth struct {
	Facilitator x402.Facilitator        `json:"facilitator"`
	Health      *x402.FacilitatorHealth `json:"health,omitempty"`
}
