package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Z333Q/p402-router/internal/x402"
)

// PolicyRepository reads and writes tenant spending policies. The settlement
// path only reads; mutation happens through tenant configuration actions.
type PolicyRepository struct {
	db *sql.DB
}

// NewPolicyRepository creates a new policy repository.
func NewPolicyRepository(db *sql.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// Save upserts a policy document.
func (r *PolicyRepository) Save(ctx context.Context, p *x402.Policy) error {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return fmt.Errorf("failed to marshal policy rules: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO policies (policy_id, tenant_id, rules, status, version)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(policy_id) DO UPDATE SET
		   tenant_id = excluded.tenant_id,
		   rules = excluded.rules,
		   status = excluded.status,
		   version = excluded.version`,
		p.PolicyID, p.TenantID, string(rules), p.Status, p.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to save policy: %w", err)
	}
	return nil
}

// GetActive returns the tenant's highest-version active policy.
// Revoked policies are inert and never returned.
func (r *PolicyRepository) GetActive(ctx context.Context, tenantID string) (*x402.Policy, error) {
	var (
		p     x402.Policy
		rules string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT policy_id, tenant_id, rules, status, version FROM policies
		 WHERE tenant_id = ? AND status = 'active'
		 ORDER BY version DESC LIMIT 1`,
		tenantID,
	).Scan(&p.PolicyID, &p.TenantID, &rules, &p.Status, &p.Version)

	if err == sql.ErrNoRows {
		return nil, x402.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get policy: %w", err)
	}

	if err := json.Unmarshal([]byte(rules), &p.Rules); err != nil {
		return nil, fmt.Errorf("failed to decode policy rules: %w", err)
	}
	return &p, nil
}
