package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Z333Q/p402-router/internal/x402"
)

func TestPolicySaveAndGetActive(t *testing.T) {
	repo := NewPolicyRepository(testDB(t))
	ctx := context.Background()

	p := &x402.Policy{
		PolicyID: "pol-1",
		TenantID: "tenant-1",
		Status:   "active",
		Version:  1,
		Rules: x402.PolicyRules{
			Budgets:   map[string]x402.BudgetRule{"agent-1": {DailyUSD: "10.00"}},
			RPMLimits: map[string]x402.RPMRule{"default": {RPM: 60}},
			DenyIf:    x402.DenyRules{LegacyXPaymentHeader: true},
		},
	}
	require.NoError(t, repo.Save(ctx, p))

	got, err := repo.GetActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-1", got.PolicyID)
	assert.Equal(t, "10.00", got.Rules.Budgets["agent-1"].DailyUSD)
	assert.Equal(t, 60, got.Rules.RPMLimits["default"].RPM)
	assert.True(t, got.Rules.DenyIf.LegacyXPaymentHeader)
}

func TestGetActivePrefersHighestVersion(t *testing.T) {
	repo := NewPolicyRepository(testDB(t))
	ctx := context.Background()

	v1 := &x402.Policy{PolicyID: "pol-1", TenantID: "tenant-1", Status: "active", Version: 1}
	v2 := &x402.Policy{PolicyID: "pol-2", TenantID: "tenant-1", Status: "active", Version: 2}
	require.NoError(t, repo.Save(ctx, v1))
	require.NoError(t, repo.Save(ctx, v2))

	got, err := repo.GetActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-2", got.PolicyID)
}

func TestGetActiveIgnoresRevoked(t *testing.T) {
	repo := NewPolicyRepository(testDB(t))
	ctx := context.Background()

	active := &x402.Policy{PolicyID: "pol-1", TenantID: "tenant-1", Status: "active", Version: 1}
	revoked := &x402.Policy{PolicyID: "pol-2", TenantID: "tenant-1", Status: "revoked", Version: 5}
	require.NoError(t, repo.Save(ctx, active))
	require.NoError(t, repo.Save(ctx, revoked))

	got, err := repo.GetActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "pol-1", got.PolicyID)

	// Revoking the last active policy leaves the tenant unconstrained.
	active.Status = "revoked"
	require.NoError(t, repo.Save(ctx, active))
	_, err = repo.GetActive(ctx, "tenant-1")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}
