// Package policy gates settlement against per-tenant budgets, rate limits
// and structural request-shape denials.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Z333Q/p402-router/internal/x402"
)

// rateWindow is the rolling window for rpm evaluation.
const rateWindow = time.Minute

// Charge describes the proposed settlement the enforcer evaluates.
type Charge struct {
	TenantID     string
	BuyerID      string
	AmountMicros int64

	// Request-shape signals for the denyIf rules.
	LegacyXPaymentHeader bool
	HasPaymentSignature  bool
	AmountBelowRequired  bool
}

// Decision is the outcome of policy evaluation. Denials carry human-readable
// reasons for diagnostics; allows carry the resolved budget bucket so the
// dispatcher can commit the increment atomically with the ledger write.
type Decision struct {
	Allowed  bool
	Reasons  []string
	PolicyID string

	// BudgetRemainingMicros is the headroom after this charge, -1 when the
	// buyer is unlimited.
	BudgetRemainingMicros int64
}

// PolicySource loads a tenant's active policy document.
type PolicySource interface {
	GetActive(ctx context.Context, tenantID string) (*x402.Policy, error)
}

// SpendSource reads the running spend and rate counters.
type SpendSource interface {
	DailySpendMicros(ctx context.Context, tenantID, buyerID string, at time.Time) (int64, error)
	CountRateEvents(ctx context.Context, tenantID, buyerID string, since time.Time) (int, error)
}

// Enforcer evaluates charges against tenant policy. Read-only: counters are
// incremented by the ledger write, not here.
type Enforcer struct {
	policies PolicySource
	spend    SpendSource
	logger   *slog.Logger

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewEnforcer creates a policy enforcer.
func NewEnforcer(policies PolicySource, spend SpendSource, logger *slog.Logger) *Enforcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enforcer{policies: policies, spend: spend, logger: logger, Now: time.Now}
}

// Evaluate checks the charge against the tenant's active policy, rules in
// order with short-circuit on first failure: structural denials, then the
// daily budget, then the rolling rate limit. A tenant without an active
// policy is unconstrained.
func (e *Enforcer) Evaluate(ctx context.Context, charge Charge) (*Decision, error) {
	pol, err := e.policies.GetActive(ctx, charge.TenantID)
	if errors.Is(err, x402.ErrNotFound) {
		return &Decision{Allowed: true, BudgetRemainingMicros: -1}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load policy for tenant %s: %w", charge.TenantID, err)
	}

	if reasons := e.structuralDenials(pol.Rules.DenyIf, charge); len(reasons) > 0 {
		e.logger.Info("policy denied settlement",
			slog.String("tenantId", charge.TenantID),
			slog.String("policyId", pol.PolicyID),
			slog.Any("reasons", reasons))
		return &Decision{Allowed: false, Reasons: reasons, PolicyID: pol.PolicyID}, nil
	}

	remaining, reason, err := e.checkBudget(ctx, pol, charge)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &Decision{Allowed: false, Reasons: []string{reason}, PolicyID: pol.PolicyID}, nil
	}

	reason, err = e.checkRate(ctx, pol, charge)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return &Decision{Allowed: false, Reasons: []string{reason}, PolicyID: pol.PolicyID}, nil
	}

	return &Decision{Allowed: true, PolicyID: pol.PolicyID, BudgetRemainingMicros: remaining}, nil
}

func (e *Enforcer) structuralDenials(rules x402.DenyRules, charge Charge) []string {
	var reasons []string
	if rules.LegacyXPaymentHeader && charge.LegacyXPaymentHeader {
		reasons = append(reasons, "request used the legacy X-Payment header")
	}
	if rules.MissingPaymentSignature && !charge.HasPaymentSignature {
		reasons = append(reasons, "request carries no payment signature")
	}
	if rules.AmountBelowRequired && charge.AmountBelowRequired {
		reasons = append(reasons, "offered amount is below the required price")
	}
	return reasons
}

// checkBudget resolves the buyer's daily budget, falling back to the
// "default" entry; a buyer with neither is unlimited. Returns remaining
// headroom after the charge, or a denial reason.
func (e *Enforcer) checkBudget(ctx context.Context, pol *x402.Policy, charge Charge) (int64, string, error) {
	rule, ok := pol.Rules.Budgets[charge.BuyerID]
	if !ok {
		rule, ok = pol.Rules.Budgets["default"]
	}
	if !ok {
		return -1, "", nil
	}

	limitMicros, err := x402.AmountToMicros(rule.DailyUSD)
	if err != nil {
		return 0, "", fmt.Errorf("policy %s has malformed budget %q: %w", pol.PolicyID, rule.DailyUSD, err)
	}

	spent, err := e.spend.DailySpendMicros(ctx, charge.TenantID, charge.BuyerID, e.Now())
	if err != nil {
		return 0, "", fmt.Errorf("failed to read daily spend: %w", err)
	}

	if spent+charge.AmountMicros > limitMicros {
		return 0, fmt.Sprintf("daily budget exceeded: spent %s of %s USD, charge %s",
			x402.MicrosToAmount(spent), rule.DailyUSD, x402.MicrosToAmount(charge.AmountMicros)), nil
	}
	return limitMicros - spent - charge.AmountMicros, "", nil
}

func (e *Enforcer) checkRate(ctx context.Context, pol *x402.Policy, charge Charge) (string, error) {
	rule, ok := pol.Rules.RPMLimits[charge.BuyerID]
	if !ok {
		rule, ok = pol.Rules.RPMLimits["default"]
	}
	if !ok || rule.RPM <= 0 {
		return "", nil
	}

	count, err := e.spend.CountRateEvents(ctx, charge.TenantID, charge.BuyerID, e.Now().Add(-rateWindow))
	if err != nil {
		return "", fmt.Errorf("failed to count rate events: %w", err)
	}
	if count >= rule.RPM {
		return fmt.Sprintf("rate limit exceeded: %d requests in the last minute, limit %d", count, rule.RPM), nil
	}
	return "", nil
}
