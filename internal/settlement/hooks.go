package settlement

import (
	"context"
	"time"

	"github.com/Z333Q/p402-router/internal/x402"
)

// SettleContext is passed to before-settle hooks.
type SettleContext struct {
	Ctx       context.Context
	Request   x402.SettlementRequest
	Timestamp time.Time
}

// SettleResultContext is passed to after-settle hooks.
type SettleResultContext struct {
	SettleContext
	Result   x402.SettlementResult
	Duration time.Duration
}

// SettleFailureContext is passed to failure hooks.
type SettleFailureContext struct {
	SettleContext
	Error    *x402.PaymentError
	Duration time.Duration
}

// BeforeHookResult aborts the settlement with Reason when Abort is set.
type BeforeHookResult struct {
	Abort  bool
	Reason string
}

// BeforeSettleHook runs before policy evaluation. Returning an error or an
// aborting result stops the dispatch.
type BeforeSettleHook func(SettleContext) (*BeforeHookResult, error)

// AfterSettleHook runs after a successful settlement. Errors are logged,
// never propagated.
type AfterSettleHook func(SettleResultContext) error

// OnSettleFailureHook observes a failed settlement.
type OnSettleFailureHook func(SettleFailureContext)
