// Package settlement orchestrates a payment claim through policy
// enforcement, scheme-specific verification, replay reservation and the
// ledger write, producing a uniform settlement result.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Z333Q/p402-router/internal/facilitator"
	"github.com/Z333Q/p402-router/internal/policy"
	"github.com/Z333Q/p402-router/internal/x402"
)

// PolicyEnforcer gates a charge against tenant policy.
type PolicyEnforcer interface {
	Evaluate(ctx context.Context, charge policy.Charge) (*policy.Decision, error)
}

// ExactVerifier validates an EIP-3009 authorization, returning the payer.
type ExactVerifier interface {
	Verify(auth x402.ExactAuthorization) (string, error)
}

// OnchainVerifier confirms an already-executed transfer, returning the payer.
type OnchainVerifier interface {
	Verify(ctx context.Context, txHash, expectedTo string, expectedValue *big.Int) (string, error)
}

// Ledger is the append-only settlement store plus the replay reservation.
type Ledger interface {
	ReserveAndRecord(ctx context.Context, rec *x402.SettlementRecord) error
	GetByID(ctx context.Context, id string) (*x402.SettlementRecord, error)
}

// FacilitatorPicker selects the facilitator that executes exact settlements.
type FacilitatorPicker interface {
	PickActive(ctx context.Context, tenantID string) (*x402.Facilitator, error)
}

// Executor runs the on-chain execute phase against a remote facilitator.
type Executor interface {
	Execute(ctx context.Context, fac *x402.Facilitator, req facilitator.ExecuteRequest) (*facilitator.ExecuteResponse, error)
}

// RequestShape carries the transport-level signals the policy denyIf rules
// inspect, which the dispatcher cannot derive from the typed request alone.
type RequestShape struct {
	LegacyXPaymentHeader bool
	// RequiredAmount is the price of the resource being paid for, when the
	// caller knows it; used by the amountBelowRequired denial.
	RequiredAmount string
}

// Dispatcher routes a settlement request to the scheme-appropriate verifier
// and owns the verify -> execute -> reserve -> record ordering.
type Dispatcher struct {
	mu sync.RWMutex

	enforcer     PolicyEnforcer
	exact        ExactVerifier
	onchain      OnchainVerifier
	ledger       Ledger
	facilitators FacilitatorPicker
	executor     Executor

	// Treasury is the address every settlement must pay.
	Treasury string

	logger *slog.Logger

	beforeSettleHooks    []BeforeSettleHook
	afterSettleHooks     []AfterSettleHook
	onSettleFailureHooks []OnSettleFailureHook

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewDispatcher creates a settlement dispatcher.
func NewDispatcher(
	enforcer PolicyEnforcer,
	exact ExactVerifier,
	onchain OnchainVerifier,
	ledger Ledger,
	facilitators FacilitatorPicker,
	executor Executor,
	treasury string,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		enforcer:     enforcer,
		exact:        exact,
		onchain:      onchain,
		ledger:       ledger,
		facilitators: facilitators,
		executor:     executor,
		Treasury:     treasury,
		logger:       logger,
		Now:          time.Now,
	}
}

// OnBeforeSettle registers a hook that runs before policy evaluation.
func (d *Dispatcher) OnBeforeSettle(hook BeforeSettleHook) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.beforeSettleHooks = append(d.beforeSettleHooks, hook)
	return d
}

// OnAfterSettle registers a hook that observes successful settlements.
func (d *Dispatcher) OnAfterSettle(hook AfterSettleHook) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.afterSettleHooks = append(d.afterSettleHooks, hook)
	return d
}

// OnSettleFailure registers a hook that observes failed settlements.
func (d *Dispatcher) OnSettleFailure(hook OnSettleFailureHook) *Dispatcher {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onSettleFailureHooks = append(d.onSettleFailureHooks, hook)
	return d
}

// Settle runs the full dispatch: policy, scheme verification, replay
// reservation, ledger write. Verification failures never consume the replay
// slot; the reservation is the final gate before the ledger write.
func (d *Dispatcher) Settle(ctx context.Context, req *x402.SettlementRequest, shape RequestShape) (*x402.SettlementResult, error) {
	start := d.Now()
	hookCtx := SettleContext{Ctx: ctx, Request: *req, Timestamp: start}

	result, err := d.settle(ctx, req, shape)
	if err != nil {
		pe := x402.AsPaymentError(err)
		d.mu.RLock()
		failureHooks := d.onSettleFailureHooks
		d.mu.RUnlock()
		for _, hook := range failureHooks {
			hook(SettleFailureContext{SettleContext: hookCtx, Error: pe, Duration: d.Now().Sub(start)})
		}
		return nil, pe
	}

	d.mu.RLock()
	afterHooks := d.afterSettleHooks
	d.mu.RUnlock()
	resultCtx := SettleResultContext{SettleContext: hookCtx, Result: *result, Duration: d.Now().Sub(start)}
	for _, hook := range afterHooks {
		if err := hook(resultCtx); err != nil {
			d.logger.Warn("after-settle hook failed", slog.String("error", err.Error()))
		}
	}
	return result, nil
}

func (d *Dispatcher) settle(ctx context.Context, req *x402.SettlementRequest, shape RequestShape) (*x402.SettlementResult, error) {
	hookCtx := SettleContext{Ctx: ctx, Request: *req, Timestamp: d.Now()}
	d.mu.RLock()
	beforeHooks := d.beforeSettleHooks
	d.mu.RUnlock()
	for _, hook := range beforeHooks {
		result, err := hook(hookCtx)
		if err != nil {
			return nil, err
		}
		if result != nil && result.Abort {
			return nil, x402.NewPaymentError(x402.ErrCodePolicyDenied, result.Reason, nil)
		}
	}

	amountMicros, err := x402.AmountToMicros(req.Amount)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidInput, err.Error(), nil)
	}

	if req.TenantID != "" {
		if err := d.enforce(ctx, req, shape, amountMicros); err != nil {
			return nil, err
		}
	}

	var (
		payer         string
		txHash        string
		facilitatorID string
	)

	switch req.Authorization.Scheme {
	case x402.SchemeExact:
		payer, txHash, facilitatorID, err = d.settleExact(ctx, req)
	case x402.SchemeOnchain:
		payer, err = d.onchain.Verify(ctx, req.Authorization.Onchain.TxHash, d.Treasury, big.NewInt(amountMicros))
		txHash = req.Authorization.Onchain.TxHash
	case x402.SchemeReceipt:
		payer, txHash, facilitatorID, err = d.settleReceipt(ctx, req)
	default:
		err = x402.NewPaymentError(x402.ErrCodeInvalidInput,
			fmt.Sprintf("unsupported scheme: %s", req.Authorization.Scheme), nil)
	}
	if err != nil {
		return nil, err
	}

	proofKey, err := req.Authorization.ProofKey(req.Asset)
	if err != nil {
		return nil, x402.NewPaymentError(x402.ErrCodeInvalidInput, err.Error(), nil)
	}

	now := d.Now().UTC()
	rec := &x402.SettlementRecord{
		ID:            uuid.NewString(),
		ProofKey:      proofKey,
		Scheme:        req.Authorization.Scheme,
		TenantID:      req.TenantID,
		BuyerID:       req.BuyerID,
		Amount:        req.Amount,
		Asset:         req.Asset,
		PayerAddress:  payer,
		FacilitatorID: facilitatorID,
		TxHash:        txHash,
		Outcome:       "settled",
		VerifiedAt:    now,
	}

	if err := d.ledger.ReserveAndRecord(ctx, rec); err != nil {
		if errors.Is(err, x402.ErrDuplicateProofKey) {
			return nil, x402.NewPaymentError(x402.ErrCodeReplayDetected,
				"payment proof was already consumed",
				map[string]interface{}{"proofKey": proofKey})
		}
		return nil, fmt.Errorf("failed to record settlement: %w", err)
	}

	d.logger.Info("settlement recorded",
		slog.String("scheme", string(rec.Scheme)),
		slog.String("proofKey", proofKey),
		slog.String("facilitatorId", facilitatorID))

	return &x402.SettlementResult{
		Settled:       true,
		SettlementID:  rec.ID,
		Scheme:        rec.Scheme,
		FacilitatorID: facilitatorID,
		Payer:         payer,
		Receipt: x402.Receipt{
			TxHash:         txHash,
			PaymentHash:    proofKey,
			VerifiedAmount: req.Amount,
			Asset:          req.Asset,
			Timestamp:      now,
		},
	}, nil
}

func (d *Dispatcher) enforce(ctx context.Context, req *x402.SettlementRequest, shape RequestShape, amountMicros int64) error {
	hasSignature := req.Authorization.Scheme != x402.SchemeExact ||
		(req.Authorization.Exact != nil && req.Authorization.Exact.Signature != "")

	belowRequired := false
	if shape.RequiredAmount != "" {
		required, err := x402.AmountToMicros(shape.RequiredAmount)
		if err == nil && amountMicros < required {
			belowRequired = true
		}
	}

	decision, err := d.enforcer.Evaluate(ctx, policy.Charge{
		TenantID:             req.TenantID,
		BuyerID:              req.BuyerID,
		AmountMicros:         amountMicros,
		LegacyXPaymentHeader: shape.LegacyXPaymentHeader,
		HasPaymentSignature:  hasSignature,
		AmountBelowRequired:  belowRequired,
	})
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if !decision.Allowed {
		details := map[string]interface{}{"reasons": decision.Reasons}
		if decision.PolicyID != "" {
			details["policyId"] = decision.PolicyID
		}
		return x402.NewPaymentError(x402.ErrCodePolicyDenied, "settlement denied by tenant policy", details)
	}
	return nil
}

// settleExact runs the two-phase exact contract: verify the signature
// locally, then hand the authorization to a facilitator for on-chain
// execution and await its transaction hash. A verified signature alone is
// never treated as settlement.
func (d *Dispatcher) settleExact(ctx context.Context, req *x402.SettlementRequest) (payer, txHash, facilitatorID string, err error) {
	auth := req.Authorization.Exact

	if !strings.EqualFold(auth.To, d.Treasury) {
		return "", "", "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"authorization recipient does not match the treasury",
			map[string]interface{}{"expected": d.Treasury, "actual": auth.To})
	}

	payer, err = d.exact.Verify(*auth)
	if err != nil {
		return "", "", "", err
	}

	fac, err := d.facilitators.PickActive(ctx, req.TenantID)
	if err != nil {
		if errors.Is(err, x402.ErrNotFound) {
			return "", "", "", x402.NewPaymentError(x402.ErrCodeInternal,
				"no active facilitator available for execution", nil)
		}
		return "", "", "", fmt.Errorf("failed to pick facilitator: %w", err)
	}

	resp, err := d.executor.Execute(ctx, fac, facilitator.ExecuteRequest{
		Authorization: *auth,
		Amount:        req.Amount,
		Asset:         req.Asset,
	})
	if err != nil {
		return "", "", "", fmt.Errorf("facilitator execution failed: %w", err)
	}
	if !resp.Success {
		return "", "", "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"facilitator rejected the settlement",
			map[string]interface{}{"reason": resp.ErrorReason, "facilitatorId": fac.ID})
	}

	return payer, resp.Transaction, fac.ID, nil
}

// settleReceipt re-derives the financial outcome of a previously recorded
// settlement without contacting the chain.
func (d *Dispatcher) settleReceipt(ctx context.Context, req *x402.SettlementRequest) (payer, txHash, facilitatorID string, err error) {
	prior, err := d.ledger.GetByID(ctx, req.Authorization.Receipt.ReceiptID)
	if err != nil {
		if errors.Is(err, x402.ErrNotFound) {
			return "", "", "", x402.NewPaymentError(x402.ErrCodeNotFound,
				"unknown receipt",
				map[string]interface{}{"receiptId": req.Authorization.Receipt.ReceiptID})
		}
		return "", "", "", fmt.Errorf("failed to look up receipt: %w", err)
	}

	if prior.Outcome != "settled" {
		return "", "", "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"receipt does not reference a settled payment", nil)
	}
	if !strings.EqualFold(prior.Asset, req.Asset) {
		return "", "", "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"receipt asset does not match request",
			map[string]interface{}{"expected": req.Asset, "actual": prior.Asset})
	}

	priorMicros, err := x402.AmountToMicros(prior.Amount)
	if err != nil {
		return "", "", "", fmt.Errorf("stored receipt has malformed amount: %w", err)
	}
	reqMicros, _ := x402.AmountToMicros(req.Amount)
	if priorMicros < reqMicros {
		return "", "", "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"receipt amount is below the requested charge",
			map[string]interface{}{"receiptAmount": prior.Amount, "requested": req.Amount})
	}

	return prior.PayerAddress, prior.TxHash, prior.FacilitatorID, nil
}
