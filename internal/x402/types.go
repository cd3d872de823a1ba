// Package x402 holds the wire types and error taxonomy shared by the
// settlement and facilitator-health core.
package x402

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Scheme identifies how a payment claim is proven.
type Scheme string

const (
	// SchemeExact is a gasless EIP-3009 transfer authorization signed
	// off-chain by the payer and executed on-chain by a facilitator.
	SchemeExact Scheme = "exact"
	// SchemeOnchain references a transfer that already happened, by tx hash.
	SchemeOnchain Scheme = "onchain"
	// SchemeReceipt re-presents a previously settled payment by receipt id.
	SchemeReceipt Scheme = "receipt"
)

// Valid reports whether s is a known scheme.
func (s Scheme) Valid() bool {
	switch s {
	case SchemeExact, SchemeOnchain, SchemeReceipt:
		return true
	}
	return false
}

// ExactAuthorization carries the EIP-3009 TransferWithAuthorization fields
// plus the payer's EIP-712 signature.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
	Signature   string `json:"signature"`
}

// OnchainReference points at an already-executed transfer.
type OnchainReference struct {
	TxHash string `json:"txHash"`
}

// ReceiptReference re-presents a prior settlement.
type ReceiptReference struct {
	ReceiptID string `json:"receiptId"`
}

// PaymentAuthorization is a tagged union over the supported schemes.
// Exactly one scheme-specific payload is present, matching Scheme.
type PaymentAuthorization struct {
	Scheme  Scheme              `json:"scheme"`
	Exact   *ExactAuthorization `json:"exact,omitempty"`
	Onchain *OnchainReference   `json:"onchain,omitempty"`
	Receipt *ReceiptReference   `json:"receipt,omitempty"`
}

// ProofKey derives the durable uniqueness token for this authorization.
// For exact payments the signed nonce is scoped to from, to and asset so
// the same nonce under a different counterparty is a different key.
func (a PaymentAuthorization) ProofKey(asset string) (string, error) {
	switch a.Scheme {
	case SchemeExact:
		if a.Exact == nil {
			return "", fmt.Errorf("exact payload is required")
		}
		return strings.ToLower(fmt.Sprintf("exact:%s:%s:%s:%s",
			a.Exact.From, a.Exact.To, asset, a.Exact.Nonce)), nil
	case SchemeOnchain:
		if a.Onchain == nil {
			return "", fmt.Errorf("onchain payload is required")
		}
		return "onchain:" + strings.ToLower(a.Onchain.TxHash), nil
	case SchemeReceipt:
		if a.Receipt == nil {
			return "", fmt.Errorf("receipt payload is required")
		}
		return "receipt:" + a.Receipt.ReceiptID, nil
	default:
		return "", fmt.Errorf("unsupported scheme: %s", a.Scheme)
	}
}

// SettlementRequest is the inbound claim presented by a buyer.
type SettlementRequest struct {
	TenantID      string               `json:"tenantId,omitempty"`
	BuyerID       string               `json:"buyerId,omitempty"`
	DecisionID    string               `json:"decisionId,omitempty"`
	Amount        string               `json:"amount"`
	Asset         string               `json:"asset"`
	Authorization PaymentAuthorization `json:"authorization"`
}

// Receipt summarizes the financial outcome of a settlement.
type Receipt struct {
	TxHash         string    `json:"txHash,omitempty"`
	PaymentHash    string    `json:"paymentHash,omitempty"`
	VerifiedAmount string    `json:"verifiedAmount"`
	Asset          string    `json:"asset"`
	Timestamp      time.Time `json:"timestamp"`
}

// SettlementResult is the uniform success response from the dispatcher.
// SettlementID is the ledger record id, usable later as a receipt reference
// or for lookup.
type SettlementResult struct {
	Settled       bool    `json:"settled"`
	SettlementID  string  `json:"settlementId"`
	Scheme        Scheme  `json:"scheme"`
	FacilitatorID string  `json:"facilitatorId,omitempty"`
	Payer         string  `json:"payer,omitempty"`
	Receipt       Receipt `json:"receipt"`
}

// SettlementRecord is the append-only ledger row. Created exactly once per
// proof key and never updated or deleted.
type SettlementRecord struct {
	ID            string    `json:"id"`
	ProofKey      string    `json:"proofKey"`
	Scheme        Scheme    `json:"scheme"`
	TenantID      string    `json:"tenantId,omitempty"`
	BuyerID       string    `json:"buyerId,omitempty"`
	Amount        string    `json:"amount"`
	Asset         string    `json:"asset"`
	PayerAddress  string    `json:"payerAddress,omitempty"`
	FacilitatorID string    `json:"facilitatorId,omitempty"`
	TxHash        string    `json:"txHash,omitempty"`
	Outcome       string    `json:"outcome"`
	VerifiedAt    time.Time `json:"verifiedAt"`
}

// FacilitatorStatus is the configured availability of a facilitator.
type FacilitatorStatus string

const (
	FacilitatorActive   FacilitatorStatus = "active"
	FacilitatorInactive FacilitatorStatus = "inactive"
)

// Facilitator is a remote service that executes on-chain settlement.
// An empty TenantID denotes a globally shared facilitator.
type Facilitator struct {
	ID         string            `json:"facilitatorId"`
	TenantID   string            `json:"tenantId,omitempty"`
	Endpoint   string            `json:"endpoint"`
	StatsPath  string            `json:"statsPath,omitempty"`
	AuthConfig json.RawMessage   `json:"authConfig,omitempty"`
	Status     FacilitatorStatus `json:"status"`
	Type       string            `json:"type,omitempty"`
}

// HealthStatus classifies a facilitator's probed health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthDegraded HealthStatus = "degraded"
	HealthDown     HealthStatus = "down"
)

// FacilitatorHealth is the per-facilitator health record, overwritten by
// every probe cycle and never deleted.
type FacilitatorHealth struct {
	FacilitatorID string       `json:"facilitatorId"`
	Status        HealthStatus `json:"status"`
	P95VerifyMs   float64      `json:"p95VerifyMs,omitempty"`
	P95SettleMs   float64      `json:"p95SettleMs,omitempty"`
	SuccessRate   float64      `json:"successRate,omitempty"`
	LatencyMs     int64        `json:"latencyMs"`
	LastCheckedAt time.Time    `json:"lastCheckedAt"`
	LastError     string       `json:"lastError,omitempty"`
}

// PollCursor marks progress through the repeatedly-scanned facilitator set.
// One row per job name, advanced after each batch, wrapping to zero when the
// end of the set is reached.
type PollCursor struct {
	JobName string `json:"jobName"`
	Offset  int    `json:"offset"`
}

// Policy is a tenant's active spending policy document. Read-only from the
// settlement path; revoked policies are inert.
type Policy struct {
	PolicyID string      `json:"policyId"`
	TenantID string      `json:"tenantId"`
	Rules    PolicyRules `json:"rules"`
	Status   string      `json:"status"`
	Version  int         `json:"version"`
}

// PolicyRules holds the rule sets evaluated by the enforcer, keyed by buyer
// id with an optional "default" fallback entry.
type PolicyRules struct {
	Budgets   map[string]BudgetRule `json:"budgets,omitempty"`
	RPMLimits map[string]RPMRule    `json:"rpmLimits,omitempty"`
	DenyIf    DenyRules             `json:"denyIf,omitempty"`
}

// BudgetRule caps a buyer's spend per UTC day, in USD.
type BudgetRule struct {
	DailyUSD string `json:"dailyUsd"`
}

// RPMRule caps a buyer's requests per rolling minute.
type RPMRule struct {
	RPM int `json:"rpm"`
}

// DenyRules are structural request-shape denials checked before any
// budget or rate arithmetic.
type DenyRules struct {
	LegacyXPaymentHeader    bool `json:"legacyXPaymentHeader,omitempty"`
	MissingPaymentSignature bool `json:"missingPaymentSignature,omitempty"`
	AmountBelowRequired     bool `json:"amountBelowRequired,omitempty"`
}
