package verify

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/Z333Q/p402-router/internal/x402"
)

// TokenTransfer is the decoded effect of an on-chain transaction as reported
// by the chain client.
type TokenTransfer struct {
	TxHash      string
	From        string
	To          string
	Value       *big.Int
	BlockNumber uint64
}

// ChainClient is the typed contract with the underlying blockchain RPC,
// which this core treats as a black box.
type ChainClient interface {
	// TransferByHash returns the token transfer executed by txHash, or
	// x402.ErrNotFound when the transaction is unknown or not yet mined.
	TransferByHash(ctx context.Context, txHash string) (*TokenTransfer, error)

	// BlockNumber returns the current chain head.
	BlockNumber(ctx context.Context) (uint64, error)
}

// OnchainVerifier confirms that a referenced transaction transferred the
// expected amount to the expected recipient and is final. Stateless aside
// from the RPC calls.
type OnchainVerifier struct {
	Client           ChainClient
	MinConfirmations uint64
	// ToleranceBps allows the transferred value to undershoot the expected
	// value by this many basis points before verification fails.
	ToleranceBps int64
}

// NewOnchainVerifier creates a verifier with the given finality depth.
func NewOnchainVerifier(client ChainClient, minConfirmations uint64) *OnchainVerifier {
	return &OnchainVerifier{
		Client:           client,
		MinConfirmations: minConfirmations,
		ToleranceBps:     10,
	}
}

// Verify fetches the transaction and checks recipient, amount and finality.
// Returns the payer address on success.
func (v *OnchainVerifier) Verify(ctx context.Context, txHash, expectedTo string, expectedValue *big.Int) (string, error) {
	transfer, err := v.Client.TransferByHash(ctx, txHash)
	if err != nil {
		if errors.Is(err, x402.ErrNotFound) {
			return "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
				"transaction not found on chain",
				map[string]interface{}{"txHash": txHash})
		}
		return "", fmt.Errorf("failed to fetch transaction %s: %w", txHash, err)
	}

	if !strings.EqualFold(transfer.To, expectedTo) {
		return "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"transaction recipient does not match",
			map[string]interface{}{"expected": expectedTo, "actual": transfer.To})
	}

	if !v.amountWithinTolerance(transfer.Value, expectedValue) {
		return "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"transferred amount does not match",
			map[string]interface{}{
				"expected": expectedValue.String(),
				"actual":   transfer.Value.String(),
			})
	}

	head, err := v.Client.BlockNumber(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to fetch block number: %w", err)
	}
	confirmations := uint64(0)
	if head >= transfer.BlockNumber {
		confirmations = head - transfer.BlockNumber + 1
	}
	if confirmations < v.MinConfirmations {
		return "", x402.NewPaymentError(x402.ErrCodeVerificationFailed,
			"transaction lacks required confirmation depth",
			map[string]interface{}{
				"confirmations": confirmations,
				"required":      v.MinConfirmations,
			})
	}

	return transfer.From, nil
}

// amountWithinTolerance accepts actual >= expected, or an undershoot within
// ToleranceBps of expected.
func (v *OnchainVerifier) amountWithinTolerance(actual, expected *big.Int) bool {
	if actual.Cmp(expected) >= 0 {
		return true
	}
	shortfall := new(big.Int).Sub(expected, actual)
	shortfall.Mul(shortfall, big.NewInt(10_000))
	allowed := new(big.Int).Mul(expected, big.NewInt(v.ToleranceBps))
	return shortfall.Cmp(allowed) <= 0
}
