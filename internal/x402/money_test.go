package x402

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAmountToMicros(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		want    int64
		wantErr bool
	}{
		{name: "whole dollars", amount: "10", want: 10_000_000},
		{name: "two decimals", amount: "0.05", want: 50_000},
		{name: "bare fraction", amount: ".5", want: 500_000},
		{name: "full resolution", amount: "1.234567", want: 1_234_567},
		{name: "zero", amount: "0", want: 0},
		{name: "too many fractional digits", amount: "0.1234567", wantErr: true},
		{name: "negative", amount: "-1", wantErr: true},
		{name: "exponent", amount: "1e6", wantErr: true},
		{name: "empty", amount: "", wantErr: true},
		{name: "thousands separator", amount: "1,000", wantErr: true},
		{name: "trailing dot", amount: "10.", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := AmountToMicros(tt.amount)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMicrosToAmount(t *testing.T) {
	assert.Equal(t, "10.00", MicrosToAmount(10_000_000))
	assert.Equal(t, "0.05", MicrosToAmount(50_000))
	assert.Equal(t, "1.234567", MicrosToAmount(1_234_567))
	assert.Equal(t, "0.50", MicrosToAmount(500_000))
	assert.Equal(t, "0.00", MicrosToAmount(0))
}

func TestAmountRoundTrip(t *testing.T) {
	for _, amount := range []string{"10.00", "0.01", "9.99", "123.4567"} {
		micros, err := AmountToMicros(amount)
		require.NoError(t, err)
		back, err := AmountToMicros(MicrosToAmount(micros))
		require.NoError(t, err)
		assert.Equal(t, micros, back, "amount %s", amount)
	}
}

func TestProofKey(t *testing.T) {
	exact := PaymentAuthorization{
		Scheme: SchemeExact,
		Exact: &ExactAuthorization{
			From:  "0xAbC0000000000000000000000000000000000001",
			To:    "0xDeF0000000000000000000000000000000000002",
			Nonce: "0xAA00000000000000000000000000000000000000000000000000000000000001",
		},
	}
	key, err := exact.ProofKey("USDC")
	require.NoError(t, err)
	assert.Equal(t,
		"exact:0xabc0000000000000000000000000000000000001:0xdef0000000000000000000000000000000000002:usdc:0xaa00000000000000000000000000000000000000000000000000000000000001",
		key)

	onchain := PaymentAuthorization{Scheme: SchemeOnchain, Onchain: &OnchainReference{TxHash: "0xBEEF"}}
	key, err = onchain.ProofKey("USDC")
	require.NoError(t, err)
	assert.Equal(t, "onchain:0xbeef", key)

	receipt := PaymentAuthorization{Scheme: SchemeReceipt, Receipt: &ReceiptReference{ReceiptID: "abc-123"}}
	key, err = receipt.ProofKey("USDC")
	require.NoError(t, err)
	assert.Equal(t, "receipt:abc-123", key)

	_, err = PaymentAuthorization{Scheme: SchemeExact}.ProofKey("USDC")
	assert.Error(t, err)
	_, err = PaymentAuthorization{Scheme: "svm"}.ProofKey("USDC")
	assert.Error(t, err)
}
