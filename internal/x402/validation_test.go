package x402

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var validNonce = "0x" + strings.Repeat("11", 32)

func validExactBody() string {
	return fmt.Sprintf(`{
		"tenantId": "tenant-1",
		"buyerId": "agent-1",
		"amount": "0.10",
		"asset": "USDC",
		"authorization": {
			"scheme": "exact",
			"exact": {
				"from": "0x1111111111111111111111111111111111111111",
				"to": "0x2222222222222222222222222222222222222222",
				"value": "100000",
				"validAfter": "0",
				"validBefore": "99999999999",
				"nonce": "%s",
				"signature": "0x%s"
			}
		}
	}`, validNonce, strings.Repeat("ab", 65))
}

func TestValidateSettlementRequest(t *testing.T) {
	req, errs := ValidateSettlementRequest([]byte(validExactBody()))
	require.Empty(t, errs)
	require.NotNil(t, req)
	assert.Equal(t, "tenant-1", req.TenantID)
	assert.Equal(t, SchemeExact, req.Authorization.Scheme)
}

func TestValidateSettlementRequestRejects(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(string) string
		wantHint string
	}{
		{
			name:     "not json",
			mutate:   func(s string) string { return "{" },
			wantHint: "",
		},
		{
			name:     "missing amount",
			mutate:   func(s string) string { return strings.Replace(s, `"amount": "0.10",`, "", 1) },
			wantHint: "amount",
		},
		{
			name:     "malformed amount",
			mutate:   func(s string) string { return strings.Replace(s, `"0.10"`, `"1,000"`, 1) },
			wantHint: "amount",
		},
		{
			name:     "unknown scheme",
			mutate:   func(s string) string { return strings.Replace(s, `"exact",`, `"svm",`, 1) },
			wantHint: "scheme",
		},
		{
			name:     "short nonce",
			mutate:   func(s string) string { return strings.Replace(s, validNonce, "0x1234", 1) },
			wantHint: "nonce",
		},
		{
			name: "short signature",
			mutate: func(s string) string {
				return strings.Replace(s, strings.Repeat("ab", 65), strings.Repeat("ab", 10), 1)
			},
			wantHint: "signature",
		},
		{
			name: "bad from address",
			mutate: func(s string) string {
				return strings.Replace(s, "0x1111111111111111111111111111111111111111", "0x1111", 1)
			},
			wantHint: "from",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, errs := ValidateSettlementRequest([]byte(tt.mutate(validExactBody())))
			assert.Nil(t, req)
			require.NotEmpty(t, errs)
			if tt.wantHint != "" {
				assert.Contains(t, strings.Join(errs, "; "), tt.wantHint)
			}
		})
	}
}

func TestValidateSettlementRequestOnchain(t *testing.T) {
	body := `{
		"amount": "1.00",
		"asset": "USDC",
		"authorization": {
			"scheme": "onchain",
			"onchain": {"txHash": "0x` + strings.Repeat("cd", 32) + `"}
		}
	}`
	req, errs := ValidateSettlementRequest([]byte(body))
	require.Empty(t, errs)
	assert.Equal(t, SchemeOnchain, req.Authorization.Scheme)

	// A malformed tx hash is a field error, not a parse failure.
	bad := strings.Replace(body, strings.Repeat("cd", 32), "nothex", 1)
	req, errs = ValidateSettlementRequest([]byte(bad))
	assert.Nil(t, req)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "txHash")
}

func TestValidateSettlementRequestPayloadMismatch(t *testing.T) {
	body := `{
		"amount": "1.00",
		"asset": "USDC",
		"authorization": {
			"scheme": "receipt",
			"receipt": {"receiptId": "r-1"},
			"onchain": {"txHash": "0x` + strings.Repeat("cd", 32) + `"}
		}
	}`
	req, errs := ValidateSettlementRequest([]byte(body))
	assert.Nil(t, req)
	require.NotEmpty(t, errs)
	assert.Contains(t, strings.Join(errs, "; "), "exactly one scheme payload")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(ErrCodeInvalidInput))
	assert.Equal(t, 400, HTTPStatus(ErrCodeInvalidSignature))
	assert.Equal(t, 400, HTTPStatus(ErrCodeAuthorizationExpired))
	assert.Equal(t, 400, HTTPStatus(ErrCodeVerificationFailed))
	assert.Equal(t, 403, HTTPStatus(ErrCodePolicyDenied))
	assert.Equal(t, 409, HTTPStatus(ErrCodeReplayDetected))
	assert.Equal(t, 404, HTTPStatus(ErrCodeNotFound))
	assert.Equal(t, 500, HTTPStatus(ErrCodeInternal))
	assert.Equal(t, 500, HTTPStatus("SOMETHING_ELSE"))
}
