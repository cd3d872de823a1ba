package x402

import (
	"errors"
	"fmt"
	"net/http"
)

// PaymentError is the structured failure shape surfaced to callers.
type PaymentError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes, part of the external contract.
const (
	ErrCodeInvalidInput         = "INVALID_INPUT"
	ErrCodePolicyDenied         = "POLICY_DENIED"
	ErrCodeInvalidSignature     = "INVALID_SIGNATURE"
	ErrCodeAuthorizationExpired = "AUTHORIZATION_EXPIRED"
	ErrCodeVerificationFailed   = "VERIFICATION_FAILED"
	ErrCodeReplayDetected       = "REPLAY_DETECTED"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeInternal             = "INTERNAL"
)

// NewPaymentError creates a new payment error.
func NewPaymentError(code, message string, details map[string]interface{}) *PaymentError {
	return &PaymentError{Code: code, Message: message, Details: details}
}

// HTTPStatus maps an error code to its response status.
func HTTPStatus(code string) int {
	switch code {
	case ErrCodeInvalidInput, ErrCodeInvalidSignature, ErrCodeAuthorizationExpired, ErrCodeVerificationFailed:
		return http.StatusBadRequest
	case ErrCodePolicyDenied:
		return http.StatusForbidden
	case ErrCodeReplayDetected:
		return http.StatusConflict
	case ErrCodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// AsPaymentError extracts a *PaymentError from err, wrapping unknown errors
// as internal faults so callers always see the structured shape.
func AsPaymentError(err error) *PaymentError {
	var pe *PaymentError
	if errors.As(err, &pe) {
		return pe
	}
	return NewPaymentError(ErrCodeInternal, err.Error(), nil)
}

// Sentinel store errors.
var (
	// ErrDuplicateProofKey is returned when a replay key was already reserved.
	ErrDuplicateProofKey = errors.New("proof key already reserved")
	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("not found")
)
