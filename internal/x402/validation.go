package x402

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xeipuuv/gojsonschema"
)

// requestSchemaJSON is the envelope schema for a settlement request.
// Scheme-specific payload shapes are checked structurally afterwards so
// the field errors can name the exact offending field.
const requestSchemaJSON = `{
  "type": "object",
  "required": ["amount", "asset", "authorization"],
  "properties": {
    "tenantId": {"type": "string"},
    "buyerId": {"type": "string"},
    "decisionId": {"type": "string"},
    "amount": {"type": "string", "pattern": "^\\d*\\.?\\d+$"},
    "asset": {"type": "string", "minLength": 2, "maxLength": 10},
    "authorization": {
      "type": "object",
      "required": ["scheme"],
      "properties": {
        "scheme": {"type": "string", "enum": ["exact", "onchain", "receipt"]},
        "exact": {"type": "object"},
        "onchain": {"type": "object"},
        "receipt": {"type": "object"}
      }
    }
  }
}`

var requestSchema = gojsonschema.NewStringLoader(requestSchemaJSON)

var (
	hash32Pattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	sigPattern    = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
	uintPattern   = regexp.MustCompile(`^\d+$`)
)

// ValidateSettlementRequest checks raw against the request schema and the
// scheme-specific structural invariants. It returns the list of field
// errors; an empty list means the request is well formed.
func ValidateSettlementRequest(raw []byte) (*SettlementRequest, []string) {
	result, err := gojsonschema.Validate(requestSchema, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, []string{fmt.Sprintf("request is not valid JSON: %v", err)}
	}
	if !result.Valid() {
		errs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, errs
	}

	var req SettlementRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, []string{fmt.Sprintf("request does not decode: %v", err)}
	}

	if errs := req.fieldErrors(); len(errs) > 0 {
		return nil, errs
	}
	return &req, nil
}

// fieldErrors applies the structural invariants the JSON schema cannot
// express: hex widths, payload/scheme agreement, amount resolution.
func (r *SettlementRequest) fieldErrors() []string {
	var errs []string

	if _, err := AmountToMicros(r.Amount); err != nil {
		errs = append(errs, "amount: "+err.Error())
	}

	auth := r.Authorization
	if !auth.Scheme.Valid() {
		return append(errs, fmt.Sprintf("authorization.scheme: unsupported scheme %q", auth.Scheme))
	}
	if n := countPayloads(auth); n != 1 {
		errs = append(errs, fmt.Sprintf("authorization: expected exactly one scheme payload, got %d", n))
	}

	switch auth.Scheme {
	case SchemeExact:
		if auth.Exact == nil {
			errs = append(errs, "authorization.exact: required for scheme exact")
			break
		}
		e := auth.Exact
		if !common.IsHexAddress(e.From) {
			errs = append(errs, "authorization.exact.from: not a 20-byte hex address")
		}
		if !common.IsHexAddress(e.To) {
			errs = append(errs, "authorization.exact.to: not a 20-byte hex address")
		}
		if !uintPattern.MatchString(e.Value) {
			errs = append(errs, "authorization.exact.value: not an unsigned integer string")
		}
		if !uintPattern.MatchString(e.ValidAfter) {
			errs = append(errs, "authorization.exact.validAfter: not an unsigned integer string")
		}
		if !uintPattern.MatchString(e.ValidBefore) {
			errs = append(errs, "authorization.exact.validBefore: not an unsigned integer string")
		}
		if !hash32Pattern.MatchString(e.Nonce) {
			errs = append(errs, "authorization.exact.nonce: not a 32-byte hex string")
		}
		if !sigPattern.MatchString(e.Signature) {
			errs = append(errs, "authorization.exact.signature: not a 65-byte hex signature")
		}
	case SchemeOnchain:
		if auth.Onchain == nil {
			errs = append(errs, "authorization.onchain: required for scheme onchain")
			break
		}
		if !hash32Pattern.MatchString(auth.Onchain.TxHash) {
			errs = append(errs, "authorization.onchain.txHash: not a 32-byte hex transaction hash")
		}
	case SchemeReceipt:
		if auth.Receipt == nil {
			errs = append(errs, "authorization.receipt: required for scheme receipt")
			break
		}
		if strings.TrimSpace(auth.Receipt.ReceiptID) == "" {
			errs = append(errs, "authorization.receipt.receiptId: must not be empty")
		}
	}
	return errs
}

func countPayloads(a PaymentAuthorization) int {
	n := 0
	if a.Exact != nil {
		n++
	}
	if a.Onchain != nil {
		n++
	}
	if a.Receipt != nil {
		n++
	}
	return n
}
