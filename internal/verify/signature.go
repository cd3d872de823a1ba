package verify

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Z333Q/p402-router/internal/x402"
)

// SignatureVerifier validates an EIP-3009 transfer authorization against its
// claimed signer using ECDSA recovery. Stateless: a pure function of
// (domain, typed fields, signature).
type SignatureVerifier struct {
	ChainID      *big.Int
	AssetAddress string
	TokenName    string
	TokenVersion string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// NewSignatureVerifier creates a verifier bound to the asset contract's
// EIP-712 domain. USDC signs under name "USD Coin", version "2".
func NewSignatureVerifier(chainID *big.Int, assetAddress string) *SignatureVerifier {
	return &SignatureVerifier{
		ChainID:      chainID,
		AssetAddress: assetAddress,
		TokenName:    "USD Coin",
		TokenVersion: "2",
		Now:          time.Now,
	}
}

// Verify checks the validity window and recovers the signer, returning the
// payer address on success. Failures map onto the caller-facing error
// taxonomy: AUTHORIZATION_EXPIRED for window violations, INVALID_SIGNATURE
// for recovery mismatches.
func (v *SignatureVerifier) Verify(auth x402.ExactAuthorization) (string, error) {
	validAfter, ok := new(big.Int).SetString(auth.ValidAfter, 10)
	if !ok {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidInput, fmt.Sprintf("invalid validAfter: %s", auth.ValidAfter), nil)
	}
	validBefore, ok := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidInput, fmt.Sprintf("invalid validBefore: %s", auth.ValidBefore), nil)
	}

	now := big.NewInt(v.Now().Unix())
	if now.Cmp(validAfter) < 0 || now.Cmp(validBefore) >= 0 {
		return "", x402.NewPaymentError(x402.ErrCodeAuthorizationExpired,
			"authorization is outside its validity window",
			map[string]interface{}{
				"validAfter":  auth.ValidAfter,
				"validBefore": auth.ValidBefore,
			})
	}

	recovered, err := v.RecoverSigner(auth)
	if err != nil {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidSignature, err.Error(), nil)
	}

	if !strings.EqualFold(recovered.Hex(), auth.From) {
		return "", x402.NewPaymentError(x402.ErrCodeInvalidSignature,
			"recovered signer does not match authorization sender",
			map[string]interface{}{"recovered": recovered.Hex()})
	}

	return common.HexToAddress(auth.From).Hex(), nil
}

// RecoverSigner recovers the address that produced the authorization's
// signature over the EIP-3009 typed-data digest.
func (v *SignatureVerifier) RecoverSigner(auth x402.ExactAuthorization) (common.Address, error) {
	digest, err := HashEIP3009Authorization(auth, v.ChainID, v.AssetAddress, v.TokenName, v.TokenVersion)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash authorization: %w", err)
	}

	sig, err := hexutil.Decode(auth.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(sig))
	}

	// Normalize v: wallets emit 27/28, SigToPub expects 0/1.
	recSig := make([]byte, 65)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}

	pubKey, err := crypto.SigToPub(digest, recSig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}

	return crypto.PubkeyToAddress(*pubKey), nil
}
