package x402

import (
	"fmt"
	"regexp"
	"strings"
)

// amountPattern matches non-negative decimal strings such as "10", "0.05"
// or ".5". Signs, exponents and thousands separators are rejected.
var amountPattern = regexp.MustCompile(`^\d*\.?\d+$`)

// microsPerUnit is the fixed-point resolution for amount arithmetic.
// Six fractional digits matches USDC's on-chain resolution, so budget
// comparisons never go through floating point.
const microsDigits = 6

// ValidAmount reports whether s is a well-formed amount string.
func ValidAmount(s string) bool {
	return amountPattern.MatchString(s)
}

// AmountToMicros converts a decimal amount string into integer micro-units.
// Amounts with more than six fractional digits are rejected rather than
// silently truncated.
func AmountToMicros(s string) (int64, error) {
	if !ValidAmount(s) {
		return 0, fmt.Errorf("malformed amount: %q", s)
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > microsDigits {
		return 0, fmt.Errorf("amount %q exceeds %d fractional digits", s, microsDigits)
	}
	frac += strings.Repeat("0", microsDigits-len(frac))

	var micros int64
	for _, c := range whole + frac {
		d := int64(c - '0')
		if micros > (1<<62)/10 {
			return 0, fmt.Errorf("amount %q overflows", s)
		}
		micros = micros*10 + d
	}
	return micros, nil
}

// MicrosToAmount renders micro-units back to a decimal string with
// trailing zeros trimmed.
func MicrosToAmount(micros int64) string {
	whole := micros / 1_000_000
	frac := micros % 1_000_000
	if frac == 0 {
		return fmt.Sprintf("%d.00", whole)
	}
	s := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	if len(s) < 2 {
		s += strings.Repeat("0", 2-len(s))
	}
	return fmt.Sprintf("%d.%s", whole, s)
}
