// Package taxid implements format and check-digit validation for Brazilian
// CPF numbers. It is pure: no I/O, no logging, no state.
package taxid

import "strings"

// Length is the number of digits in a well-formed CPF.
const Length = 11

// knownInvalid holds sequences that pass the check-digit math but are
// rejected outright by the registry.
var knownInvalid = map[string]struct{}{
	"01234567890": {},
}

// Clean strips every non-digit character.
func Clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsDegenerate reports whether a cleaned CPF is one of the sequences that
// never reach the checksum math: all eleven digits equal, or a known
// invalid canonical sequence.
func IsDegenerate(cleaned string) bool {
	if len(cleaned) != Length {
		return false
	}
	if _, ok := knownInvalid[cleaned]; ok {
		return true
	}
	for i := 1; i < Length; i++ {
		if cleaned[i] != cleaned[0] {
			return false
		}
	}
	return true
}

// CheckDigits runs the two-pass mod-11 verification over a cleaned,
// 11-digit CPF. Each pass produces one verification digit compared against
// positions 10 and 11.
func CheckDigits(cleaned string) bool {
	if len(cleaned) != Length {
		return false
	}

	digits := make([]int, Length)
	for i := 0; i < Length; i++ {
		digits[i] = int(cleaned[i] - '0')
	}

	if verifyDigit(digits[:9], 10) != digits[9] {
		return false
	}
	return verifyDigit(digits[:10], 11) == digits[10]
}

// verifyDigit computes one mod-11 check digit: the input digits are
// weighted startWeight down to 2, summed, and the remainder folded so that
// remainders below 2 yield zero.
func verifyDigit(digits []int, startWeight int) int {
	sum := 0
	for i, d := range digits {
		sum += d * (startWeight - i)
	}
	rest := sum % 11
	if rest < 2 {
		return 0
	}
	return 11 - rest
}
