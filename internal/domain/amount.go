package domain

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// ParseAmount parses a base-10 unsigned integer string into a 256-bit amount.
func ParseAmount(raw string) (uint256.Int, error) {
	var out uint256.Int
	s := strings.TrimSpace(raw)
	if s == "" {
		return out, invalidf("amount is empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return out, invalidf("amount %q is not a base-10 unsigned integer", raw)
		}
	}
	if err := out.SetFromDecimal(s); err != nil {
		return out, fmt.Errorf("%w: amount %q exceeds 256 bits", ErrOverflow, raw)
	}
	return out, nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint256.Int) (uint256.Int, error) {
	var sum uint256.Int
	if _, overflow := sum.AddOverflow(&a, &b); overflow {
		return uint256.Int{}, fmt.Errorf("%w: %s + %s", ErrOverflow, a.Dec(), b.Dec())
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrOverflow when b > a.
func CheckedSub(a, b uint256.Int) (uint256.Int, error) {
	var diff uint256.Int
	if _, underflow := diff.SubOverflow(&a, &b); underflow {
		return uint256.Int{}, fmt.Errorf("%w: %s - %s underflows", ErrOverflow, a.Dec(), b.Dec())
	}
	return diff, nil
}

// SaturatingSub returns max(a-b, 0).
func SaturatingSub(a, b uint256.Int) uint256.Int {
	if a.Cmp(&b) <= 0 {
		return uint256.Int{}
	}
	var diff uint256.Int
	diff.Sub(&a, &b)
	return diff
}

// Sum adds amounts with overflow checking.
func Sum(amounts []uint256.Int) (uint256.Int, error) {
	var total uint256.Int
	for i := range amounts {
		next, err := CheckedAdd(total, amounts[i])
		if err != nil {
			return uint256.Int{}, err
		}
		total = next
	}
	return total, nil
}

// FormatAmounts renders amounts as decimal strings.
func FormatAmounts(amounts []uint256.Int) []string {
	out := make([]string, len(amounts))
	for i := range amounts {
		out[i] = amounts[i].Dec()
	}
	return out
}
