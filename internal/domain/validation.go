package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ValidateAllocations checks a recipient/amount list and returns its total.
// Lists must be non-empty and of equal length, every amount positive, every recipient distinct.
func ValidateAllocations(recipients []common.Address, amounts []uint256.Int) (uint256.Int, error) {
	if len(recipients) == 0 {
		return uint256.Int{}, invalidf("recipients must not be empty")
	}
	if len(recipients) != len(amounts) {
		return uint256.Int{}, invalidf("recipients (%d) and amounts (%d) length mismatch", len(recipients), len(amounts))
	}

	seen := make(map[common.Address]struct{}, len(recipients))
	for i, r := range recipients {
		if amounts[i].IsZero() {
			return uint256.Int{}, invalidf("amount for recipient %s must be greater than 0", r.Hex())
		}
		if _, dup := seen[r]; dup {
			return uint256.Int{}, invalidf("duplicate recipient %s", r.Hex())
		}
		seen[r] = struct{}{}
	}

	return Sum(amounts)
}

// NormalizeTitle trims a title and enforces the length limit.
func NormalizeTitle(title string) (string, error) {
	t := strings.TrimSpace(title)
	if utf8.RuneCountInString(t) > MaxTitleLength {
		return "", invalidf("title exceeds %d characters", MaxTitleLength)
	}
	return t, nil
}

// ParseAllocations parses string recipients and amounts into a validated list.
func ParseAllocations(rawRecipients []string, rawAmounts []string) ([]common.Address, []uint256.Int, error) {
	if len(rawRecipients) != len(rawAmounts) {
		return nil, nil, invalidf("recipients (%d) and amounts (%d) length mismatch", len(rawRecipients), len(rawAmounts))
	}
	recipients := make([]common.Address, len(rawRecipients))
	amounts := make([]uint256.Int, len(rawAmounts))
	for i := range rawRecipients {
		addr, err := ParseAddress(rawRecipients[i])
		if err != nil {
			return nil, nil, err
		}
		amount, err := ParseAmount(rawAmounts[i])
		if err != nil {
			return nil, nil, err
		}
		recipients[i] = addr
		amounts[i] = amount
	}
	return recipients, amounts, nil
}
