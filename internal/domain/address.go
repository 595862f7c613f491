package domain

import (
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// NativeAsset is the sentinel asset identifier for the chain's native currency.
var NativeAsset = common.Address{}

var addressPattern = regexp.MustCompile(`0x[a-fA-F0-9]{40}`)

// ParseAddress parses a 0x-prefixed 20-byte hex address.
func ParseAddress(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		return common.Address{}, invalidf("address %q must be 0x-prefixed", raw)
	}
	if !common.IsHexAddress(s) {
		return common.Address{}, invalidf("address %q is not a 20-byte hex address", raw)
	}
	return common.HexToAddress(s), nil
}

// ParseAsset parses an asset identifier. An empty string or "native" selects the native asset.
func ParseAsset(raw string) (common.Address, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "native") {
		return NativeAsset, nil
	}
	return ParseAddress(s)
}

// ExtractAddresses returns the distinct addresses found in free-form text, in order of first appearance.
func ExtractAddresses(text string) []common.Address {
	matches := addressPattern.FindAllString(text, -1)
	seen := make(map[common.Address]struct{}, len(matches))
	out := make([]common.Address, 0, len(matches))
	for _, m := range matches {
		addr := common.HexToAddress(m)
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
