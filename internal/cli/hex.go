package cli

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// parseHex decodes s after dropping every non-hex character, so
// "e2:ec:1d:93:2e:99" and "E2EC1D932E99" are the same. The result must
// be exactly n bytes long.
func parseHex(s string, n int) ([]byte, error) {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			return r
		case r >= 'A' && r <= 'F':
			return r + ('a' - 'A')
		}
		return -1
	}, s)
	if len(clean) != 2*n {
		return nil, fmt.Errorf("invalid hex argument %q: wanted %d digits, got %d", s, 2*n, len(clean))
	}
	return hex.DecodeString(clean)
}
