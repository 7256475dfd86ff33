package helpers

import (
	"fmt"
	"regexp"
	"strings"
)

var symbolPattern = regexp.MustCompile(`^[A-Z0-9.\-]{1,12}$`)

// NormalizeSymbol trims and uppercases a ticker and rejects anything that is
// not a plausible symbol.
func NormalizeSymbol(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolPattern.MatchString(s) {
		return "", InvalidSymbolError(raw)
	}
	return s, nil
}

// NormalizeSymbols normalizes and de-duplicates a list, keeping order.
// Entries that are not plausible symbols are returned in rejected as given.
func NormalizeSymbols(raw []string) (symbols, rejected []string) {
	seen := make(map[string]bool, len(raw))
	for _, r := range raw {
		s, err := NormalizeSymbol(r)
		if err != nil {
			rejected = append(rejected, r)
			continue
		}
		if !seen[s] {
			seen[s] = true
			symbols = append(symbols, s)
		}
	}
	return symbols, rejected
}

// InvalidSymbolError describes a rejected entry.
func InvalidSymbolError(raw string) error {
	return fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
}
