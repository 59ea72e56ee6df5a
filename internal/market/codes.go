package market

import (
	"sort"
	"strings"
)

// DefaultCodes lists the currency codes recognised when no explicit table is configured.
var DefaultCodes = []string{
	"USDT", "USDC", "FDUSD", "TUSD", "DAI", "BUSD", "EUR", "TRY", "BRL",
	"BTC", "ETH", "BNB", "SOL", "XRP", "ADA", "DOGE", "TRX", "DOT", "LTC",
	"LINK", "AVAX", "ATOM", "XLM", "BCH", "ETC", "NEAR", "FIL", "APT", "ARB",
	"OP", "TON", "SUI", "UNI", "AAVE", "MATIC", "POL", "SHIB", "PEPE", "XMR",
}

// Codes is an exact-match table of currency codes. Symbols are split against it
// by suffix removal, never by substring containment, so a short code embedded
// in a longer one cannot produce a false match.
type Codes struct {
	known  map[string]struct{}
	sorted []string
}

// NewCodes builds a table from the given codes. Codes are upper-cased and de-duplicated.
func NewCodes(codes []string) *Codes {
	c := &Codes{known: make(map[string]struct{}, len(codes))}
	for _, code := range codes {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code == "" {
			continue
		}
		if _, ok := c.known[code]; ok {
			continue
		}
		c.known[code] = struct{}{}
		c.sorted = append(c.sorted, code)
	}
	sort.Slice(c.sorted, func(i, j int) bool {
		if len(c.sorted[i]) != len(c.sorted[j]) {
			return len(c.sorted[i]) > len(c.sorted[j])
		}
		return c.sorted[i] < c.sorted[j]
	})
	return c
}

// Known reports whether code is in the table.
func (c *Codes) Known(code string) bool {
	if c == nil {
		return false
	}
	_, ok := c.known[code]
	return ok
}

// List returns the codes, longest first.
func (c *Codes) List() []string {
	out := make([]string, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Split decomposes symbol into base and quote codes. Separated symbols
// ("ETH-USDT", "ETH/USDT", "ETH_USDT") split on the separator; concatenated
// ones are matched against the table, preferring the longest quote suffix
// whose remainder is itself a known code.
func (c *Codes) Split(symbol string) (base, quote string, ok bool) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if idx := strings.IndexAny(symbol, "-/_"); idx > 0 {
		base, quote = symbol[:idx], symbol[idx+1:]
		if c.Known(base) && c.Known(quote) && base != quote {
			return base, quote, true
		}
		return "", "", false
	}
	for _, code := range c.sorted {
		if len(code) >= len(symbol) || !strings.HasSuffix(symbol, code) {
			continue
		}
		rest := symbol[:len(symbol)-len(code)]
		if rest != code && c.Known(rest) {
			return rest, code, true
		}
	}
	return "", "", false
}
