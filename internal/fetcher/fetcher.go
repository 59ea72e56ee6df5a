// Package fetcher implements the venue integrations behind market.Venue.
package fetcher

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// parseAmount reads a venue price or quantity string exactly before handing it to float arithmetic.
func parseAmount(field, raw string) (float64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", field, raw, err)
	}
	f, _ := d.Float64()
	return f, nil
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
