// Package fx normalizes invoice amounts into the reference currency so
// duplicate detection and approval thresholds compare like with like.
// Rates are a static table; a live rate feed can replace the Converter
// without touching callers.
package fx

import (
	"fmt"
	"strings"
)

// Converter turns an amount in a source currency into the reference
// currency.
type Converter interface {
	Convert(amount float64, currency string) (float64, error)
}

// StaticConverter converts using a fixed rate table keyed by ISO 4217
// code. Rates are units of the reference currency per one unit of the
// source currency.
type StaticConverter struct {
	reference string
	rates     map[string]float64
}

// NewStaticConverter builds the default USD-referenced table.
func NewStaticConverter(reference string) *StaticConverter {
	return &StaticConverter{
		reference: strings.ToUpper(reference),
		rates: map[string]float64{
			"USD": 1.0,
			"EUR": 1.08,
			"GBP": 1.27,
			"CAD": 0.74,
			"AUD": 0.65,
			"JPY": 0.0067,
			"CNY": 0.14,
			"INR": 0.012,
			"MXN": 0.058,
			"CHF": 1.13,
		},
	}
}

// Convert returns the amount in the reference currency. Unknown
// currencies are an error so callers can surface them instead of
// silently comparing apples to oranges.
func (c *StaticConverter) Convert(amount float64, currency string) (float64, error) {
	code := strings.ToUpper(strings.TrimSpace(currency))
	if code == "" || code == c.reference {
		return amount, nil
	}
	rate, ok := c.rates[code]
	if !ok {
		return 0, fmt.Errorf("fx: no rate for currency %q", code)
	}
	return amount * rate, nil
}
