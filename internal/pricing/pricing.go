// Package pricing converts token usage into cents using a static table
// keyed by variant name, pricing tier, and resource.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrPricingNotFound means the table has no entry for the requested key.
// This is an operator misconfiguration and should alert, not be swallowed.
var ErrPricingNotFound = errors.New("pricing not found")

const (
	TierFree = "free"
	TierPaid = "paid"

	ResourceChat = "chat"
)

// Rates are USD per one million tokens.
type Rates struct {
	Input  float64
	Output float64
}

// Entry prices one variant/tier/resource. When Threshold is set, requests
// whose combined token count exceeds it are billed at Above instead of Base.
type Entry struct {
	Base      Rates
	Threshold int64
	Above     Rates
}

type Table struct {
	entries map[string]Entry
}

func NewTable(entries map[string]Entry) *Table {
	cp := make(map[string]Entry, len(entries))
	for k, v := range entries {
		cp[strings.ToLower(k)] = v
	}
	return &Table{entries: cp}
}

// Default returns the built-in table for the shipped variants.
func Default() *Table {
	return NewTable(map[string]Entry{
		"gemini-flash/free/chat": {},
		"gemini-flash/paid/chat": {Base: Rates{Input: 0.30, Output: 2.50}},
		"gemini-pro/paid/chat": {
			Base:      Rates{Input: 1.25, Output: 10.00},
			Threshold: 200_000,
			Above:     Rates{Input: 2.50, Output: 15.00},
		},
		"gpt-mini/free/chat": {},
		"gpt-mini/paid/chat": {Base: Rates{Input: 0.60, Output: 2.40}},
		"mock/free/chat":     {},
	})
}

func key(variantName, tier, resource string) string {
	return strings.ToLower(variantName + "/" + tier + "/" + resource)
}

// CalcCost returns the cost in whole cents:
// round((in*rateIn + out*rateOut) / 1_000_000 * 100).
// Callers gate on tier and usage; this function only prices.
func (t *Table) CalcCost(variantName, tier, resource string, inputTokens, outputTokens int64) (int64, error) {
	e, ok := t.entries[key(variantName, tier, resource)]
	if !ok {
		return 0, fmt.Errorf("%w: %s/%s/%s", ErrPricingNotFound, variantName, tier, resource)
	}

	rates := e.Base
	if e.Threshold > 0 && inputTokens+outputTokens > e.Threshold {
		rates = e.Above
	}

	usd := (float64(inputTokens)*rates.Input + float64(outputTokens)*rates.Output) / 1_000_000
	return int64(math.Round(usd * 100)), nil
}

// Has reports whether the table prices the given key.
func (t *Table) Has(variantName, tier, resource string) bool {
	_, ok := t.entries[key(variantName, tier, resource)]
	return ok
}
