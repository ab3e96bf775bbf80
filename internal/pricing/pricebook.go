package pricing

// Package pricing is the cost ledger: it resolves per-token prices for a
// pricing key and computes call costs. Prices are integers (microcents per
// token) so cost aggregation is exact; the cached book keeps lookups off the
// hot path with a short TTL.

import (
	"context"

	"github.com/chorusinsights/chorus-ai/internal/faults"
)

// MicrocentsPerCent converts the internal price unit: 1 cent = 1e6 microcents.
const MicrocentsPerCent = 1_000_000

// Price holds per-token prices in microcents.
type Price struct {
	InputPerToken  int64 // microcents per input token
	OutputPerToken int64 // microcents per output token
}

// CostMicrocents computes the exact cost of one call in microcents.
func (p Price) CostMicrocents(tokensIn, tokensOut int64) int64 {
	return tokensIn*p.InputPerToken + tokensOut*p.OutputPerToken
}

// PriceBook resolves current prices for a pricing key.
type PriceBook interface {
	Price(ctx context.Context, pricingKey string) (Price, error)
}

// defaultTable is the built-in price table, keyed by tier pricing key.
// Values are microcents per token (e.g. 25 = $0.25 per 1M tokens).
var defaultTable = map[string]Price{
	"core": {InputPerToken: 25, OutputPerToken: 100},
	"plus": {InputPerToken: 300, OutputPerToken: 1_500},
	"max":  {InputPerToken: 1_500, OutputPerToken: 7_500},
}

// StaticPriceBook serves prices from a fixed in-memory table.
type StaticPriceBook struct {
	table map[string]Price
}

// NewStaticPriceBook returns a book over the built-in table.
func NewStaticPriceBook() *StaticPriceBook {
	return NewStaticPriceBookWithTable(defaultTable)
}

// NewStaticPriceBookWithTable returns a book over a custom table.
func NewStaticPriceBookWithTable(table map[string]Price) *StaticPriceBook {
	cp := make(map[string]Price, len(table))
	for k, v := range table {
		cp[k] = v
	}
	return &StaticPriceBook{table: cp}
}

func (b *StaticPriceBook) Price(_ context.Context, pricingKey string) (Price, error) {
	p, ok := b.table[pricingKey]
	if !ok {
		return Price{}, faults.Newf(faults.KindInternal, "pricing_unknown_key",
			"no price configured for %q", pricingKey)
	}
	return p, nil
}
