package usage

// Package usage meters model consumption. An Accumulator collects the exact
// cost of every completion inside one logical operation (an interview turn, a
// synthesis run); the Ledger commits the rolled-up total to the tenant's
// billing period and owns quota-threshold notification.

import (
	"context"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/pricing"
	"github.com/chorusinsights/chorus-ai/internal/tier"
)

// Accumulator sums token usage and cost across the model calls of one
// operation. Cost is carried in microcents so the sum over any number of calls
// is exact; conversion to cents happens once, at commit.
//
// An Accumulator is used by a single goroutine and is not safe for concurrent
// use.
type Accumulator struct {
	book       pricing.PriceBook
	operation  string
	tokens     int64
	microcents int64
	committed  bool
}

// NewAccumulator starts metering one operation ("interview_turn",
// "synthesis_run").
func NewAccumulator(book pricing.PriceBook, operation string) *Accumulator {
	return &Accumulator{book: book, operation: operation}
}

// Record meters one completed model call. The pricing key is resolved from the
// model that actually served the call.
func (a *Accumulator) Record(ctx context.Context, modelID string, tokensIn, tokensOut int64) error {
	key, ok := tier.PricingKeyForModel(modelID)
	if !ok {
		return faults.Newf(faults.KindInternal, "usage_unknown_model",
			"no pricing key for model %q", modelID)
	}
	price, err := a.book.Price(ctx, key)
	if err != nil {
		return err
	}
	a.tokens += tokensIn + tokensOut
	a.microcents += price.CostMicrocents(tokensIn, tokensOut)
	return nil
}

// Tokens returns the total tokens metered so far.
func (a *Accumulator) Tokens() int64 { return a.tokens }

// CostCents returns the accumulated cost rounded to whole cents, half up.
func (a *Accumulator) CostCents() int64 {
	return (a.microcents + pricing.MicrocentsPerCent/2) / pricing.MicrocentsPerCent
}

// CostMicrocents returns the exact accumulated cost.
func (a *Accumulator) CostMicrocents() int64 { return a.microcents }

// CommitTo writes the accumulated total to the tenant's ledger exactly once.
// Repeat calls after a successful commit are no-ops; a zero-usage accumulator
// commits nothing. A failed commit leaves the accumulator uncommitted so the
// caller can surface the billing-integrity fault.
func (a *Accumulator) CommitTo(ctx context.Context, ledger *Ledger, tenantID string) error {
	if a.committed || a.tokens == 0 {
		return nil
	}
	if err := ledger.Commit(ctx, tenantID, a.operation, a.tokens, a.CostCents()); err != nil {
		return err
	}
	a.committed = true
	return nil
}
