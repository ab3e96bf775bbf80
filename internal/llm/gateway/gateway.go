package gateway

// Package gateway wraps the external completion service. It is the only
// component that talks to the provider; everything above it sees classified
// faults and metered token counts.

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/chorusinsights/chorus-ai/internal/faults"
	"github.com/chorusinsights/chorus-ai/internal/llm/types"
)

// Gateway is the opaque completion capability consumed by the interview and
// synthesis paths.
type Gateway interface {
	// Complete sends a prompt to the given model and returns the reply with
	// billed token counts. Failures are *faults.Fault values.
	Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error)
}

// RateLimited wraps a Gateway with a client-side token bucket so bursts of
// dimension calls do not trip provider throttling in the first place.
type RateLimited struct {
	inner   Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with the given burst.
func NewRateLimited(inner Gateway, rps float64, burst int) *RateLimited {
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (g *RateLimited) Complete(ctx context.Context, req types.CompletionRequest) (*types.Completion, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, faults.Wrap(faults.KindRateLimit, "gateway_client_limit",
			"the request could not be admitted within the service's own rate limit", err)
	}
	return g.inner.Complete(ctx, req)
}
