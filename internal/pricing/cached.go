package pricing

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how stale a cached price may be. A few minutes keeps one
// lookup per burst of calls instead of one per call.
const DefaultTTL = 5 * time.Minute

type cachedPrice struct {
	price     Price
	fetchedAt time.Time
}

// CachedPriceBook decorates a PriceBook with a TTL cache. Safe for
// concurrent use.
type CachedPriceBook struct {
	src PriceBook
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]cachedPrice
}

// NewCachedPriceBook wraps src with the default TTL.
func NewCachedPriceBook(src PriceBook) *CachedPriceBook {
	return NewCachedPriceBookWithTTL(src, DefaultTTL, time.Now)
}

// NewCachedPriceBookWithTTL wraps src with an explicit TTL and clock.
func NewCachedPriceBookWithTTL(src PriceBook, ttl time.Duration, now func() time.Time) *CachedPriceBook {
	return &CachedPriceBook{
		src:     src,
		ttl:     ttl,
		now:     now,
		entries: make(map[string]cachedPrice),
	}
}

func (c *CachedPriceBook) Price(ctx context.Context, pricingKey string) (Price, error) {
	c.mu.RLock()
	e, ok := c.entries[pricingKey]
	c.mu.RUnlock()
	if ok && c.now().Sub(e.fetchedAt) < c.ttl {
		return e.price, nil
	}

	p, err := c.src.Price(ctx, pricingKey)
	if err != nil {
		// Serve stale on source failure rather than stalling metering.
		if ok {
			return e.price, nil
		}
		return Price{}, err
	}

	c.mu.Lock()
	c.entries[pricingKey] = cachedPrice{price: p, fetchedAt: c.now()}
	c.mu.Unlock()
	return p, nil
}

// Invalidate drops a cached entry, forcing the next lookup to refetch.
func (c *CachedPriceBook) Invalidate(pricingKey string) {
	c.mu.Lock()
	delete(c.entries, pricingKey)
	c.mu.Unlock()
}
