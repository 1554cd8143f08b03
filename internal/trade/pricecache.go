package trade

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"botcore/internal/logger"
)

// Quote is the price sample C7 pushes through on_price and caches for
// stale-fallback use when a venue's feed gaps.
type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

// PriceCache is a short-TTL in-memory cache of the latest quote per
// symbol, adapted from a market-data cache: Get enforces
// freshness, GetStale never does, and a background sweep bounds memory
// even if a symbol stops receiving quotes entirely.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]Quote
	ttl    time.Duration
	log    *logger.Logger
}

// NewPriceCache creates a cache with the given freshness window and
// starts its cleanup sweep.
func NewPriceCache(ttl time.Duration, log *logger.Logger) *PriceCache {
	c := &PriceCache{
		quotes: make(map[string]Quote),
		ttl:    ttl,
		log:    log,
	}
	go c.cleanupExpired()
	return c
}

// Get returns symbol's quote if it is within the freshness window.
func (c *PriceCache) Get(symbol string) (Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	if !ok || time.Since(q.Timestamp) > c.ttl {
		return Quote{}, false
	}
	return q, true
}

// Set records a fresh quote for symbol.
func (c *PriceCache) Set(symbol string, price decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes[symbol] = Quote{Symbol: symbol, Price: price, Timestamp: time.Now()}
}

// GetStale returns symbol's quote regardless of age, for the price-feed
// gap edge case on resume: evaluate against the latest price only, never
// synthesize intermediate ticks.
func (c *PriceCache) GetStale(symbol string) (Quote, time.Duration, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	q, ok := c.quotes[symbol]
	if !ok {
		return Quote{}, 0, false
	}
	return q, time.Since(q.Timestamp), true
}

// cleanupExpired drops quotes that have been stale for a full day, so a
// delisted or abandoned symbol doesn't linger in memory forever.
func (c *PriceCache) cleanupExpired() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		removed := 0
		for symbol, q := range c.quotes {
			if time.Since(q.Timestamp) > 24*time.Hour {
				delete(c.quotes, symbol)
				removed++
			}
		}
		c.mu.Unlock()
		if removed > 0 && c.log != nil {
			c.log.Debug("price cache swept expired entries", "removed", removed)
		}
	}
}

// Stats reports cache occupancy for health reporting.
func (c *PriceCache) Stats() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	fresh := 0
	for _, q := range c.quotes {
		if time.Since(q.Timestamp) <= c.ttl {
			fresh++
		}
	}
	return map[string]interface{}{
		"total_entries": len(c.quotes),
		"fresh_entries": fresh,
		"ttl_seconds":   int(c.ttl.Seconds()),
	}
}
