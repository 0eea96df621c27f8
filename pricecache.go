package paymaster

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/oracle"
)

// PriceFetcher resolves a fresh quote for one (chain, token) key. The
// native-asset caches use the zero address as the token.
type PriceFetcher func(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error)

// PriceCache is a TTL-bounded, read-through price cache keyed by
// "{chainId}-{token}". It is the only mutable state shared across
// concurrent requests: reads are concurrent, refreshes are single-flight
// per key, and concurrent readers of the same stale key await the one
// in-flight refresh instead of issuing duplicate oracle calls.
type PriceCache struct {
	mu       sync.Mutex
	quotes   map[string]oracle.Quote
	inFlight map[string]chan struct{}

	ttl        time.Duration
	ttlByChain map[uint64]time.Duration
	fetch      PriceFetcher
	now        func() time.Time
}

// PriceCacheConfig configures a cache. TTL is the default staleness
// bound; TTLByChain overrides it where an oracle reports a different max
// age.
type PriceCacheConfig struct {
	TTL        time.Duration
	TTLByChain map[uint64]time.Duration
}

// NewPriceCache creates a cache over the given fetcher.
func NewPriceCache(config PriceCacheConfig, fetch PriceFetcher) *PriceCache {
	ttl := config.TTL
	if ttl == 0 {
		ttl = time.Hour
	}
	return &PriceCache{
		quotes:     make(map[string]oracle.Quote),
		inFlight:   make(map[string]chan struct{}),
		ttl:        ttl,
		ttlByChain: config.TTLByChain,
		fetch:      fetch,
		now:        time.Now,
	}
}

func priceKey(chainID uint64, token common.Address) string {
	return fmt.Sprintf("%d-%s", chainID, token.Hex())
}

func keyChainID(key string) uint64 {
	prefix, _, _ := strings.Cut(key, "-")
	id, _ := strconv.ParseUint(prefix, 10, 64)
	return id
}

func (c *PriceCache) bound(chainID uint64) time.Duration {
	if d, ok := c.ttlByChain[chainID]; ok {
		return d
	}
	return c.ttl
}

// GetPrice returns a quote no older than the chain's staleness bound,
// refreshing through the fetcher when the key is absent or expired. A key
// is never answered from a zero or expired quote: if the refresh fails it
// is retried once synchronously and the failure is then surfaced as
// StalePrice (a previously good quote aged out) or OracleUnavailable (no
// quote was ever obtained).
func (c *PriceCache) GetPrice(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
	key := priceKey(chainID, token)
	bound := c.bound(chainID)

	for {
		c.mu.Lock()
		if q, ok := c.quotes[key]; ok && c.now().Sub(q.FetchedAt) <= bound {
			c.mu.Unlock()
			return q, nil
		}
		if done, ok := c.inFlight[key]; ok {
			c.mu.Unlock()
			select {
			case <-done:
				// Re-check: the refresh either stored a fresh quote or
				// failed, in which case this reader starts its own.
				continue
			case <-ctx.Done():
				return oracle.Quote{}, ctx.Err()
			}
		}
		_, hadQuote := c.quotes[key]
		done := make(chan struct{})
		c.inFlight[key] = done
		c.mu.Unlock()

		q, err := c.refresh(ctx, chainID, token)

		c.mu.Lock()
		delete(c.inFlight, key)
		if err == nil {
			c.quotes[key] = q
		} else {
			// Expired data must not linger for the diagnostic snapshot
			// to leak.
			delete(c.quotes, key)
		}
		c.mu.Unlock()
		close(done)

		if err == nil {
			return q, nil
		}
		if hadQuote {
			return oracle.Quote{}, errs.Wrap(errs.KindStalePrice, err,
				"cached price expired and refresh failed").
				WithDetail("chainId", chainID).
				WithDetail("token", token.Hex())
		}
		return oracle.Quote{}, errs.Wrap(errs.KindOracleUnavailable, err,
			"price fetch failed").
			WithDetail("chainId", chainID).
			WithDetail("token", token.Hex())
	}
}

// refresh performs the read-through fetch with one synchronous retry.
func (c *PriceCache) refresh(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
	q, err := c.fetch(ctx, chainID, token)
	if err == nil {
		if q.Price == nil || q.Price.Sign() <= 0 {
			err = fmt.Errorf("fetcher returned non-positive price")
		} else {
			return q, nil
		}
	}
	log.Debugf("price refresh for %s failed, retrying once: %v", priceKey(chainID, token), err)
	if ctx.Err() != nil {
		return oracle.Quote{}, ctx.Err()
	}
	q, err = c.fetch(ctx, chainID, token)
	if err != nil {
		return oracle.Quote{}, err
	}
	if q.Price == nil || q.Price.Sign() <= 0 {
		return oracle.Quote{}, fmt.Errorf("fetcher returned non-positive price")
	}
	return q, nil
}

// Snapshot copies the current cache contents for the diagnostic surface.
// Entries past their chain's bound are omitted rather than exposed.
func (c *PriceCache) Snapshot() map[string]oracle.Quote {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]oracle.Quote, len(c.quotes))
	now := c.now()
	for key, q := range c.quotes {
		if now.Sub(q.FetchedAt) <= c.bound(keyChainID(key)) {
			out[key] = q
		}
	}
	return out
}
