package paymaster

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/sponsorlab/paymaster/errs"
	"github.com/sponsorlab/paymaster/oracle"
)

var cacheToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

func countingFetcher(count *int32, price int64, fail *int32) PriceFetcher {
	return func(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
		atomic.AddInt32(count, 1)
		if fail != nil && atomic.LoadInt32(fail) != 0 {
			return oracle.Quote{}, fmt.Errorf("oracle down")
		}
		return oracle.Quote{
			Price:     big.NewInt(price),
			Decimals:  oracle.QuoteDecimals,
			FetchedAt: time.Now(),
		}, nil
	}
}

func TestPriceCacheServesFreshQuote(t *testing.T) {
	var fetches int32
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, countingFetcher(&fetches, 42, nil))

	for i := 0; i < 5; i++ {
		q, err := cache.GetPrice(context.Background(), 8453, cacheToken)
		if err != nil {
			t.Fatalf("GetPrice: %v", err)
		}
		if q.Price.Int64() != 42 {
			t.Fatalf("price = %s, want 42", q.Price)
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("fetched %d times for a fresh key, want 1", n)
	}
}

func TestPriceCacheRefreshesExpiredQuote(t *testing.T) {
	var fetches int32
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, countingFetcher(&fetches, 42, nil))

	if _, err := cache.GetPrice(context.Background(), 8453, cacheToken); err != nil {
		t.Fatalf("GetPrice: %v", err)
	}

	// Age the cached entry past the bound.
	now := time.Now()
	cache.now = func() time.Time { return now.Add(2 * time.Hour) }

	if _, err := cache.GetPrice(context.Background(), 8453, cacheToken); err != nil {
		t.Fatalf("GetPrice after expiry: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("fetched %d times, want 2 (initial + one refresh)", n)
	}
}

func TestPriceCachePerChainTTL(t *testing.T) {
	var fetches int32
	cache := NewPriceCache(PriceCacheConfig{
		TTL:        time.Hour,
		TTLByChain: map[uint64]time.Duration{56: time.Minute},
	}, countingFetcher(&fetches, 42, nil))

	if _, err := cache.GetPrice(context.Background(), 56, cacheToken); err != nil {
		t.Fatalf("GetPrice: %v", err)
	}

	now := time.Now()
	cache.now = func() time.Time { return now.Add(5 * time.Minute) }

	// Five minutes is past the chain-56 bound but inside the default.
	if _, err := cache.GetPrice(context.Background(), 56, cacheToken); err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("fetched %d times, want 2: the per-chain bound should trigger a refresh", n)
	}
}

func TestPriceCacheErrorKinds(t *testing.T) {
	var fetches, fail int32
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, countingFetcher(&fetches, 42, &fail))

	// No quote was ever obtained: oracle_unavailable.
	atomic.StoreInt32(&fail, 1)
	_, err := cache.GetPrice(context.Background(), 8453, cacheToken)
	if !errs.IsKind(err, errs.KindOracleUnavailable) {
		t.Errorf("expected oracle_unavailable, got %v", err)
	}

	// Obtain a good quote, expire it, then fail the refresh: stale_price.
	atomic.StoreInt32(&fail, 0)
	if _, err := cache.GetPrice(context.Background(), 8453, cacheToken); err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	now := time.Now()
	cache.now = func() time.Time { return now.Add(2 * time.Hour) }
	atomic.StoreInt32(&fail, 1)

	_, err = cache.GetPrice(context.Background(), 8453, cacheToken)
	if !errs.IsKind(err, errs.KindStalePrice) {
		t.Errorf("expected stale_price after an aged-out quote, got %v", err)
	}

	// The failed key must not be served from cache afterwards.
	if snap := cache.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot still holds %d entries after a failed refresh", len(snap))
	}
}

func TestPriceCacheRetriesOnce(t *testing.T) {
	var fetches int32
	flaky := func(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
		if atomic.AddInt32(&fetches, 1) == 1 {
			return oracle.Quote{}, fmt.Errorf("transient")
		}
		return oracle.Quote{Price: big.NewInt(7), Decimals: oracle.QuoteDecimals, FetchedAt: time.Now()}, nil
	}
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, flaky)

	q, err := cache.GetPrice(context.Background(), 8453, cacheToken)
	if err != nil {
		t.Fatalf("GetPrice should succeed via the synchronous retry: %v", err)
	}
	if q.Price.Int64() != 7 {
		t.Errorf("price = %s, want 7", q.Price)
	}
	if n := atomic.LoadInt32(&fetches); n != 2 {
		t.Errorf("fetched %d times, want 2", n)
	}
}

func TestPriceCacheSingleFlight(t *testing.T) {
	var fetches int32
	started := make(chan struct{})
	release := make(chan struct{})
	slow := func(ctx context.Context, chainID uint64, token common.Address) (oracle.Quote, error) {
		if atomic.AddInt32(&fetches, 1) == 1 {
			close(started)
			<-release
		}
		return oracle.Quote{Price: big.NewInt(9), Decimals: oracle.QuoteDecimals, FetchedAt: time.Now()}, nil
	}
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, slow)

	const readers = 8
	var wg sync.WaitGroup
	errCh := make(chan error, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := cache.GetPrice(context.Background(), 8453, cacheToken)
			errCh <- err
		}()
	}

	<-started
	close(release)
	wg.Wait()
	close(errCh)

	for err := range errCh {
		if err != nil {
			t.Fatalf("GetPrice: %v", err)
		}
	}
	if n := atomic.LoadInt32(&fetches); n != 1 {
		t.Errorf("fetched %d times for %d concurrent readers, want 1", n, readers)
	}
}

func TestPriceCacheSnapshotOmitsExpired(t *testing.T) {
	var fetches int32
	cache := NewPriceCache(PriceCacheConfig{TTL: time.Hour}, countingFetcher(&fetches, 42, nil))

	if _, err := cache.GetPrice(context.Background(), 8453, cacheToken); err != nil {
		t.Fatalf("GetPrice: %v", err)
	}
	if snap := cache.Snapshot(); len(snap) != 1 {
		t.Fatalf("snapshot has %d entries, want 1", len(snap))
	}

	now := time.Now()
	cache.now = func() time.Time { return now.Add(2 * time.Hour) }
	if snap := cache.Snapshot(); len(snap) != 0 {
		t.Errorf("snapshot still exposes %d expired entries", len(snap))
	}
}

func TestPriceCacheSnapshotUsesPerChainBound(t *testing.T) {
	var fetches int32
	cache := NewPriceCache(PriceCacheConfig{
		TTL:        time.Hour,
		TTLByChain: map[uint64]time.Duration{56: time.Minute},
	}, countingFetcher(&fetches, 42, nil))

	for _, chainID := range []uint64{56, 8453} {
		if _, err := cache.GetPrice(context.Background(), chainID, cacheToken); err != nil {
			t.Fatalf("GetPrice on chain %d: %v", chainID, err)
		}
	}

	now := time.Now()
	cache.now = func() time.Time { return now.Add(5 * time.Minute) }

	// Five minutes is past chain 56's bound but inside the default.
	snap := cache.Snapshot()
	if _, ok := snap[priceKey(8453, cacheToken)]; !ok {
		t.Error("chain 8453's quote should survive the default bound")
	}
	if _, ok := snap[priceKey(56, cacheToken)]; ok {
		t.Error("chain 56's quote is past its per-chain bound and must be omitted")
	}
}
