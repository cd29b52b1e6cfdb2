package sync

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stratcache/stratcached/internal/cache"
	"github.com/stratcache/stratcached/internal/notify"
)

// fakeFetcher is a hand-rolled Fetcher test double. All fields are guarded
// by mu since pollOnce and hydratePairs may call it from goroutines.
type fakeFetcher struct {
	mu sync.Mutex

	blockNumber uint64
	blocks      map[uint64]string // number -> hash

	pairs               []TokenPair
	strategiesByPair    map[TokenPair][]cache.Strategy
	fees                map[TokenPair]uint32
	strategiesByPairErr error

	strategiesByPairsErr   error
	strategiesByPairsCalls int

	created    []CreatedStrategy
	updated    []UpdatedStrategy
	deleted    []DeletedStrategy
	trades     []Trade
	pairFees   []PairFeeUpdate
	globalFees []GlobalFeeUpdate
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		blocks:           make(map[uint64]string),
		strategiesByPair: make(map[TokenPair][]cache.Strategy),
		fees:             make(map[TokenPair]uint32),
	}
}

func (f *fakeFetcher) GetBlockNumber(ctx context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockNumber, nil
}

func (f *fakeFetcher) GetBlock(ctx context.Context, number uint64) (*cache.BlockMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.blocks[number]
	if !ok {
		return nil, fmt.Errorf("fake: no block %d", number)
	}
	return &cache.BlockMetadata{Number: number, Hash: hash}, nil
}

func (f *fakeFetcher) Pairs(ctx context.Context) ([]TokenPair, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]TokenPair, len(f.pairs))
	copy(out, f.pairs)
	return out, nil
}

func (f *fakeFetcher) StrategiesByPair(ctx context.Context, token0, token1 cache.TokenId) ([]cache.Strategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.strategiesByPairErr != nil {
		return nil, f.strategiesByPairErr
	}
	return f.strategiesByPair[TokenPair{Token0: token0, Token1: token1}], nil
}

func (f *fakeFetcher) StrategiesByPairs(ctx context.Context, pairs []TokenPair) ([]PairStrategies, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.strategiesByPairsCalls++
	if f.strategiesByPairsErr != nil {
		return nil, f.strategiesByPairsErr
	}
	out := make([]PairStrategies, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PairStrategies{Pair: p, Strategies: f.strategiesByPair[p]})
	}
	return out, nil
}

func (f *fakeFetcher) PairsTradingFeePPM(ctx context.Context, pairs []TokenPair) ([]PairFeeQuote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PairFeeQuote, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, PairFeeQuote{Pair: p, FeePPM: f.fees[p]})
	}
	return out, nil
}

func (f *fakeFetcher) GetLatestStrategyCreatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]CreatedStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.created, fromBlock, toBlock, func(c CreatedStrategy) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) GetLatestStrategyUpdatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]UpdatedStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.updated, fromBlock, toBlock, func(c UpdatedStrategy) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) GetLatestStrategyDeletedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]DeletedStrategy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.deleted, fromBlock, toBlock, func(c DeletedStrategy) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) GetLatestTokensTradedTrades(ctx context.Context, fromBlock, toBlock uint64) ([]Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.trades, fromBlock, toBlock, func(c Trade) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) GetLatestPairTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]PairFeeUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.pairFees, fromBlock, toBlock, func(c PairFeeUpdate) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) GetLatestTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]GlobalFeeUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return inRange(f.globalFees, fromBlock, toBlock, func(c GlobalFeeUpdate) uint64 { return c.BlockNumber }), nil
}

func (f *fakeFetcher) strategiesByPairsCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.strategiesByPairsCalls
}

func inRange[T any](items []T, from, to uint64, blockOf func(T) uint64) []T {
	var out []T
	for _, item := range items {
		n := blockOf(item)
		if n >= from && n <= to {
			out = append(out, item)
		}
	}
	return out
}

func bigI(v int64) *big.Int { return big.NewInt(v) }

func tradableStrategy(id int64, token0, token1 cache.TokenId) cache.Strategy {
	return cache.Strategy{
		ID:     bigI(id),
		Token0: token0,
		Token1: token1,
		Order0: cache.Order{Y: bigI(100), Z: bigI(1), A: bigI(1), B: bigI(1)},
		Order1: cache.Order{Y: bigI(100), Z: bigI(1), A: bigI(1), B: bigI(1)},
	}
}

func newTestCache() *cache.Cache {
	return cache.New(notify.New(), nil)
}

func TestSyncPairHydratesUncachedPair(t *testing.T) {
	f := newFakeFetcher()
	f.strategiesByPair[TokenPair{Token0: "abc", Token1: "xyz"}] = []cache.Strategy{tradableStrategy(1, "abc", "xyz")}
	c := newTestCache()
	s := New(f, c, nil)

	if err := s.SyncPair(context.Background(), "abc", "xyz"); err != nil {
		t.Fatal(err)
	}
	if !c.IsPairTracked("abc", "xyz") {
		t.Fatal("expected pair to be tracked after SyncPair")
	}
	got, _, err := c.GetStrategiesByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d strategies, want 1", len(got))
	}
}

func TestSyncPairNoOpWhenAlreadyTracked(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}
	s := New(f, c, nil)

	f.strategiesByPairErr = fmt.Errorf("should not be called")
	if err := s.SyncPair(context.Background(), "abc", "xyz"); err != nil {
		t.Fatalf("SyncPair on already-tracked pair should be a no-op, got error: %v", err)
	}
}

func TestPollOnceAppliesEventsAndAdvancesWatermark(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyEvents(nil, 10); err != nil {
		t.Fatal(err)
	}
	c.SetBlocksMetadata([]cache.BlockMetadata{{Number: 10, Hash: "0xa"}})
	f.blocks[10] = "0xa"
	f.blocks[11] = "0xb"
	f.blockNumber = 11
	f.created = []CreatedStrategy{
		{Strategy: tradableStrategy(1, "abc", "xyz"), BlockNumber: 11, LogIndex: 0},
	}

	s := New(f, c, nil)
	s.pollOnce(context.Background())

	if c.GetLatestBlockNumber() != 11 {
		t.Fatalf("latestBlock = %d, want 11", c.GetLatestBlockNumber())
	}
	if _, ok := c.GetStrategyByID(bigI(1)); !ok {
		t.Fatal("expected strategy from poll to be applied")
	}
}

func TestPollOnceDetectsReorgAndClearsCache(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", []cache.Strategy{tradableStrategy(1, "abc", "xyz")}); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyEvents(nil, 10); err != nil {
		t.Fatal(err)
	}
	c.SetBlocksMetadata([]cache.BlockMetadata{{Number: 10, Hash: "0xstale"}})
	f.blocks[10] = "0xfresh" // hash mismatch signals reorg
	f.blocks[11] = "0xb"
	f.blockNumber = 11
	f.pairs = []TokenPair{{Token0: "abc", Token1: "xyz"}}
	f.strategiesByPair[TokenPair{Token0: "abc", Token1: "xyz"}] = []cache.Strategy{tradableStrategy(1, "abc", "xyz")}

	s := New(f, c, nil)
	s.pollOnce(context.Background())

	if _, ok := c.GetStrategyByID(bigI(1)); ok {
		t.Fatal("expected strategy present before reorg to be cleared")
	}
	if c.GetLatestBlockNumber() != 11 {
		t.Fatalf("latestBlock after reorg recovery = %d, want 11", c.GetLatestBlockNumber())
	}
}

func TestPollOnceSkipsWhenNoNewBlocks(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.ApplyEvents(nil, 10); err != nil {
		t.Fatal(err)
	}
	f.blockNumber = 10

	s := New(f, c, nil)
	s.pollOnce(context.Background()) // should be a no-op; no panics, no changes

	if c.GetLatestBlockNumber() != 10 {
		t.Fatalf("latestBlock = %d, want unchanged 10", c.GetLatestBlockNumber())
	}
}

func TestHydratePairsBatchesAcrossPairBatchSize(t *testing.T) {
	f := newFakeFetcher()
	pairs := []TokenPair{
		{Token0: "a", Token1: "b"},
		{Token0: "c", Token1: "d"},
		{Token0: "e", Token1: "f"},
	}
	for _, p := range pairs {
		f.strategiesByPair[p] = []cache.Strategy{tradableStrategy(1, p.Token0, p.Token1)}
	}
	c := newTestCache()
	s := New(f, c, nil, WithPairBatchSize(2))

	if err := s.hydratePairs(context.Background(), pairs); err != nil {
		t.Fatal(err)
	}
	for _, p := range pairs {
		if !c.IsPairTracked(p.Token0, p.Token1) {
			t.Fatalf("pair %v not tracked after hydratePairs", p)
		}
	}
}

func TestFeeBootstrapOnceFetchesCachedPairFees(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}
	f.fees[TokenPair{Token0: "abc", Token1: "xyz"}] = 25

	s := New(f, c, nil)
	s.feeBootstrapOnce(context.Background())

	fee, ok, err := c.GetTradingFeePPMByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fee != 25 {
		t.Fatalf("fee = %d (ok=%v), want 25", fee, ok)
	}
}

func TestPollOnceRefreshesFeesOnGlobalFeeEvent(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}
	if err := c.ApplyEvents(nil, 10); err != nil {
		t.Fatal(err)
	}
	f.blockNumber = 11
	f.blocks[10] = ""
	f.globalFees = []GlobalFeeUpdate{{FeePPM: 99, BlockNumber: 11, LogIndex: 0}}
	f.fees[TokenPair{Token0: "abc", Token1: "xyz"}] = 99

	s := New(f, c, nil)
	// No stored block metadata yet, so detectReorg trivially passes (nothing to verify).
	s.pollOnce(context.Background())

	fee, ok, err := c.GetTradingFeePPMByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fee != 99 {
		t.Fatalf("fee = %d (ok=%v), want 99 after global fee refresh", fee, ok)
	}
}

func TestPairHydrationLoopBacksOffAfterFailure(t *testing.T) {
	f := newFakeFetcher()
	f.strategiesByPairsErr = fmt.Errorf("rpc unavailable")
	f.pairs = []TokenPair{{Token0: "abc", Token1: "xyz"}} // discovery keeps re-queuing the pair
	c := newTestCache()
	s := New(f, c, nil)
	s.addUncachedPairs([]TokenPair{{Token0: "abc", Token1: "xyz"}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		s.pairHydrationLoop(ctx)
		close(done)
	}()

	// Give the loop time for its immediate attempt plus a couple of
	// slowModeTick (1s) wakeups; with the bug, hydratePairs would be
	// retried on every tick instead of waiting out discoveryRetry (60s).
	time.Sleep(2500 * time.Millisecond)
	cancel()
	<-done

	if got := f.strategiesByPairsCallCount(); got != 1 {
		t.Fatalf("hydratePairs retried %d times within a few seconds, want exactly 1 (retry should wait %s)", got, discoveryRetry)
	}

	s.pairsMu.Lock()
	retryAt := s.hydrateRetryAt
	s.pairsMu.Unlock()
	if retryAt.IsZero() || time.Until(retryAt) <= 0 {
		t.Fatal("expected hydrateRetryAt to be set to a future time after a hydration failure")
	}
}

func TestPollOnceQueuesNewPairFromUncachedStrategyCreated(t *testing.T) {
	f := newFakeFetcher()
	c := newTestCache()
	if err := c.ApplyEvents(nil, 10); err != nil {
		t.Fatal(err)
	}
	f.blockNumber = 11
	f.created = []CreatedStrategy{
		{Strategy: tradableStrategy(1, "new0", "new1"), BlockNumber: 11, LogIndex: 0},
	}

	s := New(f, c, nil)
	s.pollOnce(context.Background())

	if c.IsPairTracked("new0", "new1") {
		t.Fatal("untracked pair's StrategyCreated should not be applied directly")
	}
	s.pairsMu.Lock()
	queued := len(s.uncachedPairs)
	s.pairsMu.Unlock()
	if queued != 1 {
		t.Fatalf("got %d queued uncached pairs, want 1", queued)
	}
}
