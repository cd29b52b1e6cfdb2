package cache

import (
	"context"
	"math/big"
	"testing"

	"github.com/stratcache/stratcached/internal/events"
	"github.com/stratcache/stratcached/internal/notify"
)

func bigI(v int64) *big.Int { return big.NewInt(v) }

func tradableStrategy(id int64, token0, token1 TokenId) Strategy {
	return Strategy{
		ID:     bigI(id),
		Token0: token0,
		Token1: token1,
		Order0: Order{Y: bigI(100), Z: bigI(1), A: bigI(1), B: bigI(1)},
		Order1: Order{Y: bigI(100), Z: bigI(1), A: bigI(1), B: bigI(1)},
	}
}

func newTestCache() *Cache {
	return New(notify.New(), nil)
}

func TestAddPairFailsOnDuplicate(t *testing.T) {
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatalf("first AddPair: %v", err)
	}
	if err := c.AddPair("abc", "xyz", nil); err == nil {
		t.Fatal("second AddPair on same pair did not fail")
	}
}

func TestKeyCanonicalization(t *testing.T) {
	c := newTestCache()
	s1 := tradableStrategy(1, "abc", "xyz")
	s2 := tradableStrategy(2, "abc", "xyz")
	if err := c.AddPair("abc", "xyz", []Strategy{s1, s2}); err != nil {
		t.Fatal(err)
	}

	got, tracked, err := c.GetStrategiesByPair(context.Background(), "xyz", "abc")
	if err != nil {
		t.Fatal(err)
	}
	if !tracked || len(got) != 2 {
		t.Fatalf("got %v tracked=%v, want 2 strategies", got, tracked)
	}

	pairs := c.GetCachedPairs(false)
	if len(pairs) != 1 {
		t.Fatalf("got %d pairs, want 1", len(pairs))
	}
}

func TestDirectionalOrders(t *testing.T) {
	c := newTestCache()
	s := tradableStrategy(1, "abc", "xyz")
	s.Order0 = Order{Y: bigI(10), Z: bigI(0), A: bigI(0), B: bigI(0)}
	s.Order1 = Order{Y: bigI(20), Z: bigI(0), A: bigI(0), B: bigI(0)}
	if err := c.AddPair("abc", "xyz", []Strategy{s}); err != nil {
		t.Fatal(err)
	}

	forward, _, err := c.GetOrdersByPair(context.Background(), "abc", "xyz", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(forward) != 1 || forward[0].Order.Y.Cmp(bigI(20)) != 0 {
		t.Fatalf("forward = %+v, want order1 (y=20)", forward)
	}

	backward, _, err := c.GetOrdersByPair(context.Background(), "xyz", "abc", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(backward) != 1 || backward[0].Order.Y.Cmp(bigI(10)) != 0 {
		t.Fatalf("backward = %+v, want order0 (y=10)", backward)
	}
}

func TestTradabilityFilter(t *testing.T) {
	c := newTestCache()
	s := tradableStrategy(1, "abc", "xyz")
	s.Order1 = Order{Y: bigI(0), Z: bigI(0), A: bigI(1), B: bigI(1)} // y=0 -> not tradable
	if err := c.AddPair("abc", "xyz", []Strategy{s}); err != nil {
		t.Fatal(err)
	}

	defaultResult, _, err := c.GetOrdersByPair(context.Background(), "abc", "xyz", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(defaultResult) != 0 {
		t.Fatalf("expected non-tradable order filtered out, got %+v", defaultResult)
	}

	keepAll, _, err := c.GetOrdersByPair(context.Background(), "abc", "xyz", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(keepAll) != 1 {
		t.Fatalf("expected non-tradable order present with keepNonTradable, got %+v", keepAll)
	}
}

func TestInsertUpdateDeleteLifecycle(t *testing.T) {
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}

	changedCount := 0
	bus := c.bus
	bus.Subscribe(notify.PairDataChanged, func(any) { changedCount++ })

	created := tradableStrategy(1, "abc", "xyz")
	if err := c.ApplyEvents([]events.Event{
		{Kind: events.StrategyCreated, BlockNumber: 1, LogIndex: 0, Data: events.StrategyCreatedData{Strategy: toEventStrategy(created)}},
	}, 1); err != nil {
		t.Fatal(err)
	}

	updated := created
	updated.Order0 = Order{Y: bigI(150), Z: bigI(1), A: bigI(1), B: bigI(1)}
	if err := c.ApplyEvents([]events.Event{
		{Kind: events.StrategyUpdated, BlockNumber: 2, LogIndex: 0, Data: events.StrategyUpdatedData{Strategy: toEventStrategy(updated)}},
	}, 2); err != nil {
		t.Fatal(err)
	}

	if err := c.ApplyEvents([]events.Event{
		{Kind: events.StrategyDeleted, BlockNumber: 3, LogIndex: 0, Data: events.StrategyDeletedData{StrategyID: bigI(1), Token0: "abc", Token1: "xyz"}},
	}, 3); err != nil {
		t.Fatal(err)
	}

	got, _, err := c.GetStrategiesByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("got %d strategies after delete, want 0", len(got))
	}
	if _, ok := c.GetStrategyByID(bigI(1)); ok {
		t.Fatal("strategy still present by id after delete")
	}
	if changedCount != 3 {
		t.Fatalf("got %d pairDataChanged emissions, want 3 (one per applyEvents)", changedCount)
	}
}

func TestCacheMissRehydration(t *testing.T) {
	c := newTestCache()
	calls := 0
	c.SetCacheMissHandler(func(ctx context.Context, t0, t1 TokenId) error {
		calls++
		return c.AddPair(t0, t1, []Strategy{tradableStrategy(1, t0, t1)})
	})

	got, tracked, err := c.GetStrategiesByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if !tracked || len(got) != 1 {
		t.Fatalf("got %v tracked=%v, want 1 strategy", got, tracked)
	}
	if calls != 1 {
		t.Fatalf("miss handler invoked %d times, want 1", calls)
	}
}

func TestCacheMissNotTriggeredOnceInitialized(t *testing.T) {
	c := newTestCache()
	if err := c.BulkAddPairs([]PairInput{{Token0: "abc", Token1: "xyz"}}); err != nil {
		t.Fatal(err)
	}
	calls := 0
	c.SetCacheMissHandler(func(ctx context.Context, t0, t1 TokenId) error {
		calls++
		return nil
	})

	_, tracked, err := c.GetStrategiesByPair(context.Background(), "not", "cached")
	if err != nil {
		t.Fatal(err)
	}
	if tracked {
		t.Fatal("expected untracked pair to remain untracked")
	}
	if calls != 0 {
		t.Fatalf("miss handler invoked %d times after initialization, want 0", calls)
	}
}

func TestBulkAddPairsInitializesOnce(t *testing.T) {
	c := newTestCache()
	initCount := 0
	c.bus.Subscribe(notify.CacheInitialized, func(any) { initCount++ })

	if err := c.BulkAddPairs([]PairInput{{Token0: "a", Token1: "b"}}); err != nil {
		t.Fatal(err)
	}
	if err := c.BulkAddPairs([]PairInput{{Token0: "c", Token1: "d"}}); err != nil {
		t.Fatal(err)
	}
	if initCount != 1 {
		t.Fatalf("got %d cacheInitialized emissions, want 1", initCount)
	}
}

func TestFeeLastWriteWinsWithinApplyEvents(t *testing.T) {
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", nil); err != nil {
		t.Fatal(err)
	}
	err := c.ApplyEvents([]events.Event{
		{Kind: events.PairTradingFeeUpdated, BlockNumber: 3, LogIndex: 0, Data: events.PairTradingFeeUpdatedData{Token0: "abc", Token1: "xyz", FeePPM: 12}},
		{Kind: events.PairTradingFeeUpdated, BlockNumber: 3, LogIndex: 1, Data: events.PairTradingFeeUpdatedData{Token0: "abc", Token1: "xyz", FeePPM: 13}},
	}, 3)
	if err != nil {
		t.Fatal(err)
	}

	fee, ok, err := c.GetTradingFeePPMByPair(context.Background(), "abc", "xyz")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fee != 13 {
		t.Fatalf("fee = %d (ok=%v), want 13", fee, ok)
	}
}

func TestEventForUncachedPairIsSkippedNotFatal(t *testing.T) {
	c := newTestCache()
	err := c.ApplyEvents([]events.Event{
		{Kind: events.StrategyCreated, BlockNumber: 1, LogIndex: 0, Data: events.StrategyCreatedData{Strategy: toEventStrategy(tradableStrategy(1, "abc", "xyz"))}},
	}, 1)
	if err != nil {
		t.Fatalf("ApplyEvents returned error for uncached-pair event, want nil: %v", err)
	}
	if _, ok := c.GetStrategyByID(bigI(1)); ok {
		t.Fatal("strategy for uncached pair should not have been inserted")
	}
}

func TestSerializeRoundTrip(t *testing.T) {
	c := newTestCache()
	if err := c.AddPair("abc", "xyz", []Strategy{tradableStrategy(1, "abc", "xyz")}); err != nil {
		t.Fatal(err)
	}
	c.AddPairFees("abc", "xyz", 42)
	if err := c.ApplyEvents(nil, 100); err != nil {
		t.Fatal(err)
	}

	snap, err := c.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	restored := FromSerialized(snap, notify.New(), nil)
	if restored.GetLatestBlockNumber() != 100 {
		t.Fatalf("latestBlock = %d, want 100", restored.GetLatestBlockNumber())
	}
	fee, ok, err := restored.GetTradingFeePPMByPair(context.Background(), "abc", "xyz")
	if err != nil || !ok || fee != 42 {
		t.Fatalf("fee = %d ok=%v err=%v, want 42/true/nil", fee, ok, err)
	}

	snap2, err := restored.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	restored2 := FromSerialized(snap2, notify.New(), nil)
	snap3, err := restored2.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if snap2 != snap3 {
		t.Fatalf("serialization not idempotent:\n%s\nvs\n%s", snap2, snap3)
	}
}

func TestFromSerializedVersionMismatchYieldsEmptyCache(t *testing.T) {
	bad := `{"schemeVersion":1,"strategiesByPair":{},"tradingFeePPMByPair":{},"latestBlockNumber":5}`
	c := FromSerialized(bad, notify.New(), nil)
	if c.GetLatestBlockNumber() != 0 {
		t.Fatalf("latestBlock = %d, want 0 for version-mismatched snapshot", c.GetLatestBlockNumber())
	}
	if len(c.GetCachedPairs(false)) != 0 {
		t.Fatal("expected no pairs from version-mismatched snapshot")
	}
}

func TestFromSerializedParseErrorYieldsEmptyCache(t *testing.T) {
	c := FromSerialized("not json", notify.New(), nil)
	if c.GetLatestBlockNumber() != 0 {
		t.Fatalf("latestBlock = %d, want 0 for unparseable snapshot", c.GetLatestBlockNumber())
	}
}

func TestClearResetsInitializedAndEmitsCacheCleared(t *testing.T) {
	c := newTestCache()
	cleared := false
	c.bus.Subscribe(notify.CacheCleared, func(any) { cleared = true })

	if err := c.BulkAddPairs([]PairInput{{Token0: "a", Token1: "b"}}); err != nil {
		t.Fatal(err)
	}
	c.Clear()

	if !cleared {
		t.Fatal("expected cacheCleared emission")
	}
	if len(c.GetCachedPairs(false)) != 0 {
		t.Fatal("expected no pairs after clear")
	}

	calls := 0
	c.SetCacheMissHandler(func(ctx context.Context, t0, t1 TokenId) error {
		calls++
		return nil
	})
	_, _, _ = c.GetStrategiesByPair(context.Background(), "a", "b")
	if calls != 1 {
		t.Fatalf("miss handler invoked %d times after clear, want 1 (cache should be uninitialized again)", calls)
	}
}

// toEventStrategy adapts a cache.Strategy into the events package's
// wire-shaped Strategy used by ApplyEvents' event payloads.
func toEventStrategy(s Strategy) events.Strategy {
	return events.Strategy{
		ID:     s.ID,
		Token0: s.Token0,
		Token1: s.Token1,
		Order0: events.Order{Y: s.Order0.Y, Z: s.Order0.Z, A: s.Order0.A, B: s.Order0.B},
		Order1: events.Order{Y: s.Order1.Y, Z: s.Order1.Z, A: s.Order1.A, B: s.Order1.B},
	}
}
