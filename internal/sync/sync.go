// Package sync drives a cache.Cache forward from a Fetcher: it discovers
// pairs, hydrates them, polls for new events in block-range chunks, and
// detects chain reorganizations via block-hash verification.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/stratcache/stratcached/internal/cache"
	"github.com/stratcache/stratcached/internal/events"
	"github.com/stratcache/stratcached/internal/pairkey"
	"github.com/stratcache/stratcached/pkg/logging"
)

const (
	defaultPairBatchSize  = 100
	defaultPollInterval   = time.Second
	defaultBlockChunkSize = 1000

	reorgWindow    = 3
	slowModeTick   = time.Second
	slowModePeriod = 60 * time.Second
	discoveryRetry = 60 * time.Second
)

// ErrAlreadyStarted is returned by Start on any call after the first —
// a Sync instance is single-use.
var ErrAlreadyStarted = errors.New("sync: already started")

// Option configures a Sync at construction time.
type Option func(*Sync)

// WithPairBatchSize overrides the default pair-hydration batch size (100).
func WithPairBatchSize(n int) Option {
	return func(s *Sync) { s.pairBatchSize = n }
}

// WithPollInterval overrides the default event-poll interval (1s).
func WithPollInterval(d time.Duration) Option {
	return func(s *Sync) { s.pollInterval = d }
}

// WithBlockChunkSize overrides the default block-range chunk size (1000).
func WithBlockChunkSize(n uint64) Option {
	return func(s *Sync) { s.blockChunkSize = n }
}

// Sync is the control loop described above. The zero value is not usable;
// construct with New. A Sync is single-use: Start fails on its second call.
type Sync struct {
	fetcher Fetcher
	cache   *cache.Cache
	log     *logging.Logger

	pairBatchSize  int
	pollInterval   time.Duration
	blockChunkSize uint64

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	pairsMu        sync.Mutex
	uncachedPairs  []TokenPair
	lastDiscovery  time.Time
	nextRetry      time.Time
	hydrateRetryAt time.Time
	discoverNow    chan struct{}
}

// New returns a Sync wired to fetcher and c, with the given options applied
// over the documented defaults.
func New(fetcher Fetcher, c *cache.Cache, log *logging.Logger, opts ...Option) *Sync {
	if log == nil {
		log = logging.GetDefault()
	}
	s := &Sync{
		fetcher:        fetcher,
		cache:          c,
		log:            log.Component("sync"),
		pairBatchSize:  defaultPairBatchSize,
		pollInterval:   defaultPollInterval,
		blockChunkSize: defaultBlockChunkSize,
		discoverNow:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start bootstraps the cache if needed, discovers pairs once synchronously,
// and then launches the three cooperative background loops (fee bootstrap,
// pair hydration, event poll). It fails if called more than once.
func (s *Sync) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started {
		s.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.lifecycleMu.Unlock()

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error { return s.bootstrap(egCtx) })
	if err := eg.Wait(); err != nil {
		cancel()
		return fmt.Errorf("sync: bootstrap: %w", err)
	}

	s.wg.Add(3)
	go func() { defer s.wg.Done(); s.feeBootstrapOnce(runCtx) }()
	go func() { defer s.wg.Done(); s.pairHydrationLoop(runCtx) }()
	go func() { defer s.wg.Done(); s.eventPollLoop(runCtx) }()
	return nil
}

// bootstrap seeds the watermark (if unset) and runs the first pair
// discovery synchronously, before any background loop starts.
func (s *Sync) bootstrap(ctx context.Context) error {
	if s.cache.GetLatestBlockNumber() == 0 {
		n, err := s.fetcher.GetBlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("get block number: %w", err)
		}
		if err := s.cache.ApplyEvents(nil, n); err != nil {
			return fmt.Errorf("seed watermark: %w", err)
		}
	}
	return s.refreshUncachedPairs(ctx)
}

// Stop cancels all scheduled work and waits for the background loops to
// exit. It marks the instance terminal; Start still fails afterward.
func (s *Sync) Stop() {
	s.lifecycleMu.Lock()
	cancel := s.cancel
	s.lifecycleMu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

// SyncPair is the explicit per-pair hydration entry point, intended to be
// registered as the cache's miss handler. If the pair is already tracked it
// is a no-op.
func (s *Sync) SyncPair(ctx context.Context, token0, token1 cache.TokenId) error {
	if s.cache.IsPairTracked(token0, token1) {
		return nil
	}
	strategies, err := s.fetcher.StrategiesByPair(ctx, token0, token1)
	if err != nil {
		return fmt.Errorf("sync pair %s/%s: %w", token0, token1, err)
	}
	if err := s.cache.AddPair(token0, token1, strategies); err != nil && !errors.Is(err, cache.ErrPairAlreadyExists) {
		return fmt.Errorf("sync pair %s/%s: %w", token0, token1, err)
	}
	return nil
}

// refreshUncachedPairs calls fetcher.Pairs and replaces uncachedPairs with
// those not already tracked by the cache.
func (s *Sync) refreshUncachedPairs(ctx context.Context) error {
	pairs, err := s.fetcher.Pairs(ctx)
	if err != nil {
		return fmt.Errorf("fetch pairs: %w", err)
	}

	fresh := make([]TokenPair, 0, len(pairs))
	for _, p := range pairs {
		if !s.cache.IsPairTracked(p.Token0, p.Token1) {
			fresh = append(fresh, p)
		}
	}

	s.pairsMu.Lock()
	s.uncachedPairs = fresh
	s.lastDiscovery = time.Now()
	s.pairsMu.Unlock()
	return nil
}

// triggerDiscovery requests an out-of-band discovery refresh on the next
// pairHydrationLoop wake, bypassing the slow-mode 60s gate.
func (s *Sync) triggerDiscovery() {
	select {
	case s.discoverNow <- struct{}{}:
	default:
	}
}

// addUncachedPairs appends newly signaled pairs (from event-poll StrategyCreated
// on an untracked pair) to the hydration queue.
func (s *Sync) addUncachedPairs(pairs []TokenPair) {
	s.pairsMu.Lock()
	s.uncachedPairs = append(s.uncachedPairs, pairs...)
	s.pairsMu.Unlock()
}

// resetPairState discards hydration progress after a reorg; the next
// discovery pass starts from scratch.
func (s *Sync) resetPairState() {
	s.pairsMu.Lock()
	s.uncachedPairs = nil
	s.lastDiscovery = time.Time{}
	s.hydrateRetryAt = time.Time{}
	s.pairsMu.Unlock()
}

// pairHydrationLoop fans batches of uncachedPairs out to the fetcher until
// the queue drains, then idles in slow mode: waking every second but only
// re-running discovery every 60s, unless triggerDiscovery fires sooner.
func (s *Sync) pairHydrationLoop(ctx context.Context) {
	ticker := time.NewTicker(slowModeTick)
	defer ticker.Stop()

	for {
		s.pairsMu.Lock()
		pending := s.uncachedPairs
		retryDue := s.hydrateRetryAt.IsZero() || !time.Now().Before(s.hydrateRetryAt)
		s.pairsMu.Unlock()

		if len(pending) > 0 && retryDue {
			if err := s.hydratePairs(ctx, pending); err != nil {
				s.log.Error("pair hydration failed, will retry", "error", err)
				s.pairsMu.Lock()
				s.hydrateRetryAt = time.Now().Add(discoveryRetry)
				s.pairsMu.Unlock()
			} else {
				s.pairsMu.Lock()
				s.uncachedPairs = nil
				s.hydrateRetryAt = time.Time{}
				s.pairsMu.Unlock()
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.discoverNow:
			s.runDiscovery(ctx)
		case <-ticker.C:
			s.pairsMu.Lock()
			var due bool
			if s.nextRetry.IsZero() {
				due = time.Since(s.lastDiscovery) > slowModePeriod
			} else {
				due = time.Now().After(s.nextRetry)
			}
			s.pairsMu.Unlock()
			if due {
				s.runDiscovery(ctx)
			}
		}
	}
}

func (s *Sync) runDiscovery(ctx context.Context) {
	if err := s.refreshUncachedPairs(ctx); err != nil {
		s.log.Error("pair discovery failed, will retry", "error", err)
		s.pairsMu.Lock()
		s.nextRetry = time.Now().Add(discoveryRetry)
		s.pairsMu.Unlock()
		return
	}
	s.pairsMu.Lock()
	s.nextRetry = time.Time{}
	s.pairsMu.Unlock()
}

// hydratePairs splits pending into pairBatchSize batches and fans them out
// concurrently, adding each batch's result to the cache as it resolves.
func (s *Sync) hydratePairs(ctx context.Context, pending []TokenPair) error {
	batches := chunkPairs(pending, s.pairBatchSize)

	eg, egCtx := errgroup.WithContext(ctx)
	for _, batch := range batches {
		batch := batch
		eg.Go(func() error {
			results, err := s.fetcher.StrategiesByPairs(egCtx, batch)
			if err != nil {
				return fmt.Errorf("strategiesByPairs: %w", err)
			}
			inputs := make([]cache.PairInput, 0, len(results))
			for _, r := range results {
				inputs = append(inputs, cache.PairInput{
					Token0:     r.Pair.Token0,
					Token1:     r.Pair.Token1,
					Strategies: r.Strategies,
				})
			}
			return s.cache.BulkAddPairs(inputs)
		})
	}
	return eg.Wait()
}

func chunkPairs(pairs []TokenPair, size int) [][]TokenPair {
	if size <= 0 {
		size = defaultPairBatchSize
	}
	var batches [][]TokenPair
	for i := 0; i < len(pairs); i += size {
		end := i + size
		if end > len(pairs) {
			end = len(pairs)
		}
		batches = append(batches, pairs[i:end])
	}
	return batches
}

// feeBootstrapOnce fetches trading fees for every pair tracked at startup.
// It runs exactly once; ongoing fee changes arrive through the event-poll
// loop's side effects instead.
func (s *Sync) feeBootstrapOnce(ctx context.Context) {
	pairs := s.cache.GetCachedPairs(false)
	if len(pairs) == 0 {
		return
	}
	tokenPairs := make([]TokenPair, len(pairs))
	for i, k := range pairs {
		t0, t1 := pairkey.Split(k)
		tokenPairs[i] = TokenPair{Token0: t0, Token1: t1}
	}
	s.applyFeeQuotes(ctx, tokenPairs)
}

// refreshAllFees re-fetches fees for every currently cached pair, used when
// a GlobalTradingFeeUpdated signal is observed during event polling.
func (s *Sync) refreshAllFees(ctx context.Context) {
	pairs := s.cache.GetCachedPairs(false)
	tokenPairs := make([]TokenPair, len(pairs))
	for i, k := range pairs {
		t0, t1 := pairkey.Split(k)
		tokenPairs[i] = TokenPair{Token0: t0, Token1: t1}
	}
	s.applyFeeQuotes(ctx, tokenPairs)
}

func (s *Sync) applyFeeQuotes(ctx context.Context, pairs []TokenPair) {
	if len(pairs) == 0 {
		return
	}
	quotes, err := s.fetcher.PairsTradingFeePPM(ctx, pairs)
	if err != nil {
		s.log.Error("fetch pair fees failed", "error", err)
		return
	}
	for _, q := range quotes {
		s.cache.AddPairFees(q.Pair.Token0, q.Pair.Token1, cache.PairFee(q.FeePPM))
	}
}

// eventPollLoop wakes every pollInterval, fetches new events in
// blockChunkSize chunks, and applies them to the cache, recursing
// immediately on reorg.
func (s *Sync) eventPollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		}
	}
}

func (s *Sync) pollOnce(ctx context.Context) {
	current, err := s.fetcher.GetBlockNumber(ctx)
	if err != nil {
		s.log.Error("poll: get block number", "error", err)
		return
	}
	latest := s.cache.GetLatestBlockNumber()
	if current <= latest {
		return
	}

	reorg, err := detectReorg(ctx, s.fetcher, s.cache, current)
	if err != nil {
		s.log.Error("poll: reorg detection", "error", err)
		return
	}
	if reorg {
		s.log.Warn("reorg detected, clearing cache", "block", current)
		s.cache.Clear()
		if err := s.cache.ApplyEvents(nil, current); err != nil {
			s.log.Error("poll: reseed watermark after reorg", "error", err)
			return
		}
		s.cache.SetBlocksMetadata(nil)
		s.resetPairState()
		s.triggerDiscovery()
		s.pollOnce(ctx)
		return
	}

	cachedKeys := make(map[cache.PairKey]struct{})
	for _, k := range s.cache.GetCachedPairs(false) {
		cachedKeys[k] = struct{}{}
	}

	var all []events.Event
	var newPairs []TokenPair
	var sawGlobalFeeChange bool

	for from := latest + 1; from <= current; {
		to := from + s.blockChunkSize - 1
		if to > current {
			to = current
		}

		chunkEvents, chunkNewPairs, globalFee, err := s.fetchChunk(ctx, from, to, cachedKeys)
		if err != nil {
			s.log.Error("poll: fetch chunk", "from", from, "to", to, "error", err)
			return
		}
		all = append(all, chunkEvents...)
		newPairs = append(newPairs, chunkNewPairs...)
		sawGlobalFeeChange = sawGlobalFeeChange || globalFee

		from = to + 1
	}

	if err := s.cache.ApplyEvents(all, current); err != nil {
		s.log.Error("poll: apply events", "error", err)
		return
	}

	if sawGlobalFeeChange {
		s.refreshAllFees(ctx)
	}
	if len(newPairs) > 0 {
		s.addUncachedPairs(newPairs)
		s.triggerDiscovery()
		s.applyFeeQuotes(ctx, newPairs)
	}

	s.rebuildBlockWindow(ctx, current)
}

// fetchChunk fetches all five event kinds (plus trades, fetched only to be
// filtered and discarded) for [from, to], returning them combined and
// stably sorted, with any StrategyCreated targeting an untracked pair
// pulled out into newPairs instead of the applied batch.
func (s *Sync) fetchChunk(ctx context.Context, from, to uint64, cachedKeys map[cache.PairKey]struct{}) ([]events.Event, []TokenPair, bool, error) {
	created, err := s.fetcher.GetLatestStrategyCreatedStrategies(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("strategy created: %w", err)
	}
	updated, err := s.fetcher.GetLatestStrategyUpdatedStrategies(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("strategy updated: %w", err)
	}
	deleted, err := s.fetcher.GetLatestStrategyDeletedStrategies(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("strategy deleted: %w", err)
	}
	pairFees, err := s.fetcher.GetLatestPairTradingFeeUpdates(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("pair fee updates: %w", err)
	}
	globalFees, err := s.fetcher.GetLatestTradingFeeUpdates(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("global fee updates: %w", err)
	}
	trades, err := s.fetcher.GetLatestTokensTradedTrades(ctx, from, to)
	if err != nil {
		return nil, nil, false, fmt.Errorf("trades: %w", err)
	}
	if len(trades) > 0 {
		s.logFilteredTrades(trades, cachedKeys)
	}

	var evts []events.Event
	var newPairs []TokenPair
	seenNewPair := make(map[cache.PairKey]struct{})

	for _, cs := range created {
		key := pairkey.Pair(cs.Strategy.Token0, cs.Strategy.Token1)
		if _, tracked := cachedKeys[key]; !tracked {
			if _, already := seenNewPair[key]; !already {
				seenNewPair[key] = struct{}{}
				newPairs = append(newPairs, TokenPair{Token0: cs.Strategy.Token0, Token1: cs.Strategy.Token1})
			}
			continue
		}
		evts = append(evts, events.Event{
			Kind:        events.StrategyCreated,
			BlockNumber: cs.BlockNumber,
			LogIndex:    cs.LogIndex,
			Data:        events.StrategyCreatedData{Strategy: toStrategyEvent(cs.Strategy)},
		})
	}
	for _, us := range updated {
		evts = append(evts, events.Event{
			Kind:        events.StrategyUpdated,
			BlockNumber: us.BlockNumber,
			LogIndex:    us.LogIndex,
			Data:        events.StrategyUpdatedData{Strategy: toStrategyEvent(us.Strategy)},
		})
	}
	for _, ds := range deleted {
		evts = append(evts, events.Event{
			Kind:        events.StrategyDeleted,
			BlockNumber: ds.BlockNumber,
			LogIndex:    ds.LogIndex,
			Data:        events.StrategyDeletedData{StrategyID: ds.StrategyID, Token0: ds.Token0, Token1: ds.Token1},
		})
	}
	for _, pf := range pairFees {
		evts = append(evts, events.Event{
			Kind:        events.PairTradingFeeUpdated,
			BlockNumber: pf.BlockNumber,
			LogIndex:    pf.LogIndex,
			Data:        events.PairTradingFeeUpdatedData{Token0: pf.Pair.Token0, Token1: pf.Pair.Token1, FeePPM: pf.FeePPM},
		})
	}
	sawGlobalFeeChange := len(globalFees) > 0
	for _, gf := range globalFees {
		evts = append(evts, events.Event{
			Kind:        events.GlobalTradingFeeUpdated,
			BlockNumber: gf.BlockNumber,
			LogIndex:    gf.LogIndex,
			Data:        events.GlobalTradingFeeUpdatedData{FeePPM: gf.FeePPM},
		})
	}

	events.SortByBlockAndLog(evts)
	return evts, newPairs, sawGlobalFeeChange, nil
}

func (s *Sync) logFilteredTrades(trades []Trade, cachedKeys map[cache.PairKey]struct{}) {
	relevant := 0
	for _, t := range trades {
		if _, tracked := cachedKeys[pairkey.Pair(t.Pair.Token0, t.Pair.Token1)]; tracked {
			relevant++
		}
	}
	s.log.Debug("observed trades in poll range", "total", len(trades), "on_cached_pairs", relevant)
}

func toStrategyEvent(s cache.Strategy) events.Strategy {
	return events.Strategy{
		ID:     s.ID,
		Token0: s.Token0,
		Token1: s.Token1,
		Order0: events.Order{Y: s.Order0.Y, Z: s.Order0.Z, A: s.Order0.A, B: s.Order0.B},
		Order1: events.Order{Y: s.Order1.Y, Z: s.Order1.Z, A: s.Order1.A, B: s.Order1.B},
	}
}

// rebuildBlockWindow replaces the cache's reorg-detection window with the
// most recent reorgWindow blocks, reusing entries already verified this
// cycle and fetching the rest. Blocks that fail to fetch are skipped, so the
// window may hold fewer than reorgWindow entries.
func (s *Sync) rebuildBlockWindow(ctx context.Context, current uint64) {
	existing := make(map[uint64]string)
	for _, b := range s.cache.BlocksMetadata() {
		existing[b.Number] = b.Hash
	}

	var out []cache.BlockMetadata
	for i := uint64(0); i < reorgWindow && i <= current; i++ {
		n := current - i
		if hash, ok := existing[n]; ok {
			out = append(out, cache.BlockMetadata{Number: n, Hash: hash})
		} else {
			blk, err := s.fetcher.GetBlock(ctx, n)
			if err != nil || blk == nil {
				s.log.Warn("could not fetch block for reorg window, skipping", "number", n)
			} else {
				out = append(out, cache.BlockMetadata{Number: n, Hash: blk.Hash})
			}
		}
	}
	s.cache.SetBlocksMetadata(out)
}

// detectReorg implements §4.5: any stored block number beyond current is a
// reorg; otherwise every stored block is re-fetched by number and compared
// by hash. A fetch error or missing data is treated conservatively as a
// reorg.
func detectReorg(ctx context.Context, fetcher Fetcher, c *cache.Cache, current uint64) (bool, error) {
	for _, b := range c.BlocksMetadata() {
		if b.Number > current {
			return true, nil
		}
	}
	for _, b := range c.BlocksMetadata() {
		blk, err := fetcher.GetBlock(ctx, b.Number)
		if err != nil {
			return true, nil
		}
		if blk == nil || blk.Hash == "" {
			return true, nil
		}
		if blk.Hash != b.Hash {
			return true, nil
		}
	}
	return false, nil
}
