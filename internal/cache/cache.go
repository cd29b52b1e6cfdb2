package cache

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/stratcache/stratcached/internal/events"
	"github.com/stratcache/stratcached/internal/notify"
	"github.com/stratcache/stratcached/internal/pairkey"
	"github.com/stratcache/stratcached/pkg/logging"
)

// reorgWindow is K from the reorg-detection design: the cache retains this
// many of the most recent blocks for hash verification.
const reorgWindow = 3

// MissHandler is invoked when a read misses an untracked pair on an
// uninitialized cache. It is expected to call AddPair to hydrate the pair;
// the triggering read is retried once the handler returns.
type MissHandler func(ctx context.Context, token0, token1 TokenId) error

// Cache is the in-process mirror of on-chain pair and strategy state. The
// zero value is not usable; construct with New.
type Cache struct {
	mu sync.Mutex

	strategiesByPair     map[PairKey][]Strategy
	strategiesByID       map[string]Strategy
	ordersByDirectedPair map[DirectedKey]map[string]Order
	feeByPair            map[PairKey]PairFee
	latestBlock          uint64
	blocksMetadata       []BlockMetadata
	initialized          bool

	missHandler MissHandler
	bus         *notify.Bus
	log         *logging.Logger
}

// New returns an empty, uninitialized Cache publishing to bus.
func New(bus *notify.Bus, log *logging.Logger) *Cache {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Cache{
		strategiesByPair:     make(map[PairKey][]Strategy),
		strategiesByID:       make(map[string]Strategy),
		ordersByDirectedPair: make(map[DirectedKey]map[string]Order),
		feeByPair:            make(map[PairKey]PairFee),
		bus:                  bus,
		log:                  log.Component("cache"),
	}
}

// SetCacheMissHandler registers fn as the single cache-miss handler,
// replacing any previously registered handler.
func (c *Cache) SetCacheMissHandler(fn MissHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.missHandler = fn
}

// AddPair tracks a new pair with its initial strategy set. It returns
// ErrPairAlreadyExists if the pair is already tracked — this is caller
// misuse, per the error-handling design, not a transient condition.
func (c *Cache) AddPair(token0, token1 TokenId, strategies []Strategy) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	added, err := c.addPairLocked(token0, token1, strategies)
	if err != nil {
		return err
	}
	c.publishLocked(notify.PairAdded, added)
	return nil
}

// addPairLocked assumes c.mu is held. It returns the PairKey added.
func (c *Cache) addPairLocked(token0, token1 TokenId, strategies []Strategy) (PairKey, error) {
	key := pairkey.Pair(token0, token1)
	if _, exists := c.strategiesByPair[key]; exists {
		return key, fmt.Errorf("%w: %s/%s", ErrPairAlreadyExists, token0, token1)
	}

	c.strategiesByPair[key] = make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		c.insertStrategyLocked(key, s)
	}
	return key, nil
}

// BulkAddPairs applies AddPair for every entry in pairs. Entries that
// collide with an already-tracked pair are logged and skipped rather than
// aborting the whole batch — pair-discovery batches are assembled from
// pairs already filtered to exclude cached ones, so a collision here means
// a race with a concurrent hydration, not a caller bug worth failing loudly
// for. On the first call in the cache's lifetime that adds at least one
// pair, the cache transitions to initialized and emits cacheInitialized
// exactly once (until a future Clear).
func (c *Cache) BulkAddPairs(pairs []PairInput) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var added []PairKey
	for _, p := range pairs {
		key, err := c.addPairLocked(p.Token0, p.Token1, p.Strategies)
		if err != nil {
			c.log.Warn("skipping duplicate pair in bulk add", "token0", p.Token0, "token1", p.Token1)
			continue
		}
		added = append(added, key)
	}

	for _, key := range added {
		c.publishLocked(notify.PairAdded, key)
	}

	if len(added) > 0 && !c.initialized {
		c.initialized = true
		c.publishLocked(notify.CacheInitialized, nil)
	}
	return nil
}

// PairInput is one entry of a BulkAddPairs call.
type PairInput struct {
	Token0     TokenId
	Token1     TokenId
	Strategies []Strategy
}

// AddPairFees upserts the trading fee for a pair. It never fails and never
// emits a notification — fee changes are silent until they ride along with
// a pairDataChanged from ApplyEvents, or are queried directly.
func (c *Cache) AddPairFees(token0, token1 TokenId, fee PairFee) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feeByPair[pairkey.Pair(token0, token1)] = fee
}

// ApplyEvents replays a pre-sorted (by block number, then log index) batch
// of events and advances the watermark to currentBlock. Events targeting a
// pair not already tracked are logged and skipped, not fatal. Multiple fee
// events for the same pair within the batch collapse to the latest one by
// (block number, log index). Strategy events contribute to the affected-pairs set;
// fee events never do.
func (c *Cache) ApplyEvents(evts []events.Event, currentBlock uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.latestBlock = currentBlock

	affected := make(map[PairKey]struct{})
	pairFees := make(map[PairKey]struct {
		feePPM      uint32
		blockNumber uint64
		logIndex    uint64
	})

	for _, evt := range evts {
		switch evt.Kind {
		case events.StrategyCreated:
			data, ok := evt.Data.(events.StrategyCreatedData)
			if !ok {
				c.log.Error("malformed StrategyCreated event, skipping")
				continue
			}
			if pair, ok := c.applyStrategyCreatedLocked(fromEventStrategy(data.Strategy)); ok {
				affected[pair] = struct{}{}
			}
		case events.StrategyUpdated:
			data, ok := evt.Data.(events.StrategyUpdatedData)
			if !ok {
				c.log.Error("malformed StrategyUpdated event, skipping")
				continue
			}
			if pair, ok := c.applyStrategyUpdatedLocked(fromEventStrategy(data.Strategy)); ok {
				affected[pair] = struct{}{}
			}
		case events.StrategyDeleted:
			data, ok := evt.Data.(events.StrategyDeletedData)
			if !ok {
				c.log.Error("malformed StrategyDeleted event, skipping")
				continue
			}
			if pair, ok := c.applyStrategyDeletedLocked(data.StrategyID, data.Token0, data.Token1); ok {
				affected[pair] = struct{}{}
			}
		case events.PairTradingFeeUpdated:
			data, ok := evt.Data.(events.PairTradingFeeUpdatedData)
			if !ok {
				c.log.Error("malformed PairTradingFeeUpdated event, skipping")
				continue
			}
			key := pairkey.Pair(data.Token0, data.Token1)
			cur, seen := pairFees[key]
			if !seen || evt.BlockNumber > cur.blockNumber ||
				(evt.BlockNumber == cur.blockNumber && evt.LogIndex >= cur.logIndex) {
				pairFees[key] = struct {
					feePPM      uint32
					blockNumber uint64
					logIndex    uint64
				}{feePPM: data.FeePPM, blockNumber: evt.BlockNumber, logIndex: evt.LogIndex}
			}
		case events.GlobalTradingFeeUpdated:
			// Consumed by Sync, not the cache: it triggers a full fee
			// refresh across all pairs, which arrives back here as a
			// batch of AddPairFees calls, not as an event.
		default:
			c.log.Error("unknown event kind, skipping", "kind", evt.Kind)
		}
	}

	for key, fee := range pairFees {
		c.feeByPair[key] = PairFee(fee.feePPM)
	}

	if len(affected) > 0 {
		pairs := make([]PairKey, 0, len(affected))
		for key := range affected {
			pairs = append(pairs, key)
		}
		c.publishLocked(notify.PairDataChanged, pairs)
	}
	return nil
}

// applyStrategyCreatedLocked implements the Created transition: a no-op
// (logged) if the id is already live, otherwise insert. Returns the pair
// and whether the strategy was inserted (and so the pair is to be reported
// affected); false for an already-live id or an untracked pair.
func (c *Cache) applyStrategyCreatedLocked(s Strategy) (PairKey, bool) {
	if _, live := c.strategiesByID[idKey(s.ID)]; live {
		c.log.Warn("StrategyCreated for already-live strategy, ignoring", "id", s.ID)
		key := pairkey.Pair(s.Token0, s.Token1)
		return key, false
	}
	key := pairkey.Pair(s.Token0, s.Token1)
	if _, tracked := c.strategiesByPair[key]; !tracked {
		c.log.Error("StrategyCreated for untracked pair, skipping", "token0", s.Token0, "token1", s.Token1)
		return key, false
	}
	c.insertStrategyLocked(key, s)
	return key, true
}

// applyStrategyUpdatedLocked implements the Updated transition: a no-op
// (logged) if the id is absent, otherwise replace.
func (c *Cache) applyStrategyUpdatedLocked(s Strategy) (PairKey, bool) {
	old, live := c.strategiesByID[idKey(s.ID)]
	if !live {
		c.log.Warn("StrategyUpdated for absent strategy, ignoring", "id", s.ID)
		return pairkey.Pair(s.Token0, s.Token1), false
	}
	key := pairkey.Pair(old.Token0, old.Token1)
	if _, tracked := c.strategiesByPair[key]; !tracked {
		c.log.Error("StrategyUpdated for untracked pair, skipping", "token0", s.Token0, "token1", s.Token1)
		return key, false
	}
	c.removeStrategyLocked(key, old)
	c.insertStrategyLocked(key, s)
	return key, true
}

// applyStrategyDeletedLocked implements the Deleted transition: a no-op
// (logged) if the id is absent, otherwise remove from all three maps.
func (c *Cache) applyStrategyDeletedLocked(id *big.Int, token0, token1 TokenId) (PairKey, bool) {
	old, live := c.strategiesByID[idKey(id)]
	key := pairkey.Pair(token0, token1)
	if !live {
		c.log.Warn("StrategyDeleted for absent strategy, ignoring", "id", id)
		return key, false
	}
	key = pairkey.Pair(old.Token0, old.Token1)
	if _, tracked := c.strategiesByPair[key]; !tracked {
		c.log.Error("StrategyDeleted for untracked pair, skipping", "id", id)
		return key, false
	}
	c.removeStrategyLocked(key, old)
	return key, true
}

// insertStrategyLocked adds s to strategiesByID, appends it to the pair's
// bucket, and populates both directional order entries. Assumes c.mu held
// and the pair is already tracked.
func (c *Cache) insertStrategyLocked(pair PairKey, s Strategy) {
	c.strategiesByID[idKey(s.ID)] = s
	c.strategiesByPair[pair] = append(c.strategiesByPair[pair], s)

	forward := pairkey.Directed(s.Token0, s.Token1) // sells token0 for token1: order1
	backward := pairkey.Directed(s.Token1, s.Token0) // sells token1 for token0: order0
	c.putDirectedOrderLocked(forward, s.ID, s.Order1)
	c.putDirectedOrderLocked(backward, s.ID, s.Order0)
}

// removeStrategyLocked removes old from all three maps, garbage-collecting
// any directional bucket left empty. Assumes c.mu held.
func (c *Cache) removeStrategyLocked(pair PairKey, old Strategy) {
	delete(c.strategiesByID, idKey(old.ID))

	bucket := c.strategiesByPair[pair]
	for i, s := range bucket {
		if s.ID.Cmp(old.ID) == 0 {
			bucket = append(bucket[:i], bucket[i+1:]...)
			break
		}
	}
	c.strategiesByPair[pair] = bucket

	forward := pairkey.Directed(old.Token0, old.Token1)
	backward := pairkey.Directed(old.Token1, old.Token0)
	c.removeDirectedOrderLocked(forward, old.ID)
	c.removeDirectedOrderLocked(backward, old.ID)
}

func (c *Cache) putDirectedOrderLocked(d DirectedKey, id *big.Int, order Order) {
	bucket, ok := c.ordersByDirectedPair[d]
	if !ok {
		bucket = make(map[string]Order)
		c.ordersByDirectedPair[d] = bucket
	}
	bucket[idKey(id)] = order
}

func (c *Cache) removeDirectedOrderLocked(d DirectedKey, id *big.Int) {
	bucket, ok := c.ordersByDirectedPair[d]
	if !ok {
		return
	}
	delete(bucket, idKey(id))
	if len(bucket) == 0 {
		delete(c.ordersByDirectedPair, d)
	}
}

// GetStrategiesByPair returns the strategy bucket for (token0, token1). If
// the cache is not yet initialized and the pair isn't tracked, the
// registered miss handler (if any) is invoked once and the lookup is
// retried; absence after that returns (nil, false).
func (c *Cache) GetStrategiesByPair(ctx context.Context, token0, token1 TokenId) ([]Strategy, bool, error) {
	key := pairkey.Pair(token0, token1)

	c.mu.Lock()
	bucket, tracked := c.strategiesByPair[key]
	needsMiss := !tracked && !c.initialized && c.missHandler != nil
	handler := c.missHandler
	c.mu.Unlock()

	if needsMiss {
		if err := handler(ctx, token0, token1); err != nil {
			return nil, false, fmt.Errorf("cache miss handler: %w", err)
		}
		c.mu.Lock()
		bucket, tracked = c.strategiesByPair[key]
		c.mu.Unlock()
	}

	if !tracked {
		return nil, false, nil
	}
	out := make([]Strategy, len(bucket))
	copy(out, bucket)
	return out, true, nil
}

// GetStrategyByID looks up a single live strategy by id. It never triggers
// the miss handler — only pair-keyed lookups do.
func (c *Cache) GetStrategyByID(id *big.Int) (Strategy, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.strategiesByID[idKey(id)]
	return s, ok
}

// GetOrdersByPair returns the strategy-id -> order mapping selling target
// for source, filtered to Tradable orders unless keepNonTradable is true.
// It may trigger the miss handler exactly as GetStrategiesByPair does.
func (c *Cache) GetOrdersByPair(ctx context.Context, source, target TokenId, keepNonTradable bool) ([]OrderEntry, bool, error) {
	pairKey := pairkey.Pair(source, target)
	directed := pairkey.Directed(source, target)

	c.mu.Lock()
	_, tracked := c.strategiesByPair[pairKey]
	needsMiss := !tracked && !c.initialized && c.missHandler != nil
	handler := c.missHandler
	c.mu.Unlock()

	if needsMiss {
		if err := handler(ctx, source, target); err != nil {
			return nil, false, fmt.Errorf("cache miss handler: %w", err)
		}
		c.mu.Lock()
		_, tracked = c.strategiesByPair[pairKey]
		c.mu.Unlock()
	}

	if !tracked {
		return nil, false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	bucket := c.ordersByDirectedPair[directed]
	out := make([]OrderEntry, 0, len(bucket))
	for idStr, order := range bucket {
		if !keepNonTradable && !order.Tradable() {
			continue
		}
		id, ok := new(big.Int).SetString(idStr, 10)
		if !ok {
			continue
		}
		out = append(out, OrderEntry{StrategyID: id, Order: order})
	}
	return out, true, nil
}

// IsPairTracked reports whether (token0, token1) is already a tracked pair,
// regardless of whether it currently holds any strategies. Sync uses this
// to decide whether explicit per-pair hydration has work to do.
func (c *Cache) IsPairTracked(token0, token1 TokenId) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, tracked := c.strategiesByPair[pairkey.Pair(token0, token1)]
	return tracked
}

// GetCachedPairs returns all tracked PairKeys, optionally filtering out
// pairs whose strategy bucket is currently empty.
func (c *Cache) GetCachedPairs(onlyWithStrategies bool) []PairKey {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]PairKey, 0, len(c.strategiesByPair))
	for key, bucket := range c.strategiesByPair {
		if onlyWithStrategies && len(bucket) == 0 {
			continue
		}
		out = append(out, key)
	}
	return out
}

// GetTradingFeePPMByPair returns the fee for a pair, triggering the miss
// handler under the same conditions as GetStrategiesByPair.
func (c *Cache) GetTradingFeePPMByPair(ctx context.Context, token0, token1 TokenId) (PairFee, bool, error) {
	key := pairkey.Pair(token0, token1)

	c.mu.Lock()
	_, tracked := c.strategiesByPair[key]
	needsMiss := !tracked && !c.initialized && c.missHandler != nil
	handler := c.missHandler
	c.mu.Unlock()

	if needsMiss {
		if err := handler(ctx, token0, token1); err != nil {
			return 0, false, fmt.Errorf("cache miss handler: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	fee, ok := c.feeByPair[key]
	return fee, ok, nil
}

// GetLatestBlockNumber returns the current watermark.
func (c *Cache) GetLatestBlockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latestBlock
}

// Clear resets all cache state, including initialized, and emits
// cacheCleared.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strategiesByPair = make(map[PairKey][]Strategy)
	c.strategiesByID = make(map[string]Strategy)
	c.ordersByDirectedPair = make(map[DirectedKey]map[string]Order)
	c.feeByPair = make(map[PairKey]PairFee)
	c.latestBlock = 0
	c.blocksMetadata = nil
	c.initialized = false
	c.publishLocked(notify.CacheCleared, nil)
}

// BlocksMetadata returns the bounded recent-block window used for reorg
// detection, most recent first.
func (c *Cache) BlocksMetadata() []BlockMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]BlockMetadata, len(c.blocksMetadata))
	copy(out, c.blocksMetadata)
	return out
}

// SetBlocksMetadata replaces the recent-block window. Sync calls this after
// reorg detection with at most reorgWindow entries sorted descending by
// number.
func (c *Cache) SetBlocksMetadata(blocks []BlockMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(blocks) > reorgWindow {
		blocks = blocks[:reorgWindow]
	}
	out := make([]BlockMetadata, len(blocks))
	copy(out, blocks)
	c.blocksMetadata = out
}

// fromEventStrategy adapts the wire-shaped events.Strategy carried by
// ApplyEvents' payloads into the cache's own Strategy type.
func fromEventStrategy(s events.Strategy) Strategy {
	return Strategy{
		ID:     s.ID,
		Token0: s.Token0,
		Token1: s.Token1,
		Order0: Order{Y: s.Order0.Y, Z: s.Order0.Z, A: s.Order0.A, B: s.Order0.B},
		Order1: Order{Y: s.Order1.Y, Z: s.Order1.Z, A: s.Order1.A, B: s.Order1.B},
	}
}

// publishLocked dispatches a notification while c.mu is held, matching the
// spec's requirement that subscribers run inline within the mutating
// operation. Subscribers must not call back into this Cache synchronously
// or they will deadlock on c.mu.
func (c *Cache) publishLocked(channel string, payload any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(channel, payload)
}
