package sync

import (
	"context"
	"math/big"

	"github.com/stratcache/stratcached/internal/cache"
)

// TokenPair is an unordered pair of tokens as returned by pair discovery.
type TokenPair struct {
	Token0 cache.TokenId
	Token1 cache.TokenId
}

// PairStrategies is the result of a batched strategiesByPairs fetch.
type PairStrategies struct {
	Pair       TokenPair
	Strategies []cache.Strategy
}

// PairFeeQuote is a fee reading for one pair.
type PairFeeQuote struct {
	Pair   TokenPair
	FeePPM uint32
}

// CreatedStrategy tags a newly observed strategy with its log position.
// The Fetcher contract (§6 in the design notes) summarizes
// getLatestStrategyCreatedStrategies as returning a bare strategy list;
// in practice every item must carry its chain position so Sync can
// interleave the five event kinds into one (blockNumber, logIndex)-ordered
// stream, so the concrete return type here tags each strategy with it.
type CreatedStrategy struct {
	Strategy    cache.Strategy
	BlockNumber uint64
	LogIndex    uint64
}

// UpdatedStrategy tags an updated strategy with its log position.
type UpdatedStrategy struct {
	Strategy    cache.Strategy
	BlockNumber uint64
	LogIndex    uint64
}

// DeletedStrategy tags a deleted strategy id with its log position. Only
// the id and pair are meaningful; the order parameters of a deleted
// strategy are irrelevant.
type DeletedStrategy struct {
	StrategyID  *big.Int
	Token0      cache.TokenId
	Token1      cache.TokenId
	BlockNumber uint64
	LogIndex    uint64
}

// PairFeeUpdate tags a per-pair fee change with its log position.
type PairFeeUpdate struct {
	Pair        TokenPair
	FeePPM      uint32
	BlockNumber uint64
	LogIndex    uint64
}

// GlobalFeeUpdate tags a protocol-wide default fee change with its log
// position. Its presence in a poll range signals Sync to refresh every
// pair's fee from the fetcher.
type GlobalFeeUpdate struct {
	FeePPM      uint32
	BlockNumber uint64
	LogIndex    uint64
}

// Trade describes one trade observed in a block range. Sync fetches these
// only to filter them by cached-pair membership; they are never applied to
// the cache, which keeps no trade ledger.
type Trade struct {
	Pair        TokenPair
	BlockNumber uint64
	LogIndex    uint64
}

// Fetcher is the external chain-reading collaborator Sync depends on. It is
// the only interface between Sync and the outside world; every method
// operates on the caller's context for cancellation.
type Fetcher interface {
	GetBlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (*cache.BlockMetadata, error)

	Pairs(ctx context.Context) ([]TokenPair, error)
	StrategiesByPair(ctx context.Context, token0, token1 cache.TokenId) ([]cache.Strategy, error)
	StrategiesByPairs(ctx context.Context, pairs []TokenPair) ([]PairStrategies, error)
	PairsTradingFeePPM(ctx context.Context, pairs []TokenPair) ([]PairFeeQuote, error)

	GetLatestStrategyCreatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]CreatedStrategy, error)
	GetLatestStrategyUpdatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]UpdatedStrategy, error)
	GetLatestStrategyDeletedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]DeletedStrategy, error)
	GetLatestTokensTradedTrades(ctx context.Context, fromBlock, toBlock uint64) ([]Trade, error)
	GetLatestPairTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]PairFeeUpdate, error)
	GetLatestTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]GlobalFeeUpdate, error)
}
