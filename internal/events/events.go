// Package events defines the on-chain event payloads Sync feeds into the
// cache, and the ordering rule the cache applies them in.
package events

import (
	"math/big"
	"sort"

	"github.com/stratcache/stratcached/internal/pairkey"
)

// Kind discriminates the payload carried by an Event. These are exactly the
// five event kinds the cache applies; trade data is handled by Sync
// directly and never becomes a cache Event (see TradeData below).
type Kind int

const (
	StrategyCreated Kind = iota
	StrategyUpdated
	StrategyDeleted
	PairTradingFeeUpdated
	GlobalTradingFeeUpdated
)

func (k Kind) String() string {
	switch k {
	case StrategyCreated:
		return "StrategyCreated"
	case StrategyUpdated:
		return "StrategyUpdated"
	case StrategyDeleted:
		return "StrategyDeleted"
	case PairTradingFeeUpdated:
		return "PairTradingFeeUpdated"
	case GlobalTradingFeeUpdated:
		return "GlobalTradingFeeUpdated"
	default:
		return "Unknown"
	}
}

// Order holds one side of a strategy's two-sided liquidity curve.
type Order struct {
	Y *big.Int
	Z *big.Int
	A *big.Int
	B *big.Int
}

// Strategy is a single liquidity position straddling a token pair.
type Strategy struct {
	ID     *big.Int
	Token0 pairkey.TokenId
	Token1 pairkey.TokenId
	Order0 Order
	Order1 Order
}

// Event is a single on-chain log, ordered by (BlockNumber, LogIndex) and
// tagged with the payload it carries in Data.
type Event struct {
	Kind        Kind
	BlockNumber uint64
	LogIndex    uint64
	Data        any
}

// StrategyCreatedData is carried by an Event of Kind StrategyCreated.
type StrategyCreatedData struct {
	Strategy Strategy
}

// StrategyUpdatedData is carried by an Event of Kind StrategyUpdated.
type StrategyUpdatedData struct {
	Strategy Strategy
}

// StrategyDeletedData is carried by an Event of Kind StrategyDeleted.
type StrategyDeletedData struct {
	StrategyID *big.Int
	Token0     pairkey.TokenId
	Token1     pairkey.TokenId
}

// PairTradingFeeUpdatedData is carried by an Event of Kind
// PairTradingFeeUpdated: a per-pair fee override.
type PairTradingFeeUpdatedData struct {
	Token0 pairkey.TokenId
	Token1 pairkey.TokenId
	FeePPM uint32
}

// GlobalTradingFeeUpdatedData is carried by an Event of Kind
// GlobalTradingFeeUpdated. It names no pair: Sync treats its presence as a
// signal to refresh every pair's fee from the fetcher.
type GlobalTradingFeeUpdatedData struct {
	FeePPM uint32
}

// TradeData describes a single trade. It is never applied to the cache —
// the cache has no trade ledger. Sync does not use this type: it reads
// trades as its own sync.Trade, filters them by cached-pair membership, and
// discards them.
type TradeData struct {
	Token0      pairkey.TokenId
	Token1      pairkey.TokenId
	BlockNumber uint64
	LogIndex    uint64
}

// SortByBlockAndLog sorts events in place by (BlockNumber, LogIndex),
// ascending, stably, matching on-chain log emission order.
func SortByBlockAndLog(evts []Event) {
	sort.SliceStable(evts, func(i, j int) bool {
		if evts[i].BlockNumber != evts[j].BlockNumber {
			return evts[i].BlockNumber < evts[j].BlockNumber
		}
		return evts[i].LogIndex < evts[j].LogIndex
	})
}
