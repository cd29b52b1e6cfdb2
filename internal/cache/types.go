// Package cache holds the in-process, event-sourced mirror of on-chain pair
// and strategy state. A Cache is safe for concurrent use; every mutating
// method serializes through a single internal mutex and dispatches its
// notifications inline before returning.
package cache

import (
	"math/big"

	"github.com/stratcache/stratcached/internal/pairkey"
)

// TokenId identifies a token. Re-exported from pairkey so callers of this
// package never need to import pairkey directly.
type TokenId = pairkey.TokenId

// PairKey identifies an unordered token pair.
type PairKey = pairkey.PairKey

// DirectedKey identifies a source->target route within a pair.
type DirectedKey = pairkey.DirectedKey

// Order is one side of a strategy's liquidity curve. The four fields are
// opaque to the cache except for Tradable, which the default order listing
// filters by.
type Order struct {
	Y *big.Int
	Z *big.Int
	A *big.Int
	B *big.Int
}

// Tradable reports whether the order has non-zero inventory and a non-zero
// price range: y > 0 && ((B > 0 && A >= 0) || A > 0).
func (o Order) Tradable() bool {
	if o.Y == nil || o.Y.Sign() <= 0 {
		return false
	}
	bPositive := o.B != nil && o.B.Sign() > 0
	aNonNegative := o.A != nil && o.A.Sign() >= 0
	aPositive := o.A != nil && o.A.Sign() > 0
	return (bPositive && aNonNegative) || aPositive
}

// Strategy is a single liquidity position straddling a pair. Token0/Token1
// and Order0/Order1 are never re-sorted; the strategy's own declared order
// is authoritative.
type Strategy struct {
	ID     *big.Int
	Token0 TokenId
	Token1 TokenId
	Order0 Order
	Order1 Order
}

// idKey returns the map key used to index a strategy by id. big.Int isn't
// itself comparable as a map key across distinct pointers, so the decimal
// string is used instead.
func idKey(id *big.Int) string {
	return id.String()
}

// PairFee is a trading fee in parts-per-million.
type PairFee uint32

// BlockMetadata identifies a single block for reorg detection.
type BlockMetadata struct {
	Number uint64
	Hash   string
}

// OrderEntry pairs a strategy id with the order it contributes in a given
// direction, returned by GetOrdersByPair.
type OrderEntry struct {
	StrategyID *big.Int
	Order      Order
}
