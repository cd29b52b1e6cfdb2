package cache

import (
	"encoding/json"
	"math/big"

	"github.com/stratcache/stratcached/internal/notify"
	"github.com/stratcache/stratcached/internal/pairkey"
	"github.com/stratcache/stratcached/pkg/logging"
)

// schemeVersion is bumped on any change to the snapshot's field layout or
// value encoding. A mismatch on load yields an empty cache, never an error.
const schemeVersion = 7

type snapshot struct {
	SchemeVersion       int                        `json:"schemeVersion"`
	StrategiesByPair    map[string][]snapshotStrat `json:"strategiesByPair"`
	TradingFeePPMByPair map[string]uint32          `json:"tradingFeePPMByPair"`
	LatestBlockNumber   uint64                     `json:"latestBlockNumber"`
}

type snapshotStrat struct {
	ID     string         `json:"id"`
	Token0 string         `json:"token0"`
	Token1 string         `json:"token1"`
	Order0 snapshotOrder  `json:"order0"`
	Order1 snapshotOrder  `json:"order1"`
}

type snapshotOrder struct {
	Y string `json:"y"`
	Z string `json:"z"`
	A string `json:"A"`
	B string `json:"B"`
}

// Serialize returns a JSON snapshot of the serializable subset of state:
// strategies, fees, and the block watermark. blocksMetadata is explicitly
// not serialized.
func (c *Cache) Serialize() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := snapshot{
		SchemeVersion:       schemeVersion,
		StrategiesByPair:    make(map[string][]snapshotStrat, len(c.strategiesByPair)),
		TradingFeePPMByPair: make(map[string]uint32, len(c.feeByPair)),
		LatestBlockNumber:   c.latestBlock,
	}

	for key, bucket := range c.strategiesByPair {
		strats := make([]snapshotStrat, len(bucket))
		for i, s := range bucket {
			strats[i] = toSnapshotStrategy(s)
		}
		snap.StrategiesByPair[string(key)] = strats
	}
	for key, fee := range c.feeByPair {
		snap.TradingFeePPMByPair[string(key)] = uint32(fee)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FromSerialized parses a snapshot produced by Serialize. Any version
// mismatch, parse error, or shape violation yields a fresh, empty Cache —
// this never fails observably to the caller, matching the versioning
// policy in the external-interfaces design.
func FromSerialized(data string, bus *notify.Bus, log *logging.Logger) *Cache {
	c := New(bus, log)

	var snap snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		c.log.Warn("snapshot parse error, starting empty", "error", err)
		return c
	}
	if snap.SchemeVersion != schemeVersion {
		c.log.Warn("snapshot scheme version mismatch, starting empty",
			"got", snap.SchemeVersion, "want", schemeVersion)
		return New(bus, log)
	}

	for rawKey, strats := range snap.StrategiesByPair {
		key := PairKey(rawKey)
		bucket := make([]Strategy, 0, len(strats))
		for _, ss := range strats {
			s, ok := fromSnapshotStrategy(ss)
			if !ok {
				c.log.Warn("snapshot has malformed strategy, starting empty")
				return New(bus, log)
			}
			bucket = append(bucket, s)
			c.strategiesByID[idKey(s.ID)] = s

			forward := pairkey.Directed(s.Token0, s.Token1)
			backward := pairkey.Directed(s.Token1, s.Token0)
			c.putDirectedOrderLocked(forward, s.ID, s.Order1)
			c.putDirectedOrderLocked(backward, s.ID, s.Order0)
		}
		c.strategiesByPair[key] = bucket
	}

	for rawKey, fee := range snap.TradingFeePPMByPair {
		c.feeByPair[PairKey(rawKey)] = PairFee(fee)
	}

	c.latestBlock = snap.LatestBlockNumber
	c.initialized = true
	return c
}

func toSnapshotStrategy(s Strategy) snapshotStrat {
	return snapshotStrat{
		ID:     s.ID.String(),
		Token0: string(s.Token0),
		Token1: string(s.Token1),
		Order0: toSnapshotOrder(s.Order0),
		Order1: toSnapshotOrder(s.Order1),
	}
}

func toSnapshotOrder(o Order) snapshotOrder {
	return snapshotOrder{
		Y: bigString(o.Y),
		Z: bigString(o.Z),
		A: bigString(o.A),
		B: bigString(o.B),
	}
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func fromSnapshotStrategy(ss snapshotStrat) (Strategy, bool) {
	id, ok := new(big.Int).SetString(ss.ID, 10)
	if !ok {
		return Strategy{}, false
	}
	order0, ok := fromSnapshotOrder(ss.Order0)
	if !ok {
		return Strategy{}, false
	}
	order1, ok := fromSnapshotOrder(ss.Order1)
	if !ok {
		return Strategy{}, false
	}
	return Strategy{
		ID:     id,
		Token0: TokenId(ss.Token0),
		Token1: TokenId(ss.Token1),
		Order0: order0,
		Order1: order1,
	}, true
}

func fromSnapshotOrder(so snapshotOrder) (Order, bool) {
	y, ok := new(big.Int).SetString(so.Y, 10)
	if !ok {
		return Order{}, false
	}
	z, ok := new(big.Int).SetString(so.Z, 10)
	if !ok {
		return Order{}, false
	}
	a, ok := new(big.Int).SetString(so.A, 10)
	if !ok {
		return Order{}, false
	}
	b, ok := new(big.Int).SetString(so.B, 10)
	if !ok {
		return Order{}, false
	}
	return Order{Y: y, Z: z, A: a, B: b}, true
}
