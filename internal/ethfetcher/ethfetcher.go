// Package ethfetcher is a reference sync.Fetcher backed by an EVM JSON-RPC
// node, reading strategy/pair/fee state through a deployed strategy-manager
// contract. It has no generated contract bindings to build on, so it talks
// to the contract through go-ethereum's generic bind.BoundContract and
// manual log decoding rather than an autogenerated wrapper.
package ethfetcher

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/stratcache/stratcached/internal/cache"
	syncpkg "github.com/stratcache/stratcached/internal/sync"
	"github.com/stratcache/stratcached/pkg/logging"
)

// Config configures a Fetcher.
type Config struct {
	RPCURL          string
	ContractAddress common.Address
}

// Fetcher implements syncpkg.Fetcher against a live EVM node.
type Fetcher struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	address  common.Address
	log      *logging.Logger
}

// New dials rpcURL and returns a Fetcher bound to cfg.ContractAddress.
func New(ctx context.Context, cfg Config, log *logging.Logger) (*Fetcher, error) {
	if log == nil {
		log = logging.GetDefault()
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("ethfetcher: dial %s: %w", cfg.RPCURL, err)
	}
	contract := bind.NewBoundContract(cfg.ContractAddress, strategyManagerABI, client, client, client)
	return &Fetcher{
		client:   client,
		contract: contract,
		address:  cfg.ContractAddress,
		log:      log.Component("ethfetcher"),
	}, nil
}

// Close releases the underlying RPC connection.
func (f *Fetcher) Close() {
	f.client.Close()
}

func (f *Fetcher) GetBlockNumber(ctx context.Context) (uint64, error) {
	n, err := f.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("ethfetcher: block number: %w", err)
	}
	return n, nil
}

func (f *Fetcher) GetBlock(ctx context.Context, number uint64) (*cache.BlockMetadata, error) {
	header, err := f.client.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("ethfetcher: header %d: %w", number, err)
	}
	if header == nil {
		return nil, nil
	}
	return &cache.BlockMetadata{Number: header.Number.Uint64(), Hash: header.Hash().Hex()}, nil
}

type pairTuple struct {
	Token0 common.Address
	Token1 common.Address
}

func (f *Fetcher) Pairs(ctx context.Context) ([]syncpkg.TokenPair, error) {
	var out []pairTuple
	if err := f.contract.Call(&bind.CallOpts{Context: ctx}, &[]interface{}{&out}, "pairs"); err != nil {
		return nil, fmt.Errorf("ethfetcher: pairs: %w", err)
	}
	result := make([]syncpkg.TokenPair, len(out))
	for i, p := range out {
		result[i] = syncpkg.TokenPair{
			Token0: cache.TokenId(p.Token0.Hex()),
			Token1: cache.TokenId(p.Token1.Hex()),
		}
	}
	return result, nil
}

type strategyTuple struct {
	ID                     *big.Int
	Y0, Z0, A0, B0         *big.Int
	Y1, Z1, A1, B1         *big.Int
}

func (f *Fetcher) StrategiesByPair(ctx context.Context, token0, token1 cache.TokenId) ([]cache.Strategy, error) {
	var out []strategyTuple
	err := f.contract.Call(&bind.CallOpts{Context: ctx}, &[]interface{}{&out}, "strategiesByPair",
		common.HexToAddress(string(token0)), common.HexToAddress(string(token1)))
	if err != nil {
		return nil, fmt.Errorf("ethfetcher: strategiesByPair %s/%s: %w", token0, token1, err)
	}
	strategies := make([]cache.Strategy, len(out))
	for i, s := range out {
		strategies[i] = cache.Strategy{
			ID:     s.ID,
			Token0: token0,
			Token1: token1,
			Order0: cache.Order{Y: s.Y0, Z: s.Z0, A: s.A0, B: s.B0},
			Order1: cache.Order{Y: s.Y1, Z: s.Z1, A: s.A1, B: s.B1},
		}
	}
	return strategies, nil
}

// StrategiesByPairs calls StrategiesByPair once per pair. The contract
// exposes no batched view function, so batching happens at the call-fanout
// layer in internal/sync instead of here.
func (f *Fetcher) StrategiesByPairs(ctx context.Context, pairs []syncpkg.TokenPair) ([]syncpkg.PairStrategies, error) {
	out := make([]syncpkg.PairStrategies, 0, len(pairs))
	for _, p := range pairs {
		strategies, err := f.StrategiesByPair(ctx, p.Token0, p.Token1)
		if err != nil {
			return nil, err
		}
		out = append(out, syncpkg.PairStrategies{Pair: p, Strategies: strategies})
	}
	return out, nil
}

func (f *Fetcher) PairsTradingFeePPM(ctx context.Context, pairs []syncpkg.TokenPair) ([]syncpkg.PairFeeQuote, error) {
	out := make([]syncpkg.PairFeeQuote, 0, len(pairs))
	for _, p := range pairs {
		var fee uint32
		err := f.contract.Call(&bind.CallOpts{Context: ctx}, &[]interface{}{&fee}, "tradingFeePPM",
			common.HexToAddress(string(p.Token0)), common.HexToAddress(string(p.Token1)))
		if err != nil {
			return nil, fmt.Errorf("ethfetcher: tradingFeePPM %s/%s: %w", p.Token0, p.Token1, err)
		}
		out = append(out, syncpkg.PairFeeQuote{Pair: p, FeePPM: fee})
	}
	return out, nil
}

func (f *Fetcher) filterLogs(ctx context.Context, fromBlock, toBlock uint64, topic common.Hash) ([]types.Log, error) {
	logs, err := f.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.address},
		Topics:    [][]common.Hash{{topic}},
	})
	if err != nil {
		return nil, fmt.Errorf("ethfetcher: filter logs topic %s: %w", topic, err)
	}
	return logs, nil
}

func (f *Fetcher) GetLatestStrategyCreatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.CreatedStrategy, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicStrategyCreated)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.CreatedStrategy, 0, len(logs))
	for _, lg := range logs {
		id, token0, token1 := decodeStrategyTopics(lg)
		var data strategyTuple
		if err := strategyManagerABI.UnpackIntoInterface(&data, "StrategyCreated", lg.Data); err != nil {
			f.log.Warn("skipping undecodable StrategyCreated log", "error", err)
			continue
		}
		out = append(out, syncpkg.CreatedStrategy{
			Strategy: cache.Strategy{
				ID:     id,
				Token0: token0,
				Token1: token1,
				Order0: cache.Order{Y: data.Y0, Z: data.Z0, A: data.A0, B: data.B0},
				Order1: cache.Order{Y: data.Y1, Z: data.Z1, A: data.A1, B: data.B1},
			},
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

func (f *Fetcher) GetLatestStrategyUpdatedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.UpdatedStrategy, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicStrategyUpdated)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.UpdatedStrategy, 0, len(logs))
	for _, lg := range logs {
		id, token0, token1 := decodeStrategyTopics(lg)
		var data strategyTuple
		if err := strategyManagerABI.UnpackIntoInterface(&data, "StrategyUpdated", lg.Data); err != nil {
			f.log.Warn("skipping undecodable StrategyUpdated log", "error", err)
			continue
		}
		out = append(out, syncpkg.UpdatedStrategy{
			Strategy: cache.Strategy{
				ID:     id,
				Token0: token0,
				Token1: token1,
				Order0: cache.Order{Y: data.Y0, Z: data.Z0, A: data.A0, B: data.B0},
				Order1: cache.Order{Y: data.Y1, Z: data.Z1, A: data.A1, B: data.B1},
			},
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

func (f *Fetcher) GetLatestStrategyDeletedStrategies(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.DeletedStrategy, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicStrategyDeleted)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.DeletedStrategy, 0, len(logs))
	for _, lg := range logs {
		id, token0, token1 := decodeStrategyTopics(lg)
		out = append(out, syncpkg.DeletedStrategy{
			StrategyID:  id,
			Token0:      token0,
			Token1:      token1,
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

func (f *Fetcher) GetLatestTokensTradedTrades(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.Trade, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicTokensTraded)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.Trade, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}
		out = append(out, syncpkg.Trade{
			Pair: syncpkg.TokenPair{
				Token0: cache.TokenId(common.HexToAddress(lg.Topics[1].Hex()).Hex()),
				Token1: cache.TokenId(common.HexToAddress(lg.Topics[2].Hex()).Hex()),
			},
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

func (f *Fetcher) GetLatestPairTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.PairFeeUpdate, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicPairTradingFeeUpdated)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.PairFeeUpdate, 0, len(logs))
	for _, lg := range logs {
		if len(lg.Topics) < 3 {
			continue
		}
		var decoded struct{ FeePPM uint32 }
		if err := strategyManagerABI.UnpackIntoInterface(&decoded, "PairTradingFeeUpdated", lg.Data); err != nil {
			f.log.Warn("skipping undecodable PairTradingFeeUpdated log", "error", err)
			continue
		}
		out = append(out, syncpkg.PairFeeUpdate{
			Pair: syncpkg.TokenPair{
				Token0: cache.TokenId(common.HexToAddress(lg.Topics[1].Hex()).Hex()),
				Token1: cache.TokenId(common.HexToAddress(lg.Topics[2].Hex()).Hex()),
			},
			FeePPM:      decoded.FeePPM,
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

func (f *Fetcher) GetLatestTradingFeeUpdates(ctx context.Context, fromBlock, toBlock uint64) ([]syncpkg.GlobalFeeUpdate, error) {
	logs, err := f.filterLogs(ctx, fromBlock, toBlock, topicTradingFeeUpdated)
	if err != nil {
		return nil, err
	}
	out := make([]syncpkg.GlobalFeeUpdate, 0, len(logs))
	for _, lg := range logs {
		var decoded struct{ FeePPM uint32 }
		if err := strategyManagerABI.UnpackIntoInterface(&decoded, "TradingFeeUpdated", lg.Data); err != nil {
			f.log.Warn("skipping undecodable TradingFeeUpdated log", "error", err)
			continue
		}
		out = append(out, syncpkg.GlobalFeeUpdate{
			FeePPM:      decoded.FeePPM,
			BlockNumber: lg.BlockNumber,
			LogIndex:    uint64(lg.Index),
		})
	}
	return out, nil
}

// decodeStrategyTopics extracts the three indexed fields (id, token0,
// token1) shared by StrategyCreated/Updated/Deleted.
func decodeStrategyTopics(lg types.Log) (*big.Int, cache.TokenId, cache.TokenId) {
	var id *big.Int
	if len(lg.Topics) > 1 {
		id = new(big.Int).SetBytes(lg.Topics[1].Bytes())
	} else {
		id = new(big.Int)
	}
	var token0, token1 cache.TokenId
	if len(lg.Topics) > 2 {
		token0 = cache.TokenId(common.HexToAddress(lg.Topics[2].Hex()).Hex())
	}
	if len(lg.Topics) > 3 {
		token1 = cache.TokenId(common.HexToAddress(lg.Topics[3].Hex()).Hex())
	}
	return id, token0, token1
}

var _ syncpkg.Fetcher = (*Fetcher)(nil)
