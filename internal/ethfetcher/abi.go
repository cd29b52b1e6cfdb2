package ethfetcher

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// strategyManagerABI is the minimal ABI surface ethfetcher needs: the view
// functions for pair/strategy/fee discovery and the six log topics it
// filters for. No generated contract bindings are available for this
// target, so the bound-contract calls here go through
// github.com/ethereum/go-ethereum/accounts/abi/bind's generic BoundContract
// rather than an autogenerated wrapper.
const strategyManagerABIJSON = `[
  {"type":"function","name":"pairs","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}]}]},
  {"type":"function","name":"strategiesByPair","stateMutability":"view","inputs":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"id","type":"uint256"},{"name":"y0","type":"uint256"},{"name":"z0","type":"uint256"},{"name":"a0","type":"uint256"},{"name":"b0","type":"uint256"},{"name":"y1","type":"uint256"},{"name":"z1","type":"uint256"},{"name":"a1","type":"uint256"},{"name":"b1","type":"uint256"}]}]},
  {"type":"function","name":"tradingFeePPM","stateMutability":"view","inputs":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}],"outputs":[{"name":"","type":"uint32"}]},
  {"type":"event","name":"StrategyCreated","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"token0","type":"address","indexed":true},{"name":"token1","type":"address","indexed":true},{"name":"y0","type":"uint256"},{"name":"z0","type":"uint256"},{"name":"a0","type":"uint256"},{"name":"b0","type":"uint256"},{"name":"y1","type":"uint256"},{"name":"z1","type":"uint256"},{"name":"a1","type":"uint256"},{"name":"b1","type":"uint256"}]},
  {"type":"event","name":"StrategyUpdated","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"token0","type":"address","indexed":true},{"name":"token1","type":"address","indexed":true},{"name":"y0","type":"uint256"},{"name":"z0","type":"uint256"},{"name":"a0","type":"uint256"},{"name":"b0","type":"uint256"},{"name":"y1","type":"uint256"},{"name":"z1","type":"uint256"},{"name":"a1","type":"uint256"},{"name":"b1","type":"uint256"}]},
  {"type":"event","name":"StrategyDeleted","inputs":[{"name":"id","type":"uint256","indexed":true},{"name":"token0","type":"address","indexed":true},{"name":"token1","type":"address","indexed":true}]},
  {"type":"event","name":"PairTradingFeeUpdated","inputs":[{"name":"token0","type":"address","indexed":true},{"name":"token1","type":"address","indexed":true},{"name":"feePPM","type":"uint32"}]},
  {"type":"event","name":"TradingFeeUpdated","inputs":[{"name":"feePPM","type":"uint32"}]},
  {"type":"event","name":"TokensTraded","inputs":[{"name":"token0","type":"address","indexed":true},{"name":"token1","type":"address","indexed":true}]}
]`

var strategyManagerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(strategyManagerABIJSON))
	if err != nil {
		panic("ethfetcher: invalid embedded ABI: " + err.Error())
	}
	strategyManagerABI = parsed
}

var (
	topicStrategyCreated        = strategyManagerABI.Events["StrategyCreated"].ID
	topicStrategyUpdated        = strategyManagerABI.Events["StrategyUpdated"].ID
	topicStrategyDeleted        = strategyManagerABI.Events["StrategyDeleted"].ID
	topicPairTradingFeeUpdated  = strategyManagerABI.Events["PairTradingFeeUpdated"].ID
	topicTradingFeeUpdated      = strategyManagerABI.Events["TradingFeeUpdated"].ID
	topicTokensTraded           = strategyManagerABI.Events["TokensTraded"].ID
)
