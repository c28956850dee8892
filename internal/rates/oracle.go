package rates

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"settlx/internal/contracts"
	"settlx/internal/domain"
)

// PriceOracle reports the token's USD price.
type PriceOracle interface {
	TokenUSD(ctx context.Context) (float64, error)
}

// ChainlinkOracle reads an AggregatorV3 price feed.
type ChainlinkOracle struct {
	feed     *bind.BoundContract
	decimals int
}

func NewChainlinkOracle(caller bind.ContractCaller, feed common.Address) *ChainlinkOracle {
	return &ChainlinkOracle{
		feed:     bind.NewBoundContract(feed, contracts.AggregatorV3, caller, nil, nil),
		decimals: domain.OracleDecimals,
	}
}

// TokenUSD returns the latest round answer scaled down by the feed decimals.
func (o *ChainlinkOracle) TokenUSD(ctx context.Context) (float64, error) {
	var out []interface{}
	if err := o.feed.Call(&bind.CallOpts{Context: ctx}, &out, "latestRoundData"); err != nil {
		return 0, fmt.Errorf("latestRoundData: %w", err)
	}
	if len(out) != 5 {
		return 0, fmt.Errorf("latestRoundData: unexpected output length %d", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok || answer == nil {
		return 0, fmt.Errorf("latestRoundData: unexpected answer type %T", out[1])
	}
	if answer.Sign() <= 0 {
		return 0, fmt.Errorf("latestRoundData: non-positive answer %s", answer)
	}
	return domain.ScaleDown(answer, o.decimals), nil
}
