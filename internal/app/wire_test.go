package app

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/config"
	"settlx/internal/escrow"
	"settlx/internal/logging"
)

func devConfig() *config.AppConfig {
	cfg := &config.AppConfig{}
	cfg.Deployment.Admin = "0x00000000000000000000000000000000000000ad"
	cfg.Deployment.Contracts.SettlX = "0x00000000000000000000000000000000000000c0"
	cfg.Rates.Currency = "NGN"
	return cfg
}

func TestBuildUsesInMemoryChainWithoutRPC(t *testing.T) {
	ctx := context.Background()
	c, err := Build(ctx, devConfig(), logging.Discard(), Options{})
	require.NoError(t, err)
	defer c.Close()

	require.NotNil(t, c.Fake)
	require.NotNil(t, c.Writer)
	assert.NoError(t, c.RPCHealth(ctx))

	merchant := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	payer := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	_, err = c.Fake.Client(payer).PayMerchant(ctx, escrow.PayMerchantRequest{
		Merchant:    merchant.Hex(),
		AmountMinor: big.NewInt(2_000_000),
		Reference:   "INV-9",
	})
	require.NoError(t, err)

	snap, err := c.Runner.RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Payments, 1)
	assert.Equal(t, "INV-9", snap.Payments[0].Reference)
	assert.Equal(t, 3000.0, snap.Payments[0].LiveAmountFiat)
	assert.Equal(t, "all", snap.Scope)
}

func TestBuildRejectsBadScope(t *testing.T) {
	cfg := devConfig()
	cfg.Reconcile.Scope = "merchant:nope"
	_, err := Build(context.Background(), cfg, logging.Discard(), Options{})
	assert.Error(t, err)
}
