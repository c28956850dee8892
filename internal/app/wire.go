package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"settlx/internal/config"
	"settlx/internal/escrow"
	"settlx/internal/ledger"
	"settlx/internal/payments"
	"settlx/internal/rates"
	"settlx/internal/reconcile"
)

// Options carries the optional observers the binaries attach.
type Options struct {
	PassObserver reconcile.Observer
	RateObserver rates.Observer
	// Signer overrides the fake chain sender in dev mode. Ignored with a live RPC.
	Signer common.Address
}

// Components is the reconciliation pipeline wired from configuration.
type Components struct {
	Config *config.AppConfig
	Reader escrow.Reader
	// Writer is nil when no signing key is configured.
	Writer    escrow.Writer
	Ledger    *ledger.Reader
	Fetcher   *payments.Fetcher
	Rates     *rates.Service
	Runner    *reconcile.Runner
	RPCHealth func(context.Context) error
	// Fake is set when no RPC endpoint is configured and an in-memory chain
	// stands in for the contract.
	Fake *escrow.FakeChain

	closers []func()
}

// Build connects to the chain (or the in-memory stand-in) and wires the
// ledger reader, payment fetcher, rate service and pass runner.
func Build(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger, opts Options) (*Components, error) {
	if logger == nil {
		logger = slog.Default()
	}
	scope, err := payments.ParseScope(cfg.Reconcile.Scope)
	if err != nil {
		return nil, err
	}
	contract := common.HexToAddress(cfg.Deployment.Contracts.SettlX)

	c := &Components{Config: cfg}
	var (
		logs   ledger.LogSource
		oracle rates.PriceOracle
	)

	if cfg.Chain.RPCURL == "" {
		admin := common.HexToAddress(cfg.Deployment.Admin)
		fake := escrow.NewFakeChain(contract, admin)
		signer := opts.Signer
		if signer == (common.Address{}) {
			signer = admin
		}
		client := fake.Client(signer)
		logger.Warn("no RPC endpoint configured, using in-memory chain", "signer", signer.Hex())
		c.Fake = fake
		c.Reader = client
		c.Writer = client
		c.RPCHealth = client.Ping
		logs = fake
	} else {
		rpc, err := escrow.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, rpc.Close)

		client, err := escrow.NewEthClient(ctx, rpc, escrow.EthClientConfig{
			PrivateKeyHex:  cfg.Chain.PrivateKey,
			ContractSettlX: cfg.Deployment.Contracts.SettlX,
			ContractToken:  cfg.Deployment.Contracts.Stablecoin,
			ReceiptPoll:    cfg.Chain.ReceiptPoll,
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("escrow client: %w", err)
		}
		c.Reader = client
		if cfg.Chain.PrivateKey != "" {
			c.Writer = client
			logger.Info("contract writes enabled", "sender", client.Address().Hex())
		}
		c.RPCHealth = client.Ping
		logs = rpc

		if cfg.Rates.UseOracle {
			oracle = rates.NewChainlinkOracle(rpc, common.HexToAddress(cfg.Deployment.Contracts.PriceFeed))
		}
	}

	c.Ledger = ledger.NewReader(logs, ledger.Config{
		Contract:     contract,
		GenesisBlock: cfg.Deployment.GenesisBlock,
		MaxBlockSpan: cfg.Reconcile.MaxBlockSpan,
		FetchTimeout: cfg.Chain.LogFetchTimeout,
	}, logger)

	c.Fetcher = payments.NewFetcher(c.Reader, payments.Config{
		Strategy:          payments.Strategy(cfg.Reconcile.Strategy),
		ProbeThreshold:    cfg.Reconcile.ProbeThreshold,
		Workers:           cfg.Reconcile.Workers,
		ReadTimeout:       cfg.Chain.RPCTimeout,
		RequestsPerSecond: cfg.Reconcile.RequestsPerSecond,
	}, logger)

	quotes := rates.NewHTTPQuoteSource(
		&http.Client{Timeout: cfg.Rates.RequestTimeout},
		cfg.Rates.Endpoint, cfg.Rates.APIKey, cfg.Rates.Currency,
	)
	c.Rates = rates.NewService(quotes, oracle, rates.Config{
		InitialRate:        cfg.Rates.InitialRate,
		RefreshInterval:    cfg.Rates.RefreshInterval,
		OraclePollInterval: cfg.Rates.OraclePoll,
		RefreshTimeout:     cfg.Rates.RequestTimeout,
		Observer:           opts.RateObserver,
	}, logger)

	c.Runner = reconcile.NewRunner(c.Ledger, c.Fetcher, c.Rates, reconcile.RunnerConfig{
		Scope:       scope,
		Interval:    cfg.Reconcile.Interval,
		PassTimeout: cfg.Reconcile.PassTimeout,
		Observer:    opts.PassObserver,
	}, logger)

	return c, nil
}

// Close releases the RPC connection.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}
