package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SeedConfig models seed.json: chain, rate provider and reconciliation tuning.
type SeedConfig struct {
	Chain struct {
		ChainID   int64  `json:"chainId"`
		RPCURL    string `json:"rpcUrl"`
		BlockTime int    `json:"blockTime"`
	} `json:"chain"`
	Tokens struct {
		Stablecoin struct {
			Symbol   string `json:"symbol"`
			Decimals int    `json:"decimals"`
		} `json:"stablecoin"`
		Fiat struct {
			Currency string `json:"currency"`
		} `json:"fiat"`
	} `json:"tokens"`
	Secrets struct {
		HMACSalt   string `json:"hmacSalt"`
		RateAPIKey string `json:"rateApiKey"`
	} `json:"secrets"`
	Rates struct {
		Endpoint            string  `json:"endpoint"`
		InitialRate         float64 `json:"initialRate"`
		RefreshSeconds      int     `json:"refreshSeconds"`
		OraclePollSeconds   int     `json:"oraclePollSeconds"`
		RequestTimeoutMs    int     `json:"requestTimeoutMs"`
		DisableOracleLookup bool    `json:"disableOracleLookup"`
	} `json:"rates"`
	Reconcile struct {
		IntervalSeconds   int     `json:"intervalSeconds"`
		Scope             string  `json:"scope"`
		Strategy          string  `json:"strategy"`
		ProbeThreshold    int     `json:"probeThreshold"`
		Workers           int     `json:"workers"`
		RequestsPerSecond float64 `json:"requestsPerSecond"`
		MaxBlockSpan      uint64  `json:"maxBlockSpan"`
		PassTimeoutMs     int     `json:"passTimeoutMs"`
	} `json:"reconcile"`
	Timeouts struct {
		RPCTimeoutMs          int `json:"rpcTimeoutMs"`
		LogFetchTimeoutMs     int `json:"logFetchTimeoutMs"`
		ConfirmTimeoutMs      int `json:"confirmTimeoutMs"`
		IdempotencyWindowSecs int `json:"idempotencyWindowSeconds"`
	} `json:"timeouts"`
}

// DeploymentConfig represents deployments.json.
type DeploymentConfig struct {
	ChainID      int64  `json:"chainId"`
	Admin        string `json:"admin"`
	GenesisBlock uint64 `json:"genesisBlock"`
	Contracts    struct {
		SettlX     string `json:"SettlX"`
		Stablecoin string `json:"Stablecoin"`
		PriceFeed  string `json:"PriceFeed"`
	} `json:"contracts"`
}

// AppConfig ties together seed + deployment info and derived values.
type AppConfig struct {
	Seed       SeedConfig
	Deployment DeploymentConfig
	Service    ServiceConfig
	Chain      ChainConfig
	Rates      RatesConfig
	Reconcile  ReconcileConfig
	Notify     NotifyConfig
	Logging    LoggingConfig
}

type ServiceConfig struct {
	HTTPPort             int
	HMACClockSkew        time.Duration
	IdempotencyWindow    time.Duration
	IdempotencyStorePath string
	DatabaseURL          string
}

type ChainConfig struct {
	RPCURL          string
	PrivateKey      string
	RPCTimeout      time.Duration
	LogFetchTimeout time.Duration
	// ConfirmTimeout bounds the wait for a transaction that a later one depends on.
	ConfirmTimeout time.Duration
	ReceiptPoll    time.Duration
}

type RatesConfig struct {
	Endpoint        string
	APIKey          string
	Currency        string
	InitialRate     float64
	RefreshInterval time.Duration
	OraclePoll      time.Duration
	RequestTimeout  time.Duration
	UseOracle       bool
}

type ReconcileConfig struct {
	Interval          time.Duration
	Scope             string
	Strategy          string
	ProbeThreshold    int
	Workers           int
	RequestsPerSecond float64
	MaxBlockSpan      uint64
	PassTimeout       time.Duration
}

type NotifyConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
}

type LoggingConfig struct {
	Level   string
	Env     string
	LokiURL string
}

const (
	defaultSeedPath        = "seed.json"
	defaultDeploymentsPath = "deployments.json"
)

// Load aggregates configuration from disk and environment.
func Load() (*AppConfig, error) {
	seedPath := envOr("SEED_PATH", defaultSeedPath)
	deploymentsPath := envOr("DEPLOYMENTS_PATH", defaultDeploymentsPath)

	seedCfg, err := loadSeed(seedPath)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}

	deployCfg, err := loadDeployments(deploymentsPath)
	if err != nil {
		return nil, fmt.Errorf("load deployments: %w", err)
	}

	return FromFiles(seedCfg, deployCfg), nil
}

// FromFiles derives the runtime configuration from parsed files plus env overrides.
func FromFiles(seedCfg *SeedConfig, deployCfg *DeploymentConfig) *AppConfig {
	serviceCfg := ServiceConfig{
		HTTPPort:             envOrInt("API_HTTP_PORT", 3000),
		HMACClockSkew:        time.Duration(envOrInt("HMAC_CLOCK_SKEW_SECONDS", 60)) * time.Second,
		IdempotencyWindow:    secondsOr(seedCfg.Timeouts.IdempotencyWindowSecs, 24*time.Hour),
		IdempotencyStorePath: envOr("IDEMPOTENCY_STORE_PATH", filepath.Join(os.TempDir(), "settlx-idem.json")),
		DatabaseURL:          envOr("DATABASE_URL", ""),
	}

	chainCfg := ChainConfig{
		RPCURL:          envOr("CHAIN_RPC_URL", seedCfg.Chain.RPCURL),
		PrivateKey:      envOr("CHAIN_PRIVATE_KEY", ""),
		RPCTimeout:      envOrDuration("RPC_TIMEOUT", millisOr(seedCfg.Timeouts.RPCTimeoutMs, 10*time.Second)),
		LogFetchTimeout: envOrDuration("LOG_FETCH_TIMEOUT", millisOr(seedCfg.Timeouts.LogFetchTimeoutMs, 30*time.Second)),
		ConfirmTimeout:  envOrDuration("CONFIRM_TIMEOUT", millisOr(seedCfg.Timeouts.ConfirmTimeoutMs, 2*time.Minute)),
		ReceiptPoll:     secondsOr(seedCfg.Chain.BlockTime, 2*time.Second),
	}

	currency := seedCfg.Tokens.Fiat.Currency
	if currency == "" {
		currency = "NGN"
	}
	ratesCfg := RatesConfig{
		Endpoint:        envOr("RATE_API_URL", seedCfg.Rates.Endpoint),
		APIKey:          envOr("RATE_API_KEY", seedCfg.Secrets.RateAPIKey),
		Currency:        currency,
		InitialRate:     seedCfg.Rates.InitialRate,
		RefreshInterval: envOrDuration("RATE_REFRESH_INTERVAL", secondsOr(seedCfg.Rates.RefreshSeconds, 5*time.Minute)),
		OraclePoll:      secondsOr(seedCfg.Rates.OraclePollSeconds, time.Minute),
		RequestTimeout:  millisOr(seedCfg.Rates.RequestTimeoutMs, 10*time.Second),
		UseOracle:       !seedCfg.Rates.DisableOracleLookup && deployCfg.Contracts.PriceFeed != "",
	}

	reconcileCfg := ReconcileConfig{
		Interval:          envOrDuration("RECONCILE_INTERVAL", secondsOr(seedCfg.Reconcile.IntervalSeconds, time.Minute)),
		Scope:             envOr("RECONCILE_SCOPE", seedCfg.Reconcile.Scope),
		Strategy:          envOr("RECONCILE_STRATEGY", seedCfg.Reconcile.Strategy),
		ProbeThreshold:    seedCfg.Reconcile.ProbeThreshold,
		Workers:           envOrInt("RECONCILE_WORKERS", seedCfg.Reconcile.Workers),
		RequestsPerSecond: seedCfg.Reconcile.RequestsPerSecond,
		MaxBlockSpan:      seedCfg.Reconcile.MaxBlockSpan,
		PassTimeout:       millisOr(seedCfg.Reconcile.PassTimeoutMs, 2*time.Minute),
	}

	notifyCfg := NotifyConfig{
		KafkaBrokers: splitList(envOr("KAFKA_BROKERS", "")),
		KafkaTopic:   envOr("KAFKA_TOPIC", "settlx.payment-status"),
	}

	loggingCfg := LoggingConfig{
		Level:   envOr("LOG_LEVEL", "info"),
		Env:     envOr("APP_ENV", "development"),
		LokiURL: envOr("LOKI_URL", ""),
	}

	return &AppConfig{
		Seed:       *seedCfg,
		Deployment: *deployCfg,
		Service:    serviceCfg,
		Chain:      chainCfg,
		Rates:      ratesCfg,
		Reconcile:  reconcileCfg,
		Notify:     notifyCfg,
		Logging:    loggingCfg,
	}
}

func loadSeed(path string) (*SeedConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg SeedConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDeployments(path string) (*DeploymentConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg DeploymentConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		var parsed int
		if _, err := fmt.Sscanf(val, "%d", &parsed); err == nil {
			return parsed
		}
	}
	return fallback
}

func envOrDuration(key string, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func secondsOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Second
}

func millisOr(v int, fallback time.Duration) time.Duration {
	if v <= 0 {
		return fallback
	}
	return time.Duration(v) * time.Millisecond
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
