package rates

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRate seeds the cell before the first successful refresh.
	DefaultRate               = 1500.0
	DefaultRefreshInterval    = 5 * time.Minute
	DefaultOraclePollInterval = time.Minute
	defaultRefreshTimeout     = 15 * time.Second
)

// Rate is one published value of the fiat-per-token exchange rate.
type Rate struct {
	Value    float64   `json:"value"`
	USDQuote float64   `json:"usdQuote,omitempty"`
	TokenUSD float64   `json:"tokenUsd,omitempty"`
	Stale    bool      `json:"stale"`
	Default  bool      `json:"default"`
	AsOf     time.Time `json:"asOf"`
}

// Observer is told about every refresh attempt.
type Observer interface {
	ObserveRateRefresh(r Rate, err error)
}

type Config struct {
	InitialRate        float64
	RefreshInterval    time.Duration
	OraclePollInterval time.Duration
	RefreshTimeout     time.Duration
	Observer           Observer
}

// Service keeps the live rate in a single-writer, multi-reader cell.
type Service struct {
	quotes QuoteSource
	oracle PriceOracle
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	current atomic.Pointer[Rate]
	updates chan Rate

	mu         sync.Mutex
	lastOracle float64
}

// NewService builds the rate cell. oracle may be nil, in which case the USD
// quote is used as the token rate.
func NewService(quotes QuoteSource, oracle PriceOracle, cfg Config, logger *slog.Logger) *Service {
	if cfg.InitialRate <= 0 {
		cfg.InitialRate = DefaultRate
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.OraclePollInterval <= 0 {
		cfg.OraclePollInterval = DefaultOraclePollInterval
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		quotes:  quotes,
		oracle:  oracle,
		cfg:     cfg,
		logger:  logger.With("component", "rates"),
		now:     time.Now,
		updates: make(chan Rate, 1),
	}
	s.current.Store(&Rate{Value: cfg.InitialRate, Default: true, AsOf: s.now().UTC()})
	return s
}

// Current returns the latest published rate. It never blocks.
func (s *Service) Current() Rate {
	return *s.current.Load()
}

// Updates delivers rate changes. Slow readers only see the newest value.
func (s *Service) Updates() <-chan Rate {
	return s.updates
}

// Refresh fetches the oracle price and USD quote and publishes their product.
// When the quote fails the previous rate is kept, marked stale, and the error
// returned. An unavailable oracle falls back to the USD quote alone.
func (s *Service) Refresh(ctx context.Context) (Rate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()

	var tokenUSD float64
	if s.oracle != nil {
		price, err := s.oracle.TokenUSD(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "oracle unavailable, using usd quote alone", "error", err)
		} else {
			tokenUSD = price
			s.lastOracle = price
		}
	}

	quote, err := s.quotes.USDRate(ctx)
	if err != nil {
		prev := s.Current()
		prev.Stale = true
		s.current.Store(&prev)
		s.logger.WarnContext(ctx, "rate refresh failed, keeping previous rate", "rate", prev.Value, "error", err)
		s.observe(prev, err)
		return prev, err
	}

	next := Rate{Value: quote, USDQuote: quote, TokenUSD: tokenUSD, AsOf: s.now().UTC()}
	if tokenUSD > 0 {
		next.Value = tokenUSD * quote
	}
	prev := s.Current()
	s.current.Store(&next)
	if prev.Value != next.Value {
		s.publish(next)
		s.logger.InfoContext(ctx, "rate updated", "rate", next.Value, "previous", prev.Value)
	}
	s.observe(next, nil)
	return next, nil
}

// Run refreshes immediately, then on RefreshInterval, and whenever the oracle
// price moves. It returns when ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	_, _ = s.Refresh(ctx)

	refresh := time.NewTicker(s.cfg.RefreshInterval)
	defer refresh.Stop()

	var poll <-chan time.Time
	if s.oracle != nil {
		t := time.NewTicker(s.cfg.OraclePollInterval)
		defer t.Stop()
		poll = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-refresh.C:
			_, _ = s.Refresh(ctx)
		case <-poll:
			if s.oracleMoved(ctx) {
				_, _ = s.Refresh(ctx)
			}
		}
	}
}

func (s *Service) oracleMoved(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RefreshTimeout)
	defer cancel()
	price, err := s.oracle.TokenUSD(ctx)
	if err != nil {
		s.logger.DebugContext(ctx, "oracle poll failed", "error", err)
		return false
	}
	s.mu.Lock()
	moved := price != s.lastOracle
	s.mu.Unlock()
	return moved
}

func (s *Service) publish(r Rate) {
	select {
	case s.updates <- r:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- r:
	default:
	}
}

func (s *Service) observe(r Rate, err error) {
	if s.cfg.Observer != nil {
		s.cfg.Observer.ObserveRateRefresh(r, err)
	}
}
