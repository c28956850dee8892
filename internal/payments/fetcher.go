package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"settlx/internal/domain"
	"settlx/internal/escrow"
)

var ErrNotFound = errors.New("payment not found")

const (
	// DefaultProbeThreshold is the number of consecutive empty reads that ends a probe.
	DefaultProbeThreshold = 3
	defaultWorkers        = 8
	defaultReadTimeout    = 10 * time.Second
)

type Strategy string

const (
	// StrategyEvents enumerates payment IDs from PaymentCreated events.
	StrategyEvents Strategy = "events"
	// StrategyProbe walks IDs from 1 until ProbeThreshold consecutive empties.
	// A gap longer than the threshold hides every later payment.
	StrategyProbe Strategy = "probe"
)

type Config struct {
	Strategy       Strategy
	ProbeThreshold int
	Workers        int
	ReadTimeout    time.Duration
	// RequestsPerSecond throttles getPayment calls. Zero disables throttling.
	RequestsPerSecond float64
	Burst             int
}

// Fetcher reads authoritative payment state from the settlement contract.
type Fetcher struct {
	reader  escrow.Reader
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
}

func NewFetcher(reader escrow.Reader, cfg Config, logger *slog.Logger) *Fetcher {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyEvents
	}
	if cfg.ProbeThreshold <= 0 {
		cfg.ProbeThreshold = DefaultProbeThreshold
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = cfg.Workers
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{reader: reader, cfg: cfg, limiter: limiter, logger: logger.With("component", "payments")}
}

// Fetch returns the record for id, or ErrNotFound when the contract returns
// its empty sentinel.
func (f *Fetcher) Fetch(ctx context.Context, id uint64) (domain.PaymentRecord, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return domain.PaymentRecord{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ReadTimeout)
	defer cancel()

	rec, err := f.reader.GetPayment(ctx, id)
	if err != nil {
		return domain.PaymentRecord{}, err
	}
	if rec.IsEmpty() {
		return domain.PaymentRecord{}, fmt.Errorf("payment %d: %w", id, ErrNotFound)
	}
	return rec, nil
}

// ProbeResult is the outcome of a sequential probe.
type ProbeResult struct {
	Records []domain.PaymentRecord
	// Failed lists IDs whose read errored. They were counted as empty.
	Failed     []uint64
	LastProbed uint64
}

// Probe reads IDs 1, 2, ... and stops after ProbeThreshold consecutive IDs
// that are empty or failed. Only context cancellation is returned as an error.
func (f *Fetcher) Probe(ctx context.Context) (ProbeResult, error) {
	var res ProbeResult
	empties := 0
	for id := uint64(1); empties < f.cfg.ProbeThreshold; id++ {
		if err := ctx.Err(); err != nil {
			return ProbeResult{}, err
		}
		res.LastProbed = id

		rec, err := f.Fetch(ctx, id)
		switch {
		case err == nil:
			res.Records = append(res.Records, rec)
			empties = 0
		case errors.Is(err, ErrNotFound):
			empties++
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ProbeResult{}, ctxErr
			}
			f.logger.WarnContext(ctx, "probe read failed, counting as empty", "paymentId", id, "error", err)
			res.Failed = append(res.Failed, id)
			empties++
		}
	}
	return res, nil
}

// FetchIDs reads the given IDs concurrently and returns the non-empty records
// in ascending ID order. Any read error fails the whole call.
func (f *Fetcher) FetchIDs(ctx context.Context, ids []uint64) ([]domain.PaymentRecord, error) {
	ids = uniqueSorted(ids)
	results := make([]domain.PaymentRecord, len(ids))
	found := make([]bool, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			rec, err := f.Fetch(gctx, id)
			if errors.Is(err, ErrNotFound) {
				f.logger.WarnContext(gctx, "listed payment reads empty", "paymentId", id)
				return nil
			}
			if err != nil {
				return fmt.Errorf("read payment %d: %w", id, err)
			}
			results[i] = rec
			found[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]domain.PaymentRecord, 0, len(ids))
	for i, ok := range found {
		if ok {
			out = append(out, results[i])
		}
	}
	return out, nil
}

// Collection is the authoritative record set for one scope.
type Collection struct {
	Scope         Scope
	Records       []domain.PaymentRecord
	ProbeFailures []uint64
}

// Collect enumerates and reads every payment in scope. For the global scope
// IDs come from creations unless the probe strategy is configured.
func (f *Fetcher) Collect(ctx context.Context, scope Scope, creations []domain.CreationEvent) (Collection, error) {
	col := Collection{Scope: scope}
	var ids []uint64

	switch scope.Kind {
	case ScopeAll:
		if f.cfg.Strategy == StrategyProbe {
			res, err := f.Probe(ctx)
			if err != nil {
				return Collection{}, err
			}
			col.Records = res.Records
			col.ProbeFailures = res.Failed
			return col, nil
		}
		for _, ev := range creations {
			ids = append(ids, ev.PaymentID)
		}
	case ScopeMerchant, ScopePayer:
		var err error
		ids, err = f.listIDs(ctx, scope)
		if err != nil {
			return Collection{}, err
		}
	default:
		return Collection{}, fmt.Errorf("unsupported scope %q", scope.Kind)
	}

	records, err := f.FetchIDs(ctx, ids)
	if err != nil {
		return Collection{}, err
	}
	col.Records = records
	return col, nil
}

// BankCommitments reads the stored bank-detail hashes for each merchant. A
// merchant whose read fails is logged and left out; only cancellation of ctx
// fails the call.
func (f *Fetcher) BankCommitments(ctx context.Context, merchants []common.Address) (map[common.Address]escrow.BankCommitments, error) {
	results := make([]escrow.BankCommitments, len(merchants))
	ok := make([]bool, len(merchants))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.cfg.Workers)
	for i, merchant := range merchants {
		i, merchant := i, merchant
		g.Go(func() error {
			if err := f.limiter.Wait(gctx); err != nil {
				return err
			}
			rctx, cancel := context.WithTimeout(gctx, f.cfg.ReadTimeout)
			defer cancel()
			c, err := f.reader.MerchantBankDetails(rctx, merchant)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				f.logger.WarnContext(gctx, "bank details read failed", "merchant", merchant.Hex(), "error", err)
				return nil
			}
			results[i] = c
			ok[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[common.Address]escrow.BankCommitments, len(merchants))
	for i, merchant := range merchants {
		if ok[i] {
			out[merchant] = results[i]
		}
	}
	return out, nil
}

func (f *Fetcher) listIDs(ctx context.Context, scope Scope) ([]uint64, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.ReadTimeout)
	defer cancel()
	if scope.Kind == ScopeMerchant {
		return f.reader.MerchantPaymentIDs(ctx, scope.Party)
	}
	return f.reader.PayerPaymentIDs(ctx, scope.Party)
}

func uniqueSorted(ids []uint64) []uint64 {
	out := make([]uint64, 0, len(ids))
	seen := make(map[uint64]struct{}, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type ScopeKind string

const (
	ScopeAll      ScopeKind = "all"
	ScopeMerchant ScopeKind = "merchant"
	ScopePayer    ScopeKind = "payer"
)

// Scope selects which payments a pass covers.
type Scope struct {
	Kind  ScopeKind
	Party common.Address
}

func AllPayments() Scope { return Scope{Kind: ScopeAll} }

func (s Scope) String() string {
	if s.Kind == ScopeAll || s.Kind == "" {
		return string(ScopeAll)
	}
	return string(s.Kind) + ":" + s.Party.Hex()
}

// ParseScope accepts "all", "merchant:<address>" or "payer:<address>".
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == string(ScopeAll) {
		return AllPayments(), nil
	}
	kind, addr, ok := strings.Cut(raw, ":")
	if !ok {
		return Scope{}, fmt.Errorf("invalid scope %q", raw)
	}
	if !common.IsHexAddress(addr) {
		return Scope{}, fmt.Errorf("invalid scope address %q", addr)
	}
	switch ScopeKind(kind) {
	case ScopeMerchant, ScopePayer:
		return Scope{Kind: ScopeKind(kind), Party: common.HexToAddress(addr)}, nil
	}
	return Scope{}, fmt.Errorf("invalid scope kind %q", kind)
}
