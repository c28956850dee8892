package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"settlx/internal/domain"
	"settlx/internal/escrow"
	"settlx/internal/ledger"
	"settlx/internal/logging"
	"settlx/internal/payments"
	"settlx/internal/rates"
)

// ErrSuperseded is returned by a pass that finished after a newer pass had
// already published. Its result is discarded.
var ErrSuperseded = errors.New("reconciliation pass superseded")

type LedgerSource interface {
	Snapshot(ctx context.Context) (ledger.Snapshot, error)
}

type RecordSource interface {
	Collect(ctx context.Context, scope payments.Scope, creations []domain.CreationEvent) (payments.Collection, error)
	BankCommitments(ctx context.Context, merchants []common.Address) (map[common.Address]escrow.BankCommitments, error)
}

type RateSource interface {
	Current() rates.Rate
}

// Snapshot is a published pass: the reconciled result plus the inputs that
// identify it.
type Snapshot struct {
	Result
	Seq           uint64        `json:"seq"`
	RunID         string        `json:"runId"`
	Scope         string        `json:"scope"`
	Head          uint64        `json:"head"`
	Rate          rates.Rate    `json:"rate"`
	ProbeFailures []uint64      `json:"probeFailures,omitempty"`
	CompletedAt   time.Time     `json:"completedAt"`
	Duration      time.Duration `json:"duration"`
}

// Observer receives the outcome of every pass.
type Observer interface {
	ObservePass(snap *Snapshot, err error, elapsed time.Duration)
}

// Listener is called after a snapshot is published. prev is nil for the first.
type Listener func(ctx context.Context, prev, next *Snapshot)

type RunnerConfig struct {
	Scope    payments.Scope
	Interval time.Duration
	// PassTimeout bounds one whole pass.
	PassTimeout time.Duration
	Observer    Observer
}

// Runner executes reconciliation passes and publishes their results.
type Runner struct {
	ledger  LedgerSource
	records RecordSource
	rates   RateSource
	cfg     RunnerConfig
	logger  *slog.Logger
	now     func() time.Time

	seq       atomic.Uint64
	published atomic.Pointer[Snapshot]
	trigger   chan struct{}

	mu        sync.RWMutex
	listeners []Listener
}

func NewRunner(ledger LedgerSource, records RecordSource, rateSource RateSource, cfg RunnerConfig, logger *slog.Logger) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PassTimeout <= 0 {
		cfg.PassTimeout = 2 * time.Minute
	}
	if cfg.Scope.Kind == "" {
		cfg.Scope = payments.AllPayments()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		ledger:  ledger,
		records: records,
		rates:   rateSource,
		cfg:     cfg,
		logger:  logger.With("component", "reconcile"),
		now:     time.Now,
		trigger: make(chan struct{}, 1),
	}
}

// OnPublish registers a listener for published snapshots.
func (r *Runner) OnPublish(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Latest returns the most recently published snapshot, or nil before the
// first successful pass.
func (r *Runner) Latest() *Snapshot {
	return r.published.Load()
}

// Trigger asks Run to start a pass soon. Repeated calls before the pass starts
// collapse into one.
func (r *Runner) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// RunPass performs one full pass. Nothing is published unless every stage
// succeeds and no newer pass has published first.
func (r *Runner) RunPass(ctx context.Context) (*Snapshot, error) {
	seq := r.seq.Add(1)
	runID := uuid.NewString()
	ctx = logging.AppendCtx(ctx, slog.String("runId", runID))
	ctx = logging.AppendCtx(ctx, slog.Uint64("seq", seq))
	ctx, cancel := context.WithTimeout(ctx, r.cfg.PassTimeout)
	defer cancel()

	start := r.now()
	snap, err := r.pass(ctx, seq, runID)
	elapsed := r.now().Sub(start)
	if err == nil {
		snap.Duration = elapsed
		var prev *Snapshot
		var ok bool
		if prev, ok = r.publish(snap); ok {
			r.logger.InfoContext(ctx, "pass published",
				"scope", snap.Scope,
				"head", snap.Head,
				"payments", len(snap.Payments),
				"anomalies", len(snap.Anomalies),
				"rate", snap.Rate.Value,
				"elapsed", elapsed,
			)
			r.notify(ctx, prev, snap)
		} else {
			err = ErrSuperseded
			r.logger.InfoContext(ctx, "pass discarded, newer result already published", "published", prev.Seq)
		}
	} else {
		r.logger.ErrorContext(ctx, "pass failed, keeping previous result", "error", err)
	}

	if r.cfg.Observer != nil {
		r.cfg.Observer.ObservePass(snap, err, elapsed)
	}
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (r *Runner) pass(ctx context.Context, seq uint64, runID string) (*Snapshot, error) {
	events, err := r.ledger.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	col, err := r.records.Collect(ctx, r.cfg.Scope, events.Creations)
	if err != nil {
		return nil, fmt.Errorf("collect payments: %w", err)
	}
	for _, id := range col.ProbeFailures {
		r.logger.WarnContext(ctx, "probe read failed, payment may be missing", "paymentId", id)
	}

	commitments, err := r.records.BankCommitments(ctx, profiledMerchants(events.Merchants))
	if err != nil {
		return nil, fmt.Errorf("read bank commitments: %w", err)
	}

	rate := r.rates.Current()
	result := Reconcile(Input{
		Records:         col.Records,
		Creations:       events.Creations,
		Acceptances:     events.Acceptances,
		MerchantEvents:  events.Merchants,
		BankCommitments: commitments,
		LiveRate:        rate.Value,
	})
	for _, a := range result.Anomalies {
		r.logger.WarnContext(ctx, "reconciliation anomaly", "kind", a.Kind, "paymentId", a.PaymentID, "merchant", a.Merchant, "detail", a.Detail)
	}

	return &Snapshot{
		Result:        result,
		Seq:           seq,
		RunID:         runID,
		Scope:         r.cfg.Scope.String(),
		Head:          events.Head,
		Rate:          rate,
		ProbeFailures: col.ProbeFailures,
		CompletedAt:   r.now().UTC(),
	}, nil
}

func profiledMerchants(events []domain.MerchantEvent) []common.Address {
	seen := make(map[common.Address]struct{}, len(events))
	var out []common.Address
	for _, ev := range events {
		if _, ok := seen[ev.Merchant]; ok {
			continue
		}
		seen[ev.Merchant] = struct{}{}
		out = append(out, ev.Merchant)
	}
	return out
}

// publish swaps next in unless a snapshot with a higher sequence is already
// visible. It returns the snapshot it replaced, or the newer one on failure.
func (r *Runner) publish(next *Snapshot) (*Snapshot, bool) {
	for {
		cur := r.published.Load()
		if cur != nil && cur.Seq > next.Seq {
			return cur, false
		}
		if r.published.CompareAndSwap(cur, next) {
			return cur, true
		}
	}
}

func (r *Runner) notify(ctx context.Context, prev, next *Snapshot) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, l := range listeners {
		l(ctx, prev, next)
	}
}

// Run performs a pass immediately, then on every interval tick, explicit
// trigger and rate change. Failed passes are retried on the next trigger.
func (r *Runner) Run(ctx context.Context, rateUpdates <-chan rates.Rate) error {
	r.runLogged(ctx, "start")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.runLogged(ctx, "interval")
		case <-r.trigger:
			r.runLogged(ctx, "refresh")
		case rate, ok := <-rateUpdates:
			if !ok {
				rateUpdates = nil
				continue
			}
			r.logger.DebugContext(ctx, "rate changed", "rate", rate.Value)
			r.runLogged(ctx, "rate")
		}
	}
}

func (r *Runner) runLogged(ctx context.Context, reason string) {
	if ctx.Err() != nil {
		return
	}
	r.logger.DebugContext(ctx, "starting pass", "trigger", reason)
	_, _ = r.RunPass(ctx)
}
