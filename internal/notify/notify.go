package notify

import (
	"context"
	"log/slog"
	"time"

	"settlx/internal/domain"
	"settlx/internal/reconcile"
)

// StatusChange announces a payment that appeared or moved to a new status
// between two published snapshots.
type StatusChange struct {
	PaymentID        uint64    `json:"paymentId"`
	Payer            string    `json:"payer"`
	Merchant         string    `json:"merchant"`
	Reference        string    `json:"reference"`
	Amount           float64   `json:"amount"`
	Previous         string    `json:"previous,omitempty"`
	Current          string    `json:"current"`
	LockedAmountFiat *float64  `json:"lockedAmountFiat,omitempty"`
	RunID            string    `json:"runId"`
	ObservedAt       time.Time `json:"observedAt"`
}

type Publisher interface {
	Publish(ctx context.Context, changes []StatusChange) error
	Close() error
}

// Diff lists new payments and status transitions in next relative to prev.
// Both slices must be sorted by ID, as published snapshots are.
func Diff(prev, next []domain.ReconciledPayment) []StatusChange {
	before := make(map[uint64]domain.ReconciledPayment, len(prev))
	for _, p := range prev {
		before[p.ID] = p
	}
	var out []StatusChange
	for _, p := range next {
		old, seen := before[p.ID]
		if seen && old.Status == p.Status {
			continue
		}
		c := StatusChange{
			PaymentID:        p.ID,
			Payer:            p.Payer.Hex(),
			Merchant:         p.Merchant.Hex(),
			Reference:        p.Reference,
			Amount:           p.Amount,
			Current:          p.StatusLabel,
			LockedAmountFiat: p.LockedAmountFiat,
		}
		if seen {
			c.Previous = old.StatusLabel
		}
		out = append(out, c)
	}
	return out
}

// Listener adapts a Publisher to the reconciliation runner. The first snapshot
// only primes the baseline. Publish failures are logged and otherwise ignored.
func Listener(pub Publisher, logger *slog.Logger) reconcile.Listener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")
	return func(ctx context.Context, prev, next *reconcile.Snapshot) {
		if prev == nil || next == nil {
			return
		}
		changes := Diff(prev.Payments, next.Payments)
		if len(changes) == 0 {
			return
		}
		for i := range changes {
			changes[i].RunID = next.RunID
			changes[i].ObservedAt = next.CompletedAt
		}
		if err := pub.Publish(ctx, changes); err != nil {
			logger.ErrorContext(ctx, "publishing status changes failed", "count", len(changes), "error", err)
			return
		}
		logger.InfoContext(ctx, "published status changes", "count", len(changes))
	}
}

// LogPublisher writes each change as a structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, changes []StatusChange) error {
	for _, c := range changes {
		p.logger.InfoContext(ctx, "payment status changed",
			"paymentId", c.PaymentID,
			"merchant", c.Merchant,
			"previous", c.Previous,
			"current", c.Current,
			"amount", c.Amount,
		)
	}
	return nil
}

func (p *LogPublisher) Close() error { return nil }
