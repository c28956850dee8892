package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/domain"
	"settlx/internal/logging"
	"settlx/internal/reconcile"
)

func payment(id uint64, status domain.Status) domain.ReconciledPayment {
	return domain.ReconciledPayment{
		ID:          id,
		Merchant:    common.HexToAddress("0x02"),
		Payer:       common.HexToAddress("0x01"),
		Status:      status,
		StatusLabel: status.String(),
		Amount:      float64(id),
		Reference:   "INV",
	}
}

func TestDiff(t *testing.T) {
	prev := []domain.ReconciledPayment{payment(1, domain.StatusPending), payment(2, domain.StatusPending)}
	next := []domain.ReconciledPayment{payment(1, domain.StatusPending), payment(2, domain.StatusAccepted), payment(3, domain.StatusPending)}

	changes := Diff(prev, next)
	require.Len(t, changes, 2)
	assert.Equal(t, uint64(2), changes[0].PaymentID)
	assert.Equal(t, "Pending", changes[0].Previous)
	assert.Equal(t, "Accepted", changes[0].Current)
	assert.Equal(t, uint64(3), changes[1].PaymentID)
	assert.Empty(t, changes[1].Previous)

	assert.Empty(t, Diff(next, next))
}

type recordingPublisher struct {
	got [][]StatusChange
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, changes []StatusChange) error {
	r.got = append(r.got, changes)
	return r.err
}

func (r *recordingPublisher) Close() error { return nil }

func TestListenerSkipsFirstSnapshotAndStampsRun(t *testing.T) {
	pub := &recordingPublisher{}
	l := Listener(pub, logging.Discard())
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first := &reconcile.Snapshot{Result: reconcile.Result{Payments: []domain.ReconciledPayment{payment(1, domain.StatusPending)}}}
	l(context.Background(), nil, first)
	assert.Empty(t, pub.got)

	second := &reconcile.Snapshot{
		Result:      reconcile.Result{Payments: []domain.ReconciledPayment{payment(1, domain.StatusRejected)}},
		RunID:       "run-2",
		CompletedAt: at,
	}
	l(context.Background(), first, second)
	require.Len(t, pub.got, 1)
	assert.Equal(t, "run-2", pub.got[0][0].RunID)
	assert.Equal(t, at, pub.got[0][0].ObservedAt)
}

func TestListenerSwallowsPublishErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	pub := &recordingPublisher{err: errors.New("broker down")}
	l := Listener(pub, logger)

	prev := &reconcile.Snapshot{}
	next := &reconcile.Snapshot{Result: reconcile.Result{Payments: []domain.ReconciledPayment{payment(1, domain.StatusPending)}}}
	assert.NotPanics(t, func() { l(context.Background(), prev, next) })
	assert.Contains(t, buf.String(), "broker down")
}

type fakeWriter struct {
	msgs []kafka.Message
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error { return nil }

func TestKafkaPublisherKeysByPaymentID(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w}

	err := pub.Publish(context.Background(), []StatusChange{{PaymentID: 42, Current: "Paid", RunID: "r"}})
	require.NoError(t, err)
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "42", string(w.msgs[0].Key))

	var decoded StatusChange
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, "Paid", decoded.Current)
	assert.Equal(t, "status", w.msgs[0].Headers[1].Key)
}

func TestLogPublisher(t *testing.T) {
	var buf bytes.Buffer
	pub := NewLogPublisher(slog.New(slog.NewJSONHandler(&buf, nil)))
	require.NoError(t, pub.Publish(context.Background(), []StatusChange{{PaymentID: 7, Current: "Accepted"}}))
	assert.Contains(t, buf.String(), `"paymentId":7`)
	assert.NoError(t, pub.Close())
}
