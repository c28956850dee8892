package reconcile

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/domain"
	"settlx/internal/escrow"
	"settlx/internal/ledger"
	"settlx/internal/logging"
	"settlx/internal/payments"
	"settlx/internal/rates"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	adminAddr    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
)

type fixedRate struct {
	mu sync.Mutex
	v  float64
}

func (f *fixedRate) Current() rates.Rate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rates.Rate{Value: f.v}
}

func (f *fixedRate) set(v float64) {
	f.mu.Lock()
	f.v = v
	f.mu.Unlock()
}

type passRecorder struct {
	mu     sync.Mutex
	errors []error
}

func (p *passRecorder) ObservePass(_ *Snapshot, err error, _ time.Duration) {
	p.mu.Lock()
	p.errors = append(p.errors, err)
	p.mu.Unlock()
}

func newPipeline(t *testing.T, chain *escrow.FakeChain, rate RateSource, obs Observer) *Runner {
	t.Helper()
	reader := ledger.NewReader(chain, ledger.Config{Contract: contractAddr}, logging.Discard())
	fetcher := payments.NewFetcher(chain.Client(adminAddr), payments.Config{}, logging.Discard())
	return NewRunner(reader, fetcher, rate, RunnerConfig{Observer: obs}, logging.Discard())
}

func TestRunPassEndToEnd(t *testing.T) {
	ctx := context.Background()
	chain := escrow.NewFakeChain(contractAddr, adminAddr)
	merchant := chain.Client(merchantAddr)
	_, err := merchant.RegisterMerchantBankDetails(ctx, escrow.BankDetails{BankName: "Zenith", AccountName: "Ada Stores", AccountNumber: "0123456789"})
	require.NoError(t, err)
	_, err = chain.Client(payerAddr).PayMerchant(ctx, escrow.PayMerchantRequest{Merchant: merchantAddr.Hex(), AmountMinor: big.NewInt(5_000_000), Reference: "INV-1"})
	require.NoError(t, err)
	_, err = chain.Client(payerAddr).PayMerchant(ctx, escrow.PayMerchantRequest{Merchant: merchantAddr.Hex(), AmountMinor: big.NewInt(5_000_000), Reference: "INV-2"})
	require.NoError(t, err)
	_, err = merchant.AcceptPaymentWithRate(ctx, 2, rate18(1450))
	require.NoError(t, err)

	rate := &fixedRate{v: 1500}
	obs := &passRecorder{}
	runner := newPipeline(t, chain, rate, obs)
	assert.Nil(t, runner.Latest())

	snap, err := runner.RunPass(ctx)
	require.NoError(t, err)
	assert.Same(t, snap, runner.Latest())
	assert.Equal(t, uint64(1), snap.Seq)
	assert.NotEmpty(t, snap.RunID)
	assert.Equal(t, "all", snap.Scope)

	require.Len(t, snap.Payments, 2)
	first, second := snap.Payments[0], snap.Payments[1]
	assert.Equal(t, "INV-1", first.Reference)
	assert.Equal(t, 7500.0, first.LiveAmountFiat)
	assert.Nil(t, first.LockedAmountFiat)
	assert.Equal(t, "Accepted", second.StatusLabel)
	assert.Equal(t, 7250.0, *second.LockedAmountFiat)
	assert.Equal(t, "Zenith", first.MerchantProfile.BankName)
	assert.Empty(t, snap.Anomalies)

	rate.set(1600)
	next, err := runner.RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 8000.0, next.Payments[0].LiveAmountFiat)
	assert.Equal(t, 7250.0, *next.Payments[1].LockedAmountFiat)
	assert.Equal(t, []error{nil, nil}, obs.errors)
}

func TestRunPassReportsBankDetailsDrift(t *testing.T) {
	ctx := context.Background()
	chain := escrow.NewFakeChain(contractAddr, adminAddr)
	_, err := chain.Client(merchantAddr).RegisterMerchantBankDetails(ctx, escrow.BankDetails{BankName: "Zenith", AccountName: "Ada Stores", AccountNumber: "0123456789"})
	require.NoError(t, err)
	chain.SetBankCommitments(merchantAddr, escrow.BankCommitments{
		BankName:      crypto.Keccak256Hash([]byte("Zenith")),
		AccountName:   crypto.Keccak256Hash([]byte("Ada Stores")),
		AccountNumber: crypto.Keccak256Hash([]byte("9999999999")),
	})

	snap, err := newPipeline(t, chain, &fixedRate{v: 1500}, nil).RunPass(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Anomalies, 1)
	assert.Equal(t, AnomalyBankDetailsMismatch, snap.Anomalies[0].Kind)
	assert.Equal(t, merchantAddr.Hex(), snap.Anomalies[0].Merchant)
	assert.Contains(t, snap.Anomalies[0].Detail, "accountNumber")
}

func TestFailedPassKeepsPreviousResult(t *testing.T) {
	ctx := context.Background()
	chain := escrow.NewFakeChain(contractAddr, adminAddr)
	_, err := chain.Client(payerAddr).PayMerchant(ctx, escrow.PayMerchantRequest{Merchant: merchantAddr.Hex(), AmountMinor: big.NewInt(1_000_000), Reference: "x"})
	require.NoError(t, err)

	obs := &passRecorder{}
	runner := newPipeline(t, chain, &fixedRate{v: 1500}, obs)
	good, err := runner.RunPass(ctx)
	require.NoError(t, err)

	chain.FailReads(1, errors.New("rpc timeout"))
	_, err = runner.RunPass(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collect payments")
	assert.Same(t, good, runner.Latest())
	require.Len(t, obs.errors, 2)
	assert.Error(t, obs.errors[1])
}

type gatedLedger struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
	entry chan struct{}
}

func (g *gatedLedger) Snapshot(ctx context.Context) (ledger.Snapshot, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entry)
		select {
		case <-g.gate:
		case <-ctx.Done():
			return ledger.Snapshot{}, ctx.Err()
		}
	}
	return ledger.Snapshot{Head: 1}, nil
}

type noRecords struct{}

func (noRecords) Collect(context.Context, payments.Scope, []domain.CreationEvent) (payments.Collection, error) {
	return payments.Collection{}, nil
}

func (noRecords) BankCommitments(context.Context, []common.Address) (map[common.Address]escrow.BankCommitments, error) {
	return nil, nil
}

func TestStalePassIsDiscarded(t *testing.T) {
	src := &gatedLedger{gate: make(chan struct{}), entry: make(chan struct{})}
	runner := NewRunner(src, noRecords{}, &fixedRate{v: 1500}, RunnerConfig{}, logging.Discard())

	type outcome struct {
		snap *Snapshot
		err  error
	}
	slow := make(chan outcome, 1)
	go func() {
		snap, err := runner.RunPass(context.Background())
		slow <- outcome{snap, err}
	}()
	<-src.entry

	fresh, err := runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), fresh.Seq)

	close(src.gate)
	got := <-slow
	assert.ErrorIs(t, got.err, ErrSuperseded)
	assert.Nil(t, got.snap)
	assert.Equal(t, uint64(2), runner.Latest().Seq)
}

func TestListenersSeePreviousSnapshot(t *testing.T) {
	runner := NewRunner(&gatedLedger{gate: closedChan(), entry: make(chan struct{})}, noRecords{}, &fixedRate{v: 1}, RunnerConfig{}, logging.Discard())

	var seen [][2]uint64
	runner.OnPublish(func(_ context.Context, prev, next *Snapshot) {
		var p uint64
		if prev != nil {
			p = prev.Seq
		}
		seen = append(seen, [2]uint64{p, next.Seq})
	})
	_, err := runner.RunPass(context.Background())
	require.NoError(t, err)
	_, err = runner.RunPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, [][2]uint64{{0, 1}, {1, 2}}, seen)
}

func closedChan() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}

func TestRunReactsToTriggersAndRateChanges(t *testing.T) {
	runner := NewRunner(&gatedLedger{gate: closedChan(), entry: make(chan struct{})}, noRecords{}, &fixedRate{v: 1}, RunnerConfig{Interval: time.Hour}, logging.Discard())
	updates := make(chan rates.Rate, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx, updates) }()

	require.Eventually(t, func() bool { return runner.Latest() != nil }, time.Second, time.Millisecond)
	runner.Trigger()
	require.Eventually(t, func() bool { return runner.Latest().Seq == 2 }, time.Second, time.Millisecond)
	updates <- rates.Rate{Value: 2}
	require.Eventually(t, func() bool { return runner.Latest().Seq == 3 }, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
