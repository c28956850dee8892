package rates

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/h2non/gock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/contracts"
	"settlx/internal/logging"
)

type stubQuotes struct {
	mu    sync.Mutex
	value float64
	err   error
	calls int
}

func (s *stubQuotes) USDRate(context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.value, s.err
}

func (s *stubQuotes) set(v float64, err error) {
	s.mu.Lock()
	s.value, s.err = v, err
	s.mu.Unlock()
}

func (s *stubQuotes) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubOracle struct {
	mu    sync.Mutex
	price float64
	err   error
}

func (o *stubOracle) TokenUSD(context.Context) (float64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.price, o.err
}

func (o *stubOracle) set(p float64, err error) {
	o.mu.Lock()
	o.price, o.err = p, err
	o.mu.Unlock()
}

type recordingObserver struct {
	mu     sync.Mutex
	errors int
	ok     int
}

func (r *recordingObserver) ObserveRateRefresh(_ Rate, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.errors++
		return
	}
	r.ok++
}

func TestServiceStartsFromDefault(t *testing.T) {
	s := NewService(&stubQuotes{}, nil, Config{}, logging.Discard())
	cur := s.Current()
	assert.Equal(t, DefaultRate, cur.Value)
	assert.True(t, cur.Default)
}

func TestRefreshMultipliesOracleAndQuote(t *testing.T) {
	quotes := &stubQuotes{value: 1600}
	oracle := &stubOracle{price: 0.5}
	obs := &recordingObserver{}
	s := NewService(quotes, oracle, Config{Observer: obs}, logging.Discard())

	r, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 800.0, r.Value)
	assert.Equal(t, 1600.0, r.USDQuote)
	assert.False(t, r.Stale)
	assert.Equal(t, r, s.Current())

	select {
	case got := <-s.Updates():
		assert.Equal(t, 800.0, got.Value)
	default:
		t.Fatal("expected an update")
	}
	assert.Equal(t, 1, obs.ok)
}

func TestRefreshWithoutOracleUsesQuoteAlone(t *testing.T) {
	quotes := &stubQuotes{value: 1550}
	oracle := &stubOracle{err: errors.New("feed paused")}
	s := NewService(quotes, oracle, Config{}, logging.Discard())

	r, err := s.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1550.0, r.Value)
	assert.Zero(t, r.TokenUSD)
}

func TestRefreshFailureKeepsPreviousRate(t *testing.T) {
	quotes := &stubQuotes{value: 1600}
	obs := &recordingObserver{}
	s := NewService(quotes, nil, Config{Observer: obs}, logging.Discard())
	_, err := s.Refresh(context.Background())
	require.NoError(t, err)

	quotes.set(0, errors.New("quota exceeded"))
	r, err := s.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1600.0, r.Value)
	assert.True(t, r.Stale)
	assert.True(t, s.Current().Stale)
	assert.Equal(t, 1, obs.errors)

	quotes.set(1600, nil)
	r, err = s.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, r.Stale)
}

func TestUpdatesAreCoalesced(t *testing.T) {
	quotes := &stubQuotes{}
	s := NewService(quotes, nil, Config{}, logging.Discard())
	for _, v := range []float64{1510, 1520, 1530} {
		quotes.set(v, nil)
		_, err := s.Refresh(context.Background())
		require.NoError(t, err)
	}

	got := <-s.Updates()
	assert.Equal(t, 1530.0, got.Value)
	select {
	case extra := <-s.Updates():
		t.Fatalf("unexpected queued update %v", extra)
	default:
	}
}

func TestRunRefreshesWhenOracleMoves(t *testing.T) {
	quotes := &stubQuotes{value: 1500}
	oracle := &stubOracle{price: 1}
	s := NewService(quotes, oracle, Config{
		RefreshInterval:    time.Hour,
		OraclePollInterval: 5 * time.Millisecond,
	}, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return quotes.count() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, quotes.count())

	oracle.set(0.5, nil)
	require.Eventually(t, func() bool { return s.Current().Value == 750 }, time.Second, 2*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestHTTPQuoteSource(t *testing.T) {
	defer gock.Off()

	gock.New("https://rates.example.com").
		Get("/live").
		MatchParam("access_key", "secret").
		MatchParam("currencies", "NGN").
		Reply(200).
		JSON(map[string]any{"success": true, "quotes": map[string]float64{"USDNGN": 1523.5}})

	src := NewHTTPQuoteSource(&http.Client{}, "https://rates.example.com/live", "secret", "ngn")
	got, err := src.USDRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1523.5, got)
	assert.True(t, gock.IsDone())
}

func TestHTTPQuoteSourceErrors(t *testing.T) {
	defer gock.Off()

	gock.New("https://rates.example.com").
		Get("/live").
		Reply(200).
		JSON(map[string]any{"success": false, "error": map[string]any{"code": 104, "info": "usage limit reached"}})
	gock.New("https://rates.example.com").
		Get("/live").
		Reply(200).
		JSON(map[string]any{"success": true, "quotes": map[string]float64{"USDEUR": 0.9}})
	gock.New("https://rates.example.com").
		Get("/live").
		Reply(500).
		BodyString("boom")

	src := NewHTTPQuoteSource(&http.Client{}, "https://rates.example.com/live", "secret", "")

	_, err := src.USDRate(context.Background())
	assert.ErrorContains(t, err, "usage limit reached")
	_, err = src.USDRate(context.Background())
	assert.ErrorContains(t, err, "missing USDNGN")
	_, err = src.USDRate(context.Background())
	assert.ErrorContains(t, err, "status 500")
}

type feedCaller struct {
	answer *big.Int
}

func (f feedCaller) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return []byte{0x1}, nil
}

func (f feedCaller) CallContract(_ context.Context, _ ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	method := contracts.AggregatorV3.Methods["latestRoundData"]
	return method.Outputs.Pack(big.NewInt(7), f.answer, big.NewInt(0), big.NewInt(0), big.NewInt(7))
}

func TestChainlinkOracle(t *testing.T) {
	feed := common.HexToAddress("0x00000000000000000000000000000000000000fe")

	o := NewChainlinkOracle(feedCaller{answer: big.NewInt(99_990_000)}, feed)
	price, err := o.TokenUSD(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.9999, price, 1e-12)

	o = NewChainlinkOracle(feedCaller{answer: big.NewInt(-1)}, feed)
	_, err = o.TokenUSD(context.Background())
	assert.ErrorContains(t, err, "non-positive")
}
