package idempotency

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingHandler(calls *int, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"txHash":"0xabc"}`))
	})
}

func send(h http.Handler, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/1/accept", strings.NewReader(body))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGuardReplaysStoredResponse(t *testing.T) {
	calls := 0
	replays := 0
	g := &Guard{Store: NewMemoryStore(), Window: time.Hour, OnReplay: func(*http.Request) { replays++ }}
	h := g.Middleware(countingHandler(&calls, http.StatusOK))

	first := send(h, "k1", `{"rate":"1500"}`)
	second := send(h, "k1", `{"rate":"1500"}`)

	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, replays)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
}

func TestGuardRefusesReusedKeyWithDifferentBody(t *testing.T) {
	calls := 0
	g := &Guard{Store: NewMemoryStore(), Window: time.Hour}
	h := g.Middleware(countingHandler(&calls, http.StatusOK))

	send(h, "k1", `{"rate":"1500"}`)
	rec := send(h, "k1", `{"rate":"1600"}`)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 1, calls)
}

func TestGuardDoesNotStoreServerErrors(t *testing.T) {
	calls := 0
	g := &Guard{Store: NewMemoryStore(), Window: time.Hour}
	h := g.Middleware(countingHandler(&calls, http.StatusBadGateway))

	send(h, "k1", `{}`)
	send(h, "k1", `{}`)
	assert.Equal(t, 2, calls)
}

func TestGuardRequiresKey(t *testing.T) {
	calls := 0
	g := &Guard{Store: NewMemoryStore(), Window: time.Hour}
	rec := send(g.Middleware(countingHandler(&calls, http.StatusOK)), "", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, calls)
}

func TestFingerprintCoversPath(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint(http.MethodPost, "/api/v1/payments/1/accept", nil),
		Fingerprint(http.MethodPost, "/api/v1/payments/2/accept", nil),
	)
}

func TestGuardRunsConcurrentSameKeyOnce(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{})
	unblock := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(entered)
		<-unblock
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"txHash":"0xabc"}`))
	})
	g := &Guard{Store: NewMemoryStore(), Window: time.Hour}
	h := g.Middleware(slow)

	var wg sync.WaitGroup
	var first *httptest.ResponseRecorder
	wg.Add(1)
	go func() {
		defer wg.Done()
		first = send(h, "same-key", `{"amount":"5"}`)
	}()
	<-entered

	dup := send(h, "same-key", `{"amount":"5"}`)
	assert.Equal(t, http.StatusConflict, dup.Code)

	close(unblock)
	wg.Wait()
	require.Equal(t, http.StatusCreated, first.Code)

	replay := send(h, "same-key", `{"amount":"5"}`)
	assert.Equal(t, http.StatusCreated, replay.Code)
	assert.Equal(t, "true", replay.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestGuardReleasesKeyWhenHandlerPanics(t *testing.T) {
	calls := 0
	store := NewMemoryStore()
	g := &Guard{Store: store, Window: time.Hour}
	boom := g.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }))

	assert.Panics(t, func() { send(boom, "k1", `{}`) })

	rec := send(g.Middleware(countingHandler(&calls, http.StatusOK)), "k1", `{}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
}

type failingStore struct{ MemoryStore }

func (f *failingStore) Reserve(context.Context, string, Record) (*Record, bool, error) {
	return nil, false, errors.New("connection refused")
}

func TestGuardFailsClosedWhenStoreUnavailable(t *testing.T) {
	calls := 0
	g := &Guard{Store: &failingStore{}, Window: time.Hour}
	rec := send(g.Middleware(countingHandler(&calls, http.StatusOK)), "k1", `{}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, calls)
}
