package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"settlx/internal/config"
	"settlx/internal/escrow"
	"settlx/internal/hmacauth"
	"settlx/internal/idempotency"
	"settlx/internal/logging"
	"settlx/internal/rates"
	"settlx/internal/reconcile"
)

const headerRequestID = "X-Request-Id"

// Reconciler is the part of the pass runner the API reads from.
type Reconciler interface {
	Latest() *reconcile.Snapshot
	Trigger()
}

type RateReader interface {
	Current() rates.Rate
}

// Deps are the collaborators the API serves from. Escrow may be nil, in which
// case write endpoints answer 503.
type Deps struct {
	Escrow     escrow.Writer
	Reconciler Reconciler
	Rates      RateReader
	Store      idempotency.Store
	Metrics    *Metrics
	Logger     *slog.Logger
	// RPCHealth overrides the chain reachability probe used by /health.
	RPCHealth func(context.Context) error
}

type Server struct {
	cfg         *config.AppConfig
	escrow      escrow.Writer
	runner      Reconciler
	rates       RateReader
	hmac        *hmacauth.Verifier
	idem        *idempotency.Guard
	httpServer  *http.Server
	router      *mux.Router
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")

	metrics := deps.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	store := deps.Store
	if store == nil {
		store = idempotency.NewMemoryStore()
	}

	s := &Server{
		cfg:     cfg,
		escrow:  deps.Escrow,
		runner:  deps.Reconciler,
		rates:   deps.Rates,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		hmac: &hmacauth.Verifier{
			Secret:  cfg.Seed.Secrets.HMACSalt,
			MaxSkew: cfg.Service.HMACClockSkew,
			Logger:  logger,
		},
		idem: &idempotency.Guard{
			Store:    store,
			Window:   cfg.Service.IdempotencyWindow,
			Logger:   logger,
			OnReplay: func(*http.Request) { metrics.incReplay() },
		},
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := deps.Escrow.(escrow.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}
	if deps.RPCHealth != nil {
		s.rpcHealthFn = deps.RPCHealth
	}

	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.instrument)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", s.metrics.handler()).Methods(http.MethodGet)

	api.HandleFunc("/payments", s.handleListPayments).Methods(http.MethodGet)
	api.HandleFunc("/payments/{id:[0-9]+}", s.handleGetPayment).Methods(http.MethodGet)
	api.HandleFunc("/merchants", s.handleListMerchants).Methods(http.MethodGet)
	api.HandleFunc("/merchants/{address:0x[0-9a-fA-F]{40}}", s.handleGetMerchant).Methods(http.MethodGet)
	api.HandleFunc("/overview", s.handleOverview).Methods(http.MethodGet)
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/rate", s.handleRate).Methods(http.MethodGet)

	writes := api.NewRoute().Subrouter()
	writes.Use(s.hmac.Middleware, s.idem.Middleware)
	writes.HandleFunc("/payments", s.handlePay).Methods(http.MethodPost)
	writes.HandleFunc("/payments/{id:[0-9]+}/accept", s.handleAccept).Methods(http.MethodPost)
	writes.HandleFunc("/payments/{id:[0-9]+}/reject", s.handleReject).Methods(http.MethodPost)
	writes.HandleFunc("/payments/{id:[0-9]+}/mark-paid", s.handleMarkPaid).Methods(http.MethodPost)
	writes.HandleFunc("/merchants/bank-details", s.handleRegisterBank).Methods(http.MethodPost)
	writes.HandleFunc("/merchants/bank-details", s.handleUpdateBank).Methods(http.MethodPut)
	writes.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type componentHealth struct {
	Connected bool    `json:"connected"`
	LatencyMs float64 `json:"latency_ms,omitempty"`
	Error     string  `json:"error,omitempty"`
}

type reconcileHealth struct {
	Published   bool      `json:"published"`
	Seq         uint64    `json:"seq,omitempty"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
	AgeSeconds  float64   `json:"age_seconds,omitempty"`
	Stale       bool      `json:"stale"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := componentHealth{Connected: true}
	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	dbInfo := componentHealth{Connected: true}
	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	// A result older than three intervals means passes keep failing.
	recon := reconcileHealth{}
	if snap := s.latest(); snap != nil {
		age := s.now().Sub(snap.CompletedAt)
		recon = reconcileHealth{
			Published:   true,
			Seq:         snap.Seq,
			CompletedAt: snap.CompletedAt,
			AgeSeconds:  age.Seconds(),
			Stale:       s.cfg.Reconcile.Interval > 0 && age > 3*s.cfg.Reconcile.Interval,
		}
	}

	var rate rates.Rate
	if s.rates != nil {
		rate = s.rates.Current()
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status    string          `json:"status"`
		RPC       componentHealth `json:"rpc"`
		Database  componentHealth `json:"database"`
		Reconcile reconcileHealth `json:"reconcile"`
		Rate      rates.Rate      `json:"rate"`
	}{
		Status:    status,
		RPC:       rpcInfo,
		Database:  dbInfo,
		Reconcile: recon,
		Rate:      rate,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, resp)
}

func (s *Server) latest() *reconcile.Snapshot {
	if s.runner == nil {
		return nil
	}
	return s.runner.Latest()
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(headerRequestID, id)
		}
		w.Header().Set(headerRequestID, id)
		ctx := logging.AppendCtx(r.Context(), slog.String("requestId", id))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		elapsed := time.Since(start)
		s.metrics.observeRequest(r.Method, route, sw.status, elapsed)
		s.logger.DebugContext(r.Context(), "request served",
			"method", r.Method,
			"route", route,
			"status", sw.status,
			"elapsed", elapsed,
		)
	})
}

func respondJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, code int, message string) {
	respondJSON(w, code, map[string]string{"error": message})
}
