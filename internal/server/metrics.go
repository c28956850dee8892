package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"settlx/internal/rates"
	"settlx/internal/reconcile"
)

// Metrics is the service's private registry. It observes reconciliation passes
// and rate refreshes as well as the HTTP surface.
type Metrics struct {
	registry          *prometheus.Registry
	passesTotal       *prometheus.CounterVec
	passDuration      prometheus.Histogram
	lastPassTimestamp prometheus.Gauge
	publishedPayments prometheus.Gauge
	anomalies         *prometheus.GaugeVec
	probeFailures     prometheus.Gauge
	rateRefreshes     *prometheus.CounterVec
	liveRate          prometheus.Gauge
	rateStale         prometheus.Gauge
	contractWrites    *prometheus.CounterVec
	idempotentReplays prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	passes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlx_reconcile_passes_total",
		Help: "Reconciliation passes by outcome",
	}, []string{"outcome"})

	duration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlx_reconcile_pass_duration_seconds",
		Help:    "Wall time of reconciliation passes",
		Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	lastPass := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlx_reconcile_last_published_timestamp_seconds",
		Help: "Unix time of the last published reconciliation result",
	})

	published := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlx_reconciled_payments",
		Help: "Payments in the last published result",
	})

	anomalies := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "settlx_reconcile_anomalies",
		Help: "Anomalies in the last published result by kind",
	}, []string{"kind"})

	probeFailures := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlx_probe_read_failures",
		Help: "Payment reads that failed during the last probe",
	})

	refreshes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlx_rate_refreshes_total",
		Help: "Exchange rate refreshes by outcome",
	}, []string{"outcome"})

	liveRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlx_live_rate",
		Help: "Current live fiat rate per token",
	})

	stale := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "settlx_live_rate_stale",
		Help: "1 when the live rate is a fallback value",
	})

	writes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlx_contract_writes_total",
		Help: "Contract writes submitted through the API by outcome",
	}, []string{"op", "outcome"})

	replays := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "settlx_idempotent_replays_total",
		Help: "Write requests answered from the idempotency store",
	})

	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "settlx_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "route", "status"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settlx_http_request_duration_seconds",
		Help:    "Request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"method", "route"})

	r := prometheus.NewRegistry()
	r.MustRegister(passes, duration, lastPass, published, anomalies, probeFailures,
		refreshes, liveRate, stale, writes, replays, reqs, latency)

	return &Metrics{
		registry:          r,
		passesTotal:       passes,
		passDuration:      duration,
		lastPassTimestamp: lastPass,
		publishedPayments: published,
		anomalies:         anomalies,
		probeFailures:     probeFailures,
		rateRefreshes:     refreshes,
		liveRate:          liveRate,
		rateStale:         stale,
		contractWrites:    writes,
		idempotentReplays: replays,
		httpRequests:      reqs,
		httpLatency:       latency,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePass implements reconcile.Observer.
func (m *Metrics) ObservePass(snap *reconcile.Snapshot, err error, elapsed time.Duration) {
	m.passDuration.Observe(elapsed.Seconds())
	switch {
	case errors.Is(err, reconcile.ErrSuperseded):
		m.passesTotal.WithLabelValues("superseded").Inc()
		return
	case err != nil:
		m.passesTotal.WithLabelValues("failed").Inc()
		return
	}
	m.passesTotal.WithLabelValues("published").Inc()
	m.lastPassTimestamp.Set(float64(snap.CompletedAt.Unix()))
	m.publishedPayments.Set(float64(len(snap.Payments)))
	m.probeFailures.Set(float64(len(snap.ProbeFailures)))

	m.anomalies.Reset()
	for _, a := range snap.Anomalies {
		m.anomalies.WithLabelValues(string(a.Kind)).Inc()
	}
}

// ObserveRateRefresh implements rates.Observer.
func (m *Metrics) ObserveRateRefresh(r rates.Rate, err error) {
	if err != nil {
		m.rateRefreshes.WithLabelValues("failed").Inc()
	} else {
		m.rateRefreshes.WithLabelValues("ok").Inc()
	}
	m.liveRate.Set(r.Value)
	if r.Stale || r.Default {
		m.rateStale.Set(1)
	} else {
		m.rateStale.Set(0)
	}
}

func (m *Metrics) incWrite(op, outcome string) {
	m.contractWrites.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) incReplay() {
	m.idempotentReplays.Inc()
}

func (m *Metrics) observeRequest(method, route string, status int, elapsed time.Duration) {
	m.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

var (
	_ reconcile.Observer = (*Metrics)(nil)
	_ rates.Observer     = (*Metrics)(nil)
)
