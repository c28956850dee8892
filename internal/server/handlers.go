package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"settlx/internal/domain"
	"settlx/internal/reconcile"
)

type paymentsResponse struct {
	RunID       string                     `json:"runId"`
	CompletedAt time.Time                  `json:"completedAt"`
	LiveRate    float64                    `json:"liveRate"`
	Count       int                        `json:"count"`
	Payments    []domain.ReconciledPayment `json:"payments"`
}

type merchantResponse struct {
	reconcile.MerchantSummary
	Payments []domain.ReconciledPayment `json:"payments"`
}

type overviewResponse struct {
	reconcile.Overview
	Seq           uint64    `json:"seq"`
	RunID         string    `json:"runId"`
	Scope         string    `json:"scope"`
	Head          uint64    `json:"head"`
	RateStale     bool      `json:"rateStale"`
	Anomalies     int       `json:"anomalies"`
	ProbeFailures []uint64  `json:"probeFailures,omitempty"`
	CompletedAt   time.Time `json:"completedAt"`
	DurationMs    int64     `json:"durationMs"`
}

// snapshot answers 503 until the first pass has been published.
func (s *Server) snapshot(w http.ResponseWriter) *reconcile.Snapshot {
	snap := s.latest()
	if snap == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciliation has not completed yet")
	}
	return snap
}

func (s *Server) handleListPayments(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	matched := reconcile.Filter(snap.Payments, q)
	respondJSON(w, http.StatusOK, paymentsResponse{
		RunID:       snap.RunID,
		CompletedAt: snap.CompletedAt,
		LiveRate:    snap.Rate.Value,
		Count:       len(matched),
		Payments:    matched,
	})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid payment id")
		return
	}
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	for _, p := range snap.Payments {
		if p.ID == id {
			respondJSON(w, http.StatusOK, p)
			return
		}
	}
	respondError(w, http.StatusNotFound, "payment not found")
}

func (s *Server) handleListMerchants(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	merchants := snap.Merchants
	if merchants == nil {
		merchants = []reconcile.MerchantSummary{}
	}
	respondJSON(w, http.StatusOK, merchants)
}

func (s *Server) handleGetMerchant(w http.ResponseWriter, r *http.Request) {
	addr := common.HexToAddress(mux.Vars(r)["address"])
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	resp := merchantResponse{
		MerchantSummary: reconcile.MerchantSummary{Profile: domain.UnregisteredProfile(addr)},
	}
	for _, m := range snap.Merchants {
		if m.Profile.Address == addr {
			resp.MerchantSummary = m
			break
		}
	}
	resp.Payments = reconcile.Filter(snap.Payments, reconcile.Query{Merchant: &addr})
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	respondJSON(w, http.StatusOK, overviewResponse{
		Overview:      snap.Overview,
		Seq:           snap.Seq,
		RunID:         snap.RunID,
		Scope:         snap.Scope,
		Head:          snap.Head,
		RateStale:     snap.Rate.Stale || snap.Rate.Default,
		Anomalies:     len(snap.Anomalies),
		ProbeFailures: snap.ProbeFailures,
		CompletedAt:   snap.CompletedAt,
		DurationMs:    snap.Duration.Milliseconds(),
	})
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot(w)
	if snap == nil {
		return
	}
	anomalies := snap.Anomalies
	if anomalies == nil {
		anomalies = []reconcile.Anomaly{}
	}
	respondJSON(w, http.StatusOK, anomalies)
}

func (s *Server) handleRate(w http.ResponseWriter, r *http.Request) {
	if s.rates == nil {
		respondError(w, http.StatusServiceUnavailable, "rate service not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.rates.Current())
}

func parseQuery(r *http.Request) (reconcile.Query, error) {
	values := r.URL.Query()
	var q reconcile.Query
	if v := values.Get("merchant"); v != "" {
		addr, err := parseAddress("merchant", v)
		if err != nil {
			return q, err
		}
		q.Merchant = &addr
	}
	if v := values.Get("payer"); v != "" {
		addr, err := parseAddress("payer", v)
		if err != nil {
			return q, err
		}
		q.Payer = &addr
	}
	if v := values.Get("status"); v != "" {
		st, err := parseStatus(v)
		if err != nil {
			return q, err
		}
		q.Status = &st
	}
	q.Search = values.Get("q")
	return q, nil
}

func parseAddress(field, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, &fieldError{field: field, msg: "must be a hex address"}
	}
	return common.HexToAddress(v), nil
}

// parseStatus accepts a label in any case or a raw numeric code.
func parseStatus(v string) (domain.Status, error) {
	if code, err := strconv.ParseUint(v, 10, 8); err == nil {
		return domain.Status(code), nil
	}
	label := strings.ToUpper(v[:1]) + strings.ToLower(v[1:])
	if st, ok := domain.ParseStatus(label); ok {
		return st, nil
	}
	return 0, &fieldError{field: "status", msg: "unknown status " + strconv.Quote(v)}
}

type fieldError struct {
	field string
	msg   string
}

func (e *fieldError) Error() string {
	return e.field + " " + e.msg
}
