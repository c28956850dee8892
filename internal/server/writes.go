package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"settlx/internal/domain"
	"settlx/internal/escrow"
	"settlx/internal/logging"
)

type payRequest struct {
	Merchant  string `json:"merchant"`
	Amount    string `json:"amount"`
	Reference string `json:"reference"`
}

type payResponse struct {
	ApproveTxHash string `json:"approveTxHash"`
	TxHash        string `json:"txHash"`
	AmountMinor   string `json:"amountMinor"`
}

type acceptRequest struct {
	// Rate is fiat per whole token, as a decimal string. Empty uses the live rate.
	Rate string `json:"rate"`
}

type writeResponse struct {
	Op        string `json:"op"`
	PaymentID uint64 `json:"paymentId,omitempty"`
	TxHash    string `json:"txHash"`
	Rate      string `json:"rate,omitempty"`
}

func (s *Server) handlePay(w http.ResponseWriter, r *http.Request) {
	var payload payRequest
	if !decodeBody(w, r, &payload) {
		return
	}
	amount, err := domain.ParseUnits(strings.TrimSpace(payload.Amount), domain.TokenDecimals)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := escrow.PayMerchantRequest{
		Merchant:    payload.Merchant,
		AmountMinor: amount,
		Reference:   payload.Reference,
	}
	if err := req.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.writable(w) {
		return
	}

	ctx := r.Context()
	approve, err := s.submit(ctx, func(ctx context.Context) (escrow.TxResult, error) {
		return s.escrow.ApproveToken(ctx, amount)
	})
	if err != nil {
		s.writeFailed(ctx, w, "approve", err)
		return
	}
	s.metrics.incWrite("approve", "submitted")

	// payMerchant pulls the allowance, so its gas estimate needs approve mined.
	if err := s.waitMined(ctx, approve.TxHash); err != nil {
		s.writeFailed(ctx, w, "approve", err)
		return
	}
	tx, err := s.submit(ctx, func(ctx context.Context) (escrow.TxResult, error) {
		return s.escrow.PayMerchant(ctx, req)
	})
	if err != nil {
		s.writeFailed(ctx, w, "payMerchant", err)
		return
	}
	s.writeSucceeded(ctx, "payMerchant", tx, slog.String("merchant", req.Merchant))
	respondJSON(w, http.StatusCreated, payResponse{
		ApproveTxHash: approve.TxHash,
		TxHash:        tx.TxHash,
		AmountMinor:   amount.String(),
	})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	var payload acceptRequest
	if !decodeOptionalBody(w, r, &payload) {
		return
	}
	rate, err := s.acceptRate(payload.Rate)
	if errors.Is(err, errNoLiveRate) {
		respondError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.writable(w) {
		return
	}

	ctx, cancel := s.writeContext(r)
	defer cancel()
	tx, err := s.escrow.AcceptPaymentWithRate(ctx, id, rate)
	if err != nil {
		s.writeFailed(ctx, w, "acceptPaymentWithRate", err)
		return
	}
	s.writeSucceeded(ctx, "acceptPaymentWithRate", tx, slog.Uint64("paymentId", id))
	respondJSON(w, http.StatusOK, writeResponse{
		Op:        "accept",
		PaymentID: id,
		TxHash:    tx.TxHash,
		Rate:      domain.FormatUnits(rate, domain.RateDecimals),
	})
}

var errNoLiveRate = errors.New("live rate unavailable, pass an explicit rate")

// acceptRate resolves the per-token rate to lock. The contract takes it with
// 18 decimals. The configured fallback is never locked implicitly: until one
// quote has been fetched the caller must name the rate.
func (s *Server) acceptRate(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	var (
		rate *big.Int
		err  error
	)
	if raw == "" {
		if s.rates == nil {
			return nil, errNoLiveRate
		}
		live := s.rates.Current()
		if live.Default {
			return nil, errNoLiveRate
		}
		rate, err = domain.ScaleUp(live.Value, domain.RateDecimals)
	} else {
		rate, err = domain.ParseUnits(raw, domain.RateDecimals)
	}
	if err != nil {
		return nil, err
	}
	if rate.Sign() <= 0 {
		return nil, escrow.ErrInvalidRate
	}
	return rate, nil
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	s.paymentWrite(w, r, "rejectPayment", "reject", s.escrowReject)
}

func (s *Server) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	s.paymentWrite(w, r, "markAsPaid", "mark-paid", s.escrowMarkPaid)
}

func (s *Server) escrowReject(ctx context.Context, id uint64) (escrow.TxResult, error) {
	return s.escrow.RejectPayment(ctx, id)
}

func (s *Server) escrowMarkPaid(ctx context.Context, id uint64) (escrow.TxResult, error) {
	return s.escrow.MarkAsPaid(ctx, id)
}

func (s *Server) paymentWrite(w http.ResponseWriter, r *http.Request, op, label string, call func(context.Context, uint64) (escrow.TxResult, error)) {
	id, ok := paymentID(w, r)
	if !ok {
		return
	}
	if !s.writable(w) {
		return
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()
	tx, err := call(ctx, id)
	if err != nil {
		s.writeFailed(ctx, w, op, err)
		return
	}
	s.writeSucceeded(ctx, op, tx, slog.Uint64("paymentId", id))
	respondJSON(w, http.StatusOK, writeResponse{Op: label, PaymentID: id, TxHash: tx.TxHash})
}

func (s *Server) handleRegisterBank(w http.ResponseWriter, r *http.Request) {
	s.bankWrite(w, r, "registerMerchantBankDetails", http.StatusCreated)
}

func (s *Server) handleUpdateBank(w http.ResponseWriter, r *http.Request) {
	s.bankWrite(w, r, "updateMerchantBankDetails", http.StatusOK)
}

func (s *Server) bankWrite(w http.ResponseWriter, r *http.Request, op string, okStatus int) {
	var details escrow.BankDetails
	if !decodeBody(w, r, &details) {
		return
	}
	if err := details.Validate(); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.writable(w) {
		return
	}
	ctx, cancel := s.writeContext(r)
	defer cancel()

	var (
		tx  escrow.TxResult
		err error
	)
	if op == "registerMerchantBankDetails" {
		tx, err = s.escrow.RegisterMerchantBankDetails(ctx, details)
	} else {
		tx, err = s.escrow.UpdateMerchantBankDetails(ctx, details)
	}
	if err != nil {
		s.writeFailed(ctx, w, op, err)
		return
	}
	s.writeSucceeded(ctx, op, tx,
		slog.String("bankName", details.BankName),
		logging.MaskField("accountNumber", details.AccountNumber),
	)
	respondJSON(w, okStatus, writeResponse{Op: op, TxHash: tx.TxHash})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		respondError(w, http.StatusServiceUnavailable, "reconciliation not running")
		return
	}
	s.runner.Trigger()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *Server) writable(w http.ResponseWriter) bool {
	if s.escrow == nil {
		respondError(w, http.StatusServiceUnavailable, escrow.ErrReadOnly.Error())
		return false
	}
	return true
}

func (s *Server) writeContext(r *http.Request) (context.Context, context.CancelFunc) {
	return s.callContext(r.Context(), s.cfg.Chain.RPCTimeout)
}

func (s *Server) callContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

func (s *Server) submit(ctx context.Context, call func(context.Context) (escrow.TxResult, error)) (escrow.TxResult, error) {
	ctx, cancel := s.callContext(ctx, s.cfg.Chain.RPCTimeout)
	defer cancel()
	return call(ctx)
}

func (s *Server) waitMined(ctx context.Context, txHash string) error {
	ctx, cancel := s.callContext(ctx, s.cfg.Chain.ConfirmTimeout)
	defer cancel()
	return s.escrow.WaitMined(ctx, txHash)
}

func (s *Server) writeSucceeded(ctx context.Context, op string, tx escrow.TxResult, attrs ...slog.Attr) {
	s.metrics.incWrite(op, "submitted")
	args := []any{"op", op, "txHash", tx.TxHash}
	for _, a := range attrs {
		args = append(args, a)
	}
	s.logger.InfoContext(ctx, "contract write submitted", args...)
	if s.runner != nil {
		s.runner.Trigger()
	}
}

// writeFailed maps a write error onto the response: bad input 400, signer
// refusal 409, contract revert 422, anything else 502.
func (s *Server) writeFailed(ctx context.Context, w http.ResponseWriter, op string, err error) {
	code, outcome := writeStatus(err)
	s.metrics.incWrite(op, outcome)
	s.logger.WarnContext(ctx, "contract write failed", "op", op, "outcome", outcome, "error", err)

	body := map[string]string{"error": err.Error(), "outcome": outcome}
	var txErr *escrow.TxError
	if errors.As(err, &txErr) && txErr.Reason != "" {
		body["reason"] = txErr.Reason
	}
	respondJSON(w, code, body)
}

func writeStatus(err error) (int, string) {
	switch {
	case escrow.IsValidationError(err):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, escrow.ErrReadOnly):
		return http.StatusServiceUnavailable, "read_only"
	}
	switch escrow.KindOf(err) {
	case escrow.TxCancelled:
		return http.StatusConflict, string(escrow.TxCancelled)
	case escrow.TxReverted:
		return http.StatusUnprocessableEntity, string(escrow.TxReverted)
	default:
		return http.StatusBadGateway, string(escrow.TxFailed)
	}
}

func paymentID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil || id == 0 {
		respondError(w, http.StatusBadRequest, escrow.ErrInvalidPaymentID.Error())
		return 0, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondError(w, http.StatusBadRequest, "invalid json payload")
		return false
	}
	return true
}

// decodeOptionalBody accepts an empty body as the zero value.
func decodeOptionalBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	respondError(w, http.StatusBadRequest, "invalid json payload")
	return false
}
