package main

import (
	"bytes"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/domain"
	"settlx/internal/rates"
	"settlx/internal/reconcile"
)

func TestParseID(t *testing.T) {
	id, err := parseID("42")
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)

	_, err = parseID("0")
	assert.Error(t, err)
	_, err = parseID("x")
	assert.Error(t, err)
}

func TestPrintSnapshot(t *testing.T) {
	locked := 1450.0
	fiat := 7250.0
	snap := &reconcile.Snapshot{
		Result: reconcile.Result{
			Payments: []domain.ReconciledPayment{{
				ID:               2,
				Merchant:         common.HexToAddress("0xb1"),
				StatusLabel:      "Accepted",
				Amount:           5,
				Reference:        "INV-2",
				LockedRate:       &locked,
				LockedAmountFiat: &fiat,
				LiveAmountFiat:   7500,
				MerchantProfile:  domain.MerchantProfile{BankName: "Zenith"},
			}},
			Overview:  reconcile.Overview{TotalPayments: 1, TotalVolume: 5, TotalLockedFiat: 7250},
			Anomalies: []reconcile.Anomaly{{Kind: reconcile.AnomalyMissingCreation, PaymentID: 2, Detail: "no creation event"}},
		},
		RunID: "run-1",
		Scope: "all",
		Rate:  rates.Rate{Value: 1500, Default: true},
	}

	var buf bytes.Buffer
	require.NoError(t, printSnapshot(&buf, snap))
	out := buf.String()
	assert.Contains(t, out, "live rate 1500.00 (fallback)")
	assert.Contains(t, out, "7250.00")
	assert.Contains(t, out, "1450.00")
	assert.Contains(t, out, "Zenith")
	assert.Contains(t, out, "anomaly missing_creation payment 2")
}
