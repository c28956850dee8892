package reconcile

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"settlx/internal/domain"
	"settlx/internal/escrow"
)

// Input is everything one pass joins. All slices are read, never modified.
type Input struct {
	Records        []domain.PaymentRecord
	Creations      []domain.CreationEvent
	Acceptances    []domain.AcceptanceEvent
	MerchantEvents []domain.MerchantEvent
	// BankCommitments holds the contract's stored hashes for merchants with
	// profile events. Merchants missing from the map are not checked.
	BankCommitments map[common.Address]escrow.BankCommitments
	LiveRate        float64
}

type AnomalyKind string

const (
	AnomalyDuplicateAcceptance AnomalyKind = "duplicate_acceptance"
	AnomalyMissingAcceptance   AnomalyKind = "missing_acceptance"
	AnomalyMissingCreation     AnomalyKind = "missing_creation"
	AnomalyUnknownStatus       AnomalyKind = "unknown_status"
	AnomalyReferenceMismatch   AnomalyKind = "reference_mismatch"
	AnomalyBankDetailsMismatch AnomalyKind = "bank_details_mismatch"
)

// Anomaly is a data inconsistency found while joining. Anomalies are reported
// alongside the result and never stop a pass.
type Anomaly struct {
	Kind      AnomalyKind `json:"kind"`
	PaymentID uint64      `json:"paymentId,omitempty"`
	Merchant  string      `json:"merchant,omitempty"`
	Detail    string      `json:"detail"`
}

// MerchantSummary aggregates a merchant's payments for the admin view.
type MerchantSummary struct {
	Profile         domain.MerchantProfile `json:"profile"`
	TotalPayments   int                    `json:"totalPayments"`
	TotalRevenue    float64                `json:"totalRevenue"`
	TotalLockedFiat float64                `json:"totalLockedFiat"`
	PendingPayments int                    `json:"pendingPayments"`
}

type Overview struct {
	TotalPayments       int            `json:"totalPayments"`
	TotalVolume         float64        `json:"totalVolume"`
	TotalLockedFiat     float64        `json:"totalLockedFiat"`
	ByStatus            map[string]int `json:"byStatus"`
	RegisteredMerchants int            `json:"registeredMerchants"`
	LiveRate            float64        `json:"liveRate"`
}

// Result is the published outcome of one pass.
type Result struct {
	Payments  []domain.ReconciledPayment `json:"payments"`
	Merchants []MerchantSummary          `json:"merchants"`
	Overview  Overview                   `json:"overview"`
	Anomalies []Anomaly                  `json:"anomalies"`
}

// Reconcile joins authoritative records with the event ledger and values each
// payment in fiat. It is pure: equal inputs give equal results.
func Reconcile(in Input) Result {
	var anomalies []Anomaly

	refs := make(map[uint64]string, len(in.Creations))
	for _, ev := range in.Creations {
		refs[ev.PaymentID] = ev.Reference
	}

	locked, dupes := lockedRates(in.Acceptances)
	for _, id := range dupes.ids {
		anomalies = append(anomalies, Anomaly{
			Kind:      AnomalyDuplicateAcceptance,
			PaymentID: id,
			Detail:    fmt.Sprintf("%d acceptance events, last one used", dupes.counts[id]),
		})
	}

	profiles := Profiles(in.MerchantEvents)
	anomalies = append(anomalies, bankMismatches(profiles, in.BankCommitments)...)

	records := sortedRecords(in.Records)
	payments := make([]domain.ReconciledPayment, 0, len(records))
	for _, rec := range records {
		p := domain.ReconciledPayment{
			ID:                  rec.ID,
			Payer:               rec.Payer,
			Merchant:            rec.Merchant,
			AmountMinor:         rec.AmountMinor,
			Amount:              domain.ScaleDown(rec.AmountMinor, domain.TokenDecimals),
			CreatedAt:           rec.CreatedAt,
			Status:              rec.Status,
			StatusLabel:         rec.Status.String(),
			ReferenceCommitment: rec.ReferenceCommitment,
		}
		p.LiveAmountFiat = in.LiveRate * p.Amount

		if ref, ok := refs[rec.ID]; ok {
			p.Reference = ref
			p.ReferenceFromLedger = true
			if rec.ReferenceCommitment != (common.Hash{}) && crypto.Keccak256Hash([]byte(ref)) != rec.ReferenceCommitment {
				anomalies = append(anomalies, Anomaly{
					Kind:      AnomalyReferenceMismatch,
					PaymentID: rec.ID,
					Detail:    "creation event reference does not match stored commitment",
				})
			}
		} else {
			p.Reference = fmt.Sprintf("Ref-%d", rec.ID)
			anomalies = append(anomalies, Anomaly{
				Kind:      AnomalyMissingCreation,
				PaymentID: rec.ID,
				Detail:    "no PaymentCreated event",
			})
		}

		if rate, ok := locked[rec.ID]; ok {
			r := domain.ScaleDown(rate, domain.RateDecimals)
			fiat := r * p.Amount
			p.LockedRate = &r
			p.LockedAmountFiat = &fiat
		} else if rec.Status == domain.StatusAccepted || rec.Status == domain.StatusPaid {
			anomalies = append(anomalies, Anomaly{
				Kind:      AnomalyMissingAcceptance,
				PaymentID: rec.ID,
				Detail:    fmt.Sprintf("status %s without PaymentAccepted event", p.StatusLabel),
			})
		}

		if !rec.Status.Known() {
			anomalies = append(anomalies, Anomaly{
				Kind:      AnomalyUnknownStatus,
				PaymentID: rec.ID,
				Detail:    fmt.Sprintf("status code %d", uint8(rec.Status)),
			})
		}

		if profile, ok := profiles[rec.Merchant]; ok {
			p.MerchantProfile = profile
		} else {
			p.MerchantProfile = domain.UnregisteredProfile(rec.Merchant)
		}
		payments = append(payments, p)
	}

	sort.SliceStable(anomalies, func(i, j int) bool {
		if anomalies[i].PaymentID != anomalies[j].PaymentID {
			return anomalies[i].PaymentID < anomalies[j].PaymentID
		}
		if anomalies[i].Kind != anomalies[j].Kind {
			return anomalies[i].Kind < anomalies[j].Kind
		}
		return anomalies[i].Merchant < anomalies[j].Merchant
	})

	return Result{
		Payments:  payments,
		Merchants: Summaries(payments),
		Overview:  summarize(payments, profiles, in.LiveRate),
		Anomalies: anomalies,
	}
}

// bankMismatches compares the event-derived profile of each merchant with the
// keccak256 commitments the contract stores.
func bankMismatches(profiles map[common.Address]domain.MerchantProfile, stored map[common.Address]escrow.BankCommitments) []Anomaly {
	var out []Anomaly
	for addr, profile := range profiles {
		c, ok := stored[addr]
		if !ok {
			continue
		}
		if !c.Registered() {
			out = append(out, Anomaly{
				Kind:     AnomalyBankDetailsMismatch,
				Merchant: addr.Hex(),
				Detail:   "profile events present but contract holds no bank details",
			})
			continue
		}
		var fields []string
		if crypto.Keccak256Hash([]byte(profile.BankName)) != c.BankName {
			fields = append(fields, "bankName")
		}
		if crypto.Keccak256Hash([]byte(profile.AccountName)) != c.AccountName {
			fields = append(fields, "accountName")
		}
		if crypto.Keccak256Hash([]byte(profile.AccountNumber)) != c.AccountNumber {
			fields = append(fields, "accountNumber")
		}
		if len(fields) > 0 {
			out = append(out, Anomaly{
				Kind:     AnomalyBankDetailsMismatch,
				Merchant: addr.Hex(),
				Detail:   "latest profile event differs from stored commitment: " + strings.Join(fields, ", "),
			})
		}
	}
	return out
}

type duplicates struct {
	ids    []uint64
	counts map[uint64]int
}

// lockedRates maps payment ID to locked rate. When an ID has several
// acceptance events the last one in ledger order wins and the ID is reported.
func lockedRates(events []domain.AcceptanceEvent) (map[uint64]*big.Int, duplicates) {
	out := make(map[uint64]*big.Int, len(events))
	dupes := duplicates{counts: make(map[uint64]int)}
	for _, ev := range events {
		dupes.counts[ev.PaymentID]++
		if ev.LockedRate == nil {
			continue
		}
		out[ev.PaymentID] = ev.LockedRate
	}
	for id, n := range dupes.counts {
		if n > 1 {
			dupes.ids = append(dupes.ids, id)
		}
	}
	sort.Slice(dupes.ids, func(i, j int) bool { return dupes.ids[i] < dupes.ids[j] })
	return out, dupes
}

// Profiles picks, per merchant, the Registered or Updated event with the
// highest (block, log index).
func Profiles(events []domain.MerchantEvent) map[common.Address]domain.MerchantProfile {
	latest := make(map[common.Address]domain.MerchantEvent, len(events))
	for _, ev := range events {
		cur, ok := latest[ev.Merchant]
		if !ok || cur.Position.Before(ev.Position) {
			latest[ev.Merchant] = ev
		}
	}
	out := make(map[common.Address]domain.MerchantProfile, len(latest))
	for addr, ev := range latest {
		pos := ev.Position
		out[addr] = domain.MerchantProfile{
			Address:       addr,
			BankName:      ev.BankName,
			AccountName:   ev.AccountName,
			AccountNumber: ev.AccountNumber,
			Registered:    true,
			UpdatedAt:     &pos,
		}
	}
	return out
}

func sortedRecords(in []domain.PaymentRecord) []domain.PaymentRecord {
	seen := make(map[uint64]struct{}, len(in))
	out := make([]domain.PaymentRecord, 0, len(in))
	for _, rec := range in {
		if rec.IsEmpty() {
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summaries groups payments by merchant in order of first appearance.
func Summaries(payments []domain.ReconciledPayment) []MerchantSummary {
	index := make(map[common.Address]int)
	var out []MerchantSummary
	for _, p := range payments {
		i, ok := index[p.Merchant]
		if !ok {
			i = len(out)
			index[p.Merchant] = i
			out = append(out, MerchantSummary{Profile: p.MerchantProfile})
		}
		s := &out[i]
		s.TotalPayments++
		switch p.Status {
		case domain.StatusAccepted, domain.StatusPaid:
			s.TotalRevenue += p.Amount
		case domain.StatusPending:
			s.PendingPayments++
		}
		if p.LockedAmountFiat != nil {
			s.TotalLockedFiat += *p.LockedAmountFiat
		}
	}
	return out
}

func summarize(payments []domain.ReconciledPayment, profiles map[common.Address]domain.MerchantProfile, liveRate float64) Overview {
	o := Overview{
		TotalPayments:       len(payments),
		ByStatus:            make(map[string]int),
		RegisteredMerchants: len(profiles),
		LiveRate:            liveRate,
	}
	for _, p := range payments {
		o.TotalVolume += p.Amount
		o.ByStatus[p.StatusLabel]++
		if p.LockedAmountFiat != nil {
			o.TotalLockedFiat += *p.LockedAmountFiat
		}
	}
	return o
}
