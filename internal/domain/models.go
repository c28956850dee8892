package domain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Decimal places of the fixed-point values exchanged with the contracts.
const (
	TokenDecimals  = 6
	RateDecimals   = 18
	OracleDecimals = 8
)

// Status is the raw payment status code stored by the settlement contract.
type Status uint8

const (
	StatusPending Status = iota
	StatusAccepted
	StatusRejected
	StatusPaid
)

// UnknownStatusLabel is shown for status codes outside the known range.
const UnknownStatusLabel = "Unknown"

var statusLabels = [...]string{"Pending", "Accepted", "Rejected", "Paid"}

func (s Status) String() string {
	if int(s) < len(statusLabels) {
		return statusLabels[s]
	}
	return UnknownStatusLabel
}

// Known reports whether the code maps to one of the contract states.
func (s Status) Known() bool {
	return int(s) < len(statusLabels)
}

// ParseStatus resolves a label (case-sensitive) back to its code.
func ParseStatus(label string) (Status, bool) {
	for i, l := range statusLabels {
		if l == label {
			return Status(i), true
		}
	}
	return 0, false
}

// PaymentRecord is the authoritative per-payment state returned by getPayment.
type PaymentRecord struct {
	ID                  uint64
	Payer               common.Address
	Merchant            common.Address
	AmountMinor         *big.Int
	CreatedAt           time.Time
	ReferenceCommitment common.Hash
	Status              Status
}

// IsEmpty reports whether the record is the contract's "no such payment" sentinel.
func (p PaymentRecord) IsEmpty() bool {
	return p.ID == 0 || p.Payer == (common.Address{})
}

// Position locates a log entry in the chain.
type Position struct {
	Block    uint64      `json:"block"`
	LogIndex uint        `json:"logIndex"`
	TxHash   common.Hash `json:"txHash"`
}

// Before orders positions by block height, then by log index.
func (p Position) Before(other Position) bool {
	if p.Block != other.Block {
		return p.Block < other.Block
	}
	return p.LogIndex < other.LogIndex
}

// CreationEvent is a decoded PaymentCreated log. It is the only place the
// plaintext reference survives.
type CreationEvent struct {
	PaymentID   uint64
	Payer       common.Address
	Merchant    common.Address
	AmountMinor *big.Int
	Reference   string
	Position    Position
}

// AcceptanceEvent is a decoded PaymentAccepted log carrying the locked rate.
type AcceptanceEvent struct {
	PaymentID  uint64
	LockedRate *big.Int
	Position   Position
}

type MerchantEventKind string

const (
	MerchantRegistered MerchantEventKind = "MerchantRegistered"
	MerchantUpdated    MerchantEventKind = "MerchantUpdated"
)

// MerchantEvent is a decoded MerchantRegistered or MerchantUpdated log.
type MerchantEvent struct {
	Kind          MerchantEventKind
	Merchant      common.Address
	BankName      string
	AccountName   string
	AccountNumber string
	Position      Position
}

// MerchantProfile is the latest known bank details of a merchant.
type MerchantProfile struct {
	Address       common.Address `json:"address"`
	BankName      string         `json:"bankName"`
	AccountName   string         `json:"accountName"`
	AccountNumber string         `json:"accountNumber"`
	Registered    bool           `json:"registered"`
	UpdatedAt     *Position      `json:"updatedAt,omitempty"`
}

// UnregisteredProfile is the placeholder shown for merchants without bank details.
func UnregisteredProfile(addr common.Address) MerchantProfile {
	return MerchantProfile{
		Address:       addr,
		BankName:      "Not Registered",
		AccountName:   "N/A",
		AccountNumber: "N/A",
	}
}

// ReconciledPayment joins a record with its ledger history and fiat valuation.
// Values are built per reconciliation pass and never modified afterwards.
type ReconciledPayment struct {
	ID                  uint64          `json:"id"`
	Payer               common.Address  `json:"payer"`
	Merchant            common.Address  `json:"merchant"`
	AmountMinor         *big.Int        `json:"amountMinor"`
	Amount              float64         `json:"amount"`
	CreatedAt           time.Time       `json:"createdAt"`
	Status              Status          `json:"statusCode"`
	StatusLabel         string          `json:"status"`
	Reference           string          `json:"reference"`
	ReferenceFromLedger bool            `json:"referenceFromLedger"`
	ReferenceCommitment common.Hash     `json:"referenceCommitment"`
	LockedRate          *float64        `json:"lockedRate,omitempty"`
	LockedAmountFiat    *float64        `json:"lockedAmountFiat,omitempty"`
	LiveAmountFiat      float64         `json:"liveAmountFiat"`
	MerchantProfile     MerchantProfile `json:"merchantProfile"`
}

// RateLocked reports whether an acceptance event fixed the fiat value.
func (p ReconciledPayment) RateLocked() bool {
	return p.LockedAmountFiat != nil
}

// FiatAmount is the locked value when present, the live value otherwise.
func (p ReconciledPayment) FiatAmount() float64 {
	if p.LockedAmountFiat != nil {
		return *p.LockedAmountFiat
	}
	return p.LiveAmountFiat
}
