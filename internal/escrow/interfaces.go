package escrow

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"settlx/internal/domain"
)

// Reader is the authoritative read surface of the settlement contract.
type Reader interface {
	GetPayment(ctx context.Context, id uint64) (domain.PaymentRecord, error)
	MerchantPaymentIDs(ctx context.Context, merchant common.Address) ([]uint64, error)
	PayerPaymentIDs(ctx context.Context, payer common.Address) ([]uint64, error)
	MerchantBankDetails(ctx context.Context, merchant common.Address) (BankCommitments, error)
}

// Writer submits state-changing transactions to the settlement contract.
type Writer interface {
	ApproveToken(ctx context.Context, amountMinor *big.Int) (TxResult, error)
	PayMerchant(ctx context.Context, req PayMerchantRequest) (TxResult, error)
	AcceptPaymentWithRate(ctx context.Context, id uint64, rate *big.Int) (TxResult, error)
	RejectPayment(ctx context.Context, id uint64) (TxResult, error)
	MarkAsPaid(ctx context.Context, id uint64) (TxResult, error)
	RegisterMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error)
	UpdateMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error)
	// WaitMined blocks until txHash is mined. A transaction that depends on an
	// earlier one (payMerchant after approve) must not be sent before it.
	WaitMined(ctx context.Context, txHash string) error
}

// Client abstracts the on-chain escrow interaction.
type Client interface {
	Reader
	Writer
}

// HealthChecker is implemented by clients backed by a live RPC endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

type PayMerchantRequest struct {
	Merchant    string
	AmountMinor *big.Int
	Reference   string
}

type BankDetails struct {
	BankName      string `json:"bankName"`
	AccountName   string `json:"accountName"`
	AccountNumber string `json:"accountNumber"`
}

// BankCommitments are the keccak256 hashes the contract keeps instead of plaintext.
type BankCommitments struct {
	BankName      common.Hash
	AccountName   common.Hash
	AccountNumber common.Hash
}

// Registered reports whether the merchant has stored bank details.
func (b BankCommitments) Registered() bool {
	return b.BankName != (common.Hash{})
}

type TxResult struct {
	TxHash string `json:"txHash"`
}

var (
	_ Client        = (*EthClient)(nil)
	_ Client        = (*FakeClient)(nil)
	_ HealthChecker = (*EthClient)(nil)
	_ HealthChecker = (*FakeClient)(nil)
)
