package escrow

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlx/internal/contracts"
	"settlx/internal/domain"
)

var (
	testContract = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	testAdmin    = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	testPayer    = common.HexToAddress("0x0000000000000000000000000000000000000001")
	testMerchant = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func TestFakeChainPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	chain := NewFakeChain(testContract, testAdmin)
	chain.SetClock(func() time.Time { return time.Unix(1_700_000_000, 0) })

	payer := chain.Client(testPayer)
	merchant := chain.Client(testMerchant)
	admin := chain.Client(testAdmin)

	_, err := payer.PayMerchant(ctx, PayMerchantRequest{
		Merchant:    testMerchant.Hex(),
		AmountMinor: big.NewInt(5_000_000),
		Reference:   "INV-42",
	})
	require.NoError(t, err)

	rec, err := payer.GetPayment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rec.ID)
	assert.Equal(t, testPayer, rec.Payer)
	assert.Equal(t, testMerchant, rec.Merchant)
	assert.Equal(t, domain.StatusPending, rec.Status)
	assert.Equal(t, crypto.Keccak256Hash([]byte("INV-42")), rec.ReferenceCommitment)
	assert.Equal(t, int64(1_700_000_000), rec.CreatedAt.Unix())

	_, err = admin.MarkAsPaid(ctx, 1)
	assert.Equal(t, TxReverted, KindOf(err))
	assert.Contains(t, err.Error(), "MustBeAcceptedFirst")

	_, err = payer.AcceptPaymentWithRate(ctx, 1, big.NewInt(1))
	assert.Contains(t, err.Error(), "NotYourPayment")

	_, err = merchant.AcceptPaymentWithRate(ctx, 1, big.NewInt(0))
	assert.Contains(t, err.Error(), "InvalidRate")

	_, err = merchant.AcceptPaymentWithRate(ctx, 1, big.NewInt(1500))
	require.NoError(t, err)

	_, err = merchant.RejectPayment(ctx, 1)
	assert.Contains(t, err.Error(), "AlreadyProcessed")

	_, err = merchant.MarkAsPaid(ctx, 1)
	assert.Contains(t, err.Error(), "OnlyAdmin")

	_, err = admin.MarkAsPaid(ctx, 1)
	require.NoError(t, err)

	rec, err = payer.GetPayment(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaid, rec.Status)

	ids, err := merchant.MerchantPaymentIDs(ctx, testMerchant)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
	ids, err = payer.PayerPaymentIDs(ctx, testPayer)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, ids)
}

func TestFakeChainUnknownIDReadsEmpty(t *testing.T) {
	chain := NewFakeChain(testContract, testAdmin)
	chain.SkipIDs(3)

	rec, err := chain.Client(testPayer).GetPayment(context.Background(), 2)
	require.NoError(t, err)
	assert.True(t, rec.IsEmpty())
}

func TestFakeChainFailReads(t *testing.T) {
	chain := NewFakeChain(testContract, testAdmin)
	boom := errors.New("rpc timeout")
	chain.FailReads(7, boom)

	_, err := chain.Client(testPayer).GetPayment(context.Background(), 7)
	assert.ErrorIs(t, err, boom)

	chain.FailReads(7, nil)
	_, err = chain.Client(testPayer).GetPayment(context.Background(), 7)
	assert.NoError(t, err)
}

func TestFakeChainBankDetails(t *testing.T) {
	ctx := context.Background()
	chain := NewFakeChain(testContract, testAdmin)
	merchant := chain.Client(testMerchant)

	_, err := merchant.UpdateMerchantBankDetails(ctx, BankDetails{BankName: "A", AccountName: "B", AccountNumber: "1"})
	assert.Contains(t, err.Error(), "NotRegistered")

	_, err = merchant.RegisterMerchantBankDetails(ctx, BankDetails{BankName: "A", AccountName: "", AccountNumber: "1"})
	assert.Contains(t, err.Error(), "AccountNameRequired")

	_, err = merchant.RegisterMerchantBankDetails(ctx, BankDetails{BankName: "Zenith", AccountName: "Ada Stores", AccountNumber: "0123456789"})
	require.NoError(t, err)

	commitments, err := merchant.MerchantBankDetails(ctx, testMerchant)
	require.NoError(t, err)
	assert.True(t, commitments.Registered())
	assert.Equal(t, crypto.Keccak256Hash([]byte("Zenith")), commitments.BankName)

	_, err = merchant.UpdateMerchantBankDetails(ctx, BankDetails{BankName: "GTBank", AccountName: "Ada Stores", AccountNumber: "0123456789"})
	require.NoError(t, err)
}

func TestFakeChainLogsDecodeWithABI(t *testing.T) {
	ctx := context.Background()
	chain := NewFakeChain(testContract, testAdmin)
	_, err := chain.Client(testPayer).PayMerchant(ctx, PayMerchantRequest{
		Merchant:    testMerchant.Hex(),
		AmountMinor: big.NewInt(2_500_000),
		Reference:   "Ref-9",
	})
	require.NoError(t, err)
	chain.EmitAcceptance(1, big.NewInt(1))

	created := contracts.SettlX.Events[contracts.EventPaymentCreated]
	logs, err := chain.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{testContract},
		Topics:    [][]common.Hash{{created.ID}},
	})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	values, err := created.Inputs.NonIndexed().Unpack(logs[0].Data)
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(2_500_000).Cmp(values[0].(*big.Int)))
	assert.Equal(t, "Ref-9", values[1])
	assert.Equal(t, testPayer, common.BytesToAddress(logs[0].Topics[2].Bytes()))

	all, err := chain.FilterLogs(ctx, ethereum.FilterQuery{FromBlock: big.NewInt(2), ToBlock: big.NewInt(2)})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, contracts.SettlX.Events[contracts.EventPaymentAccepted].ID, all[0].Topics[0])

	head, err := chain.BlockNumber(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), head)
}
