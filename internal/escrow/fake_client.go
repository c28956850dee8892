package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"settlx/internal/contracts"
	"settlx/internal/domain"
)

// FakeChain is an in-memory settlement contract. It enforces the same state
// machine as the deployed contract and records ABI-encoded logs so the ledger
// reader can consume it like a node. Used for dev mode and tests.
type FakeChain struct {
	mu sync.Mutex

	contract common.Address
	admin    common.Address
	now      func() time.Time

	nextID     uint64
	block      uint64
	payments   map[uint64]*domain.PaymentRecord
	byMerchant map[common.Address][]uint64
	byPayer    map[common.Address][]uint64
	banks      map[common.Address]BankCommitments
	failures   map[uint64]error
	logs       []types.Log
}

func NewFakeChain(contract, admin common.Address) *FakeChain {
	return &FakeChain{
		contract:   contract,
		admin:      admin,
		now:        time.Now,
		nextID:     1,
		payments:   make(map[uint64]*domain.PaymentRecord),
		byMerchant: make(map[common.Address][]uint64),
		byPayer:    make(map[common.Address][]uint64),
		banks:      make(map[common.Address]BankCommitments),
		failures:   make(map[uint64]error),
	}
}

func (f *FakeChain) Contract() common.Address { return f.contract }

func (f *FakeChain) Admin() common.Address { return f.admin }

// SetClock replaces the block timestamp source.
func (f *FakeChain) SetClock(now func() time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

// SkipIDs advances the id counter without storing payments, leaving gaps that
// read back as empty records.
func (f *FakeChain) SkipIDs(n uint64) {
	f.mu.Lock()
	f.nextID += n
	f.mu.Unlock()
}

// FailReads makes getPayment(id) fail with err. A nil err clears the failure.
func (f *FakeChain) FailReads(id uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failures, id)
		return
	}
	f.failures[id] = err
}

// SetBankCommitments overwrites a merchant's stored hashes without emitting an event.
func (f *FakeChain) SetBankCommitments(merchant common.Address, c BankCommitments) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.banks[merchant] = c
}

// EmitAcceptance appends a PaymentAccepted log without touching state.
func (f *FakeChain) EmitAcceptance(id uint64, rate *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.block++
	f.emit(contracts.EventPaymentAccepted, []common.Hash{idTopic(id)}, rate)
}

// Client returns a view of the chain that signs as sender.
func (f *FakeChain) Client(sender common.Address) *FakeClient {
	return &FakeClient{chain: f, sender: sender}
}

func (f *FakeChain) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.block, nil
}

// FilterLogs honours the block range, address and first-topic filters.
func (f *FakeChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []types.Log
	for _, l := range f.logs {
		if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
			continue
		}
		if q.ToBlock != nil && l.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && !containsAddress(q.Addresses, l.Address) {
			continue
		}
		if !matchTopics(q.Topics, l.Topics) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *FakeChain) emit(event string, topics []common.Hash, args ...interface{}) {
	ev := contracts.SettlX.Events[event]
	data, err := ev.Inputs.NonIndexed().Pack(args...)
	if err != nil {
		panic(fmt.Sprintf("pack %s: %v", event, err))
	}
	all := append([]common.Hash{ev.ID}, topics...)
	index := uint(0)
	for i := len(f.logs) - 1; i >= 0 && f.logs[i].BlockNumber == f.block; i-- {
		index++
	}
	f.logs = append(f.logs, types.Log{
		Address:     f.contract,
		Topics:      all,
		Data:        data,
		BlockNumber: f.block,
		Index:       index,
		TxHash:      crypto.Keccak256Hash([]byte(fmt.Sprintf("%d/%d/%s", f.block, index, event))),
	})
}

func (f *FakeChain) txResult() TxResult {
	return TxResult{TxHash: crypto.Keccak256Hash(new(big.Int).SetUint64(f.block).Bytes(), f.contract.Bytes()).Hex()}
}

func idTopic(id uint64) common.Hash {
	return common.BigToHash(new(big.Int).SetUint64(id))
}

func addressTopic(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

func containsAddress(list []common.Address, addr common.Address) bool {
	for _, a := range list {
		if a == addr {
			return true
		}
	}
	return false
}

func matchTopics(filter [][]common.Hash, topics []common.Hash) bool {
	for i, options := range filter {
		if len(options) == 0 {
			continue
		}
		if i >= len(topics) {
			return false
		}
		found := false
		for _, opt := range options {
			if opt == topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FakeClient is a FakeChain view bound to one sender.
type FakeClient struct {
	chain  *FakeChain
	sender common.Address
}

func (c *FakeClient) Sender() common.Address { return c.sender }

func (c *FakeClient) Ping(ctx context.Context) error { return ctx.Err() }

func (c *FakeClient) GetPayment(ctx context.Context, id uint64) (domain.PaymentRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.PaymentRecord{}, err
	}
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failures[id]; err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("getPayment(%d): %w", id, err)
	}
	p, ok := f.payments[id]
	if !ok {
		return domain.PaymentRecord{AmountMinor: new(big.Int), CreatedAt: time.Unix(0, 0).UTC()}, nil
	}
	out := *p
	out.AmountMinor = new(big.Int).Set(p.AmountMinor)
	return out, nil
}

func (c *FakeClient) MerchantPaymentIDs(ctx context.Context, merchant common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	return append([]uint64(nil), c.chain.byMerchant[merchant]...), nil
}

func (c *FakeClient) PayerPaymentIDs(ctx context.Context, payer common.Address) ([]uint64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	return append([]uint64(nil), c.chain.byPayer[payer]...), nil
}

func (c *FakeClient) MerchantBankDetails(ctx context.Context, merchant common.Address) (BankCommitments, error) {
	if err := ctx.Err(); err != nil {
		return BankCommitments{}, err
	}
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	return c.chain.banks[merchant], nil
}

func (c *FakeClient) ApproveToken(ctx context.Context, amountMinor *big.Int) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	if amountMinor == nil || amountMinor.Sign() <= 0 {
		return TxResult{}, ErrInvalidAmount
	}
	c.chain.mu.Lock()
	defer c.chain.mu.Unlock()
	c.chain.block++
	return c.chain.txResult(), nil
}

func (c *FakeClient) PayMerchant(ctx context.Context, req PayMerchantRequest) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	if !common.IsHexAddress(req.Merchant) || common.HexToAddress(req.Merchant) == (common.Address{}) {
		return TxResult{}, classify("payMerchant", newRevert("InvalidMerchant"))
	}
	if req.AmountMinor == nil || req.AmountMinor.Sign() <= 0 {
		return TxResult{}, classify("payMerchant", newRevert("InvalidAmount"))
	}

	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	merchant := common.HexToAddress(req.Merchant)
	id := f.nextID
	f.nextID++
	f.block++
	f.payments[id] = &domain.PaymentRecord{
		ID:                  id,
		Payer:               c.sender,
		Merchant:            merchant,
		AmountMinor:         new(big.Int).Set(req.AmountMinor),
		CreatedAt:           f.now().UTC().Truncate(time.Second),
		ReferenceCommitment: crypto.Keccak256Hash([]byte(req.Reference)),
		Status:              domain.StatusPending,
	}
	f.byMerchant[merchant] = append(f.byMerchant[merchant], id)
	f.byPayer[c.sender] = append(f.byPayer[c.sender], id)
	f.emit(contracts.EventPaymentCreated,
		[]common.Hash{idTopic(id), addressTopic(c.sender), addressTopic(merchant)},
		new(big.Int).Set(req.AmountMinor), req.Reference)
	return f.txResult(), nil
}

func (c *FakeClient) AcceptPaymentWithRate(ctx context.Context, id uint64, rate *big.Int) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payments[id]
	if !ok || p.Merchant != c.sender {
		return TxResult{}, classify("acceptPaymentWithRate", newRevert("NotYourPayment"))
	}
	if p.Status != domain.StatusPending {
		return TxResult{}, classify("acceptPaymentWithRate", newRevert("AlreadyProcessed"))
	}
	if rate == nil || rate.Sign() <= 0 {
		return TxResult{}, classify("acceptPaymentWithRate", newRevert("InvalidRate"))
	}
	p.Status = domain.StatusAccepted
	f.block++
	f.emit(contracts.EventPaymentAccepted, []common.Hash{idTopic(id)}, new(big.Int).Set(rate))
	return f.txResult(), nil
}

func (c *FakeClient) RejectPayment(ctx context.Context, id uint64) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.payments[id]
	if !ok || p.Merchant != c.sender {
		return TxResult{}, classify("rejectPayment", newRevert("NotYourPayment"))
	}
	if p.Status != domain.StatusPending {
		return TxResult{}, classify("rejectPayment", newRevert("AlreadyProcessed"))
	}
	p.Status = domain.StatusRejected
	f.block++
	f.emit(contracts.EventPaymentRejected, []common.Hash{idTopic(id)})
	return f.txResult(), nil
}

func (c *FakeClient) MarkAsPaid(ctx context.Context, id uint64) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.sender != f.admin {
		return TxResult{}, classify("markAsPaid", newRevert("OnlyAdmin"))
	}
	p, ok := f.payments[id]
	if !ok || p.Status != domain.StatusAccepted {
		return TxResult{}, classify("markAsPaid", newRevert("MustBeAcceptedFirst"))
	}
	p.Status = domain.StatusPaid
	f.block++
	f.emit(contracts.EventPaymentMarkedAsPaid, []common.Hash{idTopic(id)})
	return f.txResult(), nil
}

func (c *FakeClient) RegisterMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error) {
	return c.storeBankDetails(ctx, "registerMerchantBankDetails", contracts.EventMerchantRegistered, details, false)
}

func (c *FakeClient) UpdateMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error) {
	return c.storeBankDetails(ctx, "updateMerchantBankDetails", contracts.EventMerchantUpdated, details, true)
}

// WaitMined returns at once: the in-memory chain applies each write as it is sent.
func (c *FakeClient) WaitMined(ctx context.Context, _ string) error {
	return ctx.Err()
}

func (c *FakeClient) storeBankDetails(ctx context.Context, op, event string, details BankDetails, mustExist bool) (TxResult, error) {
	if err := ctx.Err(); err != nil {
		return TxResult{}, err
	}
	switch {
	case strings.TrimSpace(details.BankName) == "":
		return TxResult{}, classify(op, newRevert("BankNameRequired"))
	case strings.TrimSpace(details.AccountName) == "":
		return TxResult{}, classify(op, newRevert("AccountNameRequired"))
	case strings.TrimSpace(details.AccountNumber) == "":
		return TxResult{}, classify(op, newRevert("AccountNumberRequired"))
	}

	f := c.chain
	f.mu.Lock()
	defer f.mu.Unlock()

	if mustExist && !f.banks[c.sender].Registered() {
		return TxResult{}, classify(op, newRevert("NotRegistered"))
	}
	f.banks[c.sender] = BankCommitments{
		BankName:      crypto.Keccak256Hash([]byte(details.BankName)),
		AccountName:   crypto.Keccak256Hash([]byte(details.AccountName)),
		AccountNumber: crypto.Keccak256Hash([]byte(details.AccountNumber)),
	}
	f.block++
	f.emit(event, []common.Hash{addressTopic(c.sender)}, details.BankName, details.AccountName, details.AccountNumber)
	return f.txResult(), nil
}
