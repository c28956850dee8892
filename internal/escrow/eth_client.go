package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"settlx/internal/contracts"
	"settlx/internal/domain"
)

// Backend is the RPC surface the contract client needs. *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	ReceiptFetcher
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EthClient reads from and submits transactions to the settlement contract.
type EthClient struct {
	backend   Backend
	settlx    *bind.BoundContract
	token     *bind.BoundContract
	address   common.Address
	tokenAddr common.Address
	chainID   *big.Int
	from      common.Address
	transacts *bind.TransactOpts
	poll      time.Duration
}

type EthClientConfig struct {
	PrivateKeyHex  string
	ContractSettlX string
	ContractToken  string
	// ReceiptPoll is the interval between receipt lookups in WaitMined.
	ReceiptPoll time.Duration
}

// Dial connects to the RPC endpoint shared by every chain-facing component.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if strings.TrimSpace(rpcURL) == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	cli, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return cli, nil
}

// NewEthClient binds the settlement and token contracts. Without a private key
// the client is read-only and every write returns ErrReadOnly.
func NewEthClient(ctx context.Context, backend Backend, cfg EthClientConfig) (*EthClient, error) {
	if backend == nil {
		return nil, fmt.Errorf("rpc backend is required")
	}
	if !common.IsHexAddress(cfg.ContractSettlX) {
		return nil, fmt.Errorf("settlement contract address is required")
	}

	address := common.HexToAddress(cfg.ContractSettlX)
	c := &EthClient{
		backend: backend,
		settlx:  bind.NewBoundContract(address, contracts.SettlX, backend, backend, backend),
		address: address,
		poll:    cfg.ReceiptPoll,
	}
	if common.IsHexAddress(cfg.ContractToken) {
		c.tokenAddr = common.HexToAddress(cfg.ContractToken)
		c.token = bind.NewBoundContract(c.tokenAddr, contracts.ERC20, backend, backend, backend)
	}

	if cfg.PrivateKeyHex == "" {
		return c, nil
	}

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	c.chainID = chainID
	c.from = crypto.PubkeyToAddress(pk.PublicKey)
	c.transacts = txOpts
	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Address of the signing account, zero when read-only.
func (c *EthClient) Address() common.Address { return c.from }

func (c *EthClient) GetPayment(ctx context.Context, id uint64) (domain.PaymentRecord, error) {
	var out []interface{}
	err := c.settlx.Call(&bind.CallOpts{Context: ctx}, &out, "getPayment", new(big.Int).SetUint64(id))
	if err != nil {
		return domain.PaymentRecord{}, fmt.Errorf("getPayment(%d): %w", id, err)
	}
	if len(out) != 7 {
		return domain.PaymentRecord{}, fmt.Errorf("getPayment(%d): unexpected output length %d", id, len(out))
	}

	pid, _ := out[0].(*big.Int)
	payer, _ := out[1].(common.Address)
	merchant, _ := out[2].(common.Address)
	amount, _ := out[3].(*big.Int)
	ts, _ := out[4].(*big.Int)
	rfce, _ := out[5].([32]byte)
	status, _ := out[6].(uint8)

	rec := domain.PaymentRecord{
		Payer:               payer,
		Merchant:            merchant,
		AmountMinor:         amount,
		ReferenceCommitment: common.Hash(rfce),
		Status:              domain.Status(status),
	}
	if pid != nil && pid.IsUint64() {
		rec.ID = pid.Uint64()
	}
	if ts != nil && ts.IsInt64() {
		rec.CreatedAt = time.Unix(ts.Int64(), 0).UTC()
	}
	return rec, nil
}

func (c *EthClient) MerchantPaymentIDs(ctx context.Context, merchant common.Address) ([]uint64, error) {
	return c.callIDs(ctx, "getMerchantPaymentIds", merchant)
}

func (c *EthClient) PayerPaymentIDs(ctx context.Context, payer common.Address) ([]uint64, error) {
	return c.callIDs(ctx, "getPayerPaymentIds", payer)
}

func (c *EthClient) callIDs(ctx context.Context, method string, party common.Address) ([]uint64, error) {
	var out []interface{}
	if err := c.settlx.Call(&bind.CallOpts{Context: ctx}, &out, method, party); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s: unexpected output length %d", method, len(out))
	}
	raw, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("%s: unexpected output type %T", method, out[0])
	}
	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			return nil, fmt.Errorf("%s: payment id out of range", method)
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (c *EthClient) MerchantBankDetails(ctx context.Context, merchant common.Address) (BankCommitments, error) {
	var out []interface{}
	if err := c.settlx.Call(&bind.CallOpts{Context: ctx}, &out, "getMerchantBankDetails", merchant); err != nil {
		return BankCommitments{}, fmt.Errorf("getMerchantBankDetails: %w", err)
	}
	if len(out) != 3 {
		return BankCommitments{}, fmt.Errorf("getMerchantBankDetails: unexpected output length %d", len(out))
	}
	bank, _ := out[0].([32]byte)
	name, _ := out[1].([32]byte)
	number, _ := out[2].([32]byte)
	return BankCommitments{BankName: bank, AccountName: name, AccountNumber: number}, nil
}

func (c *EthClient) ApproveToken(ctx context.Context, amountMinor *big.Int) (TxResult, error) {
	if c.token == nil {
		return TxResult{}, fmt.Errorf("token contract not configured")
	}
	if amountMinor == nil || amountMinor.Sign() <= 0 {
		return TxResult{}, ErrInvalidAmount
	}
	return c.transact(ctx, c.token, "approve", c.address, amountMinor)
}

func (c *EthClient) PayMerchant(ctx context.Context, req PayMerchantRequest) (TxResult, error) {
	if err := req.Validate(); err != nil {
		return TxResult{}, err
	}
	return c.transact(ctx, c.settlx, "payMerchant", common.HexToAddress(req.Merchant), req.AmountMinor, req.Reference)
}

func (c *EthClient) AcceptPaymentWithRate(ctx context.Context, id uint64, rate *big.Int) (TxResult, error) {
	if id == 0 {
		return TxResult{}, ErrInvalidPaymentID
	}
	if rate == nil || rate.Sign() <= 0 {
		return TxResult{}, ErrInvalidRate
	}
	return c.transact(ctx, c.settlx, "acceptPaymentWithRate", new(big.Int).SetUint64(id), rate)
}

func (c *EthClient) RejectPayment(ctx context.Context, id uint64) (TxResult, error) {
	if id == 0 {
		return TxResult{}, ErrInvalidPaymentID
	}
	return c.transact(ctx, c.settlx, "rejectPayment", new(big.Int).SetUint64(id))
}

func (c *EthClient) MarkAsPaid(ctx context.Context, id uint64) (TxResult, error) {
	if id == 0 {
		return TxResult{}, ErrInvalidPaymentID
	}
	return c.transact(ctx, c.settlx, "markAsPaid", new(big.Int).SetUint64(id))
}

func (c *EthClient) RegisterMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error) {
	if err := details.Validate(); err != nil {
		return TxResult{}, err
	}
	return c.transact(ctx, c.settlx, "registerMerchantBankDetails", details.BankName, details.AccountName, details.AccountNumber)
}

func (c *EthClient) UpdateMerchantBankDetails(ctx context.Context, details BankDetails) (TxResult, error) {
	if err := details.Validate(); err != nil {
		return TxResult{}, err
	}
	return c.transact(ctx, c.settlx, "updateMerchantBankDetails", details.BankName, details.AccountName, details.AccountNumber)
}

func (c *EthClient) transact(ctx context.Context, contract *bind.BoundContract, method string, params ...interface{}) (TxResult, error) {
	if c.transacts == nil {
		return TxResult{}, ErrReadOnly
	}
	opts := *c.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return TxResult{}, classify(method, err)
	}
	return TxResult{TxHash: tx.Hash().Hex()}, nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.backend == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.backend.BlockNumber(ctx)
	return err
}

func (c *EthClient) WaitMined(ctx context.Context, txHash string) error {
	if c.transacts == nil {
		return ErrReadOnly
	}
	raw, err := hexutil.Decode(txHash)
	if err != nil || len(raw) != common.HashLength {
		return fmt.Errorf("wait for %q: invalid transaction hash", txHash)
	}
	receipt, err := WaitForReceipt(ctx, c.backend, common.BytesToHash(raw), c.poll)
	if err != nil && receipt != nil {
		return &TxError{Op: "wait", Kind: TxReverted, Reason: "transaction reverted on-chain", Err: err}
	}
	if err != nil {
		return &TxError{Op: "wait", Kind: TxFailed, Err: err}
	}
	return nil
}

// ReceiptFetcher is satisfied by *ethclient.Client.
type ReceiptFetcher interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client ReceiptFetcher, txHash common.Hash, every time.Duration) (*types.Receipt, error) {
	if every <= 0 {
		every = 2 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
