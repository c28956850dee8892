package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"settlx/internal/contracts"
	"settlx/internal/domain"
)

const defaultFetchTimeout = 30 * time.Second

// LogSource is the slice of the node API the reader needs. *ethclient.Client
// and escrow.FakeChain both satisfy it.
type LogSource interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

type Config struct {
	Contract     common.Address
	GenesisBlock uint64
	// MaxBlockSpan caps the block range of one eth_getLogs request. Zero
	// fetches genesis..head in a single request.
	MaxBlockSpan uint64
	FetchTimeout time.Duration
}

// Reader fetches the settlement contract's event history from genesis to head.
type Reader struct {
	src    LogSource
	cfg    Config
	logger *slog.Logger
}

func NewReader(src LogSource, cfg Config, logger *slog.Logger) *Reader {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{src: src, cfg: cfg, logger: logger.With("component", "ledger")}
}

// Snapshot is every event kind read against the same chain head.
type Snapshot struct {
	Head        uint64
	Creations   []domain.CreationEvent
	Acceptances []domain.AcceptanceEvent
	Merchants   []domain.MerchantEvent
}

// Head reads the current block number.
func (r *Reader) Head(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	head, err := r.src.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("read chain head: %w", err)
	}
	return head, nil
}

// Snapshot reads the head once and then fetches all event kinds concurrently.
// Any failed kind fails the snapshot.
func (r *Reader) Snapshot(ctx context.Context) (Snapshot, error) {
	head, err := r.Head(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{Head: head}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snap.Creations, err = r.Creations(gctx, head)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Acceptances, err = r.Acceptances(gctx, head)
		return err
	})
	g.Go(func() error {
		var err error
		snap.Merchants, err = r.MerchantEvents(gctx, head)
		return err
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Creations returns every PaymentCreated event up to head, in ledger order.
func (r *Reader) Creations(ctx context.Context, head uint64) ([]domain.CreationEvent, error) {
	logs, err := r.fetch(ctx, contracts.EventPaymentCreated, head)
	if err != nil {
		return nil, err
	}
	out := make([]domain.CreationEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeCreation(l)
		if err != nil {
			r.skip(contracts.EventPaymentCreated, l, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// Acceptances returns every PaymentAccepted event up to head, in ledger order.
func (r *Reader) Acceptances(ctx context.Context, head uint64) ([]domain.AcceptanceEvent, error) {
	logs, err := r.fetch(ctx, contracts.EventPaymentAccepted, head)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AcceptanceEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := decodeAcceptance(l)
		if err != nil {
			r.skip(contracts.EventPaymentAccepted, l, err)
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// MerchantEvents returns MerchantRegistered and MerchantUpdated events merged
// in ledger order. When merchants are given only their events are returned.
func (r *Reader) MerchantEvents(ctx context.Context, head uint64, merchants ...common.Address) ([]domain.MerchantEvent, error) {
	var filter []common.Hash
	for _, m := range merchants {
		filter = append(filter, common.BytesToHash(m.Bytes()))
	}

	kinds := []domain.MerchantEventKind{domain.MerchantRegistered, domain.MerchantUpdated}
	results := make([][]types.Log, len(kinds))
	g, gctx := errgroup.WithContext(ctx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			logs, err := r.fetch(gctx, string(kind), head, filter)
			results[i] = logs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []domain.MerchantEvent
	for i, kind := range kinds {
		for _, l := range results[i] {
			ev, err := decodeMerchant(kind, l)
			if err != nil {
				r.skip(string(kind), l, err)
				continue
			}
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position.Before(out[j].Position) })
	return out, nil
}

// fetch pages through genesis..head and returns the kind's logs sorted by
// (block, log index). Removed logs are dropped.
func (r *Reader) fetch(ctx context.Context, event string, head uint64, topics ...[]common.Hash) ([]types.Log, error) {
	ev, ok := contracts.SettlX.Events[event]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", event)
	}
	if head < r.cfg.GenesisBlock {
		return nil, nil
	}
	query := ethereum.FilterQuery{
		Addresses: []common.Address{r.cfg.Contract},
		Topics:    append([][]common.Hash{{ev.ID}}, topics...),
	}

	var out []types.Log
	for from := r.cfg.GenesisBlock; from <= head; {
		to := head
		if span := r.cfg.MaxBlockSpan; span > 0 && head-from >= span {
			to = from + span - 1
		}
		query.FromBlock = new(big.Int).SetUint64(from)
		query.ToBlock = new(big.Int).SetUint64(to)

		logs, err := r.filter(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("fetch %s logs [%d,%d]: %w", event, from, to, err)
		}
		for _, l := range logs {
			if l.Removed {
				continue
			}
			out = append(out, l)
		}
		if to == head {
			break
		}
		from = to + 1
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].BlockNumber != out[j].BlockNumber {
			return out[i].BlockNumber < out[j].BlockNumber
		}
		return out[i].Index < out[j].Index
	})
	r.logger.DebugContext(ctx, "fetched logs", "event", event, "count", len(out), "head", head)
	return out, nil
}

func (r *Reader) filter(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	defer cancel()
	return r.src.FilterLogs(ctx, q)
}

func (r *Reader) skip(event string, l types.Log, err error) {
	r.logger.Warn("skipping undecodable log",
		"event", event,
		"block", l.BlockNumber,
		"logIndex", l.Index,
		"tx", l.TxHash.Hex(),
		"error", err,
	)
}

func position(l types.Log) domain.Position {
	return domain.Position{Block: l.BlockNumber, LogIndex: l.Index, TxHash: l.TxHash}
}

func topicID(h common.Hash) (uint64, error) {
	v := new(big.Int).SetBytes(h.Bytes())
	if !v.IsUint64() {
		return 0, fmt.Errorf("payment id %s out of range", v)
	}
	return v.Uint64(), nil
}

func unpack(event string, l types.Log, topics int) ([]interface{}, error) {
	if len(l.Topics) != topics {
		return nil, fmt.Errorf("expected %d topics, got %d", topics, len(l.Topics))
	}
	ev := contracts.SettlX.Events[event]
	if l.Topics[0] != ev.ID {
		return nil, fmt.Errorf("topic %s is not %s", l.Topics[0].Hex(), event)
	}
	return ev.Inputs.NonIndexed().Unpack(l.Data)
}

func decodeCreation(l types.Log) (domain.CreationEvent, error) {
	values, err := unpack(contracts.EventPaymentCreated, l, 4)
	if err != nil {
		return domain.CreationEvent{}, err
	}
	id, err := topicID(l.Topics[1])
	if err != nil {
		return domain.CreationEvent{}, err
	}
	amount, ok := values[0].(*big.Int)
	if !ok {
		return domain.CreationEvent{}, fmt.Errorf("amount has type %T", values[0])
	}
	ref, ok := values[1].(string)
	if !ok {
		return domain.CreationEvent{}, fmt.Errorf("reference has type %T", values[1])
	}
	return domain.CreationEvent{
		PaymentID:   id,
		Payer:       common.BytesToAddress(l.Topics[2].Bytes()),
		Merchant:    common.BytesToAddress(l.Topics[3].Bytes()),
		AmountMinor: amount,
		Reference:   ref,
		Position:    position(l),
	}, nil
}

func decodeAcceptance(l types.Log) (domain.AcceptanceEvent, error) {
	values, err := unpack(contracts.EventPaymentAccepted, l, 2)
	if err != nil {
		return domain.AcceptanceEvent{}, err
	}
	id, err := topicID(l.Topics[1])
	if err != nil {
		return domain.AcceptanceEvent{}, err
	}
	rate, ok := values[0].(*big.Int)
	if !ok {
		return domain.AcceptanceEvent{}, fmt.Errorf("locked rate has type %T", values[0])
	}
	return domain.AcceptanceEvent{PaymentID: id, LockedRate: rate, Position: position(l)}, nil
}

func decodeMerchant(kind domain.MerchantEventKind, l types.Log) (domain.MerchantEvent, error) {
	values, err := unpack(string(kind), l, 2)
	if err != nil {
		return domain.MerchantEvent{}, err
	}
	fields := make([]string, 3)
	for i := range fields {
		s, ok := values[i].(string)
		if !ok {
			return domain.MerchantEvent{}, fmt.Errorf("field %d has type %T", i, values[i])
		}
		fields[i] = s
	}
	return domain.MerchantEvent{
		Kind:          kind,
		Merchant:      common.BytesToAddress(l.Topics[1].Bytes()),
		BankName:      fields[0],
		AccountName:   fields[1],
		AccountNumber: fields[2],
		Position:      position(l),
	}, nil
}
