package escrow

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"settlx/internal/contracts"
)

type TxErrorKind string

const (
	// TxCancelled means the signer refused the request; nothing was submitted.
	TxCancelled TxErrorKind = "cancelled"
	// TxReverted means the contract rejected the call with one of its custom errors.
	TxReverted TxErrorKind = "reverted"
	TxFailed   TxErrorKind = "failed"
)

const userRejectedCode = 4001

// TxError wraps a failed contract write with its classification.
type TxError struct {
	Op     string
	Kind   TxErrorKind
	Reason string
	Err    error
}

func (e *TxError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Reason)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// KindOf returns the classification of err, TxFailed for unclassified errors.
func KindOf(err error) TxErrorKind {
	var txErr *TxError
	if errors.As(err, &txErr) {
		return txErr.Kind
	}
	return TxFailed
}

type errorCoder interface {
	ErrorCode() int
}

type dataError interface {
	ErrorData() interface{}
}

// classify turns a raw transport error into a TxError. User rejections are
// detected the way wallets report them: error code 4001 or the message text.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var coder errorCoder
	if errors.As(err, &coder) && coder.ErrorCode() == userRejectedCode {
		return &TxError{Op: op, Kind: TxCancelled, Err: err}
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied") {
		return &TxError{Op: op, Kind: TxCancelled, Err: err}
	}
	if name := revertReason(err); name != "" {
		return &TxError{Op: op, Kind: TxReverted, Reason: name, Err: err}
	}
	return &TxError{Op: op, Kind: TxFailed, Err: err}
}

func revertReason(err error) string {
	var de dataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil && len(data) >= 4 {
				for name, abiErr := range contracts.SettlX.Errors {
					if bytes.Equal(abiErr.ID[:4], data[:4]) {
						return name
					}
				}
			}
		}
	}
	if strings.Contains(strings.ToLower(err.Error()), "execution reverted") {
		for name := range contracts.SettlX.Errors {
			if strings.Contains(err.Error(), name) {
				return name
			}
		}
		return "execution reverted"
	}
	return ""
}

// revertError mimics the JSON-RPC error a node returns for a custom-error revert.
type revertError struct {
	name string
}

func newRevert(name string) error {
	return &revertError{name: name}
}

func (e *revertError) Error() string { return "execution reverted" }

func (e *revertError) ErrorCode() int { return 3 }

func (e *revertError) ErrorData() interface{} {
	abiErr, ok := contracts.SettlX.Errors[e.name]
	if !ok {
		return "0x"
	}
	return hexutil.Encode(abiErr.ID[:4])
}
