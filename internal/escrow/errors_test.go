package escrow

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedError struct {
	code int
	msg  string
}

func (e codedError) Error() string  { return e.msg }
func (e codedError) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		kind   TxErrorKind
		reason string
	}{
		{name: "wallet code", err: codedError{code: 4001, msg: "request denied"}, kind: TxCancelled},
		{name: "wallet message", err: errors.New("User rejected the request."), kind: TxCancelled},
		{name: "custom error selector", err: newRevert("AlreadyProcessed"), kind: TxReverted, reason: "AlreadyProcessed"},
		{name: "named in message", err: errors.New("execution reverted: OnlyAdmin"), kind: TxReverted, reason: "OnlyAdmin"},
		{name: "bare revert", err: errors.New("execution reverted"), kind: TxReverted, reason: "execution reverted"},
		{name: "transport", err: errors.New("connection refused"), kind: TxFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("markAsPaid", tt.err)
			var txErr *TxError
			if assert.ErrorAs(t, err, &txErr) {
				assert.Equal(t, tt.kind, txErr.Kind)
				assert.Equal(t, tt.reason, txErr.Reason)
				assert.Equal(t, "markAsPaid", txErr.Op)
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, TxFailed, KindOf(errors.New("x")))
	assert.Nil(t, classify("op", nil))
}

func TestValidation(t *testing.T) {
	assert.ErrorIs(t, PayMerchantRequest{Merchant: "nope"}.Validate(), ErrInvalidMerchant)
	assert.ErrorIs(t, BankDetails{BankName: "A", AccountName: "B"}.Validate(), ErrAccountNumberRequired)
	assert.True(t, IsValidationError(ErrInvalidRate))
	assert.False(t, IsValidationError(ErrReadOnly))
}
