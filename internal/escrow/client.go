package escrow

import (
	"errors"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Validation failures mirror the custom errors of the settlement contract so a
// bad request is rejected before a transaction is signed.
var (
	ErrInvalidMerchant       = errors.New("invalid merchant address")
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrReferenceRequired     = errors.New("reference required")
	ErrInvalidRate           = errors.New("rate must be positive")
	ErrInvalidPaymentID      = errors.New("payment id must be positive")
	ErrBankNameRequired      = errors.New("bank name required")
	ErrAccountNameRequired   = errors.New("account name required")
	ErrAccountNumberRequired = errors.New("account number required")
	ErrReadOnly              = errors.New("client is read-only")
)

func (r PayMerchantRequest) Validate() error {
	if !common.IsHexAddress(r.Merchant) || common.HexToAddress(r.Merchant) == (common.Address{}) {
		return ErrInvalidMerchant
	}
	if r.AmountMinor == nil || r.AmountMinor.Sign() <= 0 {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.Reference) == "" {
		return ErrReferenceRequired
	}
	return nil
}

func (b BankDetails) Validate() error {
	if strings.TrimSpace(b.BankName) == "" {
		return ErrBankNameRequired
	}
	if strings.TrimSpace(b.AccountName) == "" {
		return ErrAccountNameRequired
	}
	if strings.TrimSpace(b.AccountNumber) == "" {
		return ErrAccountNumberRequired
	}
	return nil
}

// IsValidationError reports whether err was produced by request validation.
func IsValidationError(err error) bool {
	for _, target := range []error{
		ErrInvalidMerchant, ErrInvalidAmount, ErrReferenceRequired, ErrInvalidRate,
		ErrInvalidPaymentID, ErrBankNameRequired, ErrAccountNameRequired, ErrAccountNumberRequired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
