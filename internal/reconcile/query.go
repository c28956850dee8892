package reconcile

import (
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"settlx/internal/domain"
)

// Query filters a published payment list. Zero fields match everything.
type Query struct {
	Merchant *common.Address
	Payer    *common.Address
	Status   *domain.Status
	// Search matches payer, merchant, reference or ID, case-insensitively.
	Search string
}

func (q Query) Match(p domain.ReconciledPayment) bool {
	if q.Merchant != nil && p.Merchant != *q.Merchant {
		return false
	}
	if q.Payer != nil && p.Payer != *q.Payer {
		return false
	}
	if q.Status != nil && p.Status != *q.Status {
		return false
	}
	term := strings.ToLower(strings.TrimSpace(q.Search))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(p.Payer.Hex()), term) ||
		strings.Contains(strings.ToLower(p.Merchant.Hex()), term) ||
		strings.Contains(strings.ToLower(p.Reference), term) ||
		strings.Contains(strconv.FormatUint(p.ID, 10), term)
}

// Filter returns the payments matching q, preserving order.
func Filter(payments []domain.ReconciledPayment, q Query) []domain.ReconciledPayment {
	out := make([]domain.ReconciledPayment, 0, len(payments))
	for _, p := range payments {
		if q.Match(p) {
			out = append(out, p)
		}
	}
	return out
}
