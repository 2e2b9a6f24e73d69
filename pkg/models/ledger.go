package models

import "time"

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxDeduction  TransactionType = "deduction"
	TxAllocation TransactionType = "allocation"
	TxRefund     TransactionType = "refund"
)

// CreditTransaction is an append-only ledger entry. Balances are the team's
// remaining credits immediately before and after the mutation.
type CreditTransaction struct {
	ID            string          `json:"id"`
	TeamID        string          `json:"team_id"`
	JobID         string          `json:"job_id,omitempty"`
	Type          TransactionType `json:"type"`
	Amount        int64           `json:"amount"`
	BalanceBefore int64           `json:"balance_before"`
	BalanceAfter  int64           `json:"balance_after"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Reconciliation compares a team's live counters with its transaction history.
type Reconciliation struct {
	TeamID           string `json:"team_id"`
	CreditsAllocated int64  `json:"credits_allocated"`
	CreditsUsed      int64  `json:"credits_used"`
	SumAllocations   int64  `json:"sum_allocations"`
	SumDeductions    int64  `json:"sum_deductions"`
	SumRefunds       int64  `json:"sum_refunds"`
}

// Consistent reports whether the counters match the folded history.
func (r Reconciliation) Consistent() bool {
	return r.CreditsUsed == r.SumDeductions-r.SumRefunds &&
		r.CreditsAllocated == r.SumAllocations
}
