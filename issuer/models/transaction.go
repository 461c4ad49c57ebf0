package models

import "time"

type TransactionType string

const (
	TransactionTypePurchase   TransactionType = "purchase"
	TransactionTypeRefund     TransactionType = "refund"
	TransactionTypeWithdrawal TransactionType = "withdrawal"
	TransactionTypeTransfer   TransactionType = "transfer"
	TransactionTypeFee        TransactionType = "fee"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TransactionTypePurchase, TransactionTypeRefund, TransactionTypeWithdrawal,
		TransactionTypeTransfer, TransactionTypeFee:
		return true
	}
	return false
}

// IsDebit reports whether the type takes money off the card.
func (t TransactionType) IsDebit() bool {
	return t.Valid() && t != TransactionTypeRefund
}

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusDeclined  TransactionStatus = "declined"
	TransactionStatusReversed  TransactionStatus = "reversed"
)

type Merchant struct {
	Name string `json:"name,omitempty"`
	MCC  string `json:"mcc,omitempty"`
}

// Transaction is an append-only ledger entry. A reversal is its own entry
// with status reversed and ReversalOf pointing at the original.
type Transaction struct {
	ID                string            `json:"id"`
	CardID            string            `json:"card_id"`
	AccountID         string            `json:"account_id"`
	Type              TransactionType   `json:"type"`
	Amount            int64             `json:"amount"`
	Currency          string            `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Reference         string            `json:"reference,omitempty"`
	ReversalOf        string            `json:"reversal_of,omitempty"`
	Merchant          Merchant          `json:"merchant"`
	ApprovalCode      string            `json:"approval_code"`
	AuthorizationCode string            `json:"authorization_code"`
	CreatedAt         time.Time         `json:"created_at"`
}

// NetSpend is the signed effect of t on spent totals: positive for a
// completed debit or a reversed refund, negative for the opposite.
func (t *Transaction) NetSpend() int64 {
	switch t.Status {
	case TransactionStatusCompleted:
		if t.Type.IsDebit() {
			return t.Amount
		}
		return -t.Amount
	case TransactionStatusReversed:
		if t.Type.IsDebit() {
			return -t.Amount
		}
		return t.Amount
	}
	return 0
}
