package models

const (
	ApprovalCodeApproved          = "00"
	ApprovalCodeDoNotHonor        = "05"
	ApprovalCodeInvalidAmount     = "13"
	ApprovalCodeInsufficientFunds = "51"
	ApprovalCodeExpiredCard       = "54"
	ApprovalCodeExceedsLimit      = "61"
	ApprovalCodeRestrictedCard    = "62"
	ApprovalCodeExceedsFrequency  = "65"
)

// DeclineReason explains a declined authorization. Declines are results,
// not errors: the ledger is left untouched.
type DeclineReason string

const (
	DeclineCardNotActive              DeclineReason = "CardNotActive"
	DeclineExceedsPerTransactionLimit DeclineReason = "ExceedsPerTransactionLimit"
	DeclineInsufficientBalance        DeclineReason = "InsufficientBalance"
	DeclineExceedsDailyLimit          DeclineReason = "ExceedsDailyLimit"
	DeclineExceedsMonthlyLimit        DeclineReason = "ExceedsMonthlyLimit"
	DeclineExceedsSpendingLimit       DeclineReason = "ExceedsSpendingLimit"
	DeclineInvalidAmount              DeclineReason = "InvalidAmount"
	DeclineCurrencyMismatch           DeclineReason = "CurrencyMismatch"
)

// ApprovalCode maps a decline onto its ISO 8583 style response code.
func (d DeclineReason) ApprovalCode() string {
	switch d {
	case DeclineCardNotActive:
		return ApprovalCodeRestrictedCard
	case DeclineExceedsPerTransactionLimit, DeclineExceedsSpendingLimit:
		return ApprovalCodeExceedsLimit
	case DeclineInsufficientBalance:
		return ApprovalCodeInsufficientFunds
	case DeclineExceedsDailyLimit, DeclineExceedsMonthlyLimit:
		return ApprovalCodeExceedsFrequency
	case DeclineInvalidAmount:
		return ApprovalCodeInvalidAmount
	case "":
		return ApprovalCodeApproved
	}
	return ApprovalCodeDoNotHonor
}

type AuthorizationRequest struct {
	CardID    string          `json:"-"`
	Type      TransactionType `json:"type"`
	Amount    int64           `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
	Merchant  Merchant        `json:"merchant"`
	Reference string          `json:"reference,omitempty"`
}

type AuthorizationResponse struct {
	AuthorizationCode string        `json:"authorization_code,omitempty"`
	ApprovalCode      string        `json:"approval_code"`
	Decline           DeclineReason `json:"decline_reason,omitempty"`
	Transaction       *Transaction  `json:"transaction,omitempty"`
}

func (r AuthorizationResponse) Approved() bool {
	return r.ApprovalCode == ApprovalCodeApproved
}
