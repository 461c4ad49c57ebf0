package models

// Account is the balance-holding record a card is bound to. The ledger
// reads it and never debits it; card balances are synced from it.
type Account struct {
	ID               string `json:"id"`
	Currency         string `json:"currency"`
	AvailableBalance int64  `json:"available_balance"`
	TotalBalance     int64  `json:"total_balance"`
	KYCVerified      bool   `json:"kyc_verified"`
	AMLCleared       bool   `json:"aml_cleared"`
}

type CreateAccount struct {
	Balance     int64  `json:"balance"`
	Currency    string `json:"currency"`
	KYCVerified bool   `json:"kyc_verified"`
	AMLCleared  bool   `json:"aml_cleared"`
}
