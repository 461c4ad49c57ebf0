package models

import (
	"time"

	"github.com/alovak/virtualcard/internal/cardgen"
)

type CardStatus string

const (
	CardStatusActive    CardStatus = "active"
	CardStatusInactive  CardStatus = "inactive"
	CardStatusFrozen    CardStatus = "frozen"
	CardStatusExpired   CardStatus = "expired"
	CardStatusCancelled CardStatus = "cancelled"
)

// Terminal reports whether no transition may leave this status.
func (s CardStatus) Terminal() bool {
	return s == CardStatusCancelled || s == CardStatusExpired
}

type Category string

const (
	CategoryDebit   Category = "debit"
	CategoryCredit  Category = "credit"
	CategoryPrepaid Category = "prepaid"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryDebit, CategoryCredit, CategoryPrepaid:
		return true
	}
	return false
}

// CardSource tells where the PAN of a card came from.
type CardSource string

const (
	CardSourceGenerated CardSource = "generated"
	CardSourceExternal  CardSource = "external"
)

// Limits are amounts in minor units. By convention
// PerTransaction <= Monthly <= Spending, but nothing enforces it.
type Limits struct {
	Spending       int64 `json:"spending"`
	Daily          int64 `json:"daily"`
	Monthly        int64 `json:"monthly"`
	PerTransaction int64 `json:"per_transaction"`
}

func (l Limits) Valid() bool {
	return l.Spending >= 0 && l.Daily >= 0 && l.Monthly >= 0 && l.PerTransaction >= 0
}

type Card struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	PAN            string          `json:"-"`
	SealedPAN      string          `json:"sealed_pan,omitempty"`
	MaskedPAN      string          `json:"masked_pan"`
	Last4          string          `json:"last4"`
	Network        cardgen.Network `json:"network"`
	Tier           cardgen.Tier    `json:"tier"`
	Category       Category        `json:"category"`
	Source         CardSource      `json:"source"`
	ExternalRef    string          `json:"external_ref,omitempty"`
	CardholderName string          `json:"cardholder_name"`
	Currency       string          `json:"currency"`

	Limits           Limits `json:"limits"`
	AvailableBalance int64  `json:"available_balance"`
	CurrentBalance   int64  `json:"current_balance"`

	Status         CardStatus `json:"status"`
	ExpirationDate string     `json:"expiration_date"` // YYMM

	SealedCVV    string `json:"sealed_cvv,omitempty"`
	SealedPIN    string `json:"sealed_pin,omitempty"`
	ThreeDSecure bool   `json:"three_d_secure"`
	Contactless  bool   `json:"contactless"`

	TotalSpent       int64 `json:"total_spent"`
	TransactionCount int64 `json:"transaction_count"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

// Clone returns a deep copy so stored records never alias caller memory.
func (c *Card) Clone() *Card {
	out := *c
	if c.ActivatedAt != nil {
		t := *c.ActivatedAt
		out.ActivatedAt = &t
	}
	if c.LastUsedAt != nil {
		t := *c.LastUsedAt
		out.LastUsedAt = &t
	}
	return &out
}

// IssueCardRequest carries the issuance options. Zero values fall back to
// service defaults; Limits nil means derive from the account balance.
type IssueCardRequest struct {
	AccountID      string          `json:"-"`
	CardholderName string          `json:"cardholder_name"`
	Network        cardgen.Network `json:"network"`
	Tier           cardgen.Tier    `json:"tier"`
	Category       Category        `json:"category"`
	Limits         *Limits         `json:"limits,omitempty"`
	ThreeDSecure   *bool           `json:"three_d_secure,omitempty"`
	Contactless    *bool           `json:"contactless,omitempty"`
	PIN            string          `json:"pin,omitempty"`
	ValidityYears  int             `json:"validity_years,omitempty"`
}

// IssuedCard is returned once at issuance; CVV is never available again.
type IssuedCard struct {
	Card *Card
	CVV  string
}
