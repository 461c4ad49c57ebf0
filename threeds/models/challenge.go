package models

import (
	"time"
)

type ChallengeStatus string

const (
	ChallengeStatusPending  ChallengeStatus = "pending"
	ChallengeStatusVerified ChallengeStatus = "verified"
	ChallengeStatusFailed   ChallengeStatus = "failed"
	ChallengeStatusExpired  ChallengeStatus = "expired"
)

func (s ChallengeStatus) Terminal() bool {
	return s != ChallengeStatusPending
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelApp   Channel = "app"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelSMS, ChannelEmail, ChannelPush, ChannelApp:
		return true
	}
	return false
}

// Destination is where a code is delivered: a phone number, an email
// address or a device id.
type Destination struct {
	Channel Channel `json:"channel"`
	Address string  `json:"address"`
}

// Challenge is one OTP authentication attempt. Only the hash of the code is
// kept.
type Challenge struct {
	ID            string `json:"id"`
	CardID        string `json:"card_id"`
	CardLast4     string `json:"card_last4"`
	TransactionID string `json:"transaction_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Merchant      string `json:"merchant,omitempty"`
	Network       string `json:"network"`

	CodeHash          string  `json:"code_hash"`
	Channel           Channel `json:"channel"`
	Destination       string  `json:"destination"`
	MaskedDestination string  `json:"masked_destination"`

	Status      ChallengeStatus `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Resends     int             `json:"resends"`

	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	VerifiedAt *time.Time `json:"verified_at,omitempty"`

	CAVV string `json:"cavv,omitempty"`
	ECI  string `json:"eci,omitempty"`
}

func (c *Challenge) Clone() *Challenge {
	out := *c
	if c.VerifiedAt != nil {
		t := *c.VerifiedAt
		out.VerifiedAt = &t
	}
	return &out
}

func (c *Challenge) RemainingAttempts() int {
	if n := c.MaxAttempts - c.Attempts; n > 0 {
		return n
	}
	return 0
}

// Overdue reports whether a pending challenge has passed its expiry.
func (c *Challenge) Overdue(now time.Time) bool {
	return c.Status == ChallengeStatusPending && now.After(c.ExpiresAt)
}

// CardInfo is the part of a card record the challenge engine reads.
type CardInfo struct {
	ID           string
	Last4        string
	Currency     string
	Network      string
	ThreeDSecure bool
	Active       bool
}

type CreateChallengeRequest struct {
	CardID        string       `json:"card_id"`
	TransactionID string       `json:"transaction_id"`
	Amount        int64        `json:"amount"`
	Currency      string       `json:"currency"`
	Merchant      string       `json:"merchant,omitempty"`
	Destination   *Destination `json:"destination,omitempty"`
}

// CreatedChallenge is the create result. Code is set only when the engine
// runs in simulation mode.
type CreatedChallenge struct {
	Challenge *Challenge
	Code      string
}

type VerifyStatus string

const (
	VerifySuccess     VerifyStatus = "SUCCESS"
	VerifyInvalidCode VerifyStatus = "INVALID_CODE"
	VerifyRejected    VerifyStatus = "REJECTED"
	VerifyExpired     VerifyStatus = "EXPIRED"
)

type VerifyResult struct {
	Status            VerifyStatus `json:"status"`
	ChallengeID       string       `json:"challenge_id"`
	RemainingAttempts int          `json:"remaining_attempts"`
	CAVV              string       `json:"cavv,omitempty"`
	ECI               string       `json:"eci,omitempty"`
}
