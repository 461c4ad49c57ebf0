// Package notify delivers one-time codes to cardholders. The challenge
// engine hands a Message to a Notifier and never performs delivery itself.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
	ChannelPush  Channel = "push"
	ChannelApp   Channel = "app"
)

var ErrNoRoute = errors.New("no notifier for channel")

var now = func() time.Time { return time.Now().UTC() }

// Context describes what the code authorizes. It is rendered into the
// message body.
type Context struct {
	ChallengeID string    `json:"challenge_id"`
	CardLast4   string    `json:"card_last4"`
	Amount      int64     `json:"amount"`
	Currency    string    `json:"currency"`
	Merchant    string    `json:"merchant,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Message struct {
	Channel     Channel
	Destination string
	Code        string
	Context     Context
}

// Ack confirms a message was handed to the delivery channel.
type Ack struct {
	Channel Channel   `json:"channel"`
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
}

type Notifier interface {
	Send(ctx context.Context, msg Message) (Ack, error)
}

// Router dispatches by channel, falling back to fallback when set.
type Router struct {
	routes   map[Channel]Notifier
	fallback Notifier
}

func NewRouter(fallback Notifier) *Router {
	return &Router{routes: make(map[Channel]Notifier), fallback: fallback}
}

func (r *Router) Handle(ch Channel, n Notifier) *Router {
	r.routes[ch] = n
	return r
}

func (r *Router) Send(ctx context.Context, msg Message) (Ack, error) {
	n, ok := r.routes[msg.Channel]
	if !ok {
		n = r.fallback
	}
	if n == nil {
		return Ack{}, fmt.Errorf("%w: %s", ErrNoRoute, msg.Channel)
	}
	return n.Send(ctx, msg)
}

// minorUnits lists ISO 4217 currencies whose exponent is not 2.
var minorUnits = map[string]int32{
	"JPY": 0, "KRW": 0, "VND": 0, "CLP": 0, "ISK": 0,
	"BHD": 3, "KWD": 3, "JOD": 3, "OMR": 3, "TND": 3,
}

// FormatAmount renders a minor-unit amount, e.g. 1250 USD as "12.50 USD".
func FormatAmount(amount int64, currency string) string {
	currency = strings.ToUpper(currency)
	exp, ok := minorUnits[currency]
	if !ok {
		exp = 2
	}
	s := decimal.New(amount, -exp).StringFixed(exp)
	if currency == "" {
		return s
	}
	return s + " " + currency
}

// Body is the human readable text for msg.
func Body(msg Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your verification code is %s", msg.Code)
	c := msg.Context
	if c.Amount > 0 {
		fmt.Fprintf(&sb, " for %s", FormatAmount(c.Amount, c.Currency))
	}
	if c.Merchant != "" {
		fmt.Fprintf(&sb, " at %s", c.Merchant)
	}
	if c.CardLast4 != "" {
		fmt.Fprintf(&sb, " with card ending %s", c.CardLast4)
	}
	sb.WriteString(".")
	if !c.ExpiresAt.IsZero() {
		fmt.Fprintf(&sb, " It expires at %s.", c.ExpiresAt.UTC().Format("15:04 UTC"))
	}
	sb.WriteString(" Never share this code.")
	return sb.String()
}

// hint keeps the last 4 characters of a destination for logs.
func hint(dest string) string {
	if len(dest) <= 4 {
		return "****"
	}
	return "****" + dest[len(dest)-4:]
}
