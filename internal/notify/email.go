package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/google/uuid"
	"github.com/jordan-wright/email"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailNotifier sends codes over SMTP.
type EmailNotifier struct {
	cfg  SMTPConfig
	send func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmailNotifier(cfg SMTPConfig) *EmailNotifier {
	return &EmailNotifier{
		cfg: cfg,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (n *EmailNotifier) Send(_ context.Context, msg Message) (Ack, error) {
	id := uuid.New().String()

	e := email.NewEmail()
	e.From = n.cfg.From
	e.To = []string{msg.Destination}
	e.Subject = "Your payment verification code"
	e.Headers.Set("X-Challenge-Id", msg.Context.ChallengeID)
	e.Headers.Set("X-Notification-Id", id)
	e.Text = []byte(Body(msg) + "\n")

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	if err := n.send(e, addr, auth); err != nil {
		return Ack{}, fmt.Errorf("sending email to %s: %w", hint(msg.Destination), err)
	}
	return Ack{Channel: msg.Channel, ID: id, At: now()}, nil
}
