package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookNotifier posts SMS messages to a gateway webhook.
type WebhookNotifier struct {
	url  string
	http *http.Client
}

func NewWebhookNotifier(url string, hc *http.Client) *WebhookNotifier {
	if hc == nil {
		hc = &http.Client{Timeout: 5 * time.Second}
	}
	return &WebhookNotifier{url: url, http: hc}
}

type smsRequest struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

func (n *WebhookNotifier) Send(ctx context.Context, msg Message) (Ack, error) {
	ref := uuid.New().String()
	b, err := json.Marshal(smsRequest{To: msg.Destination, Body: Body(msg), Reference: ref})
	if err != nil {
		return Ack{}, fmt.Errorf("encode sms: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(b))
	if err != nil {
		return Ack{}, fmt.Errorf("build sms request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return Ack{}, fmt.Errorf("sms webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Ack{}, fmt.Errorf("sms webhook status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil && payload.ID != "" {
		ref = payload.ID
	}
	return Ack{Channel: msg.Channel, ID: ref, At: now()}, nil
}
