// Package provider talks to an external card-issuing vendor. The ledger
// treats its cards as opaque: only a reference, last 4 digits and expiry
// come back.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type Client struct {
	Base string
	HTTP *http.Client
}

func New(base string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{Base: strings.TrimRight(base, "/"), HTTP: hc}
}

type CreateCardReq struct {
	AccountRef     string `json:"accountRef"`
	CardholderName string `json:"cardholderName,omitempty"`
	Limit          int64  `json:"limit"`
}

// ExternalCardHandle is what the vendor returns for a created card.
type ExternalCardHandle struct {
	ID         string `json:"id"`
	Last4      string `json:"last4"`
	Network    string `json:"network,omitempty"`
	ExpiryYYMM string `json:"expiryYYMM,omitempty"`
	Status     string `json:"status,omitempty"`
}

func (c *Client) CreateCard(ctx context.Context, accountRef, holderName string, limit int64) (*ExternalCardHandle, error) {
	b, err := json.Marshal(CreateCardReq{AccountRef: accountRef, CardholderName: holderName, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("encode create-card: %w", err)
	}
	target := c.Base + "/cards"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build create-card: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("create-card: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("create-card status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var handle ExternalCardHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return nil, fmt.Errorf("decode create-card: %w", err)
	}
	if handle.ID == "" || len(handle.Last4) != 4 {
		return nil, fmt.Errorf("create-card: incomplete handle id=%q last4=%q", handle.ID, handle.Last4)
	}
	return &handle, nil
}
