package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultResendURL = "https://api.resend.com/emails"
	defaultTimeout   = 15 * time.Second
)

// ResendClient sends email through the Resend HTTP API.
type ResendClient struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewResendClient returns a client for the given API key and optional base URL.
func NewResendClient(apiKey, baseURL string) *ResendClient {
	if baseURL == "" {
		baseURL = defaultResendURL
	}
	return &ResendClient{
		APIKey:     apiKey,
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

type resendRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// Send posts the message. Any non-2xx response is an error.
func (c *ResendClient) Send(ctx context.Context, msg *Message) error {
	if c.APIKey == "" {
		return fmt.Errorf("resend: API key not configured")
	}
	raw, err := json.Marshal(resendRequest{From: msg.From, To: []string{msg.To}, Subject: msg.Subject, Text: msg.Text})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("resend: request failed status=%d body=%s", resp.StatusCode, string(b))
	}
	return nil
}
