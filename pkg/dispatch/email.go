package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opencourier/courier/pkg/models"
)

// Email defaults.
const (
	DefaultEmailAPIURL  = "https://api.resend.com"
	DefaultEmailFrom    = "OpenCourier <courier@mail.opencourier.org>"
	DefaultEmailSubject = "Message from OpenCourier"
)

// HTTPEmail sends email through a Resend-compatible HTTP API.
type HTTPEmail struct {
	apiURL string
	apiKey string
	from   string
	client *http.Client
}

// NewHTTPEmail creates an HTTPEmail. Empty apiURL and from use the defaults;
// a nil client uses http.DefaultClient.
func NewHTTPEmail(apiURL, apiKey, from string, client *http.Client) *HTTPEmail {
	if apiURL == "" {
		apiURL = DefaultEmailAPIURL
	}
	if from == "" {
		from = DefaultEmailFrom
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPEmail{
		apiURL: strings.TrimRight(apiURL, "/"),
		apiKey: apiKey,
		from:   from,
		client: client,
	}
}

type emailRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Text    string `json:"text"`
}

type emailResponse struct {
	ID string `json:"id"`
}

// Dispatch posts the email and returns the provider's message id.
func (e *HTTPEmail) Dispatch(ctx context.Context, channel models.Channel, p Payload) (Receipt, error) {
	if channel != models.ChannelEmail {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnsupportedChannel, channel)
	}
	subject := p.Subject
	if subject == "" {
		subject = DefaultEmailSubject
	}
	body, err := json.Marshal(emailRequest{From: e.from, To: p.Recipient, Subject: subject, Text: p.Body})
	if err != nil {
		return Receipt{}, fmt.Errorf("encode email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.apiURL+"/emails", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("email provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out emailResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Receipt{}, fmt.Errorf("decode email response: %w", err)
	}
	return Receipt{ExternalID: out.ID, Status: "sent"}, nil
}
