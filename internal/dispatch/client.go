// Package dispatch sends personalized campaign email through the external
// delivery provider, with quota/rate pre-checks, fixed-size recipient
// batching, retry with backoff, and durable per-batch progress.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/mailwizard/delivery-core/internal/pkg/httpretry"
)

// Transmission is one batched send request to the provider. Each recipient
// carries its own substitution data and correlation metadata; content is
// shared across the batch.
type Transmission struct {
	Recipients []TransmissionRecipient `json:"recipients"`
	Content    TransmissionContent     `json:"content"`
	Options    TrackingOptions         `json:"options"`
}

// TransmissionRecipient is one addressee within a transmission.
type TransmissionRecipient struct {
	Address struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	} `json:"address"`
	SubstitutionData map[string]string `json:"substitution_data,omitempty"`
	// CustomArgs is the correlation payload the provider echoes back on
	// webhook events: {contact_id, campaign_id, user_id}. Attaching it is
	// mandatory; without it webhook events cannot be correlated.
	CustomArgs map[string]string `json:"custom_args"`
}

// TransmissionContent is the shared message content for a transmission.
type TransmissionContent struct {
	From struct {
		Email string `json:"email"`
		Name  string `json:"name,omitempty"`
	} `json:"from"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
	Text    string `json:"text,omitempty"`
}

// TrackingOptions toggles provider-side tracking features.
type TrackingOptions struct {
	OpenTracking  bool `json:"open_tracking"`
	ClickTracking bool `json:"click_tracking"`
}

// Receipt is the provider's acknowledgment of an accepted transmission.
type Receipt struct {
	MessageID string
	Accepted  int
}

// ProviderError is a non-retryable (or retry-exhausted) provider response.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("dispatch: provider error (status %d): %s", e.StatusCode, e.Message)
}

// Client is the email delivery provider API client. Transport-level retry
// (429/5xx/network, exponential backoff) lives in the httpretry layer.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient httpretry.HTTPDoer
}

// NewClient creates a provider client with the given backoff policy.
func NewClient(baseURL, apiKey string, policy httpretry.Policy) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpretry.NewRetryClient(nil, policy),
	}
}

// Send submits one transmission. A 2xx with a provider message id is
// success; 429/5xx were already retried by the transport, so any
// non-2xx here is terminal for this batch.
func (c *Client) Send(ctx context.Context, t *Transmission) (*Receipt, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encoding transmission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/transmissions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("dispatch: creating request: %w", err)
	}
	req.Header.Set("Authorization", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatch: executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(body)}
	}

	var parsed struct {
		Results struct {
			ID                      string `json:"id"`
			TotalAcceptedRecipients int    `json:"total_accepted_recipients"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("dispatch: parsing response: %w", err)
	}

	return &Receipt{
		MessageID: parsed.Results.ID,
		Accepted:  parsed.Results.TotalAcceptedRecipients,
	}, nil
}

func providerMessage(body []byte) string {
	var parsed struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Errors) > 0 {
		return parsed.Errors[0].Message
	}
	return string(body)
}
