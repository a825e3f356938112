// Package forward delivers qualifying changes to the downstream webhook.
// Delivery is one bounded-timeout POST per payload; the engine treats a
// failure as a per-item skip and never retries.
package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hyperengineering/mailrelay/internal/types"
)

// Sink accepts one forward payload per qualifying change.
type Sink interface {
	Deliver(ctx context.Context, payload types.ForwardPayload) error
}

// Compile-time interface check
var _ Sink = (*WebhookSink)(nil)

// WebhookSink posts payloads as JSON to a fixed URL.
type WebhookSink struct {
	client *http.Client
	url    string
}

// NewWebhookSink creates a sink posting to url with the given per-call timeout.
func NewWebhookSink(url string, timeout time.Duration) *WebhookSink {
	return &WebhookSink{
		client: &http.Client{Timeout: timeout},
		url:    url,
	}
}

// Deliver posts the payload. Any non-2xx response is an error.
func (s *WebhookSink) Deliver(ctx context.Context, payload types.ForwardPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal forward payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build forward request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("forward request: unexpected status %d", resp.StatusCode)
	}
	return nil
}
