package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"omnidesk/internal/metrics"
)

// Payload is the JSON body posted to a tenant's automation endpoint.
type Payload struct {
	Message           string    `json:"message"`
	ConversationID    string    `json:"conversation_id"`
	TenantID          string    `json:"tenant_id"`
	SenderID          string    `json:"sender_id"`
	Channel           string    `json:"channel"`
	MessageID         string    `json:"message_id,omitempty"`
	ExternalMessageID string    `json:"external_message_id,omitempty"`
	MessageType       string    `json:"message_type,omitempty"`
	MediaURL          string    `json:"media_url,omitempty"`
	Timestamp         time.Time `json:"timestamp,omitempty"`
}

// StatusError is a non-2xx answer from the automation endpoint.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("automation endpoint status=%d body=%s", e.Status, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status == http.StatusTooManyRequests || se.Status >= 500
	}
	// Transport errors and timeouts.
	return !errors.Is(err, context.Canceled)
}

// Client posts payloads to automation endpoints.
type Client struct {
	http    *http.Client
	metrics *metrics.Metrics
}

// NewClient creates a Client with the given request timeout.
func NewClient(timeout time.Duration, metricRegistry *metrics.Metrics) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		metrics: metricRegistry,
	}
}

// Post sends payload to endpoint. Only the status code of the response is consumed.
func (c *Client) Post(ctx context.Context, endpoint string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "omnidesk/automation-dispatch")

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		c.observe("error", start)
		return fmt.Errorf("automation request: %w", err)
	}
	defer res.Body.Close()
	c.observe(fmt.Sprintf("%d", res.StatusCode), start)

	snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return nil
}

func (c *Client) observe(status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.AutomationLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
