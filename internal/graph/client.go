package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"omnidesk/internal/metrics"
	"omnidesk/internal/repo"
)

var (
	// ErrUnauthorized indicates the provider rejected the access token.
	ErrUnauthorized = errors.New("graph unauthorized")
	// ErrEditUnsupported is returned by EditMessage for channels without an edit API.
	ErrEditUnsupported = errors.New("graph edit unsupported for channel")
	// ErrMissingMessageID is returned when a send succeeds without a provider message id.
	ErrMissingMessageID = errors.New("graph response missing message id")
)

// APIError mirrors the Graph API error envelope.
type APIError struct {
	Status    int    `json:"-"`
	Code      int    `json:"code"`
	Subcode   int    `json:"error_subcode"`
	Type      string `json:"type"`
	Message   string `json:"message"`
	FBTraceID string `json:"fbtrace_id"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("graph error: status=%d code=%d type=%s message=%s", e.Status, e.Code, e.Type, e.Message)
}

// Retryable reports whether the failure is worth retrying later.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config holds Graph client configuration.
type Config struct {
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// Credentials identify the sending business account for one request.
// SenderID is the phone number id (WhatsApp) or business account id (Instagram).
type Credentials struct {
	AccessToken string
	SenderID    string
}

// SendRequest is a single outbound message.
type SendRequest struct {
	To       string
	Text     string
	MediaURL string
	Type     string
}

// EditRequest replaces the text of a previously sent message.
type EditRequest struct {
	To                string
	ProviderMessageID string
	Text              string
}

// Client talks to the Meta Graph API for both channels.
type Client struct {
	logger     *slog.Logger
	baseURL    string
	apiVersion string
	http       *http.Client
	metrics    *metrics.Metrics
}

// New creates a new Graph client.
func New(cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "https://graph.facebook.com"
	}
	version := strings.Trim(cfg.APIVersion, "/")
	if version == "" {
		version = "v21.0"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		logger:     logger.With("component", "graph"),
		baseURL:    base,
		apiVersion: version,
		http:       &http.Client{Timeout: timeout},
		metrics:    metricRegistry,
	}
}

// SupportsEdit reports whether channel exposes a message edit API.
func SupportsEdit(channel repo.Channel) bool {
	return channel == repo.ChannelWhatsApp
}

// SendMessage delivers req through channel and returns the provider-issued message id.
func (c *Client) SendMessage(ctx context.Context, creds Credentials, channel repo.Channel, req SendRequest) (string, error) {
	if strings.TrimSpace(creds.SenderID) == "" {
		return "", fmt.Errorf("graph send: sender id is empty")
	}
	switch channel {
	case repo.ChannelWhatsApp:
		return c.sendWhatsApp(ctx, creds, req)
	case repo.ChannelInstagram:
		return c.sendInstagram(ctx, creds, req)
	default:
		return "", fmt.Errorf("graph send: unknown channel %q", channel)
	}
}

// EditMessage replaces the text of a sent message. Only WhatsApp supports it.
func (c *Client) EditMessage(ctx context.Context, creds Credentials, channel repo.Channel, req EditRequest) error {
	if !SupportsEdit(channel) {
		return fmt.Errorf("%w: %s", ErrEditUnsupported, channel)
	}
	if strings.TrimSpace(req.ProviderMessageID) == "" {
		return fmt.Errorf("graph edit: provider message id is empty")
	}
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                req.To,
		"type":              "edit",
		"edit": map[string]any{
			"message_id": req.ProviderMessageID,
			"text":       map[string]string{"body": req.Text},
		},
	}
	endpoint := "/" + creds.SenderID + "/messages"
	return c.postJSON(ctx, creds.AccessToken, endpoint, "whatsapp_edit", payload, nil)
}

func (c *Client) sendWhatsApp(ctx context.Context, creds Credentials, req SendRequest) (string, error) {
	payload := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                req.To,
	}
	msgType := normaliseType(req.Type, req.MediaURL)
	if msgType == "text" {
		payload["type"] = "text"
		payload["text"] = map[string]any{"body": req.Text, "preview_url": false}
	} else {
		media := map[string]string{"link": req.MediaURL}
		if req.Text != "" && msgType != "audio" && msgType != "sticker" {
			media["caption"] = req.Text
		}
		payload["type"] = msgType
		payload[msgType] = media
	}

	var res struct {
		Messages []struct {
			ID string `json:"id"`
		} `json:"messages"`
	}
	endpoint := "/" + creds.SenderID + "/messages"
	if err := c.postJSON(ctx, creds.AccessToken, endpoint, "whatsapp_send", payload, &res); err != nil {
		return "", err
	}
	if len(res.Messages) == 0 || res.Messages[0].ID == "" {
		return "", ErrMissingMessageID
	}
	return res.Messages[0].ID, nil
}

func (c *Client) sendInstagram(ctx context.Context, creds Credentials, req SendRequest) (string, error) {
	message := map[string]any{}
	msgType := normaliseType(req.Type, req.MediaURL)
	if msgType == "text" {
		message["text"] = req.Text
	} else {
		if msgType == "document" || msgType == "sticker" {
			msgType = "file"
		}
		message["attachment"] = map[string]any{
			"type":    msgType,
			"payload": map[string]string{"url": req.MediaURL},
		}
	}
	payload := map[string]any{
		"recipient": map[string]string{"id": req.To},
		"message":   message,
	}

	var res struct {
		RecipientID string `json:"recipient_id"`
		MessageID   string `json:"message_id"`
	}
	endpoint := "/" + creds.SenderID + "/messages"
	if err := c.postJSON(ctx, creds.AccessToken, endpoint, "instagram_send", payload, &res); err != nil {
		return "", err
	}
	if res.MessageID == "" {
		return "", ErrMissingMessageID
	}
	return res.MessageID, nil
}

func normaliseType(t, mediaURL string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	if mediaURL == "" {
		return "text"
	}
	switch t {
	case "image", "audio", "video", "document", "sticker":
		return t
	default:
		return "image"
	}
}

func (c *Client) postJSON(ctx context.Context, token, endpoint, label string, payload any, dest any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.do(ctx, http.MethodPost, token, endpoint, label, bytes.NewReader(body), dest)
}

func (c *Client) do(ctx context.Context, method, token, endpoint, label string, body io.Reader, dest any) error {
	reqURL := c.baseURL + "/" + c.apiVersion + endpoint
	req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "omnidesk/graph-client")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	res, err := c.http.Do(req)
	if err != nil {
		if c.metrics != nil {
			c.metrics.GraphRequests.WithLabelValues(label, "error").Inc()
		}
		return fmt.Errorf("graph request: %w", err)
	}
	defer res.Body.Close()

	duration := time.Since(start).Seconds()
	statusLabel := fmt.Sprintf("%d", res.StatusCode)
	if c.metrics != nil {
		c.metrics.GraphRequests.WithLabelValues(label, statusLabel).Inc()
		c.metrics.GraphLatency.WithLabelValues(label, statusLabel).Observe(duration)
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if res.StatusCode >= 400 {
		c.logger.Warn("graph request failed", "endpoint", label, "status", res.StatusCode)
		return classifyHTTPError(res.StatusCode, bodyBytes)
	}

	if dest == nil || len(bytes.TrimSpace(bodyBytes)) == 0 {
		return nil
	}
	if err := json.Unmarshal(bodyBytes, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func classifyHTTPError(status int, body []byte) error {
	var env struct {
		Error *APIError `json:"error"`
	}
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, &env); err == nil && env.Error != nil {
		apiErr = env.Error
		apiErr.Status = status
	} else {
		apiErr.Message = strings.TrimSpace(string(body))
	}
	// Graph reports expired or invalid tokens as OAuthException code 190.
	if status == http.StatusUnauthorized || apiErr.Code == 190 {
		return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
	}
	return apiErr
}
