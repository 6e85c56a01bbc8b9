package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"omnidesk/internal/deadletter"
	"omnidesk/internal/inbox"
	"omnidesk/internal/metrics"
	"omnidesk/internal/tenant"
)

const (
	defaultMaxBodyBytes = 1 << 20
	signatureHeader     = "X-Hub-Signature-256"
)

// Processor ingests one normalized event.
type Processor interface {
	Process(ctx context.Context, ev inbox.Event) (*inbox.Result, error)
}

// Config holds the receiver's secrets.
type Config struct {
	VerifyToken  string
	AppSecret    string
	MaxBodyBytes int64
}

// Receiver answers the provider handshake and turns deliveries into engine calls.
// A delivery is always acknowledged with 200; failures are logged, counted and dead-lettered.
type Receiver struct {
	cfg       Config
	processor Processor
	dead      deadletter.Sink
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// New creates a Receiver.
func New(cfg Config, processor Processor, dead deadletter.Sink, logger *slog.Logger, metricRegistry *metrics.Metrics) *Receiver {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Receiver{
		cfg:       cfg,
		processor: processor,
		dead:      dead,
		logger:    logger.With("component", "webhook"),
		metrics:   metricRegistry,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *Receiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.handshake(w, r)
	case http.MethodPost:
		h.deliver(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Receiver) handshake(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	mode := q.Get("hub.mode")
	token := q.Get("hub.verify_token")
	challenge := q.Get("hub.challenge")

	if mode != "subscribe" || !h.tokenMatches(token) {
		h.logger.Warn("webhook verification rejected", "mode", mode)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, challenge)
}

func (h *Receiver) tokenMatches(token string) bool {
	if h.cfg.VerifyToken == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.VerifyToken)) == 1
}

func (h *Receiver) deliver(w http.ResponseWriter, r *http.Request) {
	// Processing must not stop when the provider hangs up.
	ctx := context.WithoutCancel(r.Context())

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))
	defer r.Body.Close()
	if err != nil {
		h.logger.Warn("failed reading webhook body", "error", err)
		h.countEntry("unknown", "malformed")
		h.deadLetter(ctx, deadletter.ReasonMalformed, "", nil, err)
		acknowledge(w)
		return
	}

	if !h.signatureValid(r.Header.Get(signatureHeader), body) {
		h.logger.Warn("webhook signature mismatch")
		h.countEntry("unknown", "malformed")
		h.deadLetter(ctx, deadletter.ReasonMalformed, "", body, errors.New("signature mismatch"))
		acknowledge(w)
		return
	}

	items, err := ParseBatch(body)
	if err != nil {
		h.logger.Warn("failed parsing webhook batch", "error", err)
		h.countEntry("unknown", "malformed")
		h.deadLetter(ctx, deadletter.ReasonMalformed, "", body, err)
		acknowledge(w)
		return
	}

	for _, item := range items {
		h.handleItem(ctx, item)
	}
	acknowledge(w)
}

// handleItem isolates one item; nothing it does can affect its siblings.
func (h *Receiver) handleItem(ctx context.Context, item Item) {
	channel := string(item.Channel)
	if item.Err != nil {
		h.logger.Warn("skipping malformed webhook entry", "channel", channel, "error", item.Err)
		h.countEntry(channel, "malformed")
		h.deadLetter(ctx, deadletter.ReasonMalformed, channel, item.Raw, item.Err)
		return
	}

	ev := *item.Event
	res, err := h.processor.Process(ctx, ev)
	if err == nil {
		outcome := "processed"
		if res != nil && res.Duplicate {
			outcome = "duplicate"
		}
		h.countEntry(channel, outcome)
		return
	}

	payload, encErr := json.Marshal(ev)
	if encErr != nil {
		payload = item.Raw
	}
	logAttrs := []any{
		"channel", channel,
		"routing_id", ev.RoutingID,
		"external_message_id", ev.ExternalMessageID,
		"error", err,
	}
	switch {
	case errors.Is(err, inbox.ErrMalformedEvent):
		h.logger.Warn("skipping malformed webhook event", logAttrs...)
		h.countEntry(channel, "malformed")
		h.deadLetter(ctx, deadletter.ReasonMalformed, channel, payload, err)
	case errors.Is(err, tenant.ErrUnresolved):
		h.logger.Warn("dropping webhook event for unknown tenant", logAttrs...)
		h.countEntry(channel, "unresolved")
		h.deadLetter(ctx, deadletter.ReasonUnresolvedTenant, channel, payload, err)
	default:
		h.logger.Error("failed processing webhook event", logAttrs...)
		h.countEntry(channel, "failed")
		if h.metrics != nil {
			h.metrics.Errors.WithLabelValues("webhook").Inc()
		}
		h.deadLetter(ctx, deadletter.ReasonProcessingFailed, channel, payload, err)
	}
}

// signatureValid checks the sha256 HMAC of body when an app secret is configured.
func (h *Receiver) signatureValid(header string, body []byte) bool {
	if h.cfg.AppSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.cfg.AppSecret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

func (h *Receiver) deadLetter(ctx context.Context, reason deadletter.Reason, channel string, payload []byte, cause error) {
	if h.dead == nil {
		return
	}
	entry := deadletter.Entry{Reason: reason, Channel: channel}
	if len(payload) > 0 && json.Valid(payload) {
		entry.Payload = json.RawMessage(payload)
	} else if len(payload) > 0 {
		raw, _ := json.Marshal(string(payload))
		entry.Payload = raw
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := h.dead.Record(ctx, entry); err != nil {
		h.logger.Error("failed recording dead letter", "reason", reason, "error", err)
	}
}

func (h *Receiver) countEntry(channel, outcome string) {
	if h.metrics != nil {
		h.metrics.WebhookEntries.WithLabelValues(channel, outcome).Inc()
	}
}

func acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
