package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"omnidesk/internal/automation"
	"omnidesk/internal/deadletter"
	"omnidesk/internal/metrics"
	"omnidesk/internal/notify"
	"omnidesk/internal/repo"
	"omnidesk/internal/tenant"
)

// TenantResolver maps a routing identifier to its tenant.
type TenantResolver interface {
	Resolve(ctx context.Context, channel repo.Channel, routingID string) (*tenant.Resolution, error)
}

// AutomationQueue accepts automation jobs without blocking.
type AutomationQueue interface {
	Enqueue(ctx context.Context, job automation.Job) error
}

// Stores groups the persistence collaborators of the engine.
type Stores struct {
	Conversations repo.ConversationStore
	Messages      repo.MessageStore
	Settings      repo.SettingsStore
}

// Result describes what ingestion of one event did.
type Result struct {
	TenantID            string
	ConversationID      string
	MessageID           string
	ConversationCreated bool
	Duplicate           bool
	Dispatched          bool
}

// Engine drives one inbound event through resolution, persistence and the mode router.
type Engine struct {
	resolver   TenantResolver
	stores     Stores
	automation AutomationQueue
	notifier   notify.Emitter
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// New creates an Engine.
func New(resolver TenantResolver, stores Stores, queue AutomationQueue, notifier notify.Emitter, logger *slog.Logger, metricRegistry *metrics.Metrics) *Engine {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Engine{
		resolver:   resolver,
		stores:     stores,
		automation: queue,
		notifier:   notifier,
		logger:     logger.With("component", "inbox"),
		metrics:    metricRegistry,
	}
}

// ShouldDispatch is the mode router gate: automation runs only when the tenant enabled it,
// configured an endpoint, and the conversation is in BOT mode.
func ShouldDispatch(settings *repo.AgentSettings, mode repo.Mode) bool {
	return settings != nil &&
		settings.AIOperationalEnabled &&
		settings.Endpoint() != "" &&
		mode == repo.ModeBot
}

// Process ingests ev. Errors wrap ErrMalformedEvent or tenant.ErrUnresolved where they apply;
// anything else is a processing failure. Automation failures are never returned.
func (e *Engine) Process(ctx context.Context, ev Event) (*Result, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	res, err := e.resolver.Resolve(ctx, ev.Channel, ev.RoutingID)
	if err != nil {
		if errors.Is(err, tenant.ErrUnresolved) {
			e.emitUnrouted(ctx, ev)
		}
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}

	conv, created, err := e.stores.Conversations.FindOrCreateConversation(ctx, repo.ConversationKey{
		TenantID:         res.TenantID,
		Channel:          ev.Channel,
		ExternalThreadID: ev.SenderID,
	}, ev.handle())
	if err != nil {
		e.countError()
		return nil, fmt.Errorf("find or create conversation: %w", err)
	}
	if created && e.metrics != nil {
		e.metrics.ConversationsCreated.WithLabelValues(string(ev.Channel)).Inc()
	}

	in := repo.InboundMessage{
		TenantID:          res.TenantID,
		ConversationID:    conv.ID,
		ExternalMessageID: ev.ExternalMessageID,
		Text:              ev.Text,
		MessageType:       ev.MessageType,
	}
	if ev.MediaURL != "" {
		media := ev.MediaURL
		in.MediaURL = &media
	}
	msg, inserted, err := e.stores.Messages.InsertInboundMessage(ctx, in)
	if err != nil {
		e.countError()
		return nil, fmt.Errorf("ingest inbound message: %w", err)
	}

	result := &Result{
		TenantID:            res.TenantID,
		ConversationID:      conv.ID,
		ConversationCreated: created,
		Duplicate:           !inserted,
	}
	if !inserted {
		e.countMessage("duplicate")
		e.logger.Debug("duplicate delivery ignored",
			"tenant_id", res.TenantID, "channel", ev.Channel, "external_message_id", ev.ExternalMessageID)
		return result, nil
	}
	e.countMessage("inserted")
	result.MessageID = msg.ID

	result.Dispatched = e.route(ctx, ev, conv, msg)
	return result, nil
}

// route re-reads the tenant's settings and enqueues automation when the gate is open.
func (e *Engine) route(ctx context.Context, ev Event, conv *repo.Conversation, msg *repo.Message) bool {
	settings, err := e.stores.Settings.GetAgentSettings(ctx, conv.TenantID)
	if err != nil {
		e.countError()
		e.logger.Error("failed reading agent settings, automation skipped",
			"tenant_id", conv.TenantID, "conversation_id", conv.ID, "error", err)
		return false
	}
	if !ShouldDispatch(settings, conv.Mode) {
		return false
	}
	if e.automation == nil {
		return false
	}

	job := automation.Job{
		Endpoint: settings.Endpoint(),
		Payload: automation.Payload{
			Message:           ev.Text,
			ConversationID:    conv.ID,
			TenantID:          conv.TenantID,
			SenderID:          ev.SenderID,
			Channel:           string(ev.Channel),
			MessageID:         msg.ID,
			ExternalMessageID: ev.ExternalMessageID,
			MessageType:       msg.MessageType,
			MediaURL:          ev.MediaURL,
			Timestamp:         ev.Timestamp,
		},
	}
	if err := e.automation.Enqueue(ctx, job); err != nil {
		e.logger.Warn("automation not enqueued",
			"tenant_id", conv.TenantID, "conversation_id", conv.ID, "error", err)
		return false
	}
	return true
}

// Replay feeds a dead-lettered event back through Process.
func (e *Engine) Replay(ctx context.Context, entry deadletter.Entry) error {
	var ev Event
	if err := json.Unmarshal(entry.Payload, &ev); err != nil {
		return fmt.Errorf("decode dead-lettered event: %w", err)
	}
	_, err := e.Process(ctx, ev)
	return err
}

func (e *Engine) emitUnrouted(ctx context.Context, ev Event) {
	n := notify.Broadcast(notify.TypeWebhookUnrouted,
		"Unrouted webhook event",
		fmt.Sprintf("No connected %s channel owns routing id %s.", ev.Channel, ev.RoutingID),
		map[string]any{
			"channel":             string(ev.Channel),
			"routing_id":          ev.RoutingID,
			"external_message_id": ev.ExternalMessageID,
			"received_at":         time.Now().UTC().Format(time.RFC3339),
		})
	if err := e.notifier.Emit(ctx, n); err != nil {
		e.logger.Warn("failed emitting unrouted notification", "routing_id", ev.RoutingID, "error", err)
	}
}

func (e *Engine) countMessage(outcome string) {
	if e.metrics != nil {
		e.metrics.MessagesIngested.WithLabelValues(string(repo.DirectionIn), outcome).Inc()
	}
}

func (e *Engine) countError() {
	if e.metrics != nil {
		e.metrics.Errors.WithLabelValues("inbox").Inc()
	}
}
