package outbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"omnidesk/internal/graph"
	"omnidesk/internal/metrics"
	"omnidesk/internal/repo"
	"omnidesk/internal/tenant"
)

// DefaultEditWindow bounds how long after creation a human message may be edited.
const DefaultEditWindow = 15 * time.Minute

// ErrEmptyMessage is returned when a send carries neither text nor media.
var ErrEmptyMessage = errors.New("message has no text or media")

// ErrInvalidMode is returned for a mode other than BOT or HUMAN.
var ErrInvalidMode = errors.New("invalid conversation mode")

// EditReason names the precondition an edit failed.
type EditReason string

const (
	ReasonWrongSender        EditReason = "wrong_sender"
	ReasonUnsupportedChannel EditReason = "unsupported_channel"
	ReasonWindowExpired      EditReason = "window_expired"
	ReasonMissingProviderID  EditReason = "missing_provider_id"
	ReasonProviderRejected   EditReason = "provider_rejected"
)

// EditError reports a refused or failed edit. The local row is unchanged.
type EditError struct {
	Reason EditReason
	Err    error
}

func (e *EditError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("edit rejected (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("edit rejected (%s)", e.Reason)
}

func (e *EditError) Unwrap() error { return e.Err }

// DeliveryError reports a message that was recorded locally but not delivered.
type DeliveryError struct {
	Message *repo.Message
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message recorded locally but not delivered: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// ChannelAPI sends and edits messages on the provider side.
type ChannelAPI interface {
	SendMessage(ctx context.Context, creds graph.Credentials, channel repo.Channel, req graph.SendRequest) (string, error)
	EditMessage(ctx context.Context, creds graph.Credentials, channel repo.Channel, req graph.EditRequest) error
}

// Stores groups the persistence collaborators of the service.
type Stores struct {
	Connections   repo.ConnectionStore
	Conversations repo.ConversationStore
	Messages      repo.MessageStore
}

// Config tunes the service.
type Config struct {
	EditWindow time.Duration
}

// SendInput is a human-authored reply.
type SendInput struct {
	Text        string
	MediaURL    string
	MessageType string
}

// Service carries agent actions out to the channel: send, edit and mode changes.
type Service struct {
	api     ChannelAPI
	stores  Stores
	window  time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a Service.
func New(api ChannelAPI, stores Stores, cfg Config, logger *slog.Logger, metricRegistry *metrics.Metrics) *Service {
	window := cfg.EditWindow
	if window <= 0 {
		window = DefaultEditWindow
	}
	return &Service{
		api:     api,
		stores:  stores,
		window:  window,
		logger:  logger.With("component", "outbound"),
		metrics: metricRegistry,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SendHumanMessage records the reply and then delivers it. The local row is kept when
// delivery fails; the failure is returned as a *DeliveryError carrying that row.
func (s *Service) SendHumanMessage(ctx context.Context, tenantID, conversationID string, in SendInput) (*repo.Message, error) {
	text := strings.TrimSpace(in.Text)
	media := strings.TrimSpace(in.MediaURL)
	if text == "" && media == "" {
		return nil, ErrEmptyMessage
	}

	conv, err := s.stores.Conversations.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	out := repo.OutboundMessage{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Sender:         repo.SenderHuman,
		Text:           text,
		MessageType:    in.MessageType,
	}
	if media != "" {
		out.MediaURL = &media
	}
	msg, err := s.stores.Messages.InsertOutboundMessage(ctx, out)
	if err != nil {
		return nil, fmt.Errorf("record outbound message: %w", err)
	}

	creds, err := s.credentials(ctx, tenantID, conv.Channel)
	if err != nil {
		s.count(conv.Channel, "send", "failed")
		return msg, &DeliveryError{Message: msg, Err: err}
	}

	providerID, err := s.api.SendMessage(ctx, creds, conv.Channel, graph.SendRequest{
		To:       conv.ExternalThreadID,
		Text:     text,
		MediaURL: media,
		Type:     msg.MessageType,
	})
	if err != nil {
		s.count(conv.Channel, "send", "failed")
		s.logger.Warn("outbound delivery failed",
			"tenant_id", tenantID, "conversation_id", conv.ID, "message_id", msg.ID, "channel", conv.Channel, "error", err)
		return msg, &DeliveryError{Message: msg, Err: err}
	}
	s.count(conv.Channel, "send", "delivered")

	// A failed attach leaves the message delivered but not editable.
	if err := s.stores.Messages.AttachExternalMessageID(ctx, msg.ID, providerID); err != nil {
		s.logger.Error("failed attaching provider message id",
			"tenant_id", tenantID, "message_id", msg.ID, "provider_message_id", providerID, "error", err)
		if s.metrics != nil {
			s.metrics.Errors.WithLabelValues("outbound").Inc()
		}
		return msg, nil
	}
	msg.ExternalMessageID = &providerID
	return msg, nil
}

// EditOutbound replaces the text of a delivered human message. Preconditions are checked
// in a fixed order and reported as *EditError. The provider is called before the local update.
func (s *Service) EditOutbound(ctx context.Context, tenantID, messageID, text string) (*repo.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	msg, err := s.stores.Messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}
	if msg.TenantID != tenantID {
		return nil, fmt.Errorf("load message: %w", repo.ErrNotFound)
	}
	conv, err := s.stores.Conversations.GetConversation(ctx, tenantID, msg.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	if reason, ok := s.checkEditable(msg, conv); !ok {
		s.count(conv.Channel, "edit", string(reason))
		return nil, &EditError{Reason: reason}
	}

	creds, err := s.credentials(ctx, tenantID, conv.Channel)
	if err != nil {
		s.count(conv.Channel, "edit", string(ReasonProviderRejected))
		return nil, &EditError{Reason: ReasonProviderRejected, Err: err}
	}
	if err := s.api.EditMessage(ctx, creds, conv.Channel, graph.EditRequest{
		To:                conv.ExternalThreadID,
		ProviderMessageID: *msg.ExternalMessageID,
		Text:              text,
	}); err != nil {
		s.count(conv.Channel, "edit", string(ReasonProviderRejected))
		s.logger.Warn("provider rejected edit", "tenant_id", tenantID, "message_id", msg.ID, "error", err)
		return nil, &EditError{Reason: ReasonProviderRejected, Err: err}
	}

	if err := s.stores.Messages.UpdateMessageText(ctx, msg.ID, text); err != nil {
		return nil, fmt.Errorf("update message text: %w", err)
	}
	s.count(conv.Channel, "edit", "edited")
	msg.Text = text
	return msg, nil
}

func (s *Service) checkEditable(msg *repo.Message, conv *repo.Conversation) (EditReason, bool) {
	if msg.Direction != repo.DirectionOut || msg.Sender != repo.SenderHuman {
		return ReasonWrongSender, false
	}
	if !graph.SupportsEdit(conv.Channel) {
		return ReasonUnsupportedChannel, false
	}
	if s.now().Sub(msg.CreatedAt) >= s.window {
		return ReasonWindowExpired, false
	}
	if msg.ExternalMessageID == nil || *msg.ExternalMessageID == "" {
		return ReasonMissingProviderID, false
	}
	return "", true
}

// SetMode moves a conversation to mode.
func (s *Service) SetMode(ctx context.Context, tenantID, conversationID string, mode repo.Mode) (*repo.Conversation, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	conv, err := s.stores.Conversations.SetConversationMode(ctx, tenantID, conversationID, mode)
	if err != nil {
		return nil, fmt.Errorf("set conversation mode: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ModeChanges.WithLabelValues(string(mode)).Inc()
	}
	s.logger.Info("conversation mode changed", "tenant_id", tenantID, "conversation_id", conversationID, "mode", mode)
	return conv, nil
}

// ToggleMode flips a conversation between BOT and HUMAN.
func (s *Service) ToggleMode(ctx context.Context, tenantID, conversationID string) (*repo.Conversation, error) {
	conv, err := s.stores.Conversations.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return s.SetMode(ctx, tenantID, conversationID, conv.Mode.Toggle())
}

func (s *Service) credentials(ctx context.Context, tenantID string, channel repo.Channel) (graph.Credentials, error) {
	conn, err := s.stores.Connections.GetChannelConnection(ctx, tenantID, channel)
	if err != nil {
		return graph.Credentials{}, fmt.Errorf("load %s connection: %w", channel, err)
	}
	if conn.Status != repo.ConnectionConnected {
		return graph.Credentials{}, fmt.Errorf("%s connection is %s", channel, conn.Status)
	}
	sender := conn.Identifier(tenant.PrimaryIdentifier(channel))
	if sender == "" {
		return graph.Credentials{}, fmt.Errorf("%s connection has no %s", channel, tenant.PrimaryIdentifier(channel))
	}
	return graph.Credentials{AccessToken: conn.AccessToken, SenderID: sender}, nil
}

func (s *Service) count(channel repo.Channel, operation, outcome string) {
	if s.metrics != nil {
		s.metrics.OutboundRequests.WithLabelValues(string(channel), operation, outcome).Inc()
	}
}
