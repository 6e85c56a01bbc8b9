package repo

import (
	"context"
	"io/fs"
)

// ConnectionStore exposes the channel identity store.
type ConnectionStore interface {
	// ResolveIdentifier looks up the identifier table by exact (channel, type, value).
	ResolveIdentifier(ctx context.Context, channel Channel, idType IdentifierType, value string) (*IdentifierMatch, error)
	GetChannelConnection(ctx context.Context, tenantID string, channel Channel) (*ChannelConnection, error)
	UpsertChannelConnection(ctx context.Context, conn ChannelConnection) (*ChannelConnection, error)
}

// ConversationStore is the find-or-create registry of conversation threads.
type ConversationStore interface {
	// FindOrCreateConversation returns the single row for key, creating it in HUMAN mode when absent.
	// updated_at is refreshed in both cases. created reports whether this call inserted the row.
	FindOrCreateConversation(ctx context.Context, key ConversationKey, initialHandle string) (conv *Conversation, created bool, err error)
	GetConversation(ctx context.Context, tenantID, id string) (*Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*Conversation, error)
	SetConversationMode(ctx context.Context, tenantID, id string, mode Mode) (*Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]Conversation, error)
}

// MessageStore persists inbound and outbound messages.
type MessageStore interface {
	// InsertInboundMessage atomically inserts an IN/CUSTOMER message unless
	// (tenant_id, external_message_id) already exists. inserted is false for duplicates.
	InsertInboundMessage(ctx context.Context, msg InboundMessage) (m *Message, inserted bool, err error)
	InsertOutboundMessage(ctx context.Context, msg OutboundMessage) (*Message, error)
	AttachExternalMessageID(ctx context.Context, messageID, externalID string) error
	UpdateMessageText(ctx context.Context, messageID, text string) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, tenantID, conversationID string, limit int) ([]Message, error)
	MarkConversationRead(ctx context.Context, tenantID, conversationID string) (int64, error)
}

// SettingsStore reads per-tenant agent settings.
type SettingsStore interface {
	GetAgentSettings(ctx context.Context, tenantID string) (*AgentSettings, error)
	UpsertAgentSettings(ctx context.Context, settings AgentSettings) error
}

// NotificationStore persists emitted notifications.
type NotificationStore interface {
	InsertNotification(ctx context.Context, n Notification) (*Notification, error)
}

// Repository defines the interface for data persistence.
type Repository interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	ConnectionStore
	ConversationStore
	MessageStore
	SettingsStore
	NotificationStore
}
