package repo

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row does not exist (or belongs to another tenant).
var ErrNotFound = errors.New("not found")

// Channel is one of the supported external messaging platforms.
type Channel string

const (
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelInstagram Channel = "instagram"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelInstagram
}

// IdentifierType names one provider-issued identifier of a channel connection.
type IdentifierType string

const (
	IdentifierPhoneNumberID       IdentifierType = "phone_number_id"
	IdentifierLegacyPhoneNumberID IdentifierType = "legacy_phone_number_id"
	IdentifierWABAID              IdentifierType = "waba_id"
	IdentifierIGBusinessAccountID IdentifierType = "ig_business_account_id"
	IdentifierPageID              IdentifierType = "page_id"
)

// ConnectionStatus of a channel connection.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
)

// Mode governs whether inbound messages trigger automated response dispatch.
type Mode string

const (
	ModeBot   Mode = "BOT"
	ModeHuman Mode = "HUMAN"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeBot || m == ModeHuman
}

// Toggle returns the opposite mode.
func (m Mode) Toggle() Mode {
	if m == ModeBot {
		return ModeHuman
	}
	return ModeBot
}

// Direction of a message relative to the tenant.
type Direction string

const (
	DirectionIn  Direction = "IN"
	DirectionOut Direction = "OUT"
)

// Sender identifies who authored a message.
type Sender string

const (
	SenderCustomer Sender = "CUSTOMER"
	SenderHuman    Sender = "HUMAN"
	SenderBot      Sender = "BOT"
)

// ChannelConnection represents one (tenant, channel) connection row with its identifier set.
type ChannelConnection struct {
	ID          string
	TenantID    string
	Channel     Channel
	Status      ConnectionStatus
	AccessToken string
	Identifiers map[IdentifierType]string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Identifier returns the identifier value of the given type, or "".
func (c *ChannelConnection) Identifier(t IdentifierType) string {
	if c == nil || c.Identifiers == nil {
		return ""
	}
	return c.Identifiers[t]
}

// IdentifierMatch is a single row of the typed identifier lookup table.
type IdentifierMatch struct {
	TenantID     string
	ConnectionID string
	Channel      Channel
	Type         IdentifierType
	Value        string
	Status       ConnectionStatus
}

// Conversation is a thread between a tenant and one customer contact on one channel.
type Conversation struct {
	ID               string
	TenantID         string
	Channel          Channel
	ExternalThreadID string
	CustomerHandle   string
	Mode             Mode
	ProfilePic       *string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationKey uniquely identifies a conversation.
type ConversationKey struct {
	TenantID         string
	Channel          Channel
	ExternalThreadID string
}

// Message represents a messages table row.
type Message struct {
	ID                string
	TenantID          string
	ConversationID    string
	Direction         Direction
	Sender            Sender
	Text              string
	MediaURL          *string
	MessageType       string
	ExternalMessageID *string
	IsRead            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// InboundMessage carries the fields needed to ingest a customer message.
type InboundMessage struct {
	TenantID          string
	ConversationID    string
	ExternalMessageID string
	Text              string
	MediaURL          *string
	MessageType       string
}

// OutboundMessage carries the fields needed to record a locally authored message.
type OutboundMessage struct {
	TenantID       string
	ConversationID string
	Sender         Sender
	Text           string
	MediaURL       *string
	MessageType    string
}

// AgentSettings holds per-tenant automation settings.
type AgentSettings struct {
	TenantID             string
	AIOperationalEnabled bool
	AutomationEndpoint   *string
	UpdatedAt            time.Time
}

// Endpoint returns the configured automation endpoint, or "".
func (s *AgentSettings) Endpoint() string {
	if s == nil || s.AutomationEndpoint == nil {
		return ""
	}
	return *s.AutomationEndpoint
}

// Notification is emitted for a tenant, or broadcast when TenantID is nil.
type Notification struct {
	ID        string
	TenantID  *string
	Type      string
	Title     string
	Message   string
	Metadata  map[string]any
	CreatedAt time.Time
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	TenantID string
	Channel  Channel
	Mode     Mode
	Limit    int
}
