package inbox

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"omnidesk/internal/repo"
)

// ErrMalformedEvent marks an event missing a field ingestion depends on.
var ErrMalformedEvent = errors.New("malformed event")

// Event is a channel-independent inbound customer message.
type Event struct {
	Channel           repo.Channel `json:"channel"`
	RoutingID         string       `json:"routing_id"`
	ExternalMessageID string       `json:"external_message_id"`
	SenderID          string       `json:"sender_id"`
	SenderName        string       `json:"sender_name,omitempty"`
	Text              string       `json:"text"`
	MessageType       string       `json:"message_type"`
	MediaURL          string       `json:"media_url,omitempty"`
	Timestamp         time.Time    `json:"timestamp"`
}

// Validate checks the fields required to route and deduplicate the event.
func (e Event) Validate() error {
	var missing []string
	if !e.Channel.Valid() {
		missing = append(missing, "channel")
	}
	if strings.TrimSpace(e.RoutingID) == "" {
		missing = append(missing, "routing_id")
	}
	if strings.TrimSpace(e.ExternalMessageID) == "" {
		missing = append(missing, "external_message_id")
	}
	if strings.TrimSpace(e.SenderID) == "" {
		missing = append(missing, "sender_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedEvent, strings.Join(missing, ", "))
	}
	return nil
}

// handle is the initial customer handle of a new conversation.
func (e Event) handle() string {
	if name := strings.TrimSpace(e.SenderName); name != "" {
		return name
	}
	return e.SenderID
}
