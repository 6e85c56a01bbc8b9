package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"omnidesk/internal/inbox"
	"omnidesk/internal/repo"
)

// ErrMalformedEntry marks a batch or entry whose shape could not be decoded.
var ErrMalformedEntry = errors.New("malformed webhook entry")

const (
	objectWhatsApp  = "whatsapp_business_account"
	objectInstagram = "instagram"
	objectPage      = "page"
)

// Item is one unit of work extracted from a delivery: either an Event or a
// malformed entry carrying its raw JSON.
type Item struct {
	Channel repo.Channel
	Event   *inbox.Event
	Raw     json.RawMessage
	Err     error
}

type batch struct {
	Object string            `json:"object"`
	Entry  []json.RawMessage `json:"entry"`
}

// ParseBatch splits a delivery body into items. Only an undecodable body or an unknown
// object type returns an error; per-entry problems are reported on the items.
func ParseBatch(body []byte) ([]Item, error) {
	var b batch
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, fmt.Errorf("%w: decode batch: %v", ErrMalformedEntry, err)
	}

	var parse func(json.RawMessage) ([]inbox.Event, error)
	var channel repo.Channel
	switch b.Object {
	case objectWhatsApp:
		parse, channel = parseWhatsAppEntry, repo.ChannelWhatsApp
	case objectInstagram, objectPage:
		parse, channel = parseInstagramEntry, repo.ChannelInstagram
	default:
		return nil, fmt.Errorf("%w: unsupported object %q", ErrMalformedEntry, b.Object)
	}

	items := make([]Item, 0, len(b.Entry))
	for _, raw := range b.Entry {
		events, err := parse(raw)
		if err != nil {
			items = append(items, Item{Channel: channel, Raw: raw, Err: err})
			continue
		}
		for i := range events {
			items = append(items, Item{Channel: channel, Event: &events[i], Raw: raw})
		}
	}
	return items, nil
}

// -- WhatsApp Cloud API --

type waEntry struct {
	ID      string     `json:"id"`
	Changes []waChange `json:"changes"`
}

type waChange struct {
	Field string  `json:"field"`
	Value waValue `json:"value"`
}

type waValue struct {
	MessagingProduct string `json:"messaging_product"`
	Metadata         struct {
		DisplayPhoneNumber string `json:"display_phone_number"`
		PhoneNumberID      string `json:"phone_number_id"`
	} `json:"metadata"`
	Contacts []struct {
		WaID    string `json:"wa_id"`
		Profile struct {
			Name string `json:"name"`
		} `json:"profile"`
	} `json:"contacts"`
	Messages []waMessage `json:"messages"`
}

type waMedia struct {
	ID       string `json:"id"`
	Caption  string `json:"caption"`
	MimeType string `json:"mime_type"`
	Link     string `json:"link"`
}

type waMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text"`
	Image    *waMedia `json:"image"`
	Audio    *waMedia `json:"audio"`
	Video    *waMedia `json:"video"`
	Document *waMedia `json:"document"`
	Sticker  *waMedia `json:"sticker"`
}

func (m waMessage) media() *waMedia {
	switch m.Type {
	case "image":
		return m.Image
	case "audio":
		return m.Audio
	case "video":
		return m.Video
	case "document":
		return m.Document
	case "sticker":
		return m.Sticker
	}
	return nil
}

func parseWhatsAppEntry(raw json.RawMessage) ([]inbox.Event, error) {
	var entry waEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	var events []inbox.Event
	for _, change := range entry.Changes {
		if change.Field != "" && change.Field != "messages" {
			continue
		}
		value := change.Value
		names := make(map[string]string, len(value.Contacts))
		for _, c := range value.Contacts {
			names[c.WaID] = strings.TrimSpace(c.Profile.Name)
		}
		for _, msg := range value.Messages {
			ev := inbox.Event{
				Channel:           repo.ChannelWhatsApp,
				RoutingID:         value.Metadata.PhoneNumberID,
				ExternalMessageID: msg.ID,
				SenderID:          msg.From,
				SenderName:        names[msg.From],
				MessageType:       msg.Type,
				Timestamp:         unixSeconds(msg.Timestamp),
			}
			if msg.Text != nil {
				ev.Text = msg.Text.Body
			}
			if media := msg.media(); media != nil {
				ev.Text = media.Caption
				ev.MediaURL = media.Link
				if ev.MediaURL == "" {
					ev.MediaURL = media.ID
				}
			}
			if ev.MessageType == "" {
				ev.MessageType = "text"
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// -- Instagram messaging --

type igEntry struct {
	ID        string        `json:"id"`
	Time      int64         `json:"time"`
	Messaging []igMessaging `json:"messaging"`
}

type igMessaging struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64      `json:"timestamp"`
	Message   *igMessage `json:"message"`
}

type igMessage struct {
	MID         string `json:"mid"`
	Text        string `json:"text"`
	IsEcho      bool   `json:"is_echo"`
	Attachments []struct {
		Type    string `json:"type"`
		Payload struct {
			URL string `json:"url"`
		} `json:"payload"`
	} `json:"attachments"`
}

func parseInstagramEntry(raw json.RawMessage) ([]inbox.Event, error) {
	var entry igEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEntry, err)
	}

	var events []inbox.Event
	for _, m := range entry.Messaging {
		// Reads, reactions and postbacks carry no message.
		if m.Message == nil || m.Message.IsEcho {
			continue
		}
		ev := inbox.Event{
			Channel:           repo.ChannelInstagram,
			RoutingID:         m.Recipient.ID,
			ExternalMessageID: m.Message.MID,
			SenderID:          m.Sender.ID,
			Text:              m.Message.Text,
			MessageType:       "text",
			Timestamp:         unixMillis(m.Timestamp),
		}
		if len(m.Message.Attachments) > 0 {
			first := m.Message.Attachments[0]
			ev.MediaURL = first.Payload.URL
			if first.Type != "" {
				ev.MessageType = first.Type
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

func unixMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func unixSeconds(s string) time.Time {
	secs, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || secs <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(secs, 0).UTC()
}
