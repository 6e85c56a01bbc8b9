package graph

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"omnidesk/internal/repo"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(Config{BaseURL: srv.URL, APIVersion: "v21.0"}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestSendWhatsAppText(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v21.0/PN1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messaging_product":"whatsapp","messages":[{"id":"wamid.OUT1"}]}`))
	})

	id, err := client.SendMessage(context.Background(), Credentials{AccessToken: "tok", SenderID: "PN1"}, repo.ChannelWhatsApp, SendRequest{To: "+905550000001", Text: "hello"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "wamid.OUT1" {
		t.Fatalf("id = %q", id)
	}
	if got["type"] != "text" || got["to"] != "+905550000001" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSendWhatsAppMedia(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.IMG"}]}`))
	})

	_, err := client.SendMessage(context.Background(), Credentials{SenderID: "PN1"}, repo.ChannelWhatsApp, SendRequest{To: "x", Text: "look", MediaURL: "https://cdn/x.png", Type: "image"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	image, ok := got["image"].(map[string]any)
	if !ok || image["link"] != "https://cdn/x.png" || image["caption"] != "look" {
		t.Fatalf("unexpected media payload: %v", got)
	}
}

func TestSendInstagram(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v21.0/IG1/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"recipient_id":"igsid","message_id":"mid.1"}`))
	})

	id, err := client.SendMessage(context.Background(), Credentials{SenderID: "IG1"}, repo.ChannelInstagram, SendRequest{To: "igsid", Text: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if id != "mid.1" {
		t.Fatalf("id = %q", id)
	}
	recipient, _ := got["recipient"].(map[string]any)
	if recipient["id"] != "igsid" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestSendErrorClassification(t *testing.T) {
	cases := []struct {
		name         string
		status       int
		body         string
		unauthorized bool
		retryable    bool
	}{
		{"expired token", http.StatusBadRequest, `{"error":{"message":"Session expired","type":"OAuthException","code":190}}`, true, false},
		{"http 401", http.StatusUnauthorized, `nope`, true, false},
		{"rate limited", http.StatusTooManyRequests, `{"error":{"message":"slow down","code":4}}`, false, true},
		{"bad param", http.StatusBadRequest, `{"error":{"message":"bad","code":100}}`, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})
			_, err := client.SendMessage(context.Background(), Credentials{SenderID: "PN1"}, repo.ChannelWhatsApp, SendRequest{To: "x", Text: "y"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if errors.Is(err, ErrUnauthorized) != tc.unauthorized {
				t.Fatalf("unauthorized mismatch: %v", err)
			}
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %T", err)
			}
			if apiErr.Retryable() != tc.retryable {
				t.Fatalf("retryable = %v", apiErr.Retryable())
			}
		})
	}
}

func TestSendMissingMessageID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"messages":[]}`))
	})
	_, err := client.SendMessage(context.Background(), Credentials{SenderID: "PN1"}, repo.ChannelWhatsApp, SendRequest{To: "x", Text: "y"})
	if !errors.Is(err, ErrMissingMessageID) {
		t.Fatalf("expected ErrMissingMessageID, got %v", err)
	}
}

func TestEditMessage(t *testing.T) {
	var got map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"success":true}`))
	})

	err := client.EditMessage(context.Background(), Credentials{SenderID: "PN1"}, repo.ChannelWhatsApp, EditRequest{To: "x", ProviderMessageID: "wamid.1", Text: "fixed"})
	if err != nil {
		t.Fatalf("EditMessage: %v", err)
	}
	edit, _ := got["edit"].(map[string]any)
	if edit["message_id"] != "wamid.1" {
		t.Fatalf("unexpected payload: %v", got)
	}

	err = client.EditMessage(context.Background(), Credentials{SenderID: "IG1"}, repo.ChannelInstagram, EditRequest{ProviderMessageID: "m", Text: "x"})
	if !errors.Is(err, ErrEditUnsupported) {
		t.Fatalf("expected ErrEditUnsupported, got %v", err)
	}
}
