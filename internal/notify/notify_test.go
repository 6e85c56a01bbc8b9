package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"omnidesk/internal/repo"
)

type recordingStore struct {
	saved []repo.Notification
	err   error
}

func (s *recordingStore) InsertNotification(_ context.Context, n repo.Notification) (*repo.Notification, error) {
	if s.err != nil {
		return nil, s.err
	}
	n.ID = "n-1"
	s.saved = append(s.saved, n)
	return &n, nil
}

// idStore keeps the caller's id like the repositories do.
type idStore struct {
	saved []repo.Notification
}

func (s *idStore) InsertNotification(_ context.Context, n repo.Notification) (*repo.Notification, error) {
	if n.ID == "" {
		n.ID = "generated"
	}
	s.saved = append(s.saved, n)
	return &n, nil
}

type recordingEmitter struct {
	got []repo.Notification
	err error
}

func (e *recordingEmitter) Emit(_ context.Context, n repo.Notification) error {
	e.got = append(e.got, n)
	return e.err
}

func TestStoreEmitter(t *testing.T) {
	store := &recordingStore{}
	e := NewStoreEmitter(store, slog.New(slog.NewTextHandler(io.Discard, nil)))

	if err := e.Emit(context.Background(), ForTenant("t1", TypeAutomationFailed, "title", "msg", nil)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(store.saved) != 1 || *store.saved[0].TenantID != "t1" {
		t.Fatalf("unexpected saved notifications: %+v", store.saved)
	}

	store.err = errors.New("db down")
	if err := e.Emit(context.Background(), Broadcast(TypeWebhookUnrouted, "t", "m", nil)); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestMultiEmitsToAllAndJoinsErrors(t *testing.T) {
	first := &recordingEmitter{err: errors.New("first down")}
	second := &recordingEmitter{}
	m := Multi{first, nil, second}

	err := m.Emit(context.Background(), Broadcast(TypeWebhookUnrouted, "t", "m", nil))
	if err == nil || err.Error() != "first down" {
		t.Fatalf("expected joined error, got %v", err)
	}
	if len(first.got) != 1 || len(second.got) != 1 {
		t.Fatalf("every emitter should receive the notification")
	}
}

func TestMultiSharesNotificationID(t *testing.T) {
	store := &idStore{}
	first := &recordingEmitter{}
	m := Multi{NewStoreEmitter(store, slog.New(slog.NewTextHandler(io.Discard, nil))), first}

	if err := m.Emit(context.Background(), repo.Notification{Type: TypeWebhookUnrouted, Title: "t", Message: "m"}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(store.saved) != 1 || len(first.got) != 1 {
		t.Fatalf("every emitter should receive the notification")
	}
	id := store.saved[0].ID
	if id == "" || first.got[0].ID != id {
		t.Fatalf("stored id %q and emitted id %q differ", id, first.got[0].ID)
	}
	env := buildEnvelope(first.got[0], "omnidesk", time.Now())
	data, ok := env.Data.(notificationData)
	if !ok || env.Meta.ID != id || data.ID != id {
		t.Fatalf("envelope id %q should match stored id %q", env.Meta.ID, id)
	}
}

func TestBuildersAssignID(t *testing.T) {
	a := ForTenant("t1", TypeAutomationFailed, "t", "m", nil)
	b := Broadcast(TypeWebhookUnrouted, "t", "m", nil)
	if a.ID == "" || b.ID == "" || a.ID == b.ID {
		t.Fatalf("builders should assign distinct ids, got %q and %q", a.ID, b.ID)
	}
}

func TestBroadcastHasNoTenant(t *testing.T) {
	n := Broadcast(TypeWebhookUnrouted, "Unrouted webhook", "no tenant", map[string]any{"routing_id": "PN9"})
	if n.TenantID != nil {
		t.Fatalf("broadcast should not carry a tenant")
	}
}

func TestBuildEnvelope(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	n := ForTenant("t1", TypeAutomationFailed, "title", "msg", map[string]any{"conversation_id": "c-1"})

	env := buildEnvelope(n, "omnidesk", now)
	if env.Meta.ID == "" {
		t.Fatalf("envelope id should be generated")
	}
	if env.Meta.Type != "notification.automation_failed.v1" {
		t.Fatalf("type = %q", env.Meta.Type)
	}
	if env.Meta.CorrelationID == nil || *env.Meta.CorrelationID != "c-1" {
		t.Fatalf("correlation id should follow the conversation")
	}
	if env.Meta.Producer == nil || *env.Meta.Producer != "omnidesk" {
		t.Fatalf("producer missing")
	}

	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Meta struct {
			Time time.Time `json:"time"`
		} `json:"meta"`
		Data struct {
			ID       string  `json:"id"`
			TenantID *string `json:"tenant_id"`
			Type     string  `json:"type"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Meta.Time.Equal(now) || decoded.Data.Type != TypeAutomationFailed || *decoded.Data.TenantID != "t1" || decoded.Data.ID != env.Meta.ID {
		t.Fatalf("unexpected wire format: %s", raw)
	}
}
