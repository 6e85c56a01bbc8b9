package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"omnidesk/internal/repo"

	"github.com/google/uuid"
)

// Notification types emitted by the ingestion core.
const (
	TypeAutomationFailed = "automation_failed"
	TypeWebhookUnrouted  = "webhook_unrouted"
)

// Emitter publishes notifications to the notification surface.
type Emitter interface {
	Emit(ctx context.Context, n repo.Notification) error
}

// StoreEmitter persists notifications through the repository.
type StoreEmitter struct {
	store  repo.NotificationStore
	logger *slog.Logger
}

// NewStoreEmitter creates a store-backed Emitter.
func NewStoreEmitter(store repo.NotificationStore, logger *slog.Logger) *StoreEmitter {
	return &StoreEmitter{store: store, logger: logger.With("component", "notify_store")}
}

func (e *StoreEmitter) Emit(ctx context.Context, n repo.Notification) error {
	saved, err := e.store.InsertNotification(ctx, n)
	if err != nil {
		return fmt.Errorf("store notification: %w", err)
	}
	e.logger.Debug("notification stored", "id", saved.ID, "type", saved.Type, "broadcast", saved.TenantID == nil)
	return nil
}

// Multi fans a notification out to every emitter and joins their errors.
// Every emitter sees the same notification id.
type Multi []Emitter

func (m Multi) Emit(ctx context.Context, n repo.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop drops every notification.
type Nop struct{}

func (Nop) Emit(context.Context, repo.Notification) error { return nil }

// ForTenant builds a tenant-scoped notification.
func ForTenant(tenantID, typ, title, message string, metadata map[string]any) repo.Notification {
	return repo.Notification{
		ID:       uuid.NewString(),
		TenantID: &tenantID,
		Type:     typ,
		Title:    title,
		Message:  message,
		Metadata: metadata,
	}
}

// Broadcast builds a notification without a tenant.
func Broadcast(typ, title, message string, metadata map[string]any) repo.Notification {
	return repo.Notification{
		ID:       uuid.NewString(),
		Type:     typ,
		Title:    title,
		Message:  message,
		Metadata: metadata,
	}
}
