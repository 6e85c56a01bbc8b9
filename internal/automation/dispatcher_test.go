package automation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omnidesk/internal/deadletter"
	"omnidesk/internal/repo"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []repo.Notification
}

func (n *recordingNotifier) Emit(_ context.Context, notification repo.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, notification)
	return nil
}

func (n *recordingNotifier) all() []repo.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]repo.Notification(nil), n.got...)
}

type blockingPoster struct {
	release chan struct{}
}

func (p *blockingPoster) Post(ctx context.Context, _ string, _ Payload) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func fastConfig(attempts int) Config {
	return Config{Workers: 1, QueueSize: 4, MaxAttempts: attempts, BackoffBase: time.Millisecond, BackoffCap: 2 * time.Millisecond}
}

func TestDispatcherPostsPayload(t *testing.T) {
	received := make(chan Payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var p Payload
		_ = json.NewDecoder(r.Body).Decode(&p)
		received <- p
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	d := NewDispatcher(fastConfig(3), NewClient(time.Second, nil), nil, nil, testLogger(), nil)
	d.Start(context.Background())
	defer d.Stop()

	require.NoError(t, d.Enqueue(context.Background(), Job{Endpoint: srv.URL, Payload: Payload{
		Message: "hi", ConversationID: "c1", TenantID: "t1", SenderID: "+90555", Channel: "whatsapp",
	}}))

	select {
	case p := <-received:
		assert.Equal(t, "t1", p.TenantID)
		assert.Equal(t, "c1", p.ConversationID)
		assert.Equal(t, "hi", p.Message)
		assert.Equal(t, "+90555", p.SenderID)
		assert.Equal(t, "whatsapp", p.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("automation endpoint was not called")
	}
}

func TestDispatcherRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		close(done)
	}))
	defer srv.Close()

	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	d := NewDispatcher(fastConfig(5), NewClient(time.Second, nil), sink, nil, testLogger(), nil)
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), Job{Endpoint: srv.URL, Payload: Payload{TenantID: "t1"}}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not retry to success")
	}
	d.Stop()
	assert.Equal(t, int32(3), calls.Load())
	assert.Empty(t, sink.Entries())
}

func TestDispatcherExhaustionDeadLettersAndNotifies(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	notifier := &recordingNotifier{}
	d := NewDispatcher(fastConfig(3), NewClient(time.Second, nil), sink, notifier, testLogger(), nil)
	d.Start(context.Background())

	require.NoError(t, d.Enqueue(context.Background(), Job{Endpoint: srv.URL, Payload: Payload{TenantID: "t1", ConversationID: "c1", Channel: "whatsapp"}}))
	d.Stop()

	assert.Equal(t, int32(3), calls.Load())
	entries := sink.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, deadletter.ReasonAutomationFailed, entries[0].Reason)
	assert.Equal(t, 3, entries[0].Attempts)
	assert.Equal(t, "t1", entries[0].TenantID)

	got := notifier.all()
	require.Len(t, got, 1)
	assert.Equal(t, "automation_failed", got[0].Type)
	require.NotNil(t, got[0].TenantID)
	assert.Equal(t, "t1", *got[0].TenantID)
	assert.Equal(t, "c1", got[0].Metadata["conversation_id"])
}

func TestDispatcherDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	d := NewDispatcher(fastConfig(5), NewClient(time.Second, nil), sink, nil, testLogger(), nil)
	d.Start(context.Background())
	require.NoError(t, d.Enqueue(context.Background(), Job{Endpoint: srv.URL, Payload: Payload{TenantID: "t1"}}))
	d.Stop()

	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, sink.Entries(), 1)
}

func TestEnqueueFullQueueDoesNotBlock(t *testing.T) {
	poster := &blockingPoster{release: make(chan struct{})}
	sink := deadletter.NewMemorySink(0, testLogger(), nil)
	cfg := Config{Workers: 1, QueueSize: 1, MaxAttempts: 1}
	d := NewDispatcher(cfg, poster, sink, nil, testLogger(), nil)
	d.Start(context.Background())

	// One job occupies the worker, one fills the queue; keep enqueueing until rejection.
	var err error
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err = d.Enqueue(context.Background(), Job{Payload: Payload{TenantID: "t1"}}); err != nil {
			break
		}
	}
	require.True(t, errors.Is(err, ErrQueueFull), "expected ErrQueueFull, got %v", err)

	entries := sink.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, deadletter.ReasonAutomationQueueFull, entries[0].Reason)

	close(poster.release)
	d.Stop()
	assert.True(t, errors.Is(d.Enqueue(context.Background(), Job{}), ErrStopped))
}

func TestBackoffIsCapped(t *testing.T) {
	for attempt := 1; attempt < 10; attempt++ {
		wait := backoff(attempt, 100*time.Millisecond, time.Second)
		if wait <= 0 || wait > time.Second {
			t.Fatalf("attempt %d: wait %s out of range", attempt, wait)
		}
	}
}

func TestJitteredDelayStaysWithinBand(t *testing.T) {
	base := 400 * time.Millisecond
	for i := 0; i < 200; i++ {
		wait := jitteredDelay(base, time.Hour, 25)
		if wait < 300*time.Millisecond || wait > 500*time.Millisecond {
			t.Fatalf("wait %s outside base ±25%%", wait)
		}
	}
	if wait := jitteredDelay(time.Minute, time.Second, 25); wait != time.Second {
		t.Fatalf("wait %s should be capped at 1s", wait)
	}
	if wait := jitteredDelay(base, time.Hour, 0); wait < 300*time.Millisecond || wait > 500*time.Millisecond {
		t.Fatalf("non-positive jitter should default to 25%%, got %s", wait)
	}
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{&StatusError{Status: 500}, true},
		{&StatusError{Status: 429}, true},
		{&StatusError{Status: 404}, false},
		{errors.New("connection refused"), true},
		{context.Canceled, false},
	}
	for _, tc := range cases {
		if got := Retryable(tc.err); got != tc.want {
			t.Fatalf("Retryable(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}
