package deadletter

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"omnidesk/internal/cache"
	"omnidesk/internal/metrics"
)

// Reason classifies why an entry was dead-lettered.
type Reason string

const (
	ReasonMalformed           Reason = "malformed"
	ReasonUnresolvedTenant    Reason = "unresolved_tenant"
	ReasonProcessingFailed    Reason = "processing_failed"
	ReasonAutomationFailed    Reason = "automation_failed"
	ReasonAutomationQueueFull Reason = "automation_queue_full"
)

// Replayable reports whether entries with this reason are fed back through ingestion.
func (r Reason) Replayable() bool {
	return r == ReasonUnresolvedTenant || r == ReasonProcessingFailed
}

// Entry is one dead-lettered webhook entry or automation job.
type Entry struct {
	ID         string          `json:"id"`
	Reason     Reason          `json:"reason"`
	Channel    string          `json:"channel,omitempty"`
	TenantID   string          `json:"tenant_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Error      string          `json:"error,omitempty"`
	Attempts   int             `json:"attempts"`
	RecordedAt time.Time       `json:"recorded_at"`
}

// Sink records dead-lettered entries.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// Store is a Sink whose replayable entries can be consumed again.
type Store interface {
	Sink
	// PopReplayable removes and returns the oldest replayable entry.
	PopReplayable(ctx context.Context) (*Entry, bool, error)
}

func prepare(entry *Entry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
}

// RedisSink keeps dead letters in two bounded Redis lists: one for replayable
// reasons and one archive for everything else.
type RedisSink struct {
	redis   *cache.Redis
	key     string
	maxLen  int64
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRedisSink creates a RedisSink rooted at key.
func NewRedisSink(redis *cache.Redis, key string, maxLen int64, logger *slog.Logger, metricRegistry *metrics.Metrics) *RedisSink {
	return &RedisSink{
		redis:   redis,
		key:     key,
		maxLen:  maxLen,
		logger:  logger.With("component", "deadletter"),
		metrics: metricRegistry,
	}
}

func (s *RedisSink) replayKey() string  { return s.key + ":replay" }
func (s *RedisSink) archiveKey() string { return s.key + ":archive" }

// Record stores entry under the list matching its reason.
func (s *RedisSink) Record(ctx context.Context, entry Entry) error {
	prepare(&entry)
	key := s.archiveKey()
	if entry.Reason.Replayable() {
		key = s.replayKey()
	}
	if s.metrics != nil {
		s.metrics.DeadLetters.WithLabelValues(string(entry.Reason)).Inc()
	}
	if err := s.redis.PushJSON(ctx, key, entry, s.maxLen); err != nil {
		s.logger.Error("failed recording dead letter", "reason", entry.Reason, "id", entry.ID, "error", err)
		return err
	}
	s.logger.Warn("dead letter recorded", "reason", entry.Reason, "id", entry.ID, "channel", entry.Channel, "tenant_id", entry.TenantID, "attempts", entry.Attempts, "error_detail", entry.Error)
	return nil
}

// PopReplayable removes the oldest replayable entry.
func (s *RedisSink) PopReplayable(ctx context.Context) (*Entry, bool, error) {
	var entry Entry
	ok, err := s.redis.PopJSON(ctx, s.replayKey(), &entry)
	if err != nil || !ok {
		return nil, false, err
	}
	return &entry, true, nil
}

// Pending returns the sizes of the replay and archive lists.
func (s *RedisSink) Pending(ctx context.Context) (replay, archive int64, err error) {
	if replay, err = s.redis.Len(ctx, s.replayKey()); err != nil {
		return 0, 0, err
	}
	if archive, err = s.redis.Len(ctx, s.archiveKey()); err != nil {
		return 0, 0, err
	}
	return replay, archive, nil
}

// MemorySink is an in-process Store used when Redis is not configured.
type MemorySink struct {
	mu      sync.Mutex
	maxLen  int
	replay  []Entry
	archive []Entry
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewMemorySink creates a MemorySink keeping at most maxLen entries per list (0 is unbounded).
func NewMemorySink(maxLen int, logger *slog.Logger, metricRegistry *metrics.Metrics) *MemorySink {
	return &MemorySink{
		maxLen:  maxLen,
		logger:  logger.With("component", "deadletter"),
		metrics: metricRegistry,
	}
}

func (s *MemorySink) Record(_ context.Context, entry Entry) error {
	prepare(&entry)
	if s.metrics != nil {
		s.metrics.DeadLetters.WithLabelValues(string(entry.Reason)).Inc()
	}
	s.logger.Warn("dead letter recorded", "reason", entry.Reason, "id", entry.ID, "channel", entry.Channel, "tenant_id", entry.TenantID, "attempts", entry.Attempts, "error_detail", entry.Error)

	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Reason.Replayable() {
		s.replay = appendBounded(s.replay, entry, s.maxLen)
	} else {
		s.archive = appendBounded(s.archive, entry, s.maxLen)
	}
	return nil
}

func (s *MemorySink) PopReplayable(context.Context) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.replay) == 0 {
		return nil, false, nil
	}
	entry := s.replay[0]
	s.replay = s.replay[1:]
	return &entry, true, nil
}

// Entries returns a copy of every recorded entry, replayable first.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.replay)+len(s.archive))
	out = append(out, s.replay...)
	return append(out, s.archive...)
}

func appendBounded(list []Entry, entry Entry, maxLen int) []Entry {
	list = append(list, entry)
	if maxLen > 0 && len(list) > maxLen {
		list = list[len(list)-maxLen:]
	}
	return list
}
