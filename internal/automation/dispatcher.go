package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"omnidesk/internal/deadletter"
	"omnidesk/internal/metrics"
	"omnidesk/internal/notify"
)

// ErrQueueFull is returned by Enqueue when the bounded queue has no room.
var ErrQueueFull = errors.New("automation queue full")

// ErrStopped is returned by Enqueue after Stop.
var ErrStopped = errors.New("automation dispatcher stopped")

// Job is one pending automation call.
type Job struct {
	Endpoint string  `json:"endpoint"`
	Payload  Payload `json:"payload"`
}

// Poster performs a single automation call.
type Poster interface {
	Post(ctx context.Context, endpoint string, payload Payload) error
}

// Config sizes the worker pool and retry policy.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// Dispatcher runs automation calls on a bounded queue served by a fixed pool of workers.
// Enqueue never blocks; exhausted and rejected jobs are dead-lettered.
type Dispatcher struct {
	cfg      Config
	poster   Poster
	dead     deadletter.Sink
	notifier notify.Emitter
	logger   *slog.Logger
	metrics  *metrics.Metrics

	queue chan Job
	wg    sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	cancel  context.CancelFunc
}

// NewDispatcher creates a Dispatcher. Start must be called before jobs are processed.
func NewDispatcher(cfg Config, poster Poster, dead deadletter.Sink, notifier notify.Emitter, logger *slog.Logger, metricRegistry *metrics.Metrics) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = cfg.BackoffBase
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Dispatcher{
		cfg:      cfg,
		poster:   poster,
		dead:     dead,
		notifier: notifier,
		logger:   logger.With("component", "automation"),
		metrics:  metricRegistry,
		queue:    make(chan Job, cfg.QueueSize),
	}
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
	d.logger.Info("automation dispatcher started", "workers", d.cfg.Workers, "queue_size", d.cfg.QueueSize)
}

// Stop stops accepting jobs, lets workers drain the queue and waits for them.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()

	d.mu.RLock()
	cancel := d.cancel
	d.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

// Enqueue schedules job without blocking. A full queue dead-letters the job and returns ErrQueueFull.
func (d *Dispatcher) Enqueue(ctx context.Context, job Job) error {
	d.mu.RLock()
	if d.stopped {
		d.mu.RUnlock()
		return ErrStopped
	}
	select {
	case d.queue <- job:
		d.mu.RUnlock()
		d.observeQueue()
		return nil
	default:
	}
	d.mu.RUnlock()

	d.count("queue_full")
	d.logger.Warn("automation queue full, dead-lettering job",
		"tenant_id", job.Payload.TenantID, "conversation_id", job.Payload.ConversationID)
	d.deadLetter(ctx, job, deadletter.ReasonAutomationQueueFull, ErrQueueFull, 0)
	return ErrQueueFull
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-d.queue:
			if !ok {
				return
			}
			d.observeQueue()
			d.run(ctx, job)
		}
	}
}

// run performs job with retries; it never returns an error to the ingestion path.
func (d *Dispatcher) run(ctx context.Context, job Job) {
	var lastErr error
	attempt := 0
	for attempt < d.cfg.MaxAttempts {
		attempt++
		lastErr = d.poster.Post(ctx, job.Endpoint, job.Payload)
		if lastErr == nil {
			d.count("success")
			d.logger.Debug("automation dispatched",
				"tenant_id", job.Payload.TenantID, "conversation_id", job.Payload.ConversationID, "attempt", attempt)
			return
		}
		if !Retryable(lastErr) || attempt >= d.cfg.MaxAttempts {
			break
		}
		d.count("retry")
		wait := backoff(attempt, d.cfg.BackoffBase, d.cfg.BackoffCap)
		d.logger.Warn("automation dispatch failed, retrying",
			"tenant_id", job.Payload.TenantID, "conversation_id", job.Payload.ConversationID,
			"attempt", attempt, "wait", wait, "error", lastErr)
		select {
		case <-ctx.Done():
			lastErr = fmt.Errorf("%w (after %d attempts)", ctx.Err(), attempt)
			d.fail(context.WithoutCancel(ctx), job, lastErr, attempt)
			return
		case <-time.After(wait):
		}
	}
	d.fail(ctx, job, lastErr, attempt)
}

func (d *Dispatcher) fail(ctx context.Context, job Job, err error, attempts int) {
	d.count("failed")
	if d.metrics != nil {
		d.metrics.Errors.WithLabelValues("automation").Inc()
	}
	d.logger.Error("automation dispatch failed",
		"tenant_id", job.Payload.TenantID, "conversation_id", job.Payload.ConversationID,
		"attempts", attempts, "error", err)

	d.deadLetter(ctx, job, deadletter.ReasonAutomationFailed, err, attempts)

	n := notify.ForTenant(job.Payload.TenantID, notify.TypeAutomationFailed,
		"Automated reply failed",
		"The automation endpoint could not be reached; the conversation needs a human reply.",
		map[string]any{
			"conversation_id": job.Payload.ConversationID,
			"message_id":      job.Payload.MessageID,
			"channel":         job.Payload.Channel,
			"attempts":        attempts,
			"error":           err.Error(),
		})
	if nErr := d.notifier.Emit(ctx, n); nErr != nil {
		d.logger.Error("failed emitting automation escalation", "tenant_id", job.Payload.TenantID, "error", nErr)
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, job Job, reason deadletter.Reason, cause error, attempts int) {
	if d.dead == nil {
		return
	}
	raw, err := json.Marshal(job)
	if err != nil {
		d.logger.Error("failed encoding automation job", "error", err)
		return
	}
	entry := deadletter.Entry{
		Reason:   reason,
		Channel:  job.Payload.Channel,
		TenantID: job.Payload.TenantID,
		Payload:  raw,
		Attempts: attempts,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := d.dead.Record(ctx, entry); err != nil {
		d.logger.Error("failed dead-lettering automation job", "error", err)
	}
}

func (d *Dispatcher) count(outcome string) {
	if d.metrics != nil {
		d.metrics.AutomationDispatches.WithLabelValues(outcome).Inc()
	}
}

func (d *Dispatcher) observeQueue() {
	if d.metrics != nil {
		d.metrics.AutomationQueueDepth.Set(float64(len(d.queue)))
	}
}
