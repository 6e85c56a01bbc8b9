package deadletter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// Handler re-runs a dead-lettered entry.
type Handler interface {
	Replay(ctx context.Context, entry Entry) error
}

// ReplayerConfig bounds one replay pass.
type ReplayerConfig struct {
	Batch      int
	MaxReplays int
}

// Stats summarises one replay pass.
type Stats struct {
	Replayed  int
	Requeued  int
	Discarded int
}

// Replayer periodically drains replayable dead letters through a Handler.
type Replayer struct {
	store     Store
	handler   Handler
	cfg       ReplayerConfig
	logger    *slog.Logger
	scheduler gocron.Scheduler
}

// NewReplayer creates a Replayer. Call Start to schedule it or ReplayOnce to drain manually.
func NewReplayer(store Store, handler Handler, cfg ReplayerConfig, logger *slog.Logger) *Replayer {
	if cfg.Batch <= 0 {
		cfg.Batch = 50
	}
	return &Replayer{
		store:   store,
		handler: handler,
		cfg:     cfg,
		logger:  logger.With("component", "deadletter_replayer"),
	}
}

// ReplayOnce pops at most Batch entries and hands each to the handler.
// Failures are recorded again with an incremented attempt count until MaxReplays is exceeded.
// Requeued entries go back only after the pass, so each entry is tried at most once per pass.
func (r *Replayer) ReplayOnce(ctx context.Context) (stats Stats, err error) {
	var requeue []Entry
	defer func() {
		var errs []error
		for _, entry := range requeue {
			if recErr := r.store.Record(context.WithoutCancel(ctx), entry); recErr != nil {
				errs = append(errs, fmt.Errorf("requeue dead letter %s: %w", entry.ID, recErr))
			}
		}
		err = errors.Join(append([]error{err}, errs...)...)
	}()

	for i := 0; i < r.cfg.Batch; i++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		entry, ok, err := r.store.PopReplayable(ctx)
		if err != nil {
			return stats, fmt.Errorf("pop dead letter: %w", err)
		}
		if !ok {
			break
		}

		if err := r.handler.Replay(ctx, *entry); err != nil {
			entry.Attempts++
			entry.Error = err.Error()
			if entry.Attempts > r.cfg.MaxReplays {
				stats.Discarded++
				r.logger.Error("dead letter discarded after max replays",
					"id", entry.ID, "reason", entry.Reason, "channel", entry.Channel, "attempts", entry.Attempts, "error", err)
				continue
			}
			stats.Requeued++
			requeue = append(requeue, *entry)
			continue
		}
		stats.Replayed++
		r.logger.Info("dead letter replayed", "id", entry.ID, "reason", entry.Reason, "channel", entry.Channel)
	}
	return stats, nil
}

// Start schedules ReplayOnce every interval until ctx is done or Stop is called.
func (r *Replayer) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		r.logger.Info("dead letter replay disabled")
		return nil
	}
	s, err := gocron.NewScheduler(
		gocron.WithLocation(time.UTC),
		gocron.WithLogger(r.logger),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	_, err = s.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			stats, err := r.ReplayOnce(ctx)
			if err != nil {
				r.logger.Error("dead letter replay failed", "error", err)
				return
			}
			if stats != (Stats{}) {
				r.logger.Info("dead letter replay pass", "replayed", stats.Replayed, "requeued", stats.Requeued, "discarded", stats.Discarded)
			}
		}),
		gocron.WithName("deadletter-replay"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return fmt.Errorf("schedule replay job: %w", err)
	}
	s.Start()
	r.scheduler = s
	r.logger.Info("dead letter replay scheduled", "interval", interval)
	return nil
}

// Stop shuts the scheduler down.
func (r *Replayer) Stop() error {
	if r.scheduler == nil {
		return nil
	}
	if err := r.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("shutdown scheduler: %w", err)
	}
	return nil
}
