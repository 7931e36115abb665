// Package scheduler registers cron-defined tasks into scheduled_task, arms
// delayed firings against a single-threaded timer, and executes each
// firing under a row lock so only one cluster node runs it.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robfig/cron/v3"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/executor"
)

// Config controls the scheduler's set of cron entries.
type Config struct {
	Schedule []domain.ScheduleEntry
	// FiringLockTTL bounds the Redis pre-check lock to roughly one firing
	// window so it can't wedge a future firing if a node dies mid-lock.
	FiringLockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.FiringLockTTL <= 0 {
		c.FiringLockTTL = 30 * time.Second
	}
	return c
}

// Scheduler owns the cron entries and the single-thread timer that arms
// their firings.
type Scheduler struct {
	cfg      Config
	timer    executor.Executor // must be a single-goroutine pool (executor.TimerPool)
	storage  domain.Storage
	registry *domain.Registry
	lock     domain.DistributedLock // may be nil
	events   domain.Queue           // may be nil
	parser   cron.Parser

	mu      sync.Mutex
	cancels map[string]executor.CancelFunc
}

func New(cfg Config, timer executor.Executor, storage domain.Storage, registry *domain.Registry, lock domain.DistributedLock, events domain.Queue) *Scheduler {
	return &Scheduler{
		cfg:      cfg.withDefaults(),
		timer:    timer,
		storage:  storage,
		registry: registry,
		lock:     lock,
		events:   events,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		cancels:  make(map[string]executor.CancelFunc),
	}
}

// Start upserts every schedule entry and arms its first firing. It returns
// a *errval.ConfigurationError immediately if any entry names an
// unregistered handler.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, entry := range s.cfg.Schedule {
		if !s.registry.Has(entry.Task) {
			return &errval.ConfigurationError{Reason: "schedule " + entry.ID + " references unknown handler " + entry.Task}
		}
	}

	tx, err := s.storage.BeginTx(ctx)
	if err != nil {
		return err
	}
	for _, entry := range s.cfg.Schedule {
		if err := s.storage.UpsertScheduledTask(ctx, tx, entry.ID, entry.Cron); err != nil {
			_ = tx.Rollback(ctx)
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	for _, entry := range s.cfg.Schedule {
		s.arm(ctx, entry, time.Now())
	}
	return nil
}

// Stop cancels the currently armed firing of every schedule entry. Backoff
// retries of a firing already in progress are not tracked and still run.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.cancels {
		c()
	}
	s.cancels = make(map[string]executor.CancelFunc)
}

func (s *Scheduler) arm(ctx context.Context, entry domain.ScheduleEntry, from time.Time) {
	sched, err := s.parser.Parse(entry.Cron)
	if err != nil {
		slog.ErrorContext(ctx, "scheduler: invalid cron expression, not re-arming", "schedule_id", entry.ID, "cron", entry.Cron, "error", err)
		return
	}

	next := sched.Next(from)
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}

	cancel := s.timer.Schedule(delay, func(ctx context.Context) error {
		// Re-arm always happens, regardless of firing outcome.
		defer s.arm(ctx, entry, time.Now())
		s.fire(ctx, entry)
		return nil
	})

	s.mu.Lock()
	s.cancels[entry.ID] = cancel
	s.mu.Unlock()
}

// firingBackoff bounds how long fire retries a single firing after a
// transient DB error before conceding to the next natural cron tick.
func firingBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// fire drives tryFire, retrying with backoff on a transient storage error
// rather than waiting for the next natural cron tick (which may be far
// off, e.g. an hourly schedule). Non-transient outcomes are final; arm's
// deferred re-arm still runs regardless.
func (s *Scheduler) fire(ctx context.Context, entry domain.ScheduleEntry) {
	s.fireWithBackoff(ctx, entry, firingBackoff())
}

func (s *Scheduler) fireWithBackoff(ctx context.Context, entry domain.ScheduleEntry, b *backoff.ExponentialBackOff) {
	err := s.tryFire(ctx, entry)
	if err == nil {
		return
	}

	var transient *errval.TransientStorageError
	if !errors.As(err, &transient) {
		return
	}

	delay := b.NextBackOff()
	if delay == backoff.Stop {
		slog.ErrorContext(ctx, "scheduler: giving up firing retry after backoff exhausted", "schedule_id", entry.ID, "error", err)
		return
	}
	slog.WarnContext(ctx, "scheduler: transient storage error during firing, retrying with backoff", "schedule_id", entry.ID, "error", err, "retry_in", delay)
	s.timer.Schedule(delay, func(ctx context.Context) error {
		s.fireWithBackoff(ctx, entry, b)
		return nil
	})
}

// tryFire runs one firing attempt for entry: acquire the distributed
// pre-check lock if configured, take the row lock, invoke the handler, and
// commit. It returns the classified storage error, if any, so fire can
// decide whether to retry.
func (s *Scheduler) tryFire(ctx context.Context, entry domain.ScheduleEntry) error {
	if s.lock != nil {
		lockKey := "lock:sched:" + entry.ID
		acquired, err := s.lock.Lock(lockKey, s.cfg.FiringLockTTL)
		if err != nil {
			slog.WarnContext(ctx, "scheduler: distributed lock pre-check failed, falling back to DB lock only", "schedule_id", entry.ID, "error", err)
		} else if !acquired {
			slog.DebugContext(ctx, "scheduler: lost distributed lock pre-check, another node holds this firing, skipping", "schedule_id", entry.ID)
			return nil
		} else {
			defer func() {
				if err := s.lock.Unlock(lockKey); err != nil {
					slog.WarnContext(ctx, "scheduler: failed to release distributed lock", "schedule_id", entry.ID, "error", err)
				}
			}()
		}
	}

	tx, err := s.storage.BeginTx(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "scheduler: failed to begin firing transaction", "schedule_id", entry.ID, "error", err)
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	locked, err := s.storage.LockScheduledTask(ctx, tx, entry.ID)
	if err != nil {
		slog.ErrorContext(ctx, "scheduler: failed to lock scheduled_task row", "schedule_id", entry.ID, "error", err)
		return err
	}
	if !locked {
		slog.DebugContext(ctx, "scheduler: lost row lock race, another node is firing this id", "schedule_id", entry.ID)
		if err := tx.Commit(ctx); err == nil {
			committed = true
		}
		return nil
	}

	handler, ok := s.registry.Lookup(entry.Task)
	if !ok {
		slog.ErrorContext(ctx, "scheduler: handler vanished from registry after startup check", "schedule_id", entry.ID, "task", entry.Task)
	} else {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "scheduler: recovered panic in firing handler", "schedule_id", entry.ID, "panic", r)
				}
			}()
			task := domain.Task{ID: entry.ID, Name: entry.Task, Props: entry.Props, ScheduledAt: time.Now()}
			if err := handler(ctx, task); err != nil {
				slog.ErrorContext(ctx, "scheduler: firing handler returned an error", "schedule_id", entry.ID, "error", err)
			}
		}()
	}

	if err := tx.Commit(ctx); err != nil {
		slog.ErrorContext(ctx, "scheduler: failed to commit firing transaction", "schedule_id", entry.ID, "error", err)
		return err
	}
	committed = true

	if s.events != nil {
		if err := s.events.PublishMessage("schedule.fired", `{"schedule_id":"`+entry.ID+`"}`); err != nil {
			slog.WarnContext(ctx, "scheduler: failed to publish schedule.fired event", "schedule_id", entry.ID, "error", err)
		}
	}
	return nil
}
