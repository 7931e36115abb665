// Package worker implements the polling event loop: claim a batch of due
// tasks under a transaction, dispatch to handlers through the executor,
// and persist the outcome (completed/retry/failed) before the
// transaction commits.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/executor"
)

// Config controls one queue's polling loop.
type Config struct {
	Name               string
	Queue              string
	BatchSize          int
	PollInterval       time.Duration
	FailUnknownHandler bool // mark unknown-handler tasks failed instead of completed
}

func (c Config) withDefaults() Config {
	if c.Queue == "" {
		c.Queue = domain.DefaultQueue
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Name == "" {
		c.Name = "worker"
	}
	return c
}

// Worker owns one queue's polling loop.
type Worker struct {
	cfg      Config
	executor executor.Executor
	storage  domain.Storage
	registry *domain.Registry
	metrics  domain.Metrics
	events   domain.Queue // may be nil

	shutdown chan struct{}
	stopped  chan struct{}
}

func New(cfg Config, exec executor.Executor, storage domain.Storage, registry *domain.Registry, metrics domain.Metrics, events domain.Queue) *Worker {
	return &Worker{
		cfg:      cfg.withDefaults(),
		executor: exec,
		storage:  storage,
		registry: registry,
		metrics:  metrics,
		events:   events,
		shutdown: make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Shutdown closes the shutdown signal and blocks until Run has exited.
func (w *Worker) Shutdown(ctx context.Context) error {
	select {
	case <-w.shutdown:
	default:
		close(w.shutdown)
	}
	select {
	case <-w.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pollResult struct {
	handled bool
	err     error
}

// Run blocks until the shutdown signal fires or the pool is observed closed.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.stopped)

	for {
		resultCh := make(chan pollResult, 1)
		w.executor.Submit(func(ctx context.Context) error {
			handled, err := w.pollStep(ctx)
			resultCh <- pollResult{handled: handled, err: err}
			return err
		})

		select {
		case <-w.shutdown:
			return
		case res := <-resultCh:
			if !w.dispatch(ctx, res) {
				return
			}
		}
	}
}

// dispatch classifies the outcome of one poll step and reports whether the
// loop should continue.
func (w *Worker) dispatch(ctx context.Context, res pollResult) bool {
	switch {
	case res.err == nil && res.handled:
		return true // HANDLED: resume immediately, no sleep

	case res.err == nil && !res.handled:
		w.sleepOrShutdown(ctx) // EMPTY
		return true

	case errors.Is(res.err, errval.PoolClosed):
		slog.WarnContext(ctx, "worker: pool closed, shutting down", "worker", w.cfg.Name)
		select {
		case <-w.shutdown:
		default:
			close(w.shutdown)
		}
		return false

	default:
		var pgErr *pgconn.PgError
		if errors.As(res.err, &pgErr) {
			switch pgErr.Code {
			case pgerrcode.SQLClientUnableToEstablishSQLConnection, pgerrcode.ConnectionDoesNotExist,
				pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection, pgerrcode.ConnectionFailure:
				slog.ErrorContext(ctx, "worker: connection lost, retrying after poll_interval", "worker", w.cfg.Name, "error", pgErr)
				w.sleepOrShutdown(ctx)
				return true
			case pgerrcode.SerializationFailure:
				slog.DebugContext(ctx, "worker: serialization conflict, retrying after poll_interval", "worker", w.cfg.Name, "error", pgErr)
				w.sleepOrShutdown(ctx)
				return true
			}
		}

		slog.ErrorContext(ctx, "worker: poll step failed", "worker", w.cfg.Name, "error", res.err)
		w.sleepOrShutdown(ctx)
		return true
	}
}

func (w *Worker) sleepOrShutdown(ctx context.Context) {
	timer := time.NewTimer(w.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-w.shutdown:
	case <-ctx.Done():
	case <-timer.C:
	}
}

// pollStep runs one transactional claim-dispatch-writeback cycle. It
// returns (true, nil) when it handled a batch, (false, nil) when the queue
// was empty.
func (w *Worker) pollStep(ctx context.Context) (bool, error) {
	tx, err := w.storage.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := w.storage.PollDue(ctx, tx, w.cfg.Queue, w.cfg.BatchSize)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		if err := tx.Commit(ctx); err != nil {
			return false, err
		}
		committed = true
		return false, nil
	}

	type dispatched struct {
		task    domain.Task
		future  *executor.Future
		outcome *outcome
	}
	items := make([]*dispatched, len(rows))
	for i, t := range rows {
		item := &dispatched{task: t}
		items[i] = item
		item.future = w.executor.Submit(func(ctx context.Context) error {
			item.outcome = w.runTask(ctx, item.task)
			return nil
		})
	}
	for _, item := range items {
		_ = item.future.Wait(ctx)
	}

	for _, item := range items {
		if err := w.persist(ctx, tx, item.task, item.outcome); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	committed = true
	return true, nil
}

type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeRetry
	outcomeFailed
)

type outcome struct {
	kind     outcomeKind
	delay    time.Duration
	errMsg   string
	incRetry bool
}

// runTask invokes the registered handler and classifies the result into a
// tagged outcome. It never lets a handler error or panic escape.
func (w *Worker) runTask(ctx context.Context, t domain.Task) *outcome {
	if w.metrics != nil {
		w.metrics.ObserveCheckout(t.Name, time.Since(t.ScheduledAt))
	}

	handler, ok := w.registry.Lookup(t.Name)
	if !ok {
		slog.WarnContext(ctx, "worker: no handler registered for task", "task_id", t.ID, "name", t.Name)
		if w.cfg.FailUnknownHandler {
			return &outcome{kind: outcomeFailed, errMsg: (&errval.UnknownHandler{Name: t.Name}).Error()}
		}
		return &outcome{kind: outcomeCompleted}
	}

	start := time.Now()
	err := invoke(ctx, handler, t)
	if w.metrics != nil {
		w.metrics.ObserveHandlerDuration(t.Name, time.Since(start))
	}

	if err == nil {
		return &outcome{kind: outcomeCompleted}
	}

	var retry *errval.HandlerRetry
	if errors.As(err, &retry) {
		delay := retry.Delay
		if delay <= 0 {
			delay = errval.DefaultRetryDelay
		}
		return &outcome{
			kind:     outcomeRetry,
			delay:    delay,
			errMsg:   retry.Error(),
			incRetry: retry.Strategy != errval.RetryNoop,
		}
	}

	// Uncontrolled exception.
	var hf *errval.HandlerFailure
	if !errors.As(err, &hf) {
		hf = &errval.HandlerFailure{CorrelationID: uuid.NewString(), Err: err}
	}
	slog.ErrorContext(ctx, "worker: uncontrolled handler exception", "task_id", t.ID, "name", t.Name, "correlation_id", hf.CorrelationID, "error", hf.Err)

	if t.RetryNum >= t.MaxRetries {
		return &outcome{kind: outcomeFailed, errMsg: hf.Error()}
	}
	return &outcome{kind: outcomeRetry, delay: errval.DefaultRetryDelay, errMsg: hf.Error(), incRetry: true}
}

// invoke calls handler, converting a recovered panic into a HandlerFailure
// so it participates in the same retry/failed classification as a normal
// error return.
func invoke(ctx context.Context, handler domain.Handler, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &errval.HandlerFailure{CorrelationID: uuid.NewString(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return handler(ctx, t)
}

func (w *Worker) persist(ctx context.Context, tx domain.Tx, t domain.Task, o *outcome) error {
	switch o.kind {
	case outcomeCompleted:
		if err := w.storage.MarkCompleted(ctx, tx, t.ID, t.Status); err != nil {
			return err
		}
	case outcomeRetry:
		if err := w.storage.MarkRetry(ctx, tx, t.ID, t.Status, o.delay, o.errMsg, o.incRetry); err != nil {
			return err
		}
	case outcomeFailed:
		if err := w.storage.MarkFailed(ctx, tx, t.ID, t.Status, o.errMsg); err != nil {
			return err
		}
	}

	if w.events != nil {
		event := eventName(o.kind)
		body := fmt.Sprintf(`{"task_id":%q,"name":%q,"queue":%q}`, t.ID, t.Name, t.Queue)
		if err := w.events.PublishMessage(event, body); err != nil {
			slog.WarnContext(ctx, "worker: failed to publish lifecycle event", "task_id", t.ID, "event", event, "error", err)
		}
	}
	return nil
}

func eventName(k outcomeKind) string {
	switch k {
	case outcomeCompleted:
		return "task.completed"
	case outcomeRetry:
		return "task.retried"
	default:
		return "task.failed"
	}
}
