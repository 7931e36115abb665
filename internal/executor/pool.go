// Package executor provides bounded thread pools: a general pool used to
// run handler invocations and DB polls off the main loop, and a
// single-worker timer pool the scheduler uses so its firings never
// overlap.
package executor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// Config controls one pool's thread bounds and idle-timeout behavior.
type Config struct {
	MinThreads    int
	MaxThreads    int
	IdleTimeoutMs int
	Name          string
}

func (c Config) withDefaults() Config {
	if c.MaxThreads <= 0 {
		c.MaxThreads = 256
	}
	if c.IdleTimeoutMs <= 0 {
		c.IdleTimeoutMs = 60000
	}
	if c.Name == "" {
		c.Name = "executor"
	}
	return c
}

// Future is the result of a submitted unit of work.
type Future struct {
	done chan struct{}
	err  error
}

// Wait blocks until the unit of work finishes or ctx is canceled.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelFunc cancels a Schedule()'d firing if it hasn't fired yet.
type CancelFunc func()

// Executor is the interface Worker and Scheduler depend on.
type Executor interface {
	Submit(f func(context.Context) error) *Future
	Schedule(delay time.Duration, f func(context.Context) error) CancelFunc
	Shutdown(ctx context.Context) error
}

// Pool is a bounded goroutine pool: each submitted unit of work gets its
// own goroutine, and at most max_threads of them run at once. MinThreads
// and IdleTimeoutMs are accepted in Config but do not change scheduling:
// no goroutines are kept warm and none are retired on idleness.
type Pool struct {
	cfg Config
	sem *semaphore.Weighted

	mu       sync.Mutex
	closed   bool
	inFlight sync.WaitGroup
}

func NewPool(cfg Config) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg: cfg,
		sem: semaphore.NewWeighted(int64(cfg.MaxThreads)),
	}
}

func (p *Pool) Submit(f func(context.Context) error) *Future {
	fut := &Future{done: make(chan struct{})}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fut.err = context.Canceled
		close(fut.done)
		return fut
	}
	p.inFlight.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.inFlight.Done()
		ctx := context.Background()
		if err := p.sem.Acquire(ctx, 1); err != nil {
			fut.err = err
			close(fut.done)
			return
		}
		defer p.sem.Release(1)

		defer func() {
			if r := recover(); r != nil {
				slog.Error("executor: recovered panic in submitted task", "executor", p.cfg.Name, "panic", r)
			}
			close(fut.done)
		}()
		fut.err = f(ctx)
	}()

	return fut
}

func (p *Pool) Schedule(delay time.Duration, f func(context.Context) error) CancelFunc {
	timer := time.AfterFunc(delay, func() {
		p.Submit(f)
	})
	return func() { timer.Stop() }
}

// Shutdown stops accepting new work, waits up to 500ms (or ctx's deadline,
// whichever is sooner) for in-flight work, then returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		close(done)
	}()

	grace := 500 * time.Millisecond
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TimerPool is a degenerate single-worker Executor used by the scheduler:
// firings across all cron entries on one node run one at a time, never
// overlapping. Firings due at the same moment run in no defined order.
type TimerPool struct {
	mu     sync.Mutex
	run    sync.Mutex // held while a unit of work executes
	closed bool
	name   string
	wg     sync.WaitGroup
}

func NewTimerPool(name string) *TimerPool {
	if name == "" {
		name = "scheduler-timer"
	}
	return &TimerPool{name: name}
}

func (t *TimerPool) Submit(f func(context.Context) error) *Future {
	fut := &Future{done: make(chan struct{})}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fut.err = context.Canceled
		close(fut.done)
		return fut
	}
	t.wg.Add(1)
	t.mu.Unlock()

	// Executed synchronously on the caller: TimerPool has exactly one
	// logical worker, and callers (Scheduler firings) already run on their
	// own timer goroutine, so there is nothing to hand off to. The run
	// mutex keeps that worker single: concurrent callers wait their turn.
	defer t.wg.Done()
	defer close(fut.done)
	t.run.Lock()
	defer t.run.Unlock()
	fut.err = f(context.Background())
	return fut
}

func (t *TimerPool) Schedule(delay time.Duration, f func(context.Context) error) CancelFunc {
	timer := time.AfterFunc(delay, func() {
		t.Submit(f)
	})
	return func() { timer.Stop() }
}

func (t *TimerPool) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
