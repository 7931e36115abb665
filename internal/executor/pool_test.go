package executor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestPool_SubmitRunsWork(t *testing.T) {
	p := NewPool(Config{MaxThreads: 2, Name: "test"})
	var ran int32
	fut := p.Submit(func(ctx context.Context) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	if err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if atomic.LoadInt32(&ran) != 1 {
		t.Fatal("expected submitted function to run exactly once")
	}
}

func TestPool_SubmitPropagatesError(t *testing.T) {
	p := NewPool(Config{MaxThreads: 2, Name: "test"})
	sentinel := context.Canceled
	fut := p.Submit(func(ctx context.Context) error { return sentinel })
	if err := fut.Wait(context.Background()); err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}
}

func TestPool_SubmitAfterShutdownIsCanceled(t *testing.T) {
	p := NewPool(Config{MaxThreads: 2, Name: "test"})
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	fut := p.Submit(func(ctx context.Context) error { return nil })
	if err := fut.Wait(context.Background()); err != context.Canceled {
		t.Fatalf("expected context.Canceled after shutdown, got %v", err)
	}
}

func TestPool_ScheduleFiresAfterDelay(t *testing.T) {
	p := NewPool(Config{MaxThreads: 2, Name: "test"})
	fired := make(chan struct{}, 1)
	start := time.Now()
	p.Schedule(50*time.Millisecond, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})

	select {
	case <-fired:
		if time.Since(start) < 40*time.Millisecond {
			t.Fatal("fired too early")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("scheduled work never fired")
	}
}

func TestPool_ScheduleCancel(t *testing.T) {
	p := NewPool(Config{MaxThreads: 2, Name: "test"})
	fired := make(chan struct{}, 1)
	cancel := p.Schedule(50*time.Millisecond, func(ctx context.Context) error {
		fired <- struct{}{}
		return nil
	})
	cancel()

	select {
	case <-fired:
		t.Fatal("expected canceled schedule not to fire")
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTimerPool_SubmitIsSynchronous(t *testing.T) {
	tp := NewTimerPool("test-timer")
	var ran bool
	fut := tp.Submit(func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !ran {
		t.Fatal("expected TimerPool.Submit to run synchronously")
	}
	if err := fut.Wait(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}
