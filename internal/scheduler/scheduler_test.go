package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/executor"
	"github.com/relaycore/taskcore/internal/storagetest"
)

func TestScheduler_Start_UnknownHandlerIsConfigurationError(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	registry := domain.NewRegistry(nil)
	timer := executor.NewTimerPool("test")

	sched := New(Config{
		Schedule: []domain.ScheduleEntry{{ID: "hk", Cron: "0 * * * *", Task: "missing"}},
	}, timer, storage, registry, nil, nil)

	err := sched.Start(context.Background())
	var cfgErr *errval.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *errval.ConfigurationError, got %v", err)
	}
}

// S6 cron firing: exactly-once dispatch is enforced by the row lock in
// scheduled_task, independent of how long until the next cron boundary. We
// exercise that guarantee directly rather than sleeping across a real hour
// boundary: two nodes racing to lock the same scheduled_task row must see
// exactly one success.
func TestScheduler_FiringRowLock_ExactlyOnce(t *testing.T) {
	storage := storagetest.NewFakeStorage()

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := storage.UpsertScheduledTask(ctx, tx, "hk", "0 * * * *"); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	tx1, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	locked1, err := storage.LockScheduledTask(ctx, tx1, "hk")
	if err != nil {
		t.Fatal(err)
	}
	if !locked1 {
		t.Fatal("expected first firer to acquire the row lock")
	}

	tx2, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	locked2, err := storage.LockScheduledTask(ctx, tx2, "hk")
	if err != nil {
		t.Fatal(err)
	}
	if locked2 {
		t.Fatal("expected second concurrent firer to be skipped (SKIP LOCKED semantics)")
	}
	if err := tx2.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := tx1.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	// After tx1 releases the lock, a subsequent firing (next hour) can
	// acquire it again — re-arming works because the lock is per-firing,
	// not permanent.
	tx3, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	locked3, err := storage.LockScheduledTask(ctx, tx3, "hk")
	if err != nil {
		t.Fatal(err)
	}
	if !locked3 {
		t.Fatal("expected the row lock to be available again after the previous firing committed")
	}
	_ = tx3.Commit(ctx)
}

// The scheduler computes its next firing via robfig/cron; this pins that
// the parser produces top-of-the-hour firings for "0 * * * *", the
// expression S6 exercises.
func TestScheduler_CronNextIsTopOfHour(t *testing.T) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse("0 * * * *")
	if err != nil {
		t.Fatal(err)
	}

	from := time.Date(2026, 1, 1, 10, 15, 0, 0, time.UTC)
	next := sched.Next(from)
	want := time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next firing at %s, got %s", want, next)
	}
}
