package submitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/metrics"
	"github.com/relaycore/taskcore/internal/storagetest"
)

// Round-trip: submit(opts) -> retrieve(id) yields a row whose fields match
// opts, and props equals opts minus reserved keys.
func TestSubmit_RoundTrip(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	sub := New(storage, metrics.NewInMemory())

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

	props := map[string]any{"to": "user@example.com", "subject": "hi"}
	id, err := sub.Submit(ctx, tx, Meta{
		Task:       "send_email",
		Queue:      "emails",
		Priority:   intPtr(50),
		MaxRetries: intPtr(2),
	}, props)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	task, err := storage.GetTaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Name != "send_email" {
		t.Fatalf("expected name send_email, got %s", task.Name)
	}
	if task.Queue != "emails" {
		t.Fatalf("expected queue emails, got %s", task.Queue)
	}
	if task.Priority != 50 {
		t.Fatalf("expected priority 50, got %d", task.Priority)
	}
	if task.MaxRetries != 2 {
		t.Fatalf("expected max_retries 2, got %d", task.MaxRetries)
	}
	if task.Props["to"] != "user@example.com" || task.Props["subject"] != "hi" {
		t.Fatalf("expected props to round-trip, got %#v", task.Props)
	}
}

// An explicitly-supplied zero is a legal value for both fields (lowest
// priority, no retries) and must round-trip as 0, not silently become the
// package default.
func TestSubmit_RoundTrip_ExplicitZeroValues(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	sub := New(storage, metrics.NewInMemory())

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sub.Submit(ctx, tx, Meta{
		Task:       "noop",
		Priority:   intPtr(0),
		MaxRetries: intPtr(0),
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	task, err := storage.GetTaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Priority != 0 {
		t.Fatalf("expected priority 0 to round-trip, got %d", task.Priority)
	}
	if task.MaxRetries != 0 {
		t.Fatalf("expected max_retries 0 to round-trip, got %d", task.MaxRetries)
	}
}

func TestSubmit_AppliesDefaults(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	sub := New(storage, metrics.NewInMemory())

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sub.Submit(ctx, tx, Meta{Task: "noop"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit(ctx)

	task, err := storage.GetTaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Queue != domain.DefaultQueue {
		t.Fatalf("expected default queue %q, got %q", domain.DefaultQueue, task.Queue)
	}
	if task.Priority != domain.DefaultPriority {
		t.Fatalf("expected default priority %d, got %d", domain.DefaultPriority, task.Priority)
	}
	if task.MaxRetries != domain.DefaultMaxRetries {
		t.Fatalf("expected default max_retries %d, got %d", domain.DefaultMaxRetries, task.MaxRetries)
	}
}

func TestSubmit_MissingTaskIsValidationError(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	sub := New(storage, metrics.NewInMemory())

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback(ctx)

	_, err = sub.Submit(ctx, tx, Meta{}, nil)
	var verr *errval.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *errval.ValidationError, got %v", err)
	}
}

func TestSubmitOpts_SplitsReservedKeysFromProps(t *testing.T) {
	storage := storagetest.NewFakeStorage()
	sub := New(storage, metrics.NewInMemory())

	ctx := context.Background()
	tx, err := storage.BeginTx(ctx)
	if err != nil {
		t.Fatal(err)
	}

	id, err := sub.SubmitOpts(ctx, tx, map[string]any{
		"task":     "run_query",
		"queue":    "reports",
		"priority": 10,
		"delay":    time.Second,
		"query":    "SELECT 1",
	})
	if err != nil {
		t.Fatal(err)
	}
	_ = tx.Commit(ctx)

	task, err := storage.GetTaskByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.Queue != "reports" || task.Priority != 10 {
		t.Fatalf("expected reserved keys applied to meta, got queue=%s priority=%d", task.Queue, task.Priority)
	}
	if _, reserved := task.Props["queue"]; reserved {
		t.Fatal("expected reserved key \"queue\" to be excluded from props")
	}
	if task.Props["query"] != "SELECT 1" {
		t.Fatalf("expected user prop to survive, got %#v", task.Props)
	}
}
