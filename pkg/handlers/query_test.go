package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
)

// TestRunQuery_Success: random number greater than 20 succeeds.
func TestRunQuery_Success(t *testing.T) {
	q := NewRunQuery(func() int { return 21 })

	task := domain.Task{ID: "t1", Props: map[string]any{"query": "SELECT * FROM users"}}
	if err := q.Handle(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

// TestRunQuery_Failure_Boundary: random number exactly 20 is a failure.
func TestRunQuery_Failure_Boundary(t *testing.T) {
	q := NewRunQuery(func() int { return 20 })

	task := domain.Task{ID: "t1", Props: map[string]any{"query": "SELECT * FROM users"}}
	err := q.Handle(context.Background(), task)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}

	var retry *errval.HandlerRetry
	if !errors.As(err, &retry) {
		t.Fatalf("expected a *errval.HandlerRetry, got %T", err)
	}
}

// TestRunQuery_Failure_Low: random number below 20 is a failure.
func TestRunQuery_Failure_Low(t *testing.T) {
	q := NewRunQuery(func() int { return 5 })

	task := domain.Task{ID: "t1", Props: map[string]any{"query": "SELECT * FROM users"}}
	if err := q.Handle(context.Background(), task); err == nil {
		t.Fatal("expected an error, got nil")
	}
}
