package handlers

import (
	"context"
	"testing"

	"github.com/relaycore/taskcore/internal/domain"
)

func TestSendEmail_Success(t *testing.T) {
	task := domain.Task{
		ID: "t1",
		Props: map[string]any{
			"to":      "user@example.com",
			"subject": "Test Email",
		},
	}

	if err := SendEmail(context.Background(), task); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestSendEmail_MissingTo(t *testing.T) {
	task := domain.Task{ID: "t1", Props: map[string]any{}}

	if err := SendEmail(context.Background(), task); err == nil {
		t.Fatal("expected an error, got nil")
	}
}
