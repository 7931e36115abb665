// Package server is a thin illustrative HTTP shell that sits outside the
// core (executor/submitter/worker/scheduler) and only calls into it
// through Submitter and Storage.
package server

import (
	"context"
	"log/slog"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/submitter"
)

// AddTaskRequest is the HTTP-facing DTO bound by gin/validator in
// cmd/apiserver; kept out of internal/domain since it is a transport
// concern, not a core type.
// Priority and MaxRetries are pointers so an omitted field in the JSON
// body defaults, while an explicit 0 (lowest priority, no retries) is
// honored rather than coerced to the default.
type AddTaskRequest struct {
	Task       string         `json:"task" binding:"required"`
	Queue      string         `json:"queue"`
	Priority   *int           `json:"priority"`
	MaxRetries *int           `json:"max_retries"`
	Props      map[string]any `json:"props"`
}

type ServerLogic struct {
	storage   domain.Storage
	submitter *submitter.Submitter
	events    domain.Queue
}

func NewServerLogic(storage domain.Storage, sub *submitter.Submitter, events domain.Queue) *ServerLogic {
	return &ServerLogic{storage: storage, submitter: sub, events: events}
}

func (s *ServerLogic) AddTask(ctx context.Context, req AddTaskRequest) (taskID string, err error) {
	tx, err := s.storage.BeginTx(ctx)
	if err != nil {
		slog.ErrorContext(ctx, "error beginning transaction for AddTask", "error", err)
		return "", errval.ErrInternal
	}

	id, err := s.submitter.Submit(ctx, tx, submitter.Meta{
		Task:       req.Task,
		Queue:      req.Queue,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
	}, req.Props)
	if err != nil {
		_ = tx.Rollback(ctx)
		slog.ErrorContext(ctx, "error occurred while calling submitter.Submit", "error", err)
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		slog.ErrorContext(ctx, "error committing AddTask transaction", "error", err)
		return "", errval.ErrInternal
	}

	if s.events != nil {
		if err := s.events.PublishMessage("task.submitted", `{"task_id":"`+id+`"}`); err != nil {
			slog.WarnContext(ctx, "failed to publish task.submitted event", "task_id", id, "error", err)
		}
	}

	return id, nil
}

func (s *ServerLogic) GetTaskStatus(ctx context.Context, taskID string) (status domain.TaskStatus, err error) {
	task, err := s.storage.GetTaskByID(ctx, taskID)
	if err != nil {
		if err == errval.ErrNotFound {
			slog.Info("task not found with the given id", "id", taskID)
			return "", err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetTaskByID", "error", err)
		return "", errval.ErrInternal
	}

	return task.Status, nil
}

func (s *ServerLogic) GetTaskStatusHistory(ctx context.Context, taskID string) (history []domain.TaskHistory, err error) {
	taskHistory, err := s.storage.GetTaskHistory(ctx, taskID)
	if err != nil {
		if err == errval.ErrNotFound {
			slog.Info("history not found for the given task id", "task_id", taskID)
			return nil, err
		}

		slog.ErrorContext(ctx, "error occurred while calling storage.GetTaskHistory", "error", err)
		return nil, errval.ErrInternal
	}

	return taskHistory, nil
}
