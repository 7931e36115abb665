// Package submitter inserts a new task row with scheduling metadata inside
// the caller's transaction.
package submitter

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
)

// Meta is the framework-reserved half of a submit call, kept separate from
// props so callers never need a reserved-key filter. Priority and
// MaxRetries are pointers so an
// explicitly-supplied zero value (lowest priority, no retries at all) is
// distinguishable from "omitted, apply the default" — both are legal
// values, and neither should be silently coerced.
type Meta struct {
	Task       string
	Queue      string
	Priority   *int
	MaxRetries *int
	Delay      time.Duration
}

func intPtr(v int) *int { return &v }

func (m Meta) withDefaults() Meta {
	if m.Queue == "" {
		m.Queue = domain.DefaultQueue
	}
	if m.Priority == nil {
		m.Priority = intPtr(domain.DefaultPriority)
	}
	if m.MaxRetries == nil {
		m.MaxRetries = intPtr(domain.DefaultMaxRetries)
	}
	return m
}

// Submitter inserts tasks on behalf of callers, tracking a submit counter
// through metrics when configured.
type Submitter struct {
	storage domain.Storage
	metrics domain.Metrics
}

func New(storage domain.Storage, metrics domain.Metrics) *Submitter {
	return &Submitter{storage: storage, metrics: metrics}
}

// Submit inserts one row for meta.Task, scoped to tx, and returns its id.
func (s *Submitter) Submit(ctx context.Context, tx domain.Tx, meta Meta, props map[string]any) (string, error) {
	meta = meta.withDefaults()

	if meta.Task == "" {
		return "", &errval.ValidationError{Field: "task", Reason: "required"}
	}
	if meta.Queue == "" {
		return "", &errval.ValidationError{Field: "queue", Reason: "required"}
	}
	if *meta.MaxRetries < 0 {
		return "", &errval.ValidationError{Field: "max_retries", Reason: "must be >= 0"}
	}
	if meta.Delay < 0 {
		return "", &errval.ValidationError{Field: "delay", Reason: "must be >= 0"}
	}

	id := uuid.NewString()
	insertedID, err := s.storage.InsertTask(ctx, tx, domain.InsertTaskInput{
		ID:         id,
		Name:       meta.Task,
		Queue:      meta.Queue,
		Priority:   *meta.Priority,
		MaxRetries: *meta.MaxRetries,
		Delay:      meta.Delay,
		Props:      props,
	})
	if err != nil {
		return "", &errval.StorageError{Op: "InsertTask", Err: err}
	}

	if s.metrics != nil {
		s.metrics.IncSubmit(meta.Task)
	}
	slog.DebugContext(ctx, "task submitted", "task_id", insertedID, "name", meta.Task, "queue", meta.Queue)

	return insertedID, nil
}

// reservedKeys lists the framework-metadata keys recognized by SubmitOpts;
// every other key in the input map becomes a prop.
var reservedKeys = map[string]struct{}{
	"task":        {},
	"conn":        {},
	"delay":       {},
	"queue":       {},
	"priority":    {},
	"max_retries": {},
}

// SubmitOpts is a single-map compatibility wrapper for callers migrating
// from a single options object: it splits reserved framework keys from
// arbitrary user props before delegating to Submit.
func (s *Submitter) SubmitOpts(ctx context.Context, tx domain.Tx, opts map[string]any) (string, error) {
	meta := Meta{Queue: domain.DefaultQueue}
	if v, ok := opts["task"].(string); ok {
		meta.Task = v
	}
	if v, ok := opts["queue"].(string); ok {
		meta.Queue = v
	}
	if v, ok := opts["priority"].(int); ok {
		meta.Priority = intPtr(v)
	}
	if v, ok := opts["max_retries"].(int); ok {
		meta.MaxRetries = intPtr(v)
	}
	if v, ok := opts["delay"].(time.Duration); ok {
		meta.Delay = v
	}

	props := make(map[string]any, len(opts))
	for k, v := range opts {
		if _, reserved := reservedKeys[k]; reserved {
			continue
		}
		props[k] = v
	}

	return s.Submit(ctx, tx, meta, props)
}
