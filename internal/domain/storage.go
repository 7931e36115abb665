package domain

import (
	"context"
	"time"
)

// Tx is the minimal transaction handle the core needs from whatever pool
// implementation backs Storage. Submitter, Worker, and Scheduler each own
// their own transaction boundary and pass it through every Storage call
// that must participate in it.
type Tx interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// InsertTaskInput carries everything Submitter needs to write a new row.
type InsertTaskInput struct {
	ID         string
	Name       string
	Queue      string
	Priority   int
	MaxRetries int
	Delay      time.Duration
	Props      map[string]any
}

// Storage is the persistence boundary the core depends on. The concrete
// implementation (internal/postgres) owns the pool and the SQL; the core
// only ever sees domain types and an opaque Tx.
type Storage interface {
	Ping(ctx context.Context) error
	BeginTx(ctx context.Context) (Tx, error)

	// InsertTask writes a new task row inside tx and returns its id.
	InsertTask(ctx context.Context, tx Tx, in InsertTaskInput) (id string, err error)

	// PollDue claims up to batchSize eligible rows for queue under tx,
	// via SELECT ... FOR UPDATE SKIP LOCKED, ordered priority DESC,
	// scheduled_at ASC.
	PollDue(ctx context.Context, tx Tx, queue string, batchSize int) ([]Task, error)

	// oldStatus is recorded into the task_history audit trail alongside
	// the new status; it does not gate the update itself.
	MarkCompleted(ctx context.Context, tx Tx, id string, oldStatus TaskStatus) error
	MarkRetry(ctx context.Context, tx Tx, id string, oldStatus TaskStatus, delay time.Duration, errMsg string, incrementRetryNum bool) error
	MarkFailed(ctx context.Context, tx Tx, id string, oldStatus TaskStatus, errMsg string) error

	// UpsertScheduledTask writes or refreshes a scheduled_task row.
	UpsertScheduledTask(ctx context.Context, tx Tx, id, cronExpr string) error

	// LockScheduledTask attempts SELECT ... FOR UPDATE SKIP LOCKED on the
	// given id and reports whether the lock was acquired (false means the
	// row is locked by another node's in-flight firing, or absent).
	LockScheduledTask(ctx context.Context, tx Tx, id string) (locked bool, err error)

	GetTaskByID(ctx context.Context, id string) (*Task, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]TaskHistory, error)

	// GetMissedTasks finds rows in taskStatus whose modified_at is older
	// than passedSeconds, for the recovery sweep.
	GetMissedTasks(ctx context.Context, taskStatus TaskStatus, passedSeconds int64, limit int) ([]Task, error)

	// TouchScheduledAt sets scheduled_at to now, used by the recovery sweep
	// to nudge a stale row back into the next poll window. It never
	// affects locking correctness, only how soon a worker looks at the row.
	TouchScheduledAt(ctx context.Context, id string) error
}
