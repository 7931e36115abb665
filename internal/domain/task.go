package domain

import "time"

// TaskStatus is the lifecycle state of a task row. Transitions form a DAG:
// new -> {retry, completed, failed}, retry -> {retry, completed, failed}.
// completed and failed are terminal.
type TaskStatus string

const (
	StatusNew       TaskStatus = "new"
	StatusRetry     TaskStatus = "retry"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

const (
	DefaultQueue      = "default"
	DefaultPriority   = 100
	DefaultMaxRetries = 3
)

// Task is one row of the `task` table, decoded.
type Task struct {
	ID          string
	Name        string
	Props       map[string]any
	Queue       string
	Priority    int
	MaxRetries  int
	RetryNum    int
	ScheduledAt time.Time
	Status      TaskStatus
	Error       *string
	ModifiedAt  time.Time
	CompletedAt *time.Time
}

// Eligible reports whether the row would be picked up by a poll step run at now.
func (t Task) Eligible(now time.Time) bool {
	return (t.Status == StatusNew || t.Status == StatusRetry) && !t.ScheduledAt.After(now)
}

// ScheduledTask is one row of the `scheduled_task` table.
type ScheduledTask struct {
	ID       string
	CronExpr string
}

// ScheduleEntry is an in-memory cron registration, loaded at startup.
type ScheduleEntry struct {
	ID    string
	Cron  string
	Task  string
	Props map[string]any
}

// TaskHistory is an append-only audit row recording a status transition.
// It is written by the storage layer alongside the state-owning update but
// is never read by the poll loop; it exists purely for operator visibility.
type TaskHistory struct {
	ID        int64
	TaskID    string
	OldStatus TaskStatus
	NewStatus TaskStatus
	CreatedAt time.Time
}
