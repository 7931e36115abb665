// Package storagetest provides an in-process domain.Storage backed by
// plain maps and per-row locking, so the core packages can be exercised
// under go test without a live Postgres instance. Locking mimics SELECT
// ... FOR UPDATE SKIP LOCKED closely enough to exercise the same
// exactly-once dispatch guarantees the real storage relies on.
package storagetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
)

type FakeStorage struct {
	mu sync.Mutex

	tasks   map[string]*domain.Task
	history []domain.TaskHistory
	nextHID int64

	scheduled map[string]string // id -> cron_expr

	taskLocks      map[string]struct{}
	scheduledLocks map[string]struct{}
}

func NewFakeStorage() *FakeStorage {
	return &FakeStorage{
		tasks:          map[string]*domain.Task{},
		scheduled:      map[string]string{},
		taskLocks:      map[string]struct{}{},
		scheduledLocks: map[string]struct{}{},
	}
}

func (s *FakeStorage) Ping(ctx context.Context) error { return nil }

type fakeTx struct {
	s               *FakeStorage
	lockedTasks     []string
	lockedScheduled []string
	closed          bool
}

func (t *fakeTx) Commit(ctx context.Context) error   { return t.release() }
func (t *fakeTx) Rollback(ctx context.Context) error { return t.release() }

func (t *fakeTx) release() error {
	if t.closed {
		return nil
	}
	t.closed = true
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	for _, id := range t.lockedTasks {
		delete(t.s.taskLocks, id)
	}
	for _, id := range t.lockedScheduled {
		delete(t.s.scheduledLocks, id)
	}
	return nil
}

func (s *FakeStorage) BeginTx(ctx context.Context) (domain.Tx, error) {
	return &fakeTx{s: s}, nil
}

func (s *FakeStorage) InsertTask(ctx context.Context, tx domain.Tx, in domain.InsertTaskInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	props := in.Props
	if props == nil {
		props = map[string]any{}
	}
	s.tasks[in.ID] = &domain.Task{
		ID:          in.ID,
		Name:        in.Name,
		Props:       props,
		Queue:       in.Queue,
		Priority:    in.Priority,
		MaxRetries:  in.MaxRetries,
		RetryNum:    0,
		ScheduledAt: time.Now().Add(in.Delay),
		Status:      domain.StatusNew,
		ModifiedAt:  time.Now(),
	}
	return in.ID, nil
}

func (s *FakeStorage) PollDue(ctx context.Context, tx domain.Tx, queue string, batchSize int) ([]domain.Task, error) {
	ft, ok := tx.(*fakeTx)
	if !ok {
		return nil, errval.ErrInternal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var eligible []*domain.Task
	for id, t := range s.tasks {
		if t.Queue != queue || !t.Eligible(now) {
			continue
		}
		if _, locked := s.taskLocks[id]; locked {
			continue
		}
		eligible = append(eligible, t)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].ScheduledAt.Before(eligible[j].ScheduledAt)
	})

	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	out := make([]domain.Task, 0, len(eligible))
	for _, t := range eligible {
		s.taskLocks[t.ID] = struct{}{}
		ft.lockedTasks = append(ft.lockedTasks, t.ID)
		out = append(out, *t)
	}
	return out, nil
}

func (s *FakeStorage) recordHistory(taskID string, oldStatus, newStatus domain.TaskStatus) {
	s.nextHID++
	s.history = append(s.history, domain.TaskHistory{
		ID:        s.nextHID,
		TaskID:    taskID,
		OldStatus: oldStatus,
		NewStatus: newStatus,
		CreatedAt: time.Now(),
	})
}

func (s *FakeStorage) MarkCompleted(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errval.ErrNotFound
	}
	now := time.Now()
	t.Status = domain.StatusCompleted
	t.ModifiedAt = now
	t.CompletedAt = &now
	t.Error = nil
	s.recordHistory(id, oldStatus, domain.StatusCompleted)
	return nil
}

func (s *FakeStorage) MarkRetry(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus, delay time.Duration, errMsg string, incrementRetryNum bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errval.ErrNotFound
	}
	t.Status = domain.StatusRetry
	t.ModifiedAt = time.Now()
	t.ScheduledAt = time.Now().Add(delay)
	if errMsg != "" {
		t.Error = &errMsg
	}
	if incrementRetryNum {
		t.RetryNum++
	}
	s.recordHistory(id, oldStatus, domain.StatusRetry)
	return nil
}

func (s *FakeStorage) MarkFailed(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errval.ErrNotFound
	}
	t.Status = domain.StatusFailed
	t.ModifiedAt = time.Now()
	if errMsg != "" {
		t.Error = &errMsg
	}
	s.recordHistory(id, oldStatus, domain.StatusFailed)
	return nil
}

func (s *FakeStorage) UpsertScheduledTask(ctx context.Context, tx domain.Tx, id, cronExpr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled[id] = cronExpr
	return nil
}

func (s *FakeStorage) LockScheduledTask(ctx context.Context, tx domain.Tx, id string) (bool, error) {
	ft, ok := tx.(*fakeTx)
	if !ok {
		return false, errval.ErrInternal
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.scheduled[id]; !exists {
		return false, nil
	}
	if _, locked := s.scheduledLocks[id]; locked {
		return false, nil
	}
	s.scheduledLocks[id] = struct{}{}
	ft.lockedScheduled = append(ft.lockedScheduled, id)
	return true, nil
}

func (s *FakeStorage) GetTaskByID(ctx context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errval.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *FakeStorage) GetTaskHistory(ctx context.Context, taskID string) ([]domain.TaskHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.TaskHistory
	for _, h := range s.history {
		if h.TaskID == taskID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *FakeStorage) GetMissedTasks(ctx context.Context, taskStatus domain.TaskStatus, passedSeconds int64, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-time.Duration(passedSeconds) * time.Second)
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == taskStatus && !t.ModifiedAt.After(threshold) {
			out = append(out, *t)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (s *FakeStorage) TouchScheduledAt(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return errval.ErrNotFound
	}
	t.ScheduledAt = time.Now()
	return nil
}
