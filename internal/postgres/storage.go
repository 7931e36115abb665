// Package postgres implements domain.Storage against a real Postgres
// database via jackc/pgx, including the SELECT ... FOR UPDATE SKIP LOCKED
// claiming query that lets multiple workers poll the same queue safely.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/jackc/puddle"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
)

// classifyErr turns a connection-class or serialization-failure SQLSTATE
// into a *errval.TransientStorageError, the same codes the worker loop's
// dispatch table treats as recoverable-by-sleeping. Any other error
// (including nil) passes through unchanged, and errors.As still finds the
// wrapped *pgconn.PgError through Unwrap.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.SQLClientUnableToEstablishSQLConnection, pgerrcode.ConnectionDoesNotExist,
			pgerrcode.SQLServerRejectedEstablishmentOfSQLConnection, pgerrcode.ConnectionFailure,
			pgerrcode.SerializationFailure:
			return &errval.TransientStorageError{SQLState: pgErr.Code, Err: pgErr}
		}
	}
	return err
}

type Storage struct {
	pool *pgxpool.Pool
}

// NewStorage connects to dsn, retrying with a constant backoff so a
// container that starts before its database is ready doesn't fail
// immediately.
func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}

	var pool *pgxpool.Pool
	err = backoff.Retry(func() error {
		p, err := pgxpool.ConnectConfig(ctx, config)
		if err != nil {
			slog.ErrorContext(ctx, "failed to connect to postgres.. retrying...", "error", err)
			return err
		}
		if err = p.Ping(ctx); err != nil {
			slog.ErrorContext(ctx, "failed to ping postgres.. retrying...", "error", err)
			p.Close()
			return err
		}
		pool = p
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(3*time.Second), 5))
	if err != nil {
		return nil, err
	}

	return &Storage{pool: pool}, nil
}

func (s *Storage) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Storage) Close() { s.pool.Close() }

// pgxTx adapts *pgx.Tx to domain.Tx and lets internal helpers recover the
// concrete transaction to run queries against.
type pgxTx struct {
	tx pgx.Tx
}

func (t *pgxTx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

func unwrap(tx domain.Tx) (pgx.Tx, error) {
	pt, ok := tx.(*pgxTx)
	if !ok {
		return nil, errors.New("postgres: tx is not a *pgxTx")
	}
	return pt.tx, nil
}

func (s *Storage) BeginTx(ctx context.Context) (domain.Tx, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		if errors.Is(err, puddle.ErrClosedPool) {
			return nil, errval.PoolClosed
		}
		return nil, classifyErr(err)
	}
	return &pgxTx{tx: tx}, nil
}

func (s *Storage) InsertTask(ctx context.Context, tx domain.Tx, in domain.InsertTaskInput) (string, error) {
	pt, err := unwrap(tx)
	if err != nil {
		return "", err
	}

	propsJSON, err := encodeProps(in.Props)
	if err != nil {
		return "", err
	}

	_, err = pt.Exec(ctx, `
INSERT INTO task (id, name, props, queue, priority, max_retries, retry_num, scheduled_at, status, modified_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, clock_timestamp() + make_interval(secs => $7), $8, clock_timestamp())
`, in.ID, in.Name, propsJSON, in.Queue, in.Priority, in.MaxRetries, in.Delay.Seconds(), domain.StatusNew)
	if err != nil {
		return "", classifyErr(err)
	}

	return in.ID, nil
}

// PollDue claims up to batchSize due tasks from queue under tx, skipping
// rows already locked by another worker's concurrent claim.
func (s *Storage) PollDue(ctx context.Context, tx domain.Tx, queue string, batchSize int) ([]domain.Task, error) {
	pt, err := unwrap(tx)
	if err != nil {
		return nil, err
	}

	rows, err := pt.Query(ctx, `
SELECT id, name, props, queue, priority, max_retries, retry_num, scheduled_at, status, error, modified_at, completed_at
FROM task
WHERE scheduled_at <= clock_timestamp()
  AND queue = $1
  AND status IN ('new', 'retry')
ORDER BY priority DESC, scheduled_at ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, queue, batchSize)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classifyErr(rows.Err())
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var propsJSON pgtype.JSON
	var errMsg *string
	var completedAt *time.Time

	err := row.Scan(&t.ID, &t.Name, &propsJSON, &t.Queue, &t.Priority, &t.MaxRetries, &t.RetryNum,
		&t.ScheduledAt, &t.Status, &errMsg, &t.ModifiedAt, &completedAt)
	if err != nil {
		return domain.Task{}, err
	}

	t.Error = errMsg
	t.CompletedAt = completedAt
	t.Props, err = decodeProps(propsJSON)
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (s *Storage) MarkCompleted(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus) error {
	pt, err := unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pt.Exec(ctx, `
UPDATE task SET completed_at = clock_timestamp(), modified_at = clock_timestamp(), status = $1 WHERE id = $2
`, domain.StatusCompleted, id)
	if err != nil {
		return classifyErr(err)
	}
	return classifyErr(recordHistory(ctx, pt, id, oldStatus, domain.StatusCompleted))
}

func (s *Storage) MarkRetry(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus, delay time.Duration, errMsg string, incrementRetryNum bool) error {
	pt, err := unwrap(tx)
	if err != nil {
		return err
	}

	inc := 0
	if incrementRetryNum {
		inc = 1
	}

	_, err = pt.Exec(ctx, `
UPDATE task
SET scheduled_at = clock_timestamp() + make_interval(secs => $1),
    modified_at = clock_timestamp(),
    error = $2,
    status = $3,
    retry_num = retry_num + $4
WHERE id = $5
`, delay.Seconds(), errMsg, domain.StatusRetry, inc, id)
	if err != nil {
		return classifyErr(err)
	}
	return classifyErr(recordHistory(ctx, pt, id, oldStatus, domain.StatusRetry))
}

func (s *Storage) MarkFailed(ctx context.Context, tx domain.Tx, id string, oldStatus domain.TaskStatus, errMsg string) error {
	pt, err := unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pt.Exec(ctx, `
UPDATE task SET error = $1, modified_at = clock_timestamp(), status = $2 WHERE id = $3
`, errMsg, domain.StatusFailed, id)
	if err != nil {
		return classifyErr(err)
	}
	return classifyErr(recordHistory(ctx, pt, id, oldStatus, domain.StatusFailed))
}

func recordHistory(ctx context.Context, pt pgx.Tx, taskID string, oldStatus, newStatus domain.TaskStatus) error {
	_, err := pt.Exec(ctx, `
INSERT INTO task_history (task_id, old_status, new_status) VALUES ($1, $2, $3)
`, taskID, oldStatus, newStatus)
	return err
}

func (s *Storage) UpsertScheduledTask(ctx context.Context, tx domain.Tx, id, cronExpr string) error {
	pt, err := unwrap(tx)
	if err != nil {
		return err
	}
	_, err = pt.Exec(ctx, `
INSERT INTO scheduled_task (id, cron_expr) VALUES ($1, $2)
ON CONFLICT (id) DO UPDATE SET cron_expr = EXCLUDED.cron_expr
`, id, cronExpr)
	return classifyErr(err)
}

func (s *Storage) LockScheduledTask(ctx context.Context, tx domain.Tx, id string) (bool, error) {
	pt, err := unwrap(tx)
	if err != nil {
		return false, err
	}

	var found string
	err = pt.QueryRow(ctx, `SELECT id FROM scheduled_task WHERE id = $1 FOR UPDATE SKIP LOCKED`, id).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classifyErr(err)
	}
	return true, nil
}

func (s *Storage) GetTaskByID(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, name, props, queue, priority, max_retries, retry_num, scheduled_at, status, error, modified_at, completed_at
FROM task WHERE id = $1
`, id)

	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errval.ErrNotFound
	}
	if err != nil {
		return nil, classifyErr(err)
	}
	return &t, nil
}

func (s *Storage) GetTaskHistory(ctx context.Context, taskID string) ([]domain.TaskHistory, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, task_id, old_status, new_status, created_at
FROM task_history WHERE task_id = $1 ORDER BY created_at ASC
`, taskID)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []domain.TaskHistory
	for rows.Next() {
		var h domain.TaskHistory
		if err := rows.Scan(&h.ID, &h.TaskID, &h.OldStatus, &h.NewStatus, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, classifyErr(rows.Err())
}

func (s *Storage) GetMissedTasks(ctx context.Context, taskStatus domain.TaskStatus, passedSeconds int64, limit int) ([]domain.Task, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, name, props, queue, priority, max_retries, retry_num, scheduled_at, status, error, modified_at, completed_at
FROM task
WHERE status = $1 AND modified_at <= clock_timestamp() - ($2 || ' seconds')::interval
ORDER BY modified_at ASC
LIMIT $3
`, taskStatus, passedSeconds, limit)
	if err != nil {
		return nil, classifyErr(err)
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, classifyErr(rows.Err())
}

func encodeProps(props map[string]any) (pgtype.JSON, error) {
	var j pgtype.JSON
	if props == nil {
		props = map[string]any{}
	}
	b, err := json.Marshal(props)
	if err != nil {
		return j, err
	}
	if err := j.Set(b); err != nil {
		return j, err
	}
	return j, nil
}

func decodeProps(j pgtype.JSON) (map[string]any, error) {
	out := map[string]any{}
	if len(j.Bytes) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(j.Bytes, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// TouchScheduledAt is used only by the recovery sweep, outside of the
// worker/scheduler transaction boundaries, so it takes no domain.Tx.
func (s *Storage) TouchScheduledAt(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `UPDATE task SET scheduled_at = clock_timestamp() WHERE id = $1`, id)
	return classifyErr(err)
}
