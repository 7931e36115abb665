package domain

import (
	"context"
	"time"
)

// DistributedLock is a best-effort, non-authoritative pre-check used by the
// Scheduler before it opens the Postgres transaction that actually decides
// who runs a firing. A node that loses the lock race skips that firing
// without opening a transaction; a node whose lock call errors falls back
// to the row lock alone. Among nodes that reach the database, the row lock
// in scheduled_task decides.
type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	Lock(lockKey string, lockTimeDuration time.Duration) (result bool, err error)
	Unlock(lockKey string) (err error)
	Close() error
}
