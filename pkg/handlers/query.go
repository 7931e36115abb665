package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"

	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
)

// RunQuery takes an injected random source so its 20%-failure behavior is
// deterministic under test, and it returns a controlled retry signal
// instead of a bare error, so a failed run is rescheduled after
// errval.DefaultRetryDelay and never moves the task to failed, unlike an
// uncontrolled error once retry_num reaches max_retries.
type RunQuery struct {
	RandomFunc func() int
}

func NewRunQuery(randomFunc func() int) RunQuery {
	if randomFunc == nil {
		randomFunc = func() int { return rand.Intn(100) + 1 }
	}
	return RunQuery{RandomFunc: randomFunc}
}

func (q RunQuery) Handle(ctx context.Context, t domain.Task) error {
	query, _ := t.Props["query"].(string)
	slog.InfoContext(ctx, "run_query parameters", "task_id", t.ID, "query", query)

	n := q.RandomFunc()
	if n <= 20 {
		slog.WarnContext(ctx, "run_query failed", "task_id", t.ID, "query", query)
		return &errval.HandlerRetry{Reason: fmt.Sprintf("run_query failed (roll=%d)", n)}
	}
	return nil
}
