package handlers

import (
	"context"

	"github.com/relaycore/taskcore/internal/domain"
)

// Noop always succeeds. cmd/worker and cmd/scheduler register it as
// "noop", and it is a reasonable default handler for smoke-testing a new
// queue.
func Noop(ctx context.Context, t domain.Task) error {
	return nil
}
