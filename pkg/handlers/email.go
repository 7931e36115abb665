// Package handlers holds example domain.Handler implementations. These are
// task-handler business logic that exists here only as reference wiring
// for cmd/worker and the test suite.
package handlers

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaycore/taskcore/internal/domain"
)

// SendEmail logs the email parameters found in the task's props. A real
// implementation would call an email provider; sending itself is out of
// scope here.
func SendEmail(ctx context.Context, t domain.Task) error {
	to, _ := t.Props["to"].(string)
	subject, _ := t.Props["subject"].(string)

	if to == "" {
		return fmt.Errorf("send_email: missing \"to\" in props")
	}

	slog.InfoContext(ctx, "send_email parameters", "task_id", t.ID, "to", to, "subject", subject)
	return nil
}
