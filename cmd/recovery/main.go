package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"

	"github.com/relaycore/taskcore/configs"
	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/postgres"
)

// Usage: recovery <status> <staleSeconds> <limit>
// status must be "new" or "retry": rows in "completed"/"failed" are terminal
// and never need nudging.
func main() {
	cfg := configs.InitConfig()
	args := os.Args
	if len(args) < 4 {
		log.Fatal("usage: recovery <status> <staleSeconds> <limit>")
	}

	taskStatus := domain.TaskStatus(args[1])
	if taskStatus != domain.StatusNew && taskStatus != domain.StatusRetry {
		log.Fatalf("only %q and %q tasks can be nudged, got %q", domain.StatusNew, domain.StatusRetry, taskStatus)
	}

	staleSeconds, err := strconv.ParseInt(args[2], 10, 64)
	if err != nil {
		log.Fatal("staleSeconds must be an integer: " + err.Error())
	}

	limit, err := strconv.Atoi(args[3])
	if err != nil {
		log.Fatal("limit must be an integer: " + err.Error())
	}

	ctx := context.Background()
	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Postgres connection has been initialized successfully")

	slog.Info("Fetching stale tasks", "task_status", taskStatus, "stale_seconds", staleSeconds, "limit", limit)
	missed, err := storage.GetMissedTasks(ctx, taskStatus, staleSeconds, limit)
	if err != nil {
		slog.Error("error occurred while fetching missed tasks", "error", err.Error())
		return
	}
	slog.Info("stale tasks fetched", "count", len(missed))

	nudged := 0
	for _, t := range missed {
		if err := storage.TouchScheduledAt(ctx, t.ID); err != nil {
			slog.Error("error occurred while nudging scheduled_at", "task_id", t.ID, "error", err.Error())
			continue
		}
		slog.Info("nudged stale task back into the poll window", "task_id", t.ID, "queue", t.Queue, "retry_num", t.RetryNum)
		nudged++
	}

	slog.Info("recovery sweep complete", "found", len(missed), "nudged", nudged)
}
