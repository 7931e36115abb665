package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/relaycore/taskcore/configs"
	db2 "github.com/relaycore/taskcore/db"
	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/executor"
	"github.com/relaycore/taskcore/internal/metrics"
	"github.com/relaycore/taskcore/internal/postgres"
	"github.com/relaycore/taskcore/internal/rabbitmq"
	"github.com/relaycore/taskcore/internal/worker"
	"github.com/relaycore/taskcore/pkg/handlers"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// workerNumber only needs to be unique across the fleet; it feeds the
// worker's Name so log lines can be told apart when several run against
// the same queue.
func main() {
	cfg := configs.InitConfig()

	workerNumber := "1"
	if len(os.Args) > 1 {
		workerNumber = os.Args[1]
	}

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal(err)
	}
	slog.Info("Migrations ran successfully")

	ctx := context.Background()

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Postgres connection has been initialized successfully")

	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.LifecycleExchange})
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := rabbitClient.Close(); err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	slog.Info("RabbitMQ connection has been initialized successfully")

	registry := domain.NewRegistry(map[string]domain.Handler{
		"noop":       handlers.Noop,
		"send_email": handlers.SendEmail,
		"run_query":  handlers.NewRunQuery(nil).Handle,
	})

	pool := executor.NewPool(executor.Config{
		MinThreads:    cfg.Executor.MinThreads,
		MaxThreads:    cfg.Executor.MaxThreads,
		IdleTimeoutMs: cfg.Executor.IdleTimeoutMs,
		Name:          "worker-" + workerNumber,
	})

	w := worker.New(worker.Config{
		Name:               "worker-" + workerNumber,
		Queue:              cfg.Worker.Queue,
		BatchSize:          cfg.Worker.BatchSize,
		PollInterval:       cfg.Worker.PollInterval,
		FailUnknownHandler: cfg.Worker.FailUnknownHandler,
	}, pool, storage, registry, metrics.NewInMemory(), rabbitClient)

	runCtx, cancel := context.WithCancel(context.Background())
	go w.Run(runCtx)
	slog.Info("Worker is running", "worker_num", workerNumber, "queue", cfg.Worker.Queue)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Worker is shutting down...", "worker_num", workerNumber)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := w.Shutdown(shutdownCtx); err != nil {
		slog.Error("error occurred while shutting down worker", "error", err.Error())
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		slog.Error("error occurred while shutting down executor pool", "error", err.Error())
	}
	cancel()
}
