package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/relaycore/taskcore/configs"
	db2 "github.com/relaycore/taskcore/db"
	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/executor"
	"github.com/relaycore/taskcore/internal/postgres"
	"github.com/relaycore/taskcore/internal/rabbitmq"
	"github.com/relaycore/taskcore/internal/redis"
	"github.com/relaycore/taskcore/internal/scheduler"
	"github.com/relaycore/taskcore/pkg/handlers"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// schedule is the fixed set of periodic tasks this binary fires. A real
// deployment would load this from config; it's inlined here since
// SPEC_FULL only asks for an illustrative wiring.
var schedule = []domain.ScheduleEntry{
	{ID: "hourly-noop", Cron: "0 * * * *", Task: "noop"},
	{ID: "nightly-report", Cron: "0 2 * * *", Task: "send_email", Props: map[string]any{
		"to":      "ops@example.com",
		"subject": "nightly report",
	}},
}

func main() {
	cfg := configs.InitConfig()
	ctx := context.Background()

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

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	slog.Info("Postgres connection has been initialized successfully")

	redisClient, err := redis.NewClient(ctx, cfg.Redis.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	slog.Info("Redis connection has been initialized successfully")

	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.LifecycleExchange})
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		if err := rabbitClient.Close(); err != nil {
			slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
		}
	}()
	slog.Info("RabbitMQ has been initialized successfully")

	registry := domain.NewRegistry(map[string]domain.Handler{
		"noop":       handlers.Noop,
		"send_email": handlers.SendEmail,
		"run_query":  handlers.NewRunQuery(nil).Handle,
	})

	timer := executor.NewTimerPool("scheduler-timer")
	sched := scheduler.New(scheduler.Config{
		Schedule:      schedule,
		FiringLockTTL: cfg.Scheduler.FiringLockTTL,
	}, timer, storage, registry, redisClient, rabbitClient)

	if err := sched.Start(ctx); err != nil {
		log.Fatal(err)
	}
	slog.Info("Scheduler is running", "entries", len(schedule))

	liveness := gin.Default()
	liveness.GET("/liveness", func(c *gin.Context) {
		if err := storage.Ping(c); err != nil {
			slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		if err := redisClient.Ping(c); err != nil {
			slog.Error("Redis seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})
	livenessSrv := &http.Server{Addr: ":" + cfg.ServerPort, Handler: liveness}
	go func() {
		if err := livenessSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("liveness server stopped", "error", err.Error())
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	slog.Info("Scheduler is shutting down...")
	sched.Stop()
	if err := livenessSrv.Shutdown(context.Background()); err != nil {
		slog.Error("liveness server failed to shut down cleanly", "error", err.Error())
	}
}
