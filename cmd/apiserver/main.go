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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/relaycore/taskcore/configs"
	db2 "github.com/relaycore/taskcore/db"
	"github.com/relaycore/taskcore/internal/domain"
	"github.com/relaycore/taskcore/internal/errval"
	"github.com/relaycore/taskcore/internal/metrics"
	"github.com/relaycore/taskcore/internal/postgres"
	"github.com/relaycore/taskcore/internal/rabbitmq"
	"github.com/relaycore/taskcore/internal/server"
	"github.com/relaycore/taskcore/internal/submitter"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

var postgresIsReady, rabbitIsReady bool

func main() {
	cfg := configs.InitConfig()

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
	postgresIsReady = true
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
	rabbitIsReady = true
	slog.Info("RabbitMQ has been initialized successfully")

	if err := rabbitClient.ConsumeMessages("apiserver-audit-log", cfg.RabbitMQ.LifecycleExchange, func(body string) {
		slog.Info("lifecycle event received", "body", body)
	}); err != nil {
		slog.Error("failed to start lifecycle event audit consumer", "error", err.Error())
	}

	router := setupHTTPServer(storage, rabbitClient)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}
	log.Println("Server exiting")
}

func setupHTTPServer(storage domain.Storage, rabbitClient *rabbitmq.RabbitMQClient) *gin.Engine {
	r := gin.Default()

	sub := submitter.New(storage, metrics.NewInMemory())
	logic := server.NewServerLogic(storage, sub, rabbitClient)

	tasks := r.Group("/tasks")
	tasks.POST("", func(c *gin.Context) {
		var req server.AddTaskRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			slog.Error("error occurred while binding request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{})
			return
		}

		addedTaskID, err := logic.AddTask(c, req)
		if err != nil {
			var validationErr *errval.ValidationError
			if errors.As(err, &validationErr) {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"added_task_id": addedTaskID})
	})

	tasks.GET("/:id", func(c *gin.Context) {
		id := c.Param("id")

		taskStatus, err := logic.GetTaskStatus(c, id)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": taskStatus})
	})

	tasks.GET("/:id/history", func(c *gin.Context) {
		id := c.Param("id")

		history, err := logic.GetTaskStatusHistory(c, id)
		if err != nil {
			if errors.Is(err, errval.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{})
			return
		}

		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	r.GET("/readiness", func(c *gin.Context) {
		if postgresIsReady && rabbitIsReady {
			c.JSON(http.StatusOK, gin.H{"status": "ready"})
		} else {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not ready"})
		}
	})
	r.GET("/liveness", func(c *gin.Context) {
		if err := storage.Ping(c); err != nil {
			slog.Error("Postgresql seem not to be pingable in liveness API", "error", err.Error())
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		if !rabbitClient.IsHealthy() {
			slog.Error("Rabbit is not healthy")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not healthy"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"status": "up"})
	})

	return r
}
