package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"

	"github.com/relaycore/taskcore/configs"
	db2 "github.com/relaycore/taskcore/db"
	"github.com/relaycore/taskcore/internal/postgres"
	"github.com/relaycore/taskcore/internal/rabbitmq"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

func skipWithoutDB(t *testing.T) {
	if os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST not set, skipping integration test")
	}
}

func runTestServer(t *testing.T) *httptest.Server {
	cfg := configs.InitConfig()
	ctx := context.Background()

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToTestMigrationUri())
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			slog.Error("error rolling back migrations", "error", err.Error())
		}
	})

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToTestDBConnectionUri())
	if err != nil {
		log.Fatal(err)
	}

	rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.LifecycleExchange})
	if err != nil {
		log.Fatal(err)
	}
	t.Cleanup(func() {
		_ = rabbitClient.Close()
	})

	return httptest.NewServer(setupHTTPServer(storage, rabbitClient))
}

func Test_liveness_api(t *testing.T) {
	skipWithoutDB(t)
	ts := runTestServer(t)
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/liveness", ts.URL))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_readiness_api(t *testing.T) {
	skipWithoutDB(t)
	ts := runTestServer(t)
	defer ts.Close()

	resp, err := http.Get(fmt.Sprintf("%s/readiness", ts.URL))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	assert.Equal(t, 200, resp.StatusCode)
}

func Test_create_and_read_task_api(t *testing.T) {
	skipWithoutDB(t)
	ts := runTestServer(t)
	defer ts.Close()

	payload := map[string]interface{}{
		"task":  "noop",
		"props": map[string]string{"item1": "value1"},
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}

	resp, err := http.Post(fmt.Sprintf("%s/tasks", ts.URL), "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	assert.Equal(t, 200, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}

	var respMap map[string]string
	if err := json.Unmarshal(body, &respMap); err != nil {
		t.Fatal(err)
	}

	taskID, exists := respMap["added_task_id"]
	assert.True(t, exists)
	assert.NotEmpty(t, taskID)

	statusResp, err := http.Get(fmt.Sprintf("%s/tasks/%s", ts.URL, taskID))
	if err != nil {
		t.Fatal(err)
	}
	defer statusResp.Body.Close()
	assert.Equal(t, 200, statusResp.StatusCode)
}
