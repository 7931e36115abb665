package configs

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerPort string `envconfig:"SERVER_PORT" default:"8080"`
	Database   DatabaseConfig
	RabbitMQ   RabbitMQConfig
	Redis      RedisConfig
	Executor   ExecutorConfig
	Worker     WorkerConfig
	Scheduler  SchedulerConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
}

type RabbitMQConfig struct {
	Username        string `envconfig:"RABBIT_USERNAME"`
	Password        string `envconfig:"RABBIT_PASSWORD"`
	Host            string `envconfig:"RABBIT_HOST"`
	Port            string `envconfig:"RABBIT_PORT"`
	LifecycleExchange string `envconfig:"RABBIT_LIFECYCLE_QUEUE_NAME" default:"task_lifecycle_events"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

// ExecutorConfig configures the shared thread pool used for handler
// invocations and DB polling.
type ExecutorConfig struct {
	MinThreads    int `envconfig:"EXECUTOR_MIN_THREADS" default:"0"`
	MaxThreads    int `envconfig:"EXECUTOR_MAX_THREADS" default:"256"`
	IdleTimeoutMs int `envconfig:"EXECUTOR_IDLE_TIMEOUT_MS" default:"60000"`
}

// WorkerConfig configures one worker's queue polling loop.
type WorkerConfig struct {
	Queue              string        `envconfig:"WORKER_QUEUE" default:"default"`
	BatchSize          int           `envconfig:"WORKER_BATCH_SIZE" default:"2"`
	PollInterval       time.Duration `envconfig:"WORKER_POLL_INTERVAL" default:"5s"`
	FailUnknownHandler bool          `envconfig:"WORKER_FAIL_UNKNOWN_HANDLER" default:"false"`
}

// SchedulerConfig configures the cron scheduler's distributed-lock firing.
type SchedulerConfig struct {
	FiringLockTTL time.Duration `envconfig:"SCHEDULER_FIRING_LOCK_TTL" default:"30s"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri returns a string specifically for the migration package with the right prefix for test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func InitConfig() *Config {
	err := godotenv.Load()
	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		fmt.Print("Cannot load env")
	}

	return &cfg
}
