package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	HTTPAddr        string        `envconfig:"HTTP_ADDR" default:":8080"`
	GRPCAddr        string        `envconfig:"GRPC_ADDR" default:":50051"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"5s"`
	RequestTimeout  time.Duration `envconfig:"HTTP_REQUEST_TIMEOUT" default:"30s"`
	RateLimit       int           `envconfig:"HTTP_RATE_LIMIT" default:"600"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`

	MySQLDSN          string        `envconfig:"MYSQL_DSN" default:"root:root@tcp(localhost:3306)/stockledger?parseTime=true"`
	MySQLMaxOpenConns int           `envconfig:"MYSQL_MAX_OPEN_CONNS" default:"50"`
	MySQLMaxIdleConns int           `envconfig:"MYSQL_MAX_IDLE_CONNS" default:"25"`
	MySQLConnMaxLife  time.Duration `envconfig:"MYSQL_CONN_MAX_LIFETIME" default:"5m"`
	MySQLMigrate      bool          `envconfig:"MYSQL_MIGRATE" default:"true"`

	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPoolSize int    `envconfig:"REDIS_POOL_SIZE" default:"100"`

	KafkaBrokers     []string `envconfig:"KAFKA_BROKERS"`
	KafkaEventsTopic string   `envconfig:"KAFKA_TOPIC_EVENTS" default:"stock.events"`
	KafkaAlertsTopic string   `envconfig:"KAFKA_TOPIC_ALERTS" default:"stock.alerts"`

	LockWaitTimeout time.Duration `envconfig:"LOCK_WAIT_TIMEOUT" default:"2s"`

	OtelEndpoint string `envconfig:"OTEL_ENDPOINT"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MySQLDSN == "" {
		return errors.New("MYSQL_DSN is required")
	}
	if c.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("HTTP_RATE_LIMIT must be >= 0, got %d", c.RateLimit)
	}
	if c.LockWaitTimeout <= 0 {
		return fmt.Errorf("LOCK_WAIT_TIMEOUT must be positive, got %s", c.LockWaitTimeout)
	}
	return nil
}

func (c *Config) KafkaEnabled() bool {
	return c != nil && len(c.KafkaBrokers) > 0
}
