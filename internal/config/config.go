package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
)

const defaultPath = "config.yaml"

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	App      App      `yaml:"app"`
	HTTP     HTTP     `yaml:"http"`
	Log      Log      `yaml:"log"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Kafka    Kafka    `yaml:"kafka"`
	Emitter  Emitter  `yaml:"emitter"`
	Backfill Backfill `yaml:"backfill"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"payment-event-emitter" validate:"required"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type HTTP struct {
	Port string `yaml:"port" env:"HTTP_PORT" env-default:"8080" validate:"required,numeric"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost" validate:"required"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432" validate:"required,numeric"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"connector"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"connector" validate:"required"`
	SSLMode  string `yaml:"sslmode" env:"POSTGRES_SSLMODE" env-default:"disable"`
	MaxConns int32  `yaml:"max_conns" env:"POSTGRES_MAX_CONNS" env-default:"10" validate:"gte=0"`
}

type Redis struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR" env-default:"localhost:6379" validate:"required,hostname_port"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0" validate:"gte=0"`
}

type Kafka struct {
	Brokers          []string      `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092" validate:"required,min=1,dive,hostname_port"`
	Topic            string        `yaml:"topic" env:"KAFKA_TOPIC" env-default:"payment-events" validate:"required"`
	TransitionsTopic string        `yaml:"transitions_topic" env:"KAFKA_TRANSITIONS_TOPIC" env-default:"payment-state-transitions" validate:"required"`
	GroupID          string        `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"payment-event-emitter" validate:"required"`
	StartOffset      string        `yaml:"start_offset" env:"KAFKA_START_OFFSET" env-default:"earliest" validate:"oneof=earliest latest"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"KAFKA_WRITE_TIMEOUT" env-default:"10s" validate:"gt=0"`
}

type Emitter struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"EMITTER_MAX_ATTEMPTS" env-default:"10" validate:"gte=1"`
	PollTimeout  time.Duration `yaml:"poll_timeout" env:"EMITTER_POLL_TIMEOUT" env-default:"1s" validate:"gt=0"`
	DrainTimeout time.Duration `yaml:"drain_timeout" env:"EMITTER_DRAIN_TIMEOUT" env-default:"30s" validate:"gte=0"`
	MetricsAddr  string        `yaml:"metrics_addr" env:"EMITTER_METRICS_ADDR" env-default:":9091" validate:"required"`
}

// Backfill configures the scheduled ledger backfill and the historical
// emission runs. An Interval of zero disables the schedule.
type Backfill struct {
	BatchSize     int           `yaml:"batch_size" env:"BACKFILL_BATCH_SIZE" env-default:"100" validate:"gte=1,lte=10000"`
	MaxAge        time.Duration `yaml:"max_age" env:"BACKFILL_MAX_AGE" env-default:"1h" validate:"gte=0"`
	Interval      time.Duration `yaml:"interval" env:"BACKFILL_INTERVAL" env-default:"15m" validate:"gte=0"`
	DoNotRetryFor time.Duration `yaml:"do_not_retry_for" env:"BACKFILL_DO_NOT_RETRY_FOR" env-default:"30m" validate:"gte=0"`
	RatePerSecond float64       `yaml:"rate_per_second" env:"BACKFILL_RATE_PER_SECOND" env-default:"0" validate:"gte=0"`
	PageSize      int           `yaml:"page_size" env:"BACKFILL_PAGE_SIZE" env-default:"100" validate:"gte=1"`
	LockTTL       time.Duration `yaml:"lock_ttl" env:"BACKFILL_LOCK_TTL" env-default:"6h" validate:"gt=0"`
}

// New reads config.yaml (or the file named by CONFIG_PATH) and lets
// environment variables override it. A missing file falls back to the
// environment alone.
func New() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultPath
	}
	return Load(path)
}

func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config error: %w", err)
		}
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (l Log) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
