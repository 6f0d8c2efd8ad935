package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App      App      `yaml:"app"`
	Log      Log      `yaml:"log"`
	Feed     Feed     `yaml:"feed"`
	Kafka    Kafka    `yaml:"kafka"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	Retry    Retry    `yaml:"retry"`
	Consumer Consumer `yaml:"consumer"`
	Status   Status   `yaml:"status"`
}

type App struct {
	Name    string `yaml:"name" env:"APP_NAME" env-default:"changefeed"`
	Version string `yaml:"version" env:"APP_VERSION" env-default:"1.0.0"`
}

type Log struct {
	Level string `yaml:"level" env:"LOG_LEVEL" env-default:"info"`
}

type Feed struct {
	URL            string        `yaml:"url" env:"FEED_URL" env-default:"https://stream.wikimedia.org/v2/stream/recentchange"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"FEED_CONNECT_TIMEOUT" env-default:"10s"`
}

type Kafka struct {
	Brokers []string `yaml:"brokers" env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	Topic   string   `yaml:"topic" env:"KAFKA_TOPIC" env-default:"feed-events"`
	GroupID string   `yaml:"group_id" env:"KAFKA_GROUP_ID" env-default:"feed-events-group-1"`
}

type Postgres struct {
	Host     string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port     string `yaml:"port" env:"POSTGRES_PORT" env-default:"5432"`
	User     string `yaml:"user" env:"POSTGRES_USER" env-default:"user"`
	Password string `yaml:"password" env:"POSTGRES_PASSWORD" env-default:"password"`
	DBName   string `yaml:"dbname" env:"POSTGRES_DB" env-default:"changefeed_db"`
}

// Redis is optional; with an empty Addr the ingest process keeps its resume
// token in memory only and a restart replays whatever the feed re-sends.
type Redis struct {
	Addr string `yaml:"addr" env:"REDIS_ADDR" env-default:""`
}

// Retry tunes the publisher's per-message attempt budget and the
// supervisor's reconnect backoff.
type Retry struct {
	MaxAttempts  int           `yaml:"max_attempts" env:"RETRY_MAX_ATTEMPTS" env-default:"5"`
	BaseDelay    time.Duration `yaml:"base_delay" env:"RETRY_BASE_DELAY" env-default:"500ms"`
	MaxDelay     time.Duration `yaml:"max_delay" env:"RETRY_MAX_DELAY" env-default:"30s"`
	JitterFactor float64       `yaml:"jitter_factor" env:"RETRY_JITTER_FACTOR" env-default:"0.2"`
}

type Consumer struct {
	MaxRetries     int           `yaml:"max_retries" env:"CONSUMER_MAX_RETRIES" env-default:"2"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" env:"CONSUMER_RETRY_BASE_DELAY" env-default:"1s"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay" env:"CONSUMER_RETRY_MAX_DELAY" env-default:"10s"`
}

type Status struct {
	IngestAddr   string `yaml:"ingest_addr" env:"STATUS_INGEST_ADDR" env-default:":9091"`
	ConsumerAddr string `yaml:"consumer_addr" env:"STATUS_CONSUMER_ADDR" env-default:":9092"`
}

func New() (*Config, error) {
	cfg := &Config{}

	if err := cleanenv.ReadConfig("config.yaml", cfg); err != nil {
		// fallback to env vars if file not found
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("config error: %w", err)
		}
	} else {
		// Allow env vars to override config file
		cleanenv.ReadEnv(cfg)
	}

	return cfg, nil
}

func (p Postgres) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s",
		p.User, p.Password, p.Host, p.Port, p.DBName)
}
