package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// FinalizeTimeout bounds the writes a worker makes after scoring returns,
// including after its run context is cancelled.
const FinalizeTimeout = 30 * time.Second

// Config holds all configuration for the markwise server and worker.
type Config struct {
	Server     ServerConfig
	Database   DatabaseConfig
	Redis      RedisConfig
	Broker     BrokerConfig
	Scoring    ScoringConfig
	Retry      RetryConfig
	Worker     WorkerConfig
	Reaper     ReaperConfig
	Reconciler ReconcilerConfig
	Batch      BatchConfig
}

type ServerConfig struct {
	Port              int
	Env               string
	RequestsPerMinute int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	MigrationsDir   string
}

type RedisConfig struct {
	URL string
}

type BrokerConfig struct {
	Driver       string
	NatsURL      string
	DefaultQueue string
	UrgentQueue  string
	TaskTTL      time.Duration
	// AckWait is how long the broker waits on an unacknowledged message
	// before redelivering it.
	AckWait time.Duration
}

// Queues returns the queue lanes a worker consumes, urgent first.
func (b BrokerConfig) Queues() []string {
	if b.UrgentQueue == "" || b.UrgentQueue == b.DefaultQueue {
		return []string{b.DefaultQueue}
	}
	return []string{b.UrgentQueue, b.DefaultQueue}
}

type ScoringConfig struct {
	Engine  string
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

type WorkerConfig struct {
	Concurrency           int
	PersistenceRetries    int
	PersistenceRetryDelay time.Duration
	RevokePollInterval    time.Duration
	MetricsPort           int
}

type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	BatchSize  int
}

type ReconcilerConfig struct {
	Interval    time.Duration
	ZombieAfter time.Duration
	BatchSize   int
}

type BatchConfig struct {
	MaxItems int
}

var validBrokers = map[string]bool{
	"redis": true,
	"nats":  true,
}

var validEngines = map[string]bool{
	"http": true,
	"mock": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is applied first when present; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:              envInt("MARKWISE_PORT", 8080),
			Env:               envString("MARKWISE_ENV", "development"),
			RequestsPerMinute: envInt("MARKWISE_REQUESTS_PER_MINUTE", 120),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
			MigrationsDir:   envString("DATABASE_MIGRATIONS_DIR", "migrations"),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Broker: BrokerConfig{
			Driver:       envString("BROKER_DRIVER", "redis"),
			NatsURL:      envString("NATS_URL", "nats://localhost:4222"),
			DefaultQueue: envString("QUEUE_DEFAULT", "corrections"),
			UrgentQueue:  envString("QUEUE_URGENT", "corrections-urgent"),
			TaskTTL:      envDuration("BROKER_TASK_TTL", 24*time.Hour),
			AckWait:      envDuration("BROKER_ACK_WAIT", 5*time.Minute),
		},
		Scoring: ScoringConfig{
			Engine:  envString("SCORING_ENGINE", "http"),
			BaseURL: os.Getenv("SCORING_BASE_URL"),
			APIKey:  os.Getenv("SCORING_API_KEY"),
			Model:   envString("SCORING_MODEL", "default"),
			Timeout: envDurationSecs("SCORING_TIMEOUT_SECS", 120*time.Second),
		},
		Retry: RetryConfig{
			MaxRetries: envInt("RETRY_MAX_RETRIES", 5),
			BaseDelay:  envDuration("RETRY_BASE_DELAY", 60*time.Second),
			MaxDelay:   envDuration("RETRY_MAX_DELAY", 30*time.Minute),
			Jitter:     envFloat("RETRY_JITTER", 0.2),
		},
		Worker: WorkerConfig{
			Concurrency:           envInt("WORKER_CONCURRENCY", 4),
			PersistenceRetries:    envInt("WORKER_PERSISTENCE_RETRIES", 3),
			PersistenceRetryDelay: envDuration("WORKER_PERSISTENCE_RETRY_DELAY", 200*time.Millisecond),
			RevokePollInterval:    envDuration("WORKER_REVOKE_POLL_INTERVAL", 5*time.Second),
			MetricsPort:           envInt("WORKER_METRICS_PORT", 9102),
		},
		Reaper: ReaperConfig{
			Interval:   envDuration("REAPER_INTERVAL", 5*time.Minute),
			StaleAfter: envDuration("REAPER_STALE_AFTER", 30*time.Minute),
			BatchSize:  envInt("REAPER_BATCH_SIZE", 200),
		},
		Reconciler: ReconcilerConfig{
			Interval:    envDuration("RECONCILER_INTERVAL", 15*time.Minute),
			ZombieAfter: envDuration("RECONCILER_ZOMBIE_AFTER", time.Hour),
			BatchSize:   envInt("RECONCILER_BATCH_SIZE", 200),
		},
		Batch: BatchConfig{
			MaxItems: envInt("BATCH_MAX_ITEMS", 500),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if !validBrokers[c.Broker.Driver] {
		return fmt.Errorf("BROKER_DRIVER must be one of redis, nats; got %q", c.Broker.Driver)
	}
	if c.Broker.Driver == "nats" && !strings.HasPrefix(c.Broker.NatsURL, "nats://") && !strings.HasPrefix(c.Broker.NatsURL, "tls://") {
		return fmt.Errorf("NATS_URL must start with nats:// or tls://, got %q", c.Broker.NatsURL)
	}
	if c.Broker.DefaultQueue == "" {
		return fmt.Errorf("QUEUE_DEFAULT must not be empty")
	}

	if !validEngines[c.Scoring.Engine] {
		return fmt.Errorf("SCORING_ENGINE must be one of http, mock; got %q", c.Scoring.Engine)
	}
	if c.Scoring.Engine == "http" {
		if c.Scoring.BaseURL == "" {
			return fmt.Errorf("SCORING_BASE_URL is required when SCORING_ENGINE is http")
		}
		if !strings.HasPrefix(c.Scoring.BaseURL, "http://") && !strings.HasPrefix(c.Scoring.BaseURL, "https://") {
			return fmt.Errorf("SCORING_BASE_URL must start with http:// or https://, got %q", c.Scoring.BaseURL)
		}
	}

	if c.Retry.MaxRetries < 1 {
		return fmt.Errorf("RETRY_MAX_RETRIES must be at least 1, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must be >= RETRY_BASE_DELAY (%s) > 0", c.Retry.MaxDelay, c.Retry.BaseDelay)
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("RETRY_JITTER must be within [0, 1], got %v", c.Retry.Jitter)
	}

	// A handler may hold a message for a full scoring call plus finalize.
	if c.Broker.AckWait <= c.Scoring.Timeout+FinalizeTimeout {
		return fmt.Errorf("BROKER_ACK_WAIT (%s) must be longer than SCORING_TIMEOUT_SECS (%s) plus %s",
			c.Broker.AckWait, c.Scoring.Timeout, FinalizeTimeout)
	}

	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency)
	}

	if c.Reaper.StaleAfter <= c.Scoring.Timeout+FinalizeTimeout {
		return fmt.Errorf("REAPER_STALE_AFTER (%s) must be longer than SCORING_TIMEOUT_SECS (%s) plus %s",
			c.Reaper.StaleAfter, c.Scoring.Timeout, FinalizeTimeout)
	}
	if c.Retry.MaxDelay >= c.Reconciler.ZombieAfter {
		return fmt.Errorf("RETRY_MAX_DELAY (%s) must be shorter than RECONCILER_ZOMBIE_AFTER (%s)",
			c.Retry.MaxDelay, c.Reconciler.ZombieAfter)
	}
	if c.Reconciler.ZombieAfter <= c.Reaper.StaleAfter {
		return fmt.Errorf("RECONCILER_ZOMBIE_AFTER (%s) must be longer than REAPER_STALE_AFTER (%s)",
			c.Reconciler.ZombieAfter, c.Reaper.StaleAfter)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
