// Copyright 2025 James Ross
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	Namespace          string        `mapstructure:"namespace"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

type Postgres struct {
	DSN              string        `mapstructure:"dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	StatementTimeout time.Duration `mapstructure:"statement_timeout"`
}

type ClickHouse struct {
	DSN     string `mapstructure:"dsn"`
	Enabled bool   `mapstructure:"enabled"`
}

type Backoff struct {
	Base time.Duration `mapstructure:"base"`
	Max  time.Duration `mapstructure:"max"`
}

type Worker struct {
	Count             int           `mapstructure:"count"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           Backoff       `mapstructure:"backoff"`
	Queue             string        `mapstructure:"queue"`
	DeadLetterList    string        `mapstructure:"dead_letter_list"`
	BRPopLPushTimeout time.Duration `mapstructure:"brpoplpush_timeout"`
	RecycleAfterTasks int           `mapstructure:"recycle_after_tasks"`
	SoftDeadline      time.Duration `mapstructure:"soft_deadline"`
	HardDeadline      time.Duration `mapstructure:"hard_deadline"`
	CancelSignalTTL   time.Duration `mapstructure:"cancel_signal_ttl"`
}

type Backend struct {
	PrimaryURL         string        `mapstructure:"primary_url"`
	MockURL            string        `mapstructure:"mock_url"`
	MockOutputDir      string        `mapstructure:"mock_output_dir"`
	DefaultTimeout     time.Duration `mapstructure:"default_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MaxWaitTime        time.Duration `mapstructure:"max_wait_time"`
	DefaultCheckpoint  string        `mapstructure:"default_checkpoint"`
	DefaultWidth       int           `mapstructure:"default_width"`
	DefaultHeight      int           `mapstructure:"default_height"`
	DefaultBatchSize   int           `mapstructure:"default_batch_size"`
	OutputBucket       string        `mapstructure:"output_bucket"`
	OutputBucketRegion string        `mapstructure:"output_bucket_region"`
}

type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

type Cron struct {
	RouteAnalyticsTransfer  string `mapstructure:"route_analytics_transfer"`
	GenerationEventTransfer string `mapstructure:"generation_event_transfer"`
	RouteAnalyticsRollup    string `mapstructure:"route_analytics_rollup"`
	GenerationMetricsRollup string `mapstructure:"generation_metrics_rollup"`
	TagCardinalityRefresh   string `mapstructure:"tag_cardinality_refresh"`
}

type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	Environment  string  `mapstructure:"environment"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure"`
}

type ObservabilityConfig struct {
	MetricsPort int           `mapstructure:"metrics_port"`
	LogLevel    string        `mapstructure:"log_level"`
	Tracing     TracingConfig `mapstructure:"tracing"`
}

// Observability is a backwards-compatible alias matching the teacher's naming.
type Observability = ObservabilityConfig

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Postgres       Postgres       `mapstructure:"postgres"`
	ClickHouse     ClickHouse     `mapstructure:"clickhouse"`
	Worker         Worker         `mapstructure:"worker"`
	Backend        Backend        `mapstructure:"backend"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Cron           Cron           `mapstructure:"cron"`
	Observability  Observability  `mapstructure:"observability"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			Namespace:          "genonaut_dev",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Postgres: Postgres{
			DSN:              "postgres://localhost:5432/genonaut?sslmode=disable",
			MaxOpenConns:     20,
			MaxIdleConns:     5,
			ConnMaxLifetime:  30 * time.Minute,
			StatementTimeout: 15 * time.Second,
		},
		ClickHouse: ClickHouse{
			DSN:     "clickhouse://localhost:9000/genonaut",
			Enabled: false,
		},
		Worker: Worker{
			Count:             16,
			HeartbeatTTL:      30 * time.Second,
			MaxRetries:        3,
			Backoff:           Backoff{Base: 1 * time.Second, Max: 600 * time.Second},
			Queue:             "jobqueue:generation",
			DeadLetterList:    "jobqueue:dead_letter",
			BRPopLPushTimeout: 1 * time.Second,
			RecycleAfterTasks: 100,
			SoftDeadline:      25 * time.Minute,
			HardDeadline:      30 * time.Minute,
			CancelSignalTTL:   35 * time.Minute,
		},
		Backend: Backend{
			PrimaryURL:        "http://localhost:8188",
			MockURL:           "mock://local",
			MockOutputDir:     "./data/mock-outputs",
			DefaultTimeout:    30 * time.Second,
			PollInterval:      2 * time.Second,
			MaxWaitTime:       900 * time.Second,
			DefaultCheckpoint: "sd_xl_base_1.0.safetensors",
			DefaultWidth:      832,
			DefaultHeight:     1216,
			DefaultBatchSize:  1,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       10,
		},
		Cron: Cron{
			RouteAnalyticsTransfer:  "*/10 * * * *",
			GenerationEventTransfer: "*/10 * * * *",
			RouteAnalyticsRollup:    "0 * * * *",
			GenerationMetricsRollup: "0 * * * *",
			TagCardinalityRefresh:   "0 3 * * *",
		},
		Observability: Observability{
			MetricsPort: 9090,
			LogLevel:    "info",
			Tracing:     TracingConfig{Enabled: false},
		},
	}
}

// Load reads configuration from a YAML file and environment-variable
// overrides, layered the way the teacher's config.Load does: compiled-in
// defaults, then an optional file, then env vars, then Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.namespace", def.Redis.Namespace)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("postgres.dsn", def.Postgres.DSN)
	v.SetDefault("postgres.max_open_conns", def.Postgres.MaxOpenConns)
	v.SetDefault("postgres.max_idle_conns", def.Postgres.MaxIdleConns)
	v.SetDefault("postgres.conn_max_lifetime", def.Postgres.ConnMaxLifetime)
	v.SetDefault("postgres.statement_timeout", def.Postgres.StatementTimeout)

	v.SetDefault("clickhouse.dsn", def.ClickHouse.DSN)
	v.SetDefault("clickhouse.enabled", def.ClickHouse.Enabled)

	v.SetDefault("worker.count", def.Worker.Count)
	v.SetDefault("worker.heartbeat_ttl", def.Worker.HeartbeatTTL)
	v.SetDefault("worker.max_retries", def.Worker.MaxRetries)
	v.SetDefault("worker.backoff.base", def.Worker.Backoff.Base)
	v.SetDefault("worker.backoff.max", def.Worker.Backoff.Max)
	v.SetDefault("worker.queue", def.Worker.Queue)
	v.SetDefault("worker.dead_letter_list", def.Worker.DeadLetterList)
	v.SetDefault("worker.brpoplpush_timeout", def.Worker.BRPopLPushTimeout)
	v.SetDefault("worker.recycle_after_tasks", def.Worker.RecycleAfterTasks)
	v.SetDefault("worker.soft_deadline", def.Worker.SoftDeadline)
	v.SetDefault("worker.hard_deadline", def.Worker.HardDeadline)
	v.SetDefault("worker.cancel_signal_ttl", def.Worker.CancelSignalTTL)

	v.SetDefault("backend.primary_url", def.Backend.PrimaryURL)
	v.SetDefault("backend.mock_url", def.Backend.MockURL)
	v.SetDefault("backend.mock_output_dir", def.Backend.MockOutputDir)
	v.SetDefault("backend.default_timeout", def.Backend.DefaultTimeout)
	v.SetDefault("backend.poll_interval", def.Backend.PollInterval)
	v.SetDefault("backend.max_wait_time", def.Backend.MaxWaitTime)
	v.SetDefault("backend.default_checkpoint", def.Backend.DefaultCheckpoint)
	v.SetDefault("backend.default_width", def.Backend.DefaultWidth)
	v.SetDefault("backend.default_height", def.Backend.DefaultHeight)
	v.SetDefault("backend.default_batch_size", def.Backend.DefaultBatchSize)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("cron.route_analytics_transfer", def.Cron.RouteAnalyticsTransfer)
	v.SetDefault("cron.generation_event_transfer", def.Cron.GenerationEventTransfer)
	v.SetDefault("cron.route_analytics_rollup", def.Cron.RouteAnalyticsRollup)
	v.SetDefault("cron.generation_metrics_rollup", def.Cron.GenerationMetricsRollup)
	v.SetDefault("cron.tag_cardinality_refresh", def.Cron.TagCardinalityRefresh)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be >= 1")
	}
	if cfg.Worker.HeartbeatTTL < 5*time.Second {
		return fmt.Errorf("worker.heartbeat_ttl must be >= 5s")
	}
	if cfg.Worker.BRPopLPushTimeout <= 0 || cfg.Worker.BRPopLPushTimeout > cfg.Worker.HeartbeatTTL/2 {
		return fmt.Errorf("worker.brpoplpush_timeout must be >0 and <= heartbeat_ttl/2")
	}
	if cfg.Worker.MaxRetries < 0 {
		return fmt.Errorf("worker.max_retries must be >= 0")
	}
	if cfg.Backend.MaxWaitTime <= 0 {
		return fmt.Errorf("backend.max_wait_time must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.Redis.Namespace == "" {
		return fmt.Errorf("redis.namespace must be non-empty")
	}
	return nil
}
