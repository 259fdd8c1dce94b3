// Package config loads the guard daemon configuration from a YAML file,
// an optional .env file and GUARD_* environment variables, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jdziat/pipeline-guard/internal/telemetry"
	"github.com/jdziat/pipeline-guard/pkg/budget"
	"github.com/jdziat/pipeline-guard/pkg/catchup"
	"github.com/jdziat/pipeline-guard/pkg/dlq"
	"github.com/jdziat/pipeline-guard/pkg/schedule"
	"github.com/jdziat/pipeline-guard/pkg/storage"
	"github.com/jdziat/pipeline-guard/pkg/worker"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GUARD_"

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	// Zero keeps the storage pool default. SQLite always uses one connection.
	MaxOpenConns int `yaml:"max_open_conns"`
	MaxIdleConns int `yaml:"max_idle_conns"`
}

// PoolOptions returns the storage pool options c asks for.
func (c DatabaseConfig) PoolOptions() []storage.PoolOption {
	var opts []storage.PoolOption
	if c.MaxOpenConns > 0 {
		opts = append(opts, storage.MaxOpenConns(c.MaxOpenConns))
	}
	if c.MaxIdleConns > 0 {
		opts = append(opts, storage.MaxIdleConns(c.MaxIdleConns))
	}
	return opts
}

type BudgetConfig struct {
	GlobalDailyTokens    int64         `yaml:"global_daily_tokens"`
	SourceDailyTokens    int64         `yaml:"source_daily_tokens"`
	ItemMaxTokens        int64         `yaml:"item_max_tokens"`
	EmptyOutputThreshold int           `yaml:"empty_output_threshold"`
	SourceCooldown       time.Duration `yaml:"source_cooldown"`
	LocalSlots           int64         `yaml:"local_slots"`
	CloudSlots           int64         `yaml:"cloud_slots"`
	CloudMinInterval     time.Duration `yaml:"cloud_min_interval"`
}

// Governor converts c into budget.Config.
func (c BudgetConfig) Governor() budget.Config {
	return budget.Config{
		GlobalDailyTokens:    c.GlobalDailyTokens,
		SourceDailyTokens:    c.SourceDailyTokens,
		ItemMaxTokens:        c.ItemMaxTokens,
		EmptyOutputThreshold: c.EmptyOutputThreshold,
		SourceCooldown:       c.SourceCooldown,
		LocalSlots:           c.LocalSlots,
		CloudSlots:           c.CloudSlots,
		CloudMinInterval:     c.CloudMinInterval,
	}
}

type SchedulerConfig struct {
	Queue          string        `yaml:"queue"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	GracePeriod    time.Duration `yaml:"grace_period"`
	Retention      time.Duration `yaml:"retention"`
	MissedWindow   time.Duration `yaml:"missed_window"`
	StaleThreshold time.Duration `yaml:"stale_threshold"`
}

type DLQConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Adaptive    bool          `yaml:"adaptive"`
	StatsWindow time.Duration `yaml:"stats_window"`
	MinSamples  int64         `yaml:"min_samples"`
}

type CalibrationConfig struct {
	// Schedule is a cron expression for refits, run through the scheduler
	// so a missed refit is caught up.
	Schedule  string        `yaml:"schedule"`
	Window    time.Duration `yaml:"window"`
	Retention time.Duration `yaml:"retention"`
}

type WorkerConfig struct {
	Queues            map[string]int `yaml:"queues"`
	PollInterval      time.Duration  `yaml:"poll_interval"`
	HeartbeatInterval time.Duration  `yaml:"heartbeat_interval"`
	ReapInterval      time.Duration  `yaml:"reap_interval"`
	StaleGrace        time.Duration  `yaml:"stale_grace"`
}

type KafkaConfig struct {
	// Brokers is a comma separated list. Empty disables the Kafka alert sink.
	Brokers string `yaml:"brokers"`
	Topic   string `yaml:"topic"`
}

type AdminConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the full daemon configuration.
type Config struct {
	Service     string            `yaml:"service"`
	LogLevel    string            `yaml:"log_level"`
	Database    DatabaseConfig    `yaml:"database"`
	Budget      BudgetConfig      `yaml:"budget"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	DLQ         DLQConfig         `yaml:"dlq"`
	Calibration CalibrationConfig `yaml:"calibration"`
	Worker      WorkerConfig      `yaml:"worker"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Admin       AdminConfig       `yaml:"admin"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	b := budget.DefaultConfig()
	return Config{
		Service:  "pipeline-guard",
		LogLevel: "info",
		Database: DatabaseConfig{
			Driver: storage.DriverSQLite,
			DSN:    "guard.db",
		},
		Budget: BudgetConfig{
			GlobalDailyTokens:    b.GlobalDailyTokens,
			SourceDailyTokens:    b.SourceDailyTokens,
			ItemMaxTokens:        b.ItemMaxTokens,
			EmptyOutputThreshold: b.EmptyOutputThreshold,
			SourceCooldown:       b.SourceCooldown,
			LocalSlots:           b.LocalSlots,
			CloudSlots:           b.CloudSlots,
			CloudMinInterval:     b.CloudMinInterval,
		},
		Scheduler: SchedulerConfig{
			Queue:          "scheduler",
			CheckInterval:  catchup.DefaultCheckInterval,
			GracePeriod:    catchup.DefaultGracePeriod,
			Retention:      catchup.DefaultRetention,
			MissedWindow:   catchup.DefaultMissedWindow,
			StaleThreshold: catchup.DefaultStaleThreshold,
		},
		DLQ: DLQConfig{
			Interval:    dlq.DefaultInterval,
			BatchSize:   dlq.DefaultBatchSize,
			StatsWindow: dlq.DefaultStatsWindow,
			MinSamples:  dlq.DefaultMinSamples,
		},
		Calibration: CalibrationConfig{
			Schedule:  "0 */6 * * *",
			Window:    90 * 24 * time.Hour,
			Retention: 30 * 24 * time.Hour,
		},
		Worker: WorkerConfig{
			Queues:            map[string]int{"default": worker.DefaultQueueConcurrency, "scheduler": 2},
			PollInterval:      worker.DefaultPollInterval,
			HeartbeatInterval: worker.DefaultHeartbeatInterval,
			ReapInterval:      worker.DefaultReapInterval,
			StaleGrace:        worker.DefaultStaleGrace,
		},
		Kafka: KafkaConfig{Topic: "guard-alerts"},
		Admin: AdminConfig{Addr: ":8080"},
		Telemetry: telemetry.Config{
			Exporter:    "none",
			SampleRatio: 1,
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then GUARD_* overrides.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg from GUARD_* variables found through lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	env := func(key string) (string, bool) {
		v, ok := lookup(EnvPrefix + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := env(key); ok {
			*dst = v
		}
	}
	i64 := func(key string, dst *int64) {
		if v, ok := env(key); ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := env(key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &cfg.LogLevel)
	str("DB_DRIVER", &cfg.Database.Driver)
	str("DB_DSN", &cfg.Database.DSN)
	i64("GLOBAL_DAILY_TOKENS", &cfg.Budget.GlobalDailyTokens)
	i64("SOURCE_DAILY_TOKENS", &cfg.Budget.SourceDailyTokens)
	i64("ITEM_MAX_TOKENS", &cfg.Budget.ItemMaxTokens)
	dur("SCHEDULER_CHECK_INTERVAL", &cfg.Scheduler.CheckInterval)
	dur("STALE_THRESHOLD", &cfg.Scheduler.StaleThreshold)
	dur("DLQ_INTERVAL", &cfg.DLQ.Interval)
	boolean("DLQ_ADAPTIVE", &cfg.DLQ.Adaptive)
	str("CALIBRATION_SCHEDULE", &cfg.Calibration.Schedule)
	str("KAFKA_BROKERS", &cfg.Kafka.Brokers)
	str("KAFKA_TOPIC", &cfg.Kafka.Topic)
	str("ADMIN_ADDR", &cfg.Admin.Addr)
	str("OTEL_EXPORTER", &cfg.Telemetry.Exporter)
	str("OTEL_ENDPOINT", &cfg.Telemetry.Endpoint)
	str("ENVIRONMENT", &cfg.Telemetry.Environment)
	boolean("OTEL_INSECURE", &cfg.Telemetry.Insecure)
	if v, ok := env("OTEL_HEADERS"); ok {
		cfg.Telemetry.Headers = telemetry.ParseHeaders(v)
	}
	if v, ok := env("OTEL_SAMPLE_RATIO"); ok {
		r, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sOTEL_SAMPLE_RATIO: %w", EnvPrefix, err))
		} else {
			cfg.Telemetry.SampleRatio = r
		}
	}
	return errors.Join(errs...)
}

// Validate rejects configurations the daemon cannot start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := storage.Dialector(c.Database.Driver, c.Database.DSN); err != nil {
		errs = append(errs, fmt.Errorf("config: database: %w", err))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("config: database.dsn is required"))
	}
	if _, err := schedule.Parse(c.Calibration.Schedule); err != nil {
		errs = append(errs, fmt.Errorf("config: calibration.schedule: %w", err))
	}
	if c.Budget.GlobalDailyTokens < 0 || c.Budget.SourceDailyTokens < 0 || c.Budget.ItemMaxTokens < 0 {
		errs = append(errs, errors.New("config: budget limits must not be negative"))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		errs = append(errs, errors.New("config: telemetry.sample_ratio must be within [0, 1]"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("config: log_level: %w", err)
	}
	return l, nil
}
