// Package config provides configuration management for the orchestrator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/kandev/fleetctl/internal/common/constants"
)

// Config holds all configuration sections for the orchestrator.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Sidecar  SidecarConfig  `mapstructure:"sidecar"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Bridge   BridgeConfig   `mapstructure:"bridge"`
	Terminal TerminalConfig `mapstructure:"terminal"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
	Breaker  BreakerConfig  `mapstructure:"breaker"`
	Logging  LoggingConfig  `mapstructure:"logging"`

	// Agents is the static roster registered at startup; more can be
	// added at runtime through the agent API.
	Agents []string `mapstructure:"agents"`
}

// ServerConfig holds HTTP server configuration for the API Adapter.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds connection configuration for the SQL-backed sidecar store.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration. An empty URL falls
// back to the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// SidecarConfig selects and configures the persistent state store
// backing the priority queue's delayed/processing sets and the
// task/agent record hashes.
type SidecarConfig struct {
	// Driver is "redis" or "sql". Empty defaults to "sql".
	Driver   string `mapstructure:"driver"`
	RedisURL string `mapstructure:"redisUrl"`
}

// QueueConfig tunes the distributed priority queue's background loops.
type QueueConfig struct {
	PollIntervalSeconds           float64 `mapstructure:"pollIntervalSeconds"`
	TimeoutMonitorIntervalSeconds float64 `mapstructure:"timeoutMonitorIntervalSeconds"`
	CleanerIntervalSeconds        float64 `mapstructure:"cleanerIntervalSeconds"`
	MaxRetryBackoffSeconds        int     `mapstructure:"maxRetryBackoffSeconds"`
}

// BridgeConfig tunes per-agent heartbeat, offline-detection, and
// pane-polling timing.
type BridgeConfig struct {
	HeartbeatIntervalSeconds       float64 `mapstructure:"heartbeatIntervalSeconds"`
	OfflineHeartbeatTimeoutSeconds float64 `mapstructure:"offlineHeartbeatTimeoutSeconds"`
	PanePollIntervalSeconds        float64 `mapstructure:"panePollIntervalSeconds"`
}

// TerminalConfig holds the Terminal Session Driver's timing contract.
type TerminalConfig struct {
	// CommitDelaySeconds is the mandatory pause between writing command
	// text and writing the commit keystroke. A value below the minimum
	// is rejected at startup.
	CommitDelaySeconds    float64 `mapstructure:"commitDelaySeconds"`
	ControlTimeoutSeconds float64 `mapstructure:"controlTimeoutSeconds"`
	CaptureTimeoutSeconds float64 `mapstructure:"captureTimeoutSeconds"`
	Cols                  int     `mapstructure:"cols"`
	Rows                  int     `mapstructure:"rows"`
}

// WorkflowConfig tunes the DAG engine's parallel step execution.
type WorkflowConfig struct {
	MaxParallelSteps int `mapstructure:"maxParallelSteps"`
}

// BreakerConfig tunes the per-scope circuit breaker defaults and the
// bulkhead that shares each scope with it.
type BreakerConfig struct {
	FailureThreshold   int     `mapstructure:"failureThreshold"`
	SuccessThreshold   int     `mapstructure:"successThreshold"`
	OpenTimeoutSeconds float64 `mapstructure:"openTimeoutSeconds"`
	SlidingWindow      int     `mapstructure:"slidingWindow"`

	// BulkheadMaxConcurrent callers run at once per scope; up to
	// BulkheadMaxQueued more wait for a slot, the rest are rejected
	// immediately.
	BulkheadMaxConcurrent int `mapstructure:"bulkheadMaxConcurrent"`
	BulkheadMaxQueued     int `mapstructure:"bulkheadMaxQueued"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the queue scheduler's poll interval.
func (q *QueueConfig) PollInterval() time.Duration {
	return time.Duration(q.PollIntervalSeconds * float64(time.Second))
}

// TimeoutMonitorInterval returns the queue timeout monitor's interval.
func (q *QueueConfig) TimeoutMonitorInterval() time.Duration {
	return time.Duration(q.TimeoutMonitorIntervalSeconds * float64(time.Second))
}

// CleanerInterval returns the queue cleaner loop's interval.
func (q *QueueConfig) CleanerInterval() time.Duration {
	return time.Duration(q.CleanerIntervalSeconds * float64(time.Second))
}

// HeartbeatInterval returns the bridge heartbeat publish interval.
func (b *BridgeConfig) HeartbeatInterval() time.Duration {
	return time.Duration(b.HeartbeatIntervalSeconds * float64(time.Second))
}

// OfflineTimeout returns the duration of missed heartbeats before an
// agent is marked offline.
func (b *BridgeConfig) OfflineTimeout() time.Duration {
	return time.Duration(b.OfflineHeartbeatTimeoutSeconds * float64(time.Second))
}

// PanePollInterval returns how often a bridge polls capture_pane while
// waiting for a task's completion markers.
func (b *BridgeConfig) PanePollInterval() time.Duration {
	return time.Duration(b.PanePollIntervalSeconds * float64(time.Second))
}

// CommitDelay returns the configured commit delay as a time.Duration.
func (t *TerminalConfig) CommitDelay() time.Duration {
	return time.Duration(t.CommitDelaySeconds * float64(time.Second))
}

// ControlTimeout returns the configured control-operation timeout.
func (t *TerminalConfig) ControlTimeout() time.Duration {
	return time.Duration(t.ControlTimeoutSeconds * float64(time.Second))
}

// CaptureTimeout returns the configured capture-pane timeout.
func (t *TerminalConfig) CaptureTimeout() time.Duration {
	return time.Duration(t.CaptureTimeoutSeconds * float64(time.Second))
}

// OpenTimeout returns how long the breaker stays open before probing.
func (b *BreakerConfig) OpenTimeout() time.Duration {
	return time.Duration(b.OpenTimeoutSeconds * float64(time.Second))
}

// MinCommitDelay is the floor spec.md's terminal contract allows; a
// configured delay below this is a startup error, not a clamp.
const MinCommitDelay = constants.MinCommitDelay

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("ORCH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./orchestrator.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "orchestrator")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "orchestrator")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "orchestrator")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("sidecar.driver", "sql")
	v.SetDefault("sidecar.redisUrl", "")

	v.SetDefault("queue.pollIntervalSeconds", 1.0)
	v.SetDefault("queue.timeoutMonitorIntervalSeconds", 10.0)
	v.SetDefault("queue.cleanerIntervalSeconds", 3600.0)
	v.SetDefault("queue.maxRetryBackoffSeconds", 60)

	v.SetDefault("bridge.heartbeatIntervalSeconds", 5.0)
	v.SetDefault("bridge.offlineHeartbeatTimeoutSeconds", 30.0)
	v.SetDefault("bridge.panePollIntervalSeconds", 2.0)

	v.SetDefault("terminal.commitDelaySeconds", 0.1)
	v.SetDefault("terminal.controlTimeoutSeconds", 5.0)
	v.SetDefault("terminal.captureTimeoutSeconds", 10.0)
	v.SetDefault("terminal.cols", 120)
	v.SetDefault("terminal.rows", 40)

	v.SetDefault("workflow.maxParallelSteps", 10)

	v.SetDefault("agents", []string{})

	v.SetDefault("breaker.failureThreshold", 5)
	v.SetDefault("breaker.successThreshold", 2)
	v.SetDefault("breaker.openTimeoutSeconds", 60.0)
	v.SetDefault("breaker.slidingWindow", 10)
	v.SetDefault("breaker.bulkheadMaxConcurrent", 10)
	v.SetDefault("breaker.bulkheadMaxQueued", 20)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix ORCH_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/orchestrator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose casing differs from the
	// camelCase mapstructure keys (AutomaticEnv does not convert case).
	_ = v.BindEnv("terminal.commitDelaySeconds", "ORCH_COMMIT_DELAY_SECONDS")
	_ = v.BindEnv("queue.pollIntervalSeconds", "QUEUE_POLL_INTERVAL_SECONDS")
	_ = v.BindEnv("queue.timeoutMonitorIntervalSeconds", "TIMEOUT_MONITOR_INTERVAL_SECONDS")
	_ = v.BindEnv("queue.cleanerIntervalSeconds", "CLEANER_INTERVAL_SECONDS")
	_ = v.BindEnv("bridge.heartbeatIntervalSeconds", "HEARTBEAT_INTERVAL_SECONDS")
	_ = v.BindEnv("bridge.offlineHeartbeatTimeoutSeconds", "OFFLINE_HEARTBEAT_TIMEOUT_SECONDS")
	_ = v.BindEnv("nats.url", "BUS_ADDRESS")
	_ = v.BindEnv("logging.level", "LOG_LEVEL")
	_ = v.BindEnv("logging.format", "LOG_FORMAT")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/orchestrator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set and
// enforces the terminal driver's minimum commit delay.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	if cfg.Terminal.CommitDelay() < MinCommitDelay {
		errs = append(errs, fmt.Sprintf("terminal.commitDelaySeconds must be >= %s", MinCommitDelay))
	}

	if cfg.Workflow.MaxParallelSteps <= 0 {
		errs = append(errs, "workflow.maxParallelSteps must be positive")
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		errs = append(errs, "breaker.failureThreshold must be positive")
	}
	if cfg.Breaker.SuccessThreshold <= 0 {
		errs = append(errs, "breaker.successThreshold must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
