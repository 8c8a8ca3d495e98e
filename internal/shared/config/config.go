// Package config loads the server's runtime settings from environment
// variables with documented defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Server holds every runtime setting of the orchestration server.
type Server struct {
	Host string
	Port int

	WorkerCount   int
	QueueCapacity int

	ShutdownRequestTimeout time.Duration
	ShutdownCleanupTimeout time.Duration

	DLQPath          string
	DLQRetryInterval time.Duration

	RateLimitDefaultCapacity int
	RateLimitDefaultRate     float64

	CircuitFailureThreshold int
	CircuitCooldown         time.Duration

	LogLevel  string
	LogFormat string

	// ConfigPath points at the optional observability YAML file.
	ConfigPath string
}

// Environment variable names. The unprefixed names are the orchestration
// contract; FOREMAN_* names are local conveniences.
const (
	EnvHost                     = "HOST"
	EnvPort                     = "PORT"
	EnvWorkerCount              = "WORKER_COUNT"
	EnvQueueCapacity            = "QUEUE_CAPACITY"
	EnvShutdownRequestTimeoutS  = "SHUTDOWN_REQUEST_TIMEOUT_S"
	EnvShutdownCleanupTimeoutS  = "SHUTDOWN_CLEANUP_TIMEOUT_S"
	EnvDLQPath                  = "DLQ_PATH"
	EnvDLQRetryIntervalS        = "DLQ_RETRY_INTERVAL_S"
	EnvRateLimitDefaultCapacity = "RATE_LIMIT_DEFAULT_CAPACITY"
	EnvRateLimitDefaultRate     = "RATE_LIMIT_DEFAULT_RATE"
	EnvCircuitFailureThreshold  = "CIRCUIT_FAILURE_THRESHOLD"
	EnvCircuitCooldownS         = "CIRCUIT_COOLDOWN_S"
	EnvLogLevel                 = "FOREMAN_LOG_LEVEL"
	EnvLogFormat                = "FOREMAN_LOG_FORMAT"
	EnvConfigPath               = "FOREMAN_CONFIG"
)

// Load reads the server configuration from the environment.
func Load() (Server, error) {
	v := viper.New()

	v.SetDefault("host", "")
	v.SetDefault("port", 8080)
	v.SetDefault("worker_count", 3)
	v.SetDefault("queue_capacity", 1024)
	v.SetDefault("shutdown_request_timeout_s", 30)
	v.SetDefault("shutdown_cleanup_timeout_s", 10)
	v.SetDefault("dlq_path", defaultDLQPath())
	v.SetDefault("dlq_retry_interval_s", 5)
	v.SetDefault("rate_limit_default_capacity", 60)
	v.SetDefault("rate_limit_default_rate", 1.0)
	v.SetDefault("circuit_failure_threshold", 5)
	v.SetDefault("circuit_cooldown_s", 60)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("config_path", "")

	bindings := map[string]string{
		"host":                        EnvHost,
		"port":                        EnvPort,
		"worker_count":                EnvWorkerCount,
		"queue_capacity":              EnvQueueCapacity,
		"shutdown_request_timeout_s":  EnvShutdownRequestTimeoutS,
		"shutdown_cleanup_timeout_s":  EnvShutdownCleanupTimeoutS,
		"dlq_path":                    EnvDLQPath,
		"dlq_retry_interval_s":        EnvDLQRetryIntervalS,
		"rate_limit_default_capacity": EnvRateLimitDefaultCapacity,
		"rate_limit_default_rate":     EnvRateLimitDefaultRate,
		"circuit_failure_threshold":   EnvCircuitFailureThreshold,
		"circuit_cooldown_s":          EnvCircuitCooldownS,
		"log_level":                   EnvLogLevel,
		"log_format":                  EnvLogFormat,
		"config_path":                 EnvConfigPath,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return Server{}, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := Server{
		Host:                     v.GetString("host"),
		Port:                     v.GetInt("port"),
		WorkerCount:              v.GetInt("worker_count"),
		QueueCapacity:            v.GetInt("queue_capacity"),
		ShutdownRequestTimeout:   time.Duration(v.GetInt("shutdown_request_timeout_s")) * time.Second,
		ShutdownCleanupTimeout:   time.Duration(v.GetInt("shutdown_cleanup_timeout_s")) * time.Second,
		DLQPath:                  v.GetString("dlq_path"),
		DLQRetryInterval:         time.Duration(v.GetInt("dlq_retry_interval_s")) * time.Second,
		RateLimitDefaultCapacity: v.GetInt("rate_limit_default_capacity"),
		RateLimitDefaultRate:     v.GetFloat64("rate_limit_default_rate"),
		CircuitFailureThreshold:  v.GetInt("circuit_failure_threshold"),
		CircuitCooldown:          time.Duration(v.GetInt("circuit_cooldown_s")) * time.Second,
		LogLevel:                 v.GetString("log_level"),
		LogFormat:                v.GetString("log_format"),
		ConfigPath:               v.GetString("config_path"),
	}

	if err := cfg.validate(); err != nil {
		return Server{}, err
	}
	return cfg, nil
}

func (c Server) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%s must be a valid port, got %d", EnvPort, c.Port)
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("%s must be positive, got %d", EnvWorkerCount, c.WorkerCount)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%s must be positive, got %d", EnvQueueCapacity, c.QueueCapacity)
	}
	if c.ShutdownRequestTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvShutdownRequestTimeoutS)
	}
	if c.ShutdownCleanupTimeout <= 0 {
		return fmt.Errorf("%s must be positive", EnvShutdownCleanupTimeoutS)
	}
	if c.DLQRetryInterval <= 0 {
		return fmt.Errorf("%s must be positive", EnvDLQRetryIntervalS)
	}
	if c.RateLimitDefaultCapacity <= 0 {
		return fmt.Errorf("%s must be positive, got %d", EnvRateLimitDefaultCapacity, c.RateLimitDefaultCapacity)
	}
	if c.RateLimitDefaultRate <= 0 {
		return fmt.Errorf("%s must be positive, got %v", EnvRateLimitDefaultRate, c.RateLimitDefaultRate)
	}
	if c.CircuitFailureThreshold <= 0 {
		return fmt.Errorf("%s must be positive, got %d", EnvCircuitFailureThreshold, c.CircuitFailureThreshold)
	}
	if c.CircuitCooldown <= 0 {
		return fmt.Errorf("%s must be positive", EnvCircuitCooldownS)
	}
	return nil
}

// Addr returns the listen address.
func (c Server) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func defaultDLQPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "dlq.json"
	}
	return filepath.Join(homeDir, ".foreman", "dlq.json")
}
