package config

import (
	"strings"
	"testing"
	"time"
)

func clearContractEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		EnvHost, EnvPort, EnvWorkerCount, EnvQueueCapacity,
		EnvShutdownRequestTimeoutS, EnvShutdownCleanupTimeoutS,
		EnvDLQPath, EnvDLQRetryIntervalS,
		EnvRateLimitDefaultCapacity, EnvRateLimitDefaultRate,
		EnvCircuitFailureThreshold, EnvCircuitCooldownS,
		EnvLogLevel, EnvLogFormat, EnvConfigPath,
	} {
		t.Setenv(env, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearContractEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Fatalf("Port = %d", cfg.Port)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("WorkerCount = %d", cfg.WorkerCount)
	}
	if cfg.QueueCapacity != 1024 {
		t.Fatalf("QueueCapacity = %d", cfg.QueueCapacity)
	}
	if cfg.ShutdownRequestTimeout != 30*time.Second {
		t.Fatalf("ShutdownRequestTimeout = %s", cfg.ShutdownRequestTimeout)
	}
	if cfg.ShutdownCleanupTimeout != 10*time.Second {
		t.Fatalf("ShutdownCleanupTimeout = %s", cfg.ShutdownCleanupTimeout)
	}
	if cfg.DLQRetryInterval != 5*time.Second {
		t.Fatalf("DLQRetryInterval = %s", cfg.DLQRetryInterval)
	}
	if cfg.DLQPath == "" {
		t.Fatal("DLQPath is empty")
	}
	if cfg.RateLimitDefaultCapacity != 60 {
		t.Fatalf("RateLimitDefaultCapacity = %d", cfg.RateLimitDefaultCapacity)
	}
	if cfg.RateLimitDefaultRate != 1.0 {
		t.Fatalf("RateLimitDefaultRate = %v", cfg.RateLimitDefaultRate)
	}
	if cfg.CircuitFailureThreshold != 5 {
		t.Fatalf("CircuitFailureThreshold = %d", cfg.CircuitFailureThreshold)
	}
	if cfg.CircuitCooldown != 60*time.Second {
		t.Fatalf("CircuitCooldown = %s", cfg.CircuitCooldown)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "json" {
		t.Fatalf("log defaults = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearContractEnv(t)
	t.Setenv(EnvPort, "9000")
	t.Setenv(EnvWorkerCount, "7")
	t.Setenv(EnvQueueCapacity, "64")
	t.Setenv(EnvShutdownRequestTimeoutS, "5")
	t.Setenv(EnvShutdownCleanupTimeoutS, "2")
	t.Setenv(EnvDLQPath, "/tmp/foreman-dlq.json")
	t.Setenv(EnvDLQRetryIntervalS, "1")
	t.Setenv(EnvRateLimitDefaultCapacity, "10")
	t.Setenv(EnvRateLimitDefaultRate, "2.5")
	t.Setenv(EnvCircuitFailureThreshold, "3")
	t.Setenv(EnvCircuitCooldownS, "15")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 9000 || cfg.WorkerCount != 7 || cfg.QueueCapacity != 64 {
		t.Fatalf("overrides not honored: %+v", cfg)
	}
	if cfg.ShutdownRequestTimeout != 5*time.Second || cfg.ShutdownCleanupTimeout != 2*time.Second {
		t.Fatalf("shutdown timeouts = %s / %s", cfg.ShutdownRequestTimeout, cfg.ShutdownCleanupTimeout)
	}
	if cfg.DLQPath != "/tmp/foreman-dlq.json" || cfg.DLQRetryInterval != time.Second {
		t.Fatalf("dlq settings = %q / %s", cfg.DLQPath, cfg.DLQRetryInterval)
	}
	if cfg.RateLimitDefaultCapacity != 10 || cfg.RateLimitDefaultRate != 2.5 {
		t.Fatalf("rate limit settings = %d / %v", cfg.RateLimitDefaultCapacity, cfg.RateLimitDefaultRate)
	}
	if cfg.CircuitFailureThreshold != 3 || cfg.CircuitCooldown != 15*time.Second {
		t.Fatalf("circuit settings = %d / %s", cfg.CircuitFailureThreshold, cfg.CircuitCooldown)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("LogLevel = %s", cfg.LogLevel)
	}
}

func TestLoadRejectsNonPositiveWorkerCount(t *testing.T) {
	clearContractEnv(t)
	t.Setenv(EnvWorkerCount, "0")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvWorkerCount) {
		t.Fatalf("expected WORKER_COUNT error, got %v", err)
	}
}

func TestLoadRejectsGarbageNumbers(t *testing.T) {
	clearContractEnv(t)
	t.Setenv(EnvQueueCapacity, "lots")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), EnvQueueCapacity) {
		t.Fatalf("expected QUEUE_CAPACITY error, got %v", err)
	}
}

func TestAddr(t *testing.T) {
	cfg := Server{Host: "127.0.0.1", Port: 9000}
	if got := cfg.Addr(); got != "127.0.0.1:9000" {
		t.Fatalf("Addr = %q", got)
	}
}
