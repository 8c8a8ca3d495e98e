package observability

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"foreman/internal/shared/utils/fsutil"
)

// Config is the complete observability configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DefaultConfig returns the default observability configuration.
func DefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			PrometheusPort: 9090,
		},
		Tracing: TracingConfig{
			Enabled:        false,
			Exporter:       "otlp",
			OTLPEndpoint:   "localhost:4318",
			SampleRate:     1.0,
			ServiceName:    "foreman",
			ServiceVersion: "1.0.0",
		},
	}
}

// fileConfig mirrors Config for the overlay parse. Booleans are pointers so
// an absent key keeps the default instead of forcing false.
type fileConfig struct {
	Observability struct {
		Logging struct {
			Level  string `yaml:"level"`
			Format string `yaml:"format"`
		} `yaml:"logging"`
		Metrics struct {
			Enabled        *bool `yaml:"enabled"`
			PrometheusPort int   `yaml:"prometheus_port"`
		} `yaml:"metrics"`
		Tracing struct {
			Enabled        *bool   `yaml:"enabled"`
			Exporter       string  `yaml:"exporter"`
			OTLPEndpoint   string  `yaml:"otlp_endpoint"`
			ZipkinEndpoint string  `yaml:"zipkin_endpoint"`
			SampleRate     float64 `yaml:"sample_rate"`
			ServiceName    string  `yaml:"service_name"`
			ServiceVersion string  `yaml:"service_version"`
		} `yaml:"tracing"`
	} `yaml:"observability"`
}

// DefaultConfigPath returns the per-user config file location.
func DefaultConfigPath() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".foreman", "config.yaml")
}

// LoadConfig loads the observability configuration from a YAML file, merging
// it over the defaults. A missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		configPath = DefaultConfigPath()
	}
	if configPath == "" {
		return config, nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return config, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	var overlay fileConfig
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return config, fmt.Errorf("failed to parse config file: %w", err)
	}

	file := overlay.Observability
	if file.Logging.Level != "" {
		config.Logging.Level = file.Logging.Level
	}
	if file.Logging.Format != "" {
		config.Logging.Format = file.Logging.Format
	}

	if file.Metrics.Enabled != nil {
		config.Metrics.Enabled = *file.Metrics.Enabled
	}
	if file.Metrics.PrometheusPort > 0 {
		config.Metrics.PrometheusPort = file.Metrics.PrometheusPort
	}

	if file.Tracing.Enabled != nil {
		config.Tracing.Enabled = *file.Tracing.Enabled
	}
	if file.Tracing.Exporter != "" {
		config.Tracing.Exporter = file.Tracing.Exporter
	}
	if file.Tracing.OTLPEndpoint != "" {
		config.Tracing.OTLPEndpoint = file.Tracing.OTLPEndpoint
	}
	if file.Tracing.ZipkinEndpoint != "" {
		config.Tracing.ZipkinEndpoint = file.Tracing.ZipkinEndpoint
	}
	if file.Tracing.SampleRate > 0 && file.Tracing.SampleRate <= 1.0 {
		config.Tracing.SampleRate = file.Tracing.SampleRate
	}
	if file.Tracing.ServiceName != "" {
		config.Tracing.ServiceName = file.Tracing.ServiceName
	}
	if file.Tracing.ServiceVersion != "" {
		config.Tracing.ServiceVersion = file.Tracing.ServiceVersion
	}

	return config, nil
}

// SaveConfig writes the observability configuration to a YAML file.
func SaveConfig(config Config, configPath string) error {
	if configPath == "" {
		configPath = DefaultConfigPath()
		if configPath == "" {
			return fmt.Errorf("failed to resolve config path: no home directory")
		}
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data := struct {
		Observability Config `yaml:"observability"`
	}{
		Observability: config,
	}

	yamlData, err := yaml.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := fsutil.AtomicWriteFile(configPath, yamlData, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
