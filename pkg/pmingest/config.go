package pmingest

import (
	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/app/config"
	"github.com/pmlab/pm-ingest/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// Policy controls the writer queue.
	Policy = ports.Policy
	// ServerConfig configures the device-facing HTTP listener.
	ServerConfig = config.ServerConfig
	// DataLogConfig points at the CSV data log.
	DataLogConfig = config.DataLogConfig
	// MetricsConfig configures the metrics HTTP server.
	MetricsConfig = config.MetricsConfig
	// MirrorConfig configures the optional PostgreSQL mirror.
	MirrorConfig = config.MirrorConfig
	// LoggingConfig configures zap and log file rotation.
	LoggingConfig = observability.LoggingConfig
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// DefaultConfig returns the built-in configuration (port 3000, ./data_log.csv).
func DefaultConfig() *Config {
	return config.Default()
}
