package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pmlab/pm-ingest/internal/adapters/observability"
	"github.com/pmlab/pm-ingest/internal/adapters/sink"
	"github.com/pmlab/pm-ingest/internal/ports"
)

type Config struct {
	Server  ServerConfig                `yaml:"server"`
	DataLog DataLogConfig               `yaml:"data_log"`
	Policy  ports.Policy                `yaml:"policy"`
	Metrics MetricsConfig               `yaml:"metrics"`
	Mirror  MirrorConfig                `yaml:"mirror"`
	Logging observability.LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	BodyLimit    int           `yaml:"body_limit"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DataLogConfig struct {
	Path string `yaml:"path"`
	Sync bool   `yaml:"sync"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MirrorConfig enables the optional PostgreSQL copy of every record.
type MirrorConfig struct {
	ConnString  string        `yaml:"conn_string"`
	Table       string        `yaml:"table"`
	MaxFailures uint32        `yaml:"max_failures"`
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// WriteTimeout bounds one mirror batch, connection setup included.
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

func (m MirrorConfig) Enabled() bool { return m.ConnString != "" }

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "0.0.0.0:3000"
	}
	if c.Server.BodyLimit == 0 {
		c.Server.BodyLimit = 64 << 10
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.DataLog.Path == "" {
		c.DataLog.Path = "./data_log.csv"
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 10_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 256
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 5 * time.Millisecond
	}
	if c.Policy.MirrorBacklog == 0 {
		c.Policy.MirrorBacklog = 64
	}
	if c.Policy.OnQueueFull == "" {
		c.Policy.OnQueueFull = "block"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Mirror.Table == "" {
		c.Mirror.Table = "measurements"
	}
	if c.Mirror.MaxFailures == 0 {
		c.Mirror.MaxFailures = 3
	}
	if c.Mirror.OpenTimeout == 0 {
		c.Mirror.OpenTimeout = 30 * time.Second
	}
	if c.Mirror.WriteTimeout == 0 {
		c.Mirror.WriteTimeout = 5 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.File != "" {
		if c.Logging.MaxSizeMB == 0 {
			c.Logging.MaxSizeMB = 10
		}
		if c.Logging.MaxBackups == 0 {
			c.Logging.MaxBackups = 5
		}
		if c.Logging.MaxAgeDays == 0 {
			c.Logging.MaxAgeDays = 30
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.BodyLimit < 0 {
		return fmt.Errorf("server.body_limit must be >= 0")
	}
	if c.DataLog.Path == "" {
		return fmt.Errorf("data_log.path is required")
	}
	if c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required")
	}
	if c.Policy.MaxQueueLen <= 0 {
		return fmt.Errorf("policy.max_queue_len must be > 0")
	}
	if c.Policy.MaxBatchSize <= 0 {
		return fmt.Errorf("policy.max_batch_size must be > 0")
	}
	if c.Policy.MirrorBacklog < 0 {
		return fmt.Errorf("policy.mirror_backlog must be >= 0")
	}
	switch c.Policy.OnQueueFull {
	case "block", "reject":
	default:
		return fmt.Errorf("policy.on_queue_full must be block or reject, got %q", c.Policy.OnQueueFull)
	}
	if c.Mirror.WriteTimeout < 0 {
		return fmt.Errorf("mirror.write_timeout must be >= 0")
	}
	if c.Mirror.Enabled() && !sink.ValidTableName(c.Mirror.Table) {
		return fmt.Errorf("mirror.table %q is not a valid identifier", c.Mirror.Table)
	}
	if _, err := observability.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}
