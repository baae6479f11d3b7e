// Package config handles configuration loading and validation for arcstore.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/arcstore/arcstore/internal/checksum"
	"github.com/arcstore/arcstore/internal/registry"
	"github.com/arcstore/arcstore/internal/storage"
	"github.com/arcstore/arcstore/pkg/bytesize"
)

// Duration is a time.Duration read from YAML as a string like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// RegistryConfig selects the object registry backend.
type RegistryConfig struct {
	Driver string `yaml:"driver"` // "sqlite" (default) or "memory"
	Path   string `yaml:"path"`   // sqlite database file (default: <data_dir>/registry.db)
}

// ChecksumConfig holds fixity settings.
type ChecksumConfig struct {
	Algorithm  string        `yaml:"algorithm"`   // default: SHA-512
	BufferSize bytesize.Size `yaml:"buffer_size"` // digest chunk size (default: 32KiB)
}

// SystemConfig is applied to the persisted system state on every start.
type SystemConfig struct {
	MinReplicas          int      `yaml:"min_replicas"`
	ReachabilityInterval Duration `yaml:"reachability_interval"`
}

// StorageConfig describes one storage, either by fields or by URI.
type StorageConfig struct {
	ID       string            `yaml:"id"`
	Name     string            `yaml:"name"`
	URI      string            `yaml:"uri"` // file://, sftp://, zfs:// or s3://
	Kind     string            `yaml:"kind"`
	Host     string            `yaml:"host"`
	Priority int               `yaml:"priority"`
	Config   map[string]string `yaml:"config"`
}

// OnboardingConfig holds settings for attaching new storages.
type OnboardingConfig struct {
	Enabled          *bool    `yaml:"enabled"` // default: true
	GracePeriod      Duration `yaml:"grace_period"`
	SettleTimeout    Duration `yaml:"settle_timeout"`
	Workers          int      `yaml:"workers"`
	ProgressInterval Duration `yaml:"progress_interval"`
	CopyRate         float64  `yaml:"copy_rate"` // objects per second, 0 for unlimited
}

// IsEnabled reports whether onboarding is allowed.
func (o OnboardingConfig) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// VerificationConfig holds fixity check and repair settings.
type VerificationConfig struct {
	ProgressInterval Duration `yaml:"progress_interval"`
	SpoolDir         string   `yaml:"spool_dir"`
	RepairWorkers    int      `yaml:"repair_workers"`
	RepairRetries    int      `yaml:"repair_retries"`
}

// NATSConfig configures the NATS notification sink.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// WebhookConfig configures the webhook notification sink.
type WebhookConfig struct {
	URL           string   `yaml:"url"`
	BatchSize     int      `yaml:"batch_size"`
	FlushInterval Duration `yaml:"flush_interval"`
	Timeout       Duration `yaml:"timeout"`
}

// NotifyConfig selects where operator notifications go.
type NotifyConfig struct {
	Log     *bool         `yaml:"log"` // default: true
	NATS    NATSConfig    `yaml:"nats"`
	Webhook WebhookConfig `yaml:"webhook"`
}

// LogEnabled reports whether events are written to the log.
func (n NotifyConfig) LogEnabled() bool {
	return n.Log == nil || *n.Log
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Listen string `yaml:"listen"` // empty disables the endpoint
	// Trace keeps a rolling runtime trace served at /debug/trace.
	Trace       bool          `yaml:"trace"`
	TraceBuffer bytesize.Size `yaml:"trace_buffer"` // default: 10MiB
}

// Config is the arcstore configuration.
type Config struct {
	DataDir          string             `yaml:"data_dir"`
	LogLevel         string             `yaml:"log_level"`
	Registry         RegistryConfig     `yaml:"registry"`
	Checksum         ChecksumConfig     `yaml:"checksum"`
	System           SystemConfig       `yaml:"system"`
	Storages         []StorageConfig    `yaml:"storages"`
	RemoteCloseDelay Duration           `yaml:"remote_close_delay"`
	Onboarding       OnboardingConfig   `yaml:"onboarding"`
	Verification     VerificationConfig `yaml:"verification"`
	Notify           NotifyConfig       `yaml:"notify"`
	Metrics          MetricsConfig      `yaml:"metrics"`
}

// Load loads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/arcstore"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Registry.Driver == "" {
		c.Registry.Driver = "sqlite"
	}
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "registry.db")
	}
	c.Registry.Path = expandHome(c.Registry.Path)
	if c.Checksum.Algorithm == "" {
		c.Checksum.Algorithm = string(checksum.SHA512)
	}
	if c.Checksum.BufferSize == 0 {
		c.Checksum.BufferSize = bytesize.Size(checksum.DefaultBufferSize)
	}
	if c.System.MinReplicas == 0 {
		c.System.MinReplicas = 1
	}
	if c.System.ReachabilityInterval == 0 {
		c.System.ReachabilityInterval = Duration(time.Minute)
	}
	if c.RemoteCloseDelay == 0 {
		c.RemoteCloseDelay = Duration(500 * time.Millisecond)
	}
	if c.Onboarding.GracePeriod == 0 {
		c.Onboarding.GracePeriod = Duration(30 * time.Second)
	}
	if c.Onboarding.SettleTimeout == 0 {
		c.Onboarding.SettleTimeout = Duration(10 * time.Minute)
	}
	if c.Onboarding.Workers == 0 {
		c.Onboarding.Workers = 2
	}
	if c.Onboarding.ProgressInterval == 0 {
		c.Onboarding.ProgressInterval = Duration(5 * time.Second)
	}
	if c.Verification.ProgressInterval == 0 {
		c.Verification.ProgressInterval = Duration(5 * time.Second)
	}
	if c.Verification.SpoolDir == "" {
		c.Verification.SpoolDir = filepath.Join(c.DataDir, "spool")
	}
	c.Verification.SpoolDir = expandHome(c.Verification.SpoolDir)
	if c.Verification.RepairWorkers == 0 {
		c.Verification.RepairWorkers = 4
	}
	if c.Verification.RepairRetries == 0 {
		c.Verification.RepairRetries = 3
	}
	if c.Notify.NATS.URL != "" && c.Notify.NATS.Subject == "" {
		c.Notify.NATS.Subject = "arcstore.events"
	}
	if c.Notify.Webhook.URL != "" {
		if c.Notify.Webhook.BatchSize == 0 {
			c.Notify.Webhook.BatchSize = 20
		}
		if c.Notify.Webhook.FlushInterval == 0 {
			c.Notify.Webhook.FlushInterval = Duration(5 * time.Second)
		}
		if c.Notify.Webhook.Timeout == 0 {
			c.Notify.Webhook.Timeout = Duration(10 * time.Second)
		}
	}
	if c.Metrics.Trace && c.Metrics.TraceBuffer == 0 {
		c.Metrics.TraceBuffer = bytesize.Size(10 * bytesize.MB)
	}
	for i := range c.Storages {
		s := &c.Storages[i]
		if s.Name == "" {
			s.Name = s.ID
		}
		if root, ok := s.Config["root"]; ok {
			s.Config["root"] = expandHome(root)
		}
		if key, ok := s.Config["key_file"]; ok {
			s.Config["key_file"] = expandHome(key)
		}
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Registry.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("registry.driver must be sqlite or memory, got %q", c.Registry.Driver)
	}
	if _, err := checksum.ParseAlgorithm(c.Checksum.Algorithm); err != nil {
		return fmt.Errorf("checksum.algorithm: %w", err)
	}
	if c.Checksum.BufferSize < 512 {
		return fmt.Errorf("checksum.buffer_size must be at least 512 bytes")
	}
	if c.System.MinReplicas < 1 {
		return fmt.Errorf("system.min_replicas must be at least 1")
	}
	if c.System.ReachabilityInterval < 0 {
		return fmt.Errorf("system.reachability_interval must be positive")
	}
	if c.Onboarding.Workers < 1 {
		return fmt.Errorf("onboarding.workers must be at least 1")
	}
	if c.Onboarding.CopyRate < 0 {
		return fmt.Errorf("onboarding.copy_rate must not be negative")
	}
	if c.Onboarding.GracePeriod <= 0 {
		return fmt.Errorf("onboarding.grace_period must be positive")
	}
	if c.Onboarding.SettleTimeout < c.Onboarding.GracePeriod {
		return fmt.Errorf("onboarding.settle_timeout must not be shorter than grace_period")
	}
	if c.Verification.RepairWorkers < 1 {
		return fmt.Errorf("verification.repair_workers must be at least 1")
	}
	seen := make(map[string]bool, len(c.Storages))
	for i, s := range c.Storages {
		if _, err := s.Descriptor(); err != nil {
			return fmt.Errorf("storages[%d]: %w", i, err)
		}
		if seen[s.ID] {
			return fmt.Errorf("storages[%d]: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = true
	}
	if len(c.Storages) > 0 && len(c.Storages) < c.System.MinReplicas {
		return fmt.Errorf("%d storages configured but system.min_replicas is %d", len(c.Storages), c.System.MinReplicas)
	}
	return nil
}

// Descriptor builds the registry descriptor for s.
func (s StorageConfig) Descriptor() (*registry.Storage, error) {
	if err := storage.ValidName(s.ID); err != nil {
		return nil, fmt.Errorf("id: %w", err)
	}
	var desc *registry.Storage
	if s.URI != "" {
		d, err := storage.ParseURI(s.URI)
		if err != nil {
			return nil, err
		}
		desc = d
		if s.Priority != 0 {
			desc.Priority = s.Priority
		}
		for k, v := range s.Config {
			desc.Config[k] = v
		}
	} else {
		kind := registry.StorageKind(s.Kind)
		switch kind {
		case registry.KindFS, registry.KindSFTP, registry.KindZFS, registry.KindS3:
		default:
			return nil, fmt.Errorf("unknown kind %q (want uri or one of fs, sftp, zfs, s3)", s.Kind)
		}
		desc = &registry.Storage{Kind: kind, Host: s.Host, Priority: s.Priority, Config: make(map[string]string)}
		for k, v := range s.Config {
			desc.Config[k] = v
		}
		if desc.Host == "" && kind == registry.KindFS {
			desc.Host = "localhost"
		}
	}
	desc.ID = s.ID
	desc.Name = s.Name
	if desc.Name == "" {
		desc.Name = s.ID
	}
	return desc, nil
}
