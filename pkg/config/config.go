package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Service ServiceConfig `toml:"service" yaml:"service"`
	Agent   AgentConfig   `toml:"agent" yaml:"agent"`
	Storage StorageConfig `toml:"storage" yaml:"storage"`
	Log     LogConfig     `toml:"log" yaml:"log"`
	Tracing TracingConfig `toml:"tracing" yaml:"tracing"`
	Audit   AuditConfig   `toml:"audit" yaml:"audit"`
}

// ServiceConfig configures the conversation service started by `serve`.
type ServiceConfig struct {
	Bind         string   `toml:"bind" yaml:"bind"`
	Port         int      `toml:"port" yaml:"port"`
	Dispatch     string   `toml:"dispatch" yaml:"dispatch"`
	Agents       []string `toml:"agents" yaml:"agents"`
	AgentTimeout string   `toml:"agent_timeout" yaml:"agent_timeout"`
}

// AgentConfig configures the sample agent started by `agent`.
type AgentConfig struct {
	Name              string `toml:"name" yaml:"name"`
	Bind              string `toml:"bind" yaml:"bind"`
	Port              int    `toml:"port" yaml:"port"`
	ExternalURL       string `toml:"external_url" yaml:"external_url"`
	Prefix            string `toml:"prefix" yaml:"prefix"`
	Streaming         bool   `toml:"streaming" yaml:"streaming"`
	PushNotifications bool   `toml:"push_notifications" yaml:"push_notifications"`
	MaxRetries        uint   `toml:"max_retries" yaml:"max_retries"`
}

type StorageConfig struct {
	Driver string `toml:"driver" yaml:"driver"`
	Dir    string `toml:"dir" yaml:"dir"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `toml:"enabled" yaml:"enabled"`
	Endpoint    string  `toml:"endpoint" yaml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio" yaml:"sample_ratio"`
}

type AuditConfig struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	DSN     string `toml:"dsn" yaml:"dsn"`
}

const (
	DispatchRemote = "remote"
	DispatchLocal  = "local"

	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Bind:         "loopback",
			Port:         12000,
			Dispatch:     DispatchRemote,
			AgentTimeout: "60s",
		},
		Agent: AgentConfig{
			Name:       "Echo Agent",
			Bind:       "loopback",
			Port:       10002,
			Prefix:     "echo: ",
			Streaming:  true,
			MaxRetries: 3,
		},
		Storage: StorageConfig{
			Driver: DriverFile,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Audit: AuditConfig{
			Enabled: true,
		},
	}
}

var (
	current *Config
	mu      sync.RWMutex
)

// Load reads the config at path. Files ending in .yaml or .yml are decoded as
// YAML, anything else as TOML. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err == nil {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, cfg)
		default:
			err = toml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.fillPaths()

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite:
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Service.Dispatch {
	case DispatchRemote, DispatchLocal:
	default:
		return fmt.Errorf("config: unknown dispatch mode %q", c.Service.Dispatch)
	}
	if _, err := time.ParseDuration(c.Service.AgentTimeout); c.Service.AgentTimeout != "" && err != nil {
		return fmt.Errorf("config: agent_timeout: %w", err)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("config: tracing.sample_ratio %v out of range [0, 1]", c.Tracing.SampleRatio)
	}
	return nil
}

func (c *Config) fillPaths() {
	if c.Storage.Dir == "" {
		c.Storage.Dir = filepath.Join(DataDir(), "state")
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = filepath.Join(DataDir(), "switchboard.db")
	}
	if c.Audit.DSN == "" {
		c.Audit.DSN = filepath.Join(DataDir(), "audit.db")
	}
}

// Timeout returns the per-request agent timeout, or zero for the client
// default.
func (s ServiceConfig) Timeout() time.Duration {
	d, _ := time.ParseDuration(s.AgentTimeout)
	return d
}

func Current() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if current == nil {
		cfg := Default()
		cfg.fillPaths()
		return cfg
	}
	return current
}

func DataDir() string {
	if dir := os.Getenv("SWITCHBOARD_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".switchboard"
	}
	return filepath.Join(home, ".switchboard")
}

func DefaultConfigPath() string {
	return filepath.Join(DataDir(), "switchboard.toml")
}

func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0700)
}
