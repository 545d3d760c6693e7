package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig configures the control-plane server.
type ServerConfig struct {
	Host                 string `yaml:"host"`
	Port                 int    `yaml:"port"`
	DataDir              string `yaml:"data_dir"`
	Database             string `yaml:"database"` // "bolt" or "sqlite"
	ExecutorsPoolSize    int    `yaml:"executors_pool_size"`
	WorkerLivenessSecs   int    `yaml:"worker_liveness_seconds"`
	RetryDispatchSecs    int    `yaml:"retry_dispatch_seconds"`
	BootstrapToken       string `yaml:"bootstrap_token"`
	EncryptionKey        string `yaml:"encryption_key"`
	InlineOutputMaxBytes int    `yaml:"inline_output_max_bytes"`
}

// Addr returns the host:port the server binds to.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WorkerLiveness returns the liveness timeout as a duration.
func (c ServerConfig) WorkerLiveness() time.Duration {
	return time.Duration(c.WorkerLivenessSecs) * time.Second
}

// RetryDispatch returns the dispatch retry interval as a duration.
func (c ServerConfig) RetryDispatch() time.Duration {
	return time.Duration(c.RetryDispatchSecs) * time.Second
}

// WorkerConfig configures a worker process.
type WorkerConfig struct {
	Name           string `yaml:"name"`
	ServerURL      string `yaml:"server_url"`
	BootstrapToken string `yaml:"bootstrap_token"`
	Concurrency    int    `yaml:"concurrency"`

	// Resource advertisement overrides. Zero values mean "detect".
	MemoryBytes int64    `yaml:"memory_bytes"`
	CPUShares   int64    `yaml:"cpu_shares"`
	GPU         bool     `yaml:"gpu"`
	Packages    []string `yaml:"packages"`
}

// LoggingConfig configures the zerolog wrapper.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// Config is the root configuration document.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Worker  WorkerConfig  `yaml:"worker"`
	Logging LoggingConfig `yaml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                 "localhost",
			Port:                 8000,
			DataDir:              ".flux",
			Database:             "bolt",
			ExecutorsPoolSize:    4,
			WorkerLivenessSecs:   15,
			RetryDispatchSecs:    2,
			InlineOutputMaxBytes: 64 * 1024,
		},
		Worker: WorkerConfig{
			ServerURL:   "http://localhost:8000",
			Concurrency: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML config at path, merged over defaults. A missing
// file is not an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}
