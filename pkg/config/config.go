// Package config defines the YAML-driven configuration for a coordination
// engine process, grounded on the teacher's apply.go YAML resource
// parsing: the same gopkg.in/yaml.v3 decode-into-struct idiom, applied here
// to process configuration instead of a one-shot resource file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration.
type Config struct {
	// BindAddr is the UDP address the ExchangeManager listens on and
	// advertises as this session's SessionId.Address.
	BindAddr string `yaml:"bindAddr"`

	// DataDir holds the BoltDB file backing Storage.
	DataDir string `yaml:"dataDir"`

	// SessionTTL is how long a session may go without a heartbeat before
	// coordsession considers it dead.
	SessionTTL time.Duration `yaml:"sessionTTL"`

	// MinBackoff/MaxBackoff bound the WaitManager's exponential backoff.
	MinBackoff time.Duration `yaml:"minBackoff"`
	MaxBackoff time.Duration `yaml:"maxBackoff"`

	// MultiplexPrefix is read from the config file but no component uses
	// it: keys and exchange traffic are not prefixed with it.
	MultiplexPrefix string `yaml:"multiplexPrefix"`

	// IORetryBudget is read from the config file but no component uses it:
	// CAS loops return a TransientIO failure from Storage without retrying.
	IORetryBudget int `yaml:"ioRetryBudget"`

	// MetricsAddr is the bind address for the HTTP server exposing
	// /metrics, /health, /ready and /live. Empty disables it.
	MetricsAddr string `yaml:"metricsAddr"`

	// LogLevel is a zerolog level name ("debug", "info", "warn", "error").
	LogLevel string `yaml:"logLevel"`
}

// Default returns the configuration's defaults, matching spec.md §4.4 and
// §6 for the fields the spec itself constrains.
func Default() Config {
	return Config{
		BindAddr:        ":7946",
		DataDir:         "./data",
		SessionTTL:      15 * time.Second,
		MinBackoff:      200 * time.Millisecond,
		MaxBackoff:      12800 * time.Millisecond,
		MultiplexPrefix: "",
		IORetryBudget:   5,
		MetricsAddr:     ":9090",
		LogLevel:        "info",
	}
}

// Load reads and parses a YAML configuration file, starting from Default
// and overriding whichever fields the file sets.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate checks invariants Load cannot express via struct tags alone.
func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("config: bindAddr must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must not be empty")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("config: sessionTTL must be positive")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff <= 0 || c.MinBackoff > c.MaxBackoff {
		return fmt.Errorf("config: minBackoff must be positive and <= maxBackoff")
	}
	return nil
}
