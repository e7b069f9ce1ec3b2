package agent

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the runtime configuration of one gateway agent process. It comes
// from CLI flags; the plant configuration document is a separate file loaded
// through the config package.
type Config struct {
	// ConfigPath is the plant configuration document (projects, drivers,
	// tags) exported by the studio.
	ConfigPath string

	// BindAddr and Port locate the HTTP control plane.
	BindAddr string
	Port     int

	// LogLevel filters hclog output: DEBUG, INFO, WARN, ERROR.
	LogLevel string

	// LogDir, when set, receives one pipe-delimited session file per start.
	LogDir string

	// DataDir holds cognitive knowledge checkpoints.
	DataDir string

	// Console enables the periodic status panel on stdout.
	Console bool

	// StatusInterval is the console panel refresh period.
	StatusInterval time.Duration

	// LogRingSize is the in-memory log ring capacity.
	LogRingSize int

	// FanoutInterval overrides the ingestion distribution period; the
	// document's ia_distribution_interval_s wins when set.
	FanoutInterval time.Duration
}

// DefaultConfig returns the flag defaults.
func DefaultConfig() *Config {
	return &Config{
		BindAddr:       "0.0.0.0",
		Port:           5000,
		LogLevel:       "INFO",
		LogDir:         "logs",
		DataDir:        "data",
		Console:        true,
		StatusInterval: 100 * time.Second,
	}
}

// HTTPAddr returns the listen address of the control plane.
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.BindAddr, fmt.Sprintf("%d", c.Port))
}

// Validate checks the parts that cannot be defaulted.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ConfigPath) == "" {
		return fmt.Errorf("missing plant configuration path")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}
