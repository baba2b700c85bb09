package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	NATS       NATSConfig       `yaml:"nats"`
	Log        LogConfig        `yaml:"log"`
	Channels   []ChannelConfig  `yaml:"channels"`
	Spec       SpecConfig       `yaml:"spec"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Reassembly ReassemblyConfig `yaml:"reassembly"`
	Security   SecurityConfig   `yaml:"security"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ServerConfig represents server identity configuration
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// NATSConfig represents NATS configuration
type NATSConfig struct {
	URL               string        `yaml:"url"`
	ClientID          string        `yaml:"client_id"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ChannelConfig binds one CAN channel to the protocol spoken on it.
type ChannelConfig struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"` // rvc | j1939
}

// SpecConfig lists protocol specification overlay files applied on top of
// the compiled-in tables.
type SpecConfig struct {
	Files []string `yaml:"files"`
}

// SchedulerConfig represents priority scheduler configuration
type SchedulerConfig struct {
	QueueCapacity int `yaml:"queue_capacity"` // per tier
	BatchSize     int `yaml:"batch_size"`
	Workers       int `yaml:"workers"`
}

// ReassemblyConfig represents multi-frame reassembly configuration
type ReassemblyConfig struct {
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	SequenceTolerance int           `yaml:"sequence_tolerance"`
}

// SecurityConfig represents security monitor configuration
type SecurityConfig struct {
	Mode           string        `yaml:"mode"` // enforce | audit | bypass
	Window         time.Duration `yaml:"window"`
	SourceCeiling  int           `yaml:"source_ceiling"`  // frames per source per window
	MessageCeiling int           `yaml:"message_ceiling"` // frames per (source, message) per window
	FloodFactor    int           `yaml:"flood_factor"`    // multiples of the ceiling that count as flooding
	ScanThreshold  int           `yaml:"scan_threshold"`  // distinct unknown ids per window
	IsolationTime  time.Duration `yaml:"isolation_time"`
}

// MetricsConfig represents the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// Load loads configuration from file
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration usable without a config file.
func Default() *Config {
	cfg := &Config{}
	cfg.applyEnvOverrides()
	cfg.setDefaults()
	return cfg
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		c.NATS.URL = natsURL
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Log.Level = logLevel
	}
	if mode := os.Getenv("SECURITY_MODE"); mode != "" {
		c.Security.Mode = mode
	}
}

func (c *Config) setDefaults() {
	if c.Server.Name == "" {
		c.Server.Name = "canhub"
	}
	if c.NATS.URL == "" {
		c.NATS.URL = "nats://localhost:4222"
	}
	if c.NATS.ClientID == "" {
		c.NATS.ClientID = "canhub"
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 10
	}
	if c.NATS.ReconnectInterval == 0 {
		c.NATS.ReconnectInterval = 5 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if len(c.Channels) == 0 {
		c.Channels = []ChannelConfig{
			{Name: "house", Protocol: "rvc"},
			{Name: "chassis", Protocol: "j1939"},
		}
	}
	if c.Scheduler.QueueCapacity == 0 {
		c.Scheduler.QueueCapacity = 1024
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 32
	}
	if c.Scheduler.Workers == 0 {
		c.Scheduler.Workers = 2
	}
	if c.Reassembly.SessionTimeout == 0 {
		c.Reassembly.SessionTimeout = 750 * time.Millisecond
	}
	if c.Reassembly.SweepInterval == 0 {
		c.Reassembly.SweepInterval = 250 * time.Millisecond
	}
	if c.Reassembly.SequenceTolerance == 0 {
		c.Reassembly.SequenceTolerance = 2
	}
	if c.Security.Mode == "" {
		c.Security.Mode = "enforce"
	}
	if c.Security.Window == 0 {
		c.Security.Window = time.Second
	}
	if c.Security.SourceCeiling == 0 {
		c.Security.SourceCeiling = 500
	}
	if c.Security.MessageCeiling == 0 {
		c.Security.MessageCeiling = 100
	}
	if c.Security.FloodFactor == 0 {
		c.Security.FloodFactor = 3
	}
	if c.Security.ScanThreshold == 0 {
		c.Security.ScanThreshold = 20
	}
	if c.Security.IsolationTime == 0 {
		c.Security.IsolationTime = 30 * time.Second
	}
	if c.Metrics.Bind == "" {
		c.Metrics.Bind = ":9102"
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Security.Mode) {
	case "enforce", "audit", "bypass":
	default:
		return fmt.Errorf("invalid security mode: %s", c.Security.Mode)
	}
	for _, ch := range c.Channels {
		if ch.Name == "" {
			return fmt.Errorf("channel with empty name")
		}
		switch ch.Protocol {
		case "rvc", "j1939":
		default:
			return fmt.Errorf("channel %s: unknown protocol %q", ch.Name, ch.Protocol)
		}
	}
	return nil
}
