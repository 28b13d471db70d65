// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (PINGRELAY_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	controller:
//	  url: http://10.0.2.2:5000
//	  connect_timeout: 15s
//	  request_timeout: 30s
//
//	device:
//	  location: "Lab bench 3"
//
//	session:
//	  heartbeat_interval: 30s
//	  reconnect_interval: 10s
//	  retry_queue_capacity: 50
//
//	probing:
//	  packet_size: 64
//	  timeout: 1s
//	  interval: 1s
//	  tcp_port: 80
//	  udp_port: 9999
//
//	metrics:
//	  addr: 127.0.0.1:9100
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// Config is the complete agent configuration.
type Config struct {
	Controller ControllerConfig `yaml:"controller"`
	Device     DeviceConfig     `yaml:"device"`
	Session    SessionConfig    `yaml:"session"`
	Probing    ProbingConfig    `yaml:"probing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// ControllerConfig defines how to reach the controller.
type ControllerConfig struct {
	URL string `yaml:"url"` // e.g., http://10.0.2.2:5000

	InsecureSkipVerify bool `yaml:"insecure_skip_verify,omitempty"`
	CompressUploads    bool `yaml:"compress_uploads,omitempty"`

	// Timeouts
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
}

// DeviceConfig overrides the identity read from the host.
type DeviceConfig struct {
	ID        string `yaml:"id,omitempty"`
	Model     string `yaml:"model,omitempty"`
	OSVersion string `yaml:"os_version,omitempty"`
	Location  string `yaml:"location,omitempty"` // Static location string
}

// SessionConfig defines the session driver's cadence and upload limits.
type SessionConfig struct {
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	ReconnectInterval  time.Duration `yaml:"reconnect_interval"`
	LocationTimeout    time.Duration `yaml:"location_timeout"`
	RetryQueueCapacity int           `yaml:"retry_queue_capacity"`
	MaxUploadAttempts  int           `yaml:"max_upload_attempts"`
	RetryRate          float64       `yaml:"retry_rate"` // Retry uploads per second
}

// ProbingConfig defines probe settings.
type ProbingConfig struct {
	PacketSize int           `yaml:"packet_size"`
	Timeout    time.Duration `yaml:"timeout"`
	Interval   time.Duration `yaml:"interval"`
	TCPPort    int           `yaml:"tcp_port"`
	UDPPort    int           `yaml:"udp_port"`

	// Executor settings
	PingPath string `yaml:"ping_path,omitempty"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"` // Empty disables the endpoint
}

// Settings converts the probing section to a settings snapshot.
func (p ProbingConfig) Settings() types.ProbeSettings {
	return types.ProbeSettings{
		PacketSize: p.PacketSize,
		TimeoutMs:  p.Timeout.Milliseconds(),
		IntervalMs: p.Interval.Milliseconds(),
		TCPPort:    p.TCPPort,
		UDPPort:    p.UDPPort,
	}
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	probe := types.DefaultProbeSettings()
	return &Config{
		Controller: ControllerConfig{
			ConnectTimeout: 15 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Session: SessionConfig{
			HeartbeatInterval:  30 * time.Second,
			ReconnectInterval:  10 * time.Second,
			LocationTimeout:    2 * time.Second,
			RetryQueueCapacity: 50,
			MaxUploadAttempts:  5,
			RetryRate:          10,
		},
		Probing: ProbingConfig{
			PacketSize: probe.PacketSize,
			Timeout:    probe.Timeout(),
			Interval:   probe.Interval(),
			TCPPort:    probe.TCPPort,
			UDPPort:    probe.UDPPort,
			PingPath:   "ping",
		},
	}
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Controller.URL == "" {
		return fmt.Errorf("controller.url is required")
	}
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.Session.ReconnectInterval <= 0 {
		return fmt.Errorf("session.reconnect_interval must be positive")
	}
	if c.Session.RetryQueueCapacity <= 0 {
		return fmt.Errorf("session.retry_queue_capacity must be positive")
	}
	if c.Session.MaxUploadAttempts <= 0 {
		return fmt.Errorf("session.max_upload_attempts must be positive")
	}
	if err := c.Probing.Settings().Validate(); err != nil {
		return fmt.Errorf("probing: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use PINGRELAY_ prefix:
// - PINGRELAY_CONTROLLER_URL
// - PINGRELAY_DEVICE_ID
// - PINGRELAY_DEVICE_LOCATION
// - PINGRELAY_HEARTBEAT_INTERVAL (duration, e.g. 30s)
// - PINGRELAY_RECONNECT_INTERVAL (duration)
// - PINGRELAY_METRICS_ADDR
// - PINGRELAY_PING_PATH
// - PINGRELAY_UDP_PORT
// - PINGRELAY_TCP_PORT
//
// Unparseable values are returned as an error and leave the field unchanged.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("PINGRELAY_CONTROLLER_URL"); v != "" {
		c.Controller.URL = v
	}
	if v := os.Getenv("PINGRELAY_DEVICE_ID"); v != "" {
		c.Device.ID = v
	}
	if v := os.Getenv("PINGRELAY_DEVICE_LOCATION"); v != "" {
		c.Device.Location = v
	}
	if v := os.Getenv("PINGRELAY_METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("PINGRELAY_PING_PATH"); v != "" {
		c.Probing.PingPath = v
	}

	durations := []struct {
		env string
		dst *time.Duration
	}{
		{"PINGRELAY_HEARTBEAT_INTERVAL", &c.Session.HeartbeatInterval},
		{"PINGRELAY_RECONNECT_INTERVAL", &c.Session.ReconnectInterval},
	}
	for _, d := range durations {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", d.env, err)
		}
		*d.dst = parsed
	}

	ports := []struct {
		env string
		dst *int
	}{
		{"PINGRELAY_TCP_PORT", &c.Probing.TCPPort},
		{"PINGRELAY_UDP_PORT", &c.Probing.UDPPort},
	}
	for _, p := range ports {
		v := os.Getenv(p.env)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", p.env, err)
		}
		*p.dst = parsed
	}

	return nil
}
