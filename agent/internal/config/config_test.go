package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.RetryQueueCapacity != 50 || cfg.Session.MaxUploadAttempts != 5 {
		t.Errorf("retry limits = %d/%d", cfg.Session.RetryQueueCapacity, cfg.Session.MaxUploadAttempts)
	}

	s := cfg.Probing.Settings()
	if s.PacketSize != 64 || s.TimeoutMs != 1000 || s.IntervalMs != 1000 || s.TCPPort != 80 || s.UDPPort != 9999 {
		t.Errorf("unexpected default settings: %+v", s)
	}

	// Only the controller URL is missing.
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "controller.url") {
		t.Errorf("expected controller.url error, got %v", err)
	}
	cfg.Controller.URL = "http://localhost:5000"
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults plus url should validate: %v", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	data := `
controller:
  url: http://10.0.2.2:5000
  compress_uploads: true
device:
  id: bench-3
  location: Lab bench 3
session:
  heartbeat_interval: 15s
probing:
  packet_size: 128
  timeout: 2s
  udp_port: 7777
metrics:
  addr: 127.0.0.1:9100
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}

	if cfg.Controller.URL != "http://10.0.2.2:5000" || !cfg.Controller.CompressUploads {
		t.Errorf("controller = %+v", cfg.Controller)
	}
	if cfg.Device.ID != "bench-3" || cfg.Device.Location != "Lab bench 3" {
		t.Errorf("device = %+v", cfg.Device)
	}
	if cfg.Session.HeartbeatInterval != 15*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Session.HeartbeatInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Session.ReconnectInterval != 10*time.Second {
		t.Errorf("reconnect interval = %v", cfg.Session.ReconnectInterval)
	}
	s := cfg.Probing.Settings()
	if s.PacketSize != 128 || s.TimeoutMs != 2000 || s.UDPPort != 7777 || s.TCPPort != 80 {
		t.Errorf("settings = %+v", s)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9100" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
}

func TestLoadFromFile_Errors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("session:\n  heartbeat_interval: soon\n"), 0o644)
	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for bad duration")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("PINGRELAY_CONTROLLER_URL", "http://ctl:5000")
	t.Setenv("PINGRELAY_DEVICE_LOCATION", "roof")
	t.Setenv("PINGRELAY_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("PINGRELAY_UDP_PORT", "10000")

	cfg := DefaultConfig()
	if err := cfg.ApplyEnvOverrides(); err != nil {
		t.Fatalf("ApplyEnvOverrides: %v", err)
	}

	if cfg.Controller.URL != "http://ctl:5000" {
		t.Errorf("url = %q", cfg.Controller.URL)
	}
	if cfg.Device.Location != "roof" {
		t.Errorf("location = %q", cfg.Device.Location)
	}
	if cfg.Session.HeartbeatInterval != 5*time.Second {
		t.Errorf("heartbeat interval = %v", cfg.Session.HeartbeatInterval)
	}
	if cfg.Probing.UDPPort != 10000 {
		t.Errorf("udp port = %d", cfg.Probing.UDPPort)
	}
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	t.Setenv("PINGRELAY_RECONNECT_INTERVAL", "often")

	cfg := DefaultConfig()
	err := cfg.ApplyEnvOverrides()
	if err == nil || !strings.Contains(err.Error(), "PINGRELAY_RECONNECT_INTERVAL") {
		t.Fatalf("expected reconnect interval error, got %v", err)
	}
	if cfg.Session.ReconnectInterval != 10*time.Second {
		t.Errorf("invalid value should leave default, got %v", cfg.Session.ReconnectInterval)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero heartbeat", mutate: func(c *Config) { c.Session.HeartbeatInterval = 0 }, wantErr: "heartbeat_interval"},
		{name: "zero reconnect", mutate: func(c *Config) { c.Session.ReconnectInterval = 0 }, wantErr: "reconnect_interval"},
		{name: "zero capacity", mutate: func(c *Config) { c.Session.RetryQueueCapacity = 0 }, wantErr: "retry_queue_capacity"},
		{name: "bad port", mutate: func(c *Config) { c.Probing.TCPPort = 0 }, wantErr: "tcp_port"},
		{name: "bad packet size", mutate: func(c *Config) { c.Probing.PacketSize = 0 }, wantErr: "packet_size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Controller.URL = "http://localhost:5000"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
