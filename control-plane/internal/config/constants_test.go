package config

import (
	"fmt"
	"testing"
	"time"
)

func TestClientOnlineThreshold(t *testing.T) {
	// A client that heartbeats on the default cadence must stay online
	if ClientOnlineThreshold <= DefaultHeartbeatSeconds*time.Second {
		t.Errorf("ClientOnlineThreshold (%v) should exceed the default heartbeat (%ds)",
			ClientOnlineThreshold, DefaultHeartbeatSeconds)
	}

	n, err := parseInterval(SQLClientOnlineInterval)
	if err != nil {
		t.Fatalf("Failed to parse SQL interval %q: %v", SQLClientOnlineInterval, err)
	}
	if n != ClientOnlineThreshold {
		t.Errorf("SQL interval %q (%v) does not match Go duration %v",
			SQLClientOnlineInterval, n, ClientOnlineThreshold)
	}
}

// parseInterval parses a PostgreSQL interval string like "90 seconds"
func parseInterval(s string) (time.Duration, error) {
	var value int
	var unit string
	_, err := fmt.Sscanf(s, "%d %s", &value, &unit)
	if err != nil {
		return 0, err
	}

	switch unit {
	case "seconds", "second":
		return time.Duration(value) * time.Second, nil
	case "minutes", "minute":
		return time.Duration(value) * time.Minute, nil
	default:
		return 0, fmt.Errorf("unknown unit: %s", unit)
	}
}

func TestPaginationLimits(t *testing.T) {
	if DefaultSessionListLimit > MaxSessionListLimit {
		t.Errorf("DefaultSessionListLimit (%d) should not exceed MaxSessionListLimit (%d)",
			DefaultSessionListLimit, MaxSessionListLimit)
	}
	if DefaultSessionListLimit <= 0 {
		t.Error("DefaultSessionListLimit should be positive")
	}
}

func TestInstructionLimits(t *testing.T) {
	if MinInstructionInterval < 100*time.Millisecond {
		t.Errorf("MinInstructionInterval (%v) is below what clients accept", MinInstructionInterval)
	}
	if MaxInstructionDuration <= 0 || MaxPendingInstructions <= 0 {
		t.Error("instruction limits should be positive")
	}
}

func TestCacheTTLs(t *testing.T) {
	ttls := []struct {
		name string
		ttl  time.Duration
	}{
		{"Locations", CacheTTLLocations},
		{"StatusCollector", StatusCollectorTTL},
	}

	for _, tt := range ttls {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ttl <= 0 {
				t.Errorf("Cache TTL for %s should be positive, got %v", tt.name, tt.ttl)
			}
			if tt.ttl > 5*time.Minute {
				t.Errorf("Cache TTL for %s (%v) seems too long", tt.name, tt.ttl)
			}
		})
	}
}

func TestUDPEcho(t *testing.T) {
	if UDPEchoBufferSize < 65507 {
		t.Errorf("UDPEchoBufferSize (%d) cannot hold a maximum-size probe", UDPEchoBufferSize)
	}
	if DefaultUDPEchoPort <= 0 || DefaultUDPEchoPort > 65535 {
		t.Errorf("DefaultUDPEchoPort out of range: %d", DefaultUDPEchoPort)
	}
}
