// Package types defines the domain and wire types shared between the agent and
// the controller.
//
// # Design Principles
//
// 1. Simplicity: Types mirror the controller's JSON API directly
// 2. Serialization: All wire types are JSON-serializable with the controller's field names
// 3. Immutability: Settings are value types; a session summary is sealed once its campaign ends
// 4. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// PROTOCOL
// =============================================================================

// Protocol is the transport used by a single probe.
type Protocol string

const (
	ProtocolICMP Protocol = "ICMP"
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
)

// ParseProtocol converts a protocol name (any case) into a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	p := Protocol(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown protocol: %q", s)
	}
	return p, nil
}

// Valid reports whether p is one of the supported protocols.
func (p Protocol) Valid() bool {
	switch p {
	case ProtocolICMP, ProtocolTCP, ProtocolUDP:
		return true
	}
	return false
}

// =============================================================================
// CONNECTION STATE
// =============================================================================

// ConnectionState is the client's view of its logical connection to the controller.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// App status values reported in heartbeats.
const (
	AppStatusActive       = "active"
	AppStatusProbing      = "probing"
	AppStatusDisconnected = "disconnected"
)

// LocationUnavailable is reported when no location could be determined.
const LocationUnavailable = "N/A"

// =============================================================================
// PROBE SETTINGS
// =============================================================================

// ProbeSettings is the configuration snapshot copied into every session.
//
// Times are in milliseconds to match the controller's settings object.
type ProbeSettings struct {
	PacketSize int   `json:"packet_size" yaml:"packet_size"`
	TimeoutMs  int64 `json:"timeout" yaml:"timeout_ms"`
	IntervalMs int64 `json:"interval" yaml:"interval_ms"`
	TCPPort    int   `json:"tcp_port" yaml:"tcp_port"`
	UDPPort    int   `json:"udp_port" yaml:"udp_port"`
}

// Limits for probe settings.
const (
	MaxPacketSize = 65507 // largest UDP payload over IPv4
	MinTimeoutMs  = 1
)

// DefaultProbeSettings returns the settings used when none are configured.
func DefaultProbeSettings() ProbeSettings {
	return ProbeSettings{
		PacketSize: 64,
		TimeoutMs:  1000,
		IntervalMs: 1000,
		TCPPort:    80,
		UDPPort:    9999,
	}
}

// Timeout returns the per-probe timeout.
func (s ProbeSettings) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Interval returns the default gap between probes.
func (s ProbeSettings) Interval() time.Duration {
	return time.Duration(s.IntervalMs) * time.Millisecond
}

// Port returns the destination port used for the given protocol.
// ICMP has no port and returns 0.
func (s ProbeSettings) Port(p Protocol) int {
	switch p {
	case ProtocolTCP:
		return s.TCPPort
	case ProtocolUDP:
		return s.UDPPort
	}
	return 0
}

// Validate checks that the settings describe a usable probe.
func (s ProbeSettings) Validate() error {
	if s.PacketSize < 1 || s.PacketSize > MaxPacketSize {
		return fmt.Errorf("packet_size must be between 1 and %d, got %d", MaxPacketSize, s.PacketSize)
	}
	if s.TimeoutMs < MinTimeoutMs {
		return fmt.Errorf("timeout must be positive, got %dms", s.TimeoutMs)
	}
	if s.IntervalMs <= 0 {
		return fmt.Errorf("interval must be positive, got %dms", s.IntervalMs)
	}
	if s.TCPPort < 1 || s.TCPPort > 65535 {
		return fmt.Errorf("tcp_port out of range: %d", s.TCPPort)
	}
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("udp_port out of range: %d", s.UDPPort)
	}
	return nil
}

// =============================================================================
// INSTRUCTIONS
// =============================================================================

// ProbeInstruction is a remote request, carried in a heartbeat reply, to run a campaign.
// When ShouldProbe is false the instruction is only a notification.
type ProbeInstruction struct {
	ShouldProbe     bool     `json:"send_ping"`
	Host            string   `json:"ping_host"`
	Protocol        Protocol `json:"ping_protocol"`
	DurationSeconds int      `json:"ping_duration_seconds"`
	IntervalMillis  int64    `json:"ping_interval_ms"`
	PreDelayMillis  int64    `json:"delay_ms"`
}

// Duration returns the campaign duration.
func (i ProbeInstruction) Duration() time.Duration {
	return time.Duration(i.DurationSeconds) * time.Second
}

// Interval returns the requested probe interval (zero when unset).
func (i ProbeInstruction) Interval() time.Duration {
	return time.Duration(i.IntervalMillis) * time.Millisecond
}

// PreDelay returns the server-directed delay before the campaign starts.
func (i ProbeInstruction) PreDelay() time.Duration {
	if i.PreDelayMillis <= 0 {
		return 0
	}
	return time.Duration(i.PreDelayMillis) * time.Millisecond
}

// =============================================================================
// SESSIONS
// =============================================================================

// ProbeAttempt is the outcome of one probe within a campaign.
type ProbeAttempt struct {
	TimestampMillis int64   `json:"timestamp"`
	Sequence        int     `json:"sequence"`
	Success         bool    `json:"success"`
	RTTMs           float64 `json:"rtt_ms"`
	Location        string  `json:"location"`
	ErrorMessage    string  `json:"error_message"`
}

// SessionSummary is the aggregate record of one campaign.
//
// The campaign runner owns a summary while the campaign is active and seals it
// when the campaign ends; after that it is read-only and belongs to the upload path.
type SessionSummary struct {
	SessionID         string         `json:"session_id"`
	Host              string         `json:"host"`
	Protocol          Protocol       `json:"protocol"`
	StartTime         time.Time      `json:"start_time"`
	EndTime           time.Time      `json:"end_time"`
	DurationSeconds   int64          `json:"duration_seconds"`
	PacketsSent       int            `json:"packets_sent"`
	PacketsReceived   int            `json:"packets_received"`
	PacketLossPercent float64        `json:"packet_loss_percent"`
	AvgRTTMs          float64        `json:"avg_rtt_ms"`
	MinRTTMs          float64        `json:"min_rtt_ms"`
	MaxRTTMs          float64        `json:"max_rtt_ms"`
	TotalBytes        int64          `json:"total_bytes"`
	AvgBandwidthBps   float64        `json:"avg_bandwidth_bps"`
	StartLocation     string         `json:"start_location"`
	EndLocation       string         `json:"end_location"`
	ServerInstructed  bool           `json:"server_instructed"`
	Settings          ProbeSettings  `json:"settings"`
	Attempts          []ProbeAttempt `json:"ping_results"`

	sealed bool
}

// Seal marks the summary read-only.
func (s *SessionSummary) Seal() { s.sealed = true }

// Sealed reports whether the campaign that produced s has ended.
func (s *SessionSummary) Sealed() bool { return s.sealed }

// =============================================================================
// CONTROLLER API
// =============================================================================

// ConnectRequest is sent to POST /api/connect.
type ConnectRequest struct {
	DeviceID       string `json:"device_id"`
	AppVersion     string `json:"app_version"`
	DeviceModel    string `json:"device_model"`
	AndroidVersion string `json:"android_version"`
	Location       string `json:"location"`
	Timestamp      int64  `json:"timestamp"`
}

// ConnectResponse is returned from POST /api/connect.
type ConnectResponse struct {
	Status           string `json:"status,omitempty"`
	Message          string `json:"message,omitempty"`
	ClientID         string `json:"client_id"`
	LocationRecorded string `json:"location_recorded,omitempty"`
	Timestamp        string `json:"timestamp,omitempty"`
	ServerTime       string `json:"server_time,omitempty"`
}

// HeartbeatRequest is sent to POST /api/heartbeat.
type HeartbeatRequest struct {
	DeviceID            string `json:"device_id"`
	ClientID            string `json:"client_id"`
	AppStatus           string `json:"app_status"`
	Location            string `json:"location"`
	Timestamp           int64  `json:"timestamp"`
	RequestInstructions bool   `json:"request_instructions"`
	HeartbeatIntervalMs int64  `json:"heartbeat_interval_ms"`
}

// HeartbeatResponse is returned from POST /api/heartbeat.
// SendPing is nil when the controller has nothing to say ("stand by").
type HeartbeatResponse struct {
	Heartbeat              string `json:"heartbeat,omitempty"`
	ServerStatus           string `json:"server_status,omitempty"`
	LocationRecorded       string `json:"location_recorded,omitempty"`
	Timestamp              string `json:"timestamp,omitempty"`
	NextHeartbeatInSeconds int    `json:"next_heartbeat_in_seconds,omitempty"`

	SendPing            *bool  `json:"send_ping,omitempty"`
	PingHost            string `json:"ping_host,omitempty"`
	PingProtocol        string `json:"ping_protocol,omitempty"`
	PingDurationSeconds int    `json:"ping_duration_seconds,omitempty"`
	PingIntervalMs      int64  `json:"ping_interval_ms,omitempty"`
	DelayMs             int64  `json:"delay_ms,omitempty"`
}

// Instruction extracts the embedded instruction, if any.
// A reply without send_ping returns nil and no error.
func (r *HeartbeatResponse) Instruction() (*ProbeInstruction, error) {
	if r.SendPing == nil {
		return nil, nil
	}
	instr := &ProbeInstruction{
		ShouldProbe:     *r.SendPing,
		Host:            r.PingHost,
		DurationSeconds: r.PingDurationSeconds,
		IntervalMillis:  r.PingIntervalMs,
		PreDelayMillis:  r.DelayMs,
	}
	if !instr.ShouldProbe {
		return instr, nil
	}
	p, err := ParseProtocol(r.PingProtocol)
	if err != nil {
		return nil, err
	}
	instr.Protocol = p
	return instr, nil
}

// SetInstruction embeds instr in the reply.
func (r *HeartbeatResponse) SetInstruction(instr ProbeInstruction) {
	send := instr.ShouldProbe
	r.SendPing = &send
	r.PingHost = instr.Host
	r.PingProtocol = string(instr.Protocol)
	r.PingDurationSeconds = instr.DurationSeconds
	r.PingIntervalMs = instr.IntervalMillis
	r.DelayMs = instr.PreDelayMillis
}

// UploadSessionRequest is sent to POST /api/upload-session.
// The summary's fields are inlined next to client_id.
type UploadSessionRequest struct {
	ClientID string `json:"client_id"`
	*SessionSummary
}

// UploadSessionResponse is returned from POST /api/upload-session.
type UploadSessionResponse struct {
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
	SessionID     string `json:"session_id"`
	StartLocation string `json:"start_location,omitempty"`
	EndLocation   string `json:"end_location,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// PingResponse is returned from GET /api/ping.
type PingResponse struct {
	Ping      string `json:"ping"`
	Timestamp string `json:"timestamp"`
	ClientIP  string `json:"client_ip"`
}
