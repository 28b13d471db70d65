// Package config provides configuration constants for the controller.
//
// Values shared between Go code and SQL live side by side so they cannot
// drift apart.
package config

import "time"

// Client presence is derived from heartbeat age.
const (
	// ClientOnlineThreshold - a client is reported online if its last
	// heartbeat or connect is younger than this.
	ClientOnlineThreshold = 90 * time.Second
)

// SQL interval strings for use in database queries.
// These must match the Go duration constants above.
const (
	SQLClientOnlineInterval = "90 seconds"
)

// Heartbeat replies.
const (
	// DefaultHeartbeatSeconds is suggested to clients that do not report
	// their own heartbeat interval.
	DefaultHeartbeatSeconds = 30
)

// Instruction limits applied when an operator queues a campaign.
const (
	// MinInstructionInterval mirrors the client's smallest accepted probe gap.
	MinInstructionInterval = 100 * time.Millisecond

	// MaxInstructionDuration bounds a single queued campaign.
	MaxInstructionDuration = 24 * time.Hour

	// MaxPendingInstructions bounds the per-client instruction queue.
	MaxPendingInstructions = 100
)

// Request limits.
const (
	// MaxRequestBodyBytes caps decoded request bodies, including gzip uploads.
	MaxRequestBodyBytes = 8 << 20
)

// Pagination defaults for API list endpoints.
const (
	// DefaultSessionListLimit is the number of recent sessions returned per client.
	DefaultSessionListLimit = 20

	// MaxSessionListLimit is the largest accepted ?limit value.
	MaxSessionListLimit = 500
)

// Cache TTLs for API response caching.
const (
	// CacheTTLLocations is the TTL for location statistics.
	CacheTTLLocations = 30 * time.Second

	// StatusCollectorTTL is how long process and store metrics are reused.
	StatusCollectorTTL = 30 * time.Second
)

// UDP echo responder.
const (
	// DefaultUDPEchoPort matches the client's default UDP probe port.
	DefaultUDPEchoPort = 9999

	// UDPEchoBufferSize holds the largest UDP payload a client may send.
	UDPEchoBufferSize = 65535

	// UDPEchoPrefix is prepended to every echoed payload.
	UDPEchoPrefix = "ACK: "
)

// Database connection configuration.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second
)
