// Package testutil provides loggers and fixtures for controller tests.
//
// Fixtures take functional overrides:
//
//	sum := testutil.FixtureSessionSummary(func(s *types.SessionSummary) {
//		s.Protocol = types.ProtocolTCP
//	})
package testutil

import (
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =============================================================================
// CLIENT FIXTURES
// =============================================================================

// FixtureConnectRequest creates a connect request for a fresh device.
func FixtureConnectRequest(overrides ...func(*types.ConnectRequest)) *types.ConnectRequest {
	req := &types.ConnectRequest{
		DeviceID:       "dev-" + uuid.New().String()[:8],
		AppVersion:     "1.2.0",
		DeviceModel:    "Pixel 7",
		AndroidVersion: "14",
		Location:       "Lab bench 3",
		Timestamp:      time.Now().UnixMilli(),
	}
	for _, override := range overrides {
		override(req)
	}
	return req
}

// FixtureClient creates a client record as the store would return it.
func FixtureClient(overrides ...func(*types.ClientRecord)) *types.ClientRecord {
	now := time.Now()
	c := &types.ClientRecord{
		ClientID:       "dev-" + uuid.New().String()[:8] + "_Pixel_7",
		DeviceModel:    "Pixel 7",
		AndroidVersion: "14",
		AppVersion:     "1.2.0",
		FirstSeen:      now.Add(-time.Hour),
		LastSeen:       now,
		LastLocation:   "Lab bench 3",
		Online:         true,
	}
	c.DeviceID = c.ClientID[:12]
	for _, override := range overrides {
		override(c)
	}
	return c
}

// =============================================================================
// SESSION FIXTURES
// =============================================================================

// FixtureSessionSummary creates a sealed ten second ICMP campaign with two
// successes and one timeout.
func FixtureSessionSummary(overrides ...func(*types.SessionSummary)) *types.SessionSummary {
	start := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	sum := &types.SessionSummary{
		SessionID:         uuid.New().String(),
		Host:              "8.8.8.8",
		Protocol:          types.ProtocolICMP,
		StartTime:         start,
		EndTime:           start.Add(10 * time.Second),
		DurationSeconds:   10,
		PacketsSent:       3,
		PacketsReceived:   2,
		PacketLossPercent: 100.0 / 3,
		AvgRTTMs:          15,
		MinRTTMs:          10,
		MaxRTTMs:          20,
		TotalBytes:        192,
		AvgBandwidthBps:   153.6,
		StartLocation:     "Lab bench 3",
		EndLocation:       "Lab bench 3",
		Settings:          types.DefaultProbeSettings(),
		Attempts: []types.ProbeAttempt{
			{TimestampMillis: start.UnixMilli(), Sequence: 1, Success: true, RTTMs: 10, Location: "Lab bench 3"},
			{TimestampMillis: start.UnixMilli() + 1000, Sequence: 2, Success: true, RTTMs: 20, Location: "Lab bench 3"},
			{TimestampMillis: start.UnixMilli() + 2000, Sequence: 3, ErrorMessage: "timeout", Location: "Lab bench 3"},
		},
	}
	for _, override := range overrides {
		override(sum)
	}
	sum.Seal()
	return sum
}

// FixtureInstruction creates a queued-instruction request.
func FixtureInstruction(overrides ...func(*types.QueueInstructionRequest)) *types.QueueInstructionRequest {
	req := &types.QueueInstructionRequest{
		Host:            "1.1.1.1",
		Protocol:        "tcp",
		DurationSeconds: 30,
		IntervalMillis:  500,
		DelayMillis:     1000,
	}
	for _, override := range overrides {
		override(req)
	}
	return req
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// Ptr returns a pointer to the given value.
func Ptr[T any](v T) *T {
	return &v
}
