package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/cache"
	"github.com/pilot-net/pingrelay/control-plane/internal/store"
	"github.com/pilot-net/pingrelay/control-plane/internal/testutil"
	"github.com/pilot-net/pingrelay/pkg/types"
)

func newTestService() *Service {
	return NewService(store.NewMemoryStore(), cache.NewMemoryQueue(), testutil.NewTestLogger())
}

func connect(t *testing.T, s *Service) string {
	t.Helper()
	resp, err := s.Connect(context.Background(), *testutil.FixtureConnectRequest())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return resp.ClientID
}

func TestClientIDFor(t *testing.T) {
	tests := []struct {
		device, model, want string
	}{
		{"abc123", "Pixel 7 Pro", "abc123_Pixel_7_Pro"},
		{"abc123", "SM-G991B", "abc123_SM-G991B"},
		{"abc123", "", "abc123_"},
	}
	for _, tt := range tests {
		if got := ClientIDFor(tt.device, tt.model); got != tt.want {
			t.Errorf("ClientIDFor(%q, %q) = %q, want %q", tt.device, tt.model, got, tt.want)
		}
	}
}

func TestConnect(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	req := testutil.FixtureConnectRequest(func(r *types.ConnectRequest) {
		r.DeviceID = "abc"
		r.Location = ""
	})
	resp, err := s.Connect(ctx, *req)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if resp.ClientID != "abc_Pixel_7" || resp.Status != "connected" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.LocationRecorded != types.LocationUnavailable {
		t.Errorf("LocationRecorded = %q, want N/A", resp.LocationRecorded)
	}

	// Reconnecting yields the same ID
	again, _ := s.Connect(ctx, *req)
	if again.ClientID != resp.ClientID {
		t.Errorf("reconnect changed client ID: %s -> %s", resp.ClientID, again.ClientID)
	}

	_, err = s.Connect(ctx, types.ConnectRequest{DeviceModel: "Pixel"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("missing device_id error = %v, want ErrInvalidRequest", err)
	}
}

func TestHeartbeat_DeliversOneInstructionPerBeat(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	id := connect(t, s)

	for _, host := range []string{"a.example", "b.example"} {
		req := testutil.FixtureInstruction(func(r *types.QueueInstructionRequest) { r.Host = host })
		if _, err := s.QueueInstruction(ctx, id, *req); err != nil {
			t.Fatalf("QueueInstruction: %v", err)
		}
	}

	beat := types.HeartbeatRequest{
		ClientID:            id,
		AppStatus:           types.AppStatusActive,
		Location:            "Office",
		RequestInstructions: true,
		HeartbeatIntervalMs: 15000,
	}

	for _, want := range []string{"a.example", "b.example"} {
		resp, err := s.Heartbeat(ctx, beat)
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		instr, err := resp.Instruction()
		if err != nil || instr == nil {
			t.Fatalf("expected instruction, got %v %v", instr, err)
		}
		if instr.Host != want || instr.Protocol != types.ProtocolTCP || instr.PreDelayMillis != 1000 {
			t.Errorf("instruction = %+v, want host %s", instr, want)
		}
		if resp.NextHeartbeatInSeconds != 15 {
			t.Errorf("NextHeartbeatInSeconds = %d, want 15", resp.NextHeartbeatInSeconds)
		}
	}

	resp, _ := s.Heartbeat(ctx, beat)
	if resp.SendPing != nil {
		t.Error("empty queue should reply without send_ping")
	}

	c, _ := s.Store().GetClient(ctx, id)
	if c.LastLocation != "Office" || c.LastStatus != types.AppStatusActive {
		t.Errorf("client not refreshed by heartbeat: %+v", c)
	}
}

func TestHeartbeat_KeepsInstructionWhenNotRequested(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	id := connect(t, s)
	s.QueueInstruction(ctx, id, *testutil.FixtureInstruction())

	for _, beat := range []types.HeartbeatRequest{
		{ClientID: id, AppStatus: types.AppStatusActive},
		{ClientID: id, AppStatus: types.AppStatusDisconnected, RequestInstructions: true},
	} {
		resp, err := s.Heartbeat(ctx, beat)
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
		if resp.SendPing != nil {
			t.Errorf("instruction delivered to %+v", beat)
		}
		if resp.NextHeartbeatInSeconds != 30 {
			t.Errorf("NextHeartbeatInSeconds = %d, want default 30", resp.NextHeartbeatInSeconds)
		}
	}

	if n, _ := s.Queue().Len(ctx, id); n != 1 {
		t.Errorf("pending = %d, want 1", n)
	}
}

func TestUploadSession(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	id := connect(t, s)

	sum := testutil.FixtureSessionSummary(func(x *types.SessionSummary) { x.EndLocation = "Car park" })
	resp, err := s.UploadSession(ctx, id, sum)
	if err != nil {
		t.Fatalf("UploadSession: %v", err)
	}
	if resp.Status != "success" || resp.SessionID != sum.SessionID || resp.EndLocation != "Car park" {
		t.Errorf("unexpected response: %+v", resp)
	}

	dup, err := s.UploadSession(ctx, id, sum)
	if err != nil {
		t.Fatalf("duplicate upload should succeed: %v", err)
	}
	if dup.Status != "success" {
		t.Errorf("duplicate status = %q", dup.Status)
	}

	detail, _ := s.GetClient(ctx, id, 0)
	if detail.Client.TotalSessions != 1 {
		t.Errorf("TotalSessions = %d, want 1", detail.Client.TotalSessions)
	}
	if detail.Client.LastLocation != "Car park" {
		t.Errorf("LastLocation = %q, want Car park", detail.Client.LastLocation)
	}
	if len(detail.RecentSessions) != 1 {
		t.Errorf("RecentSessions = %d, want 1", len(detail.RecentSessions))
	}
}

func TestUploadSession_Validation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		mutate   func(*types.SessionSummary)
	}{
		{"missing client", "", nil},
		{"missing session id", "c1", func(x *types.SessionSummary) { x.SessionID = "" }},
		{"received exceeds sent", "c1", func(x *types.SessionSummary) { x.PacketsReceived = x.PacketsSent + 1 }},
		{"end before start", "c1", func(x *types.SessionSummary) { x.EndTime = x.StartTime.Add(-time.Second) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var overrides []func(*types.SessionSummary)
			if tt.mutate != nil {
				overrides = append(overrides, tt.mutate)
			}
			_, err := s.UploadSession(ctx, tt.clientID, testutil.FixtureSessionSummary(overrides...))
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestQueueInstruction_Validation(t *testing.T) {
	s := newTestService()
	ctx := context.Background()
	id := connect(t, s)

	if _, err := s.QueueInstruction(ctx, "nobody", *testutil.FixtureInstruction()); !errors.Is(err, ErrClientNotFound) {
		t.Errorf("unknown client error = %v, want ErrClientNotFound", err)
	}

	tests := []struct {
		name   string
		mutate func(*types.QueueInstructionRequest)
	}{
		{"missing host", func(r *types.QueueInstructionRequest) { r.Host = " " }},
		{"bad protocol", func(r *types.QueueInstructionRequest) { r.Protocol = "SCTP" }},
		{"zero duration", func(r *types.QueueInstructionRequest) { r.DurationSeconds = 0 }},
		{"too long", func(r *types.QueueInstructionRequest) { r.DurationSeconds = 25 * 3600 }},
		{"interval too small", func(r *types.QueueInstructionRequest) { r.IntervalMillis = 50 }},
		{"negative delay", func(r *types.QueueInstructionRequest) { r.DelayMillis = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.QueueInstruction(ctx, id, *testutil.FixtureInstruction(tt.mutate))
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}

	// Interval left unset falls back to the client's own setting
	instr, err := s.QueueInstruction(ctx, id, *testutil.FixtureInstruction(func(r *types.QueueInstructionRequest) {
		r.IntervalMillis = 0
	}))
	if err != nil {
		t.Fatalf("QueueInstruction: %v", err)
	}
	if instr.IntervalMillis != 0 {
		t.Errorf("IntervalMillis = %d, want 0", instr.IntervalMillis)
	}
}

func TestGetClient_Unknown(t *testing.T) {
	s := newTestService()
	detail, err := s.GetClient(context.Background(), "nobody", 0)
	if err != nil || detail != nil {
		t.Errorf("GetClient = %v, %v; want nil, nil", detail, err)
	}
}

func TestListClients_EmptyIsNotNil(t *testing.T) {
	s := newTestService()
	clients, err := s.ListClients(context.Background())
	if err != nil {
		t.Fatalf("ListClients: %v", err)
	}
	if clients == nil {
		t.Error("expected empty slice, got nil")
	}
}
