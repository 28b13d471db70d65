// Package service contains the controller's business logic: client
// registration, heartbeats with instruction delivery, session ingestion and
// the operator-facing queries.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/cache"
	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/control-plane/internal/store"
	"github.com/pilot-net/pingrelay/pkg/types"
)

var (
	// ErrInvalidRequest wraps every validation failure.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrClientNotFound is returned for operations on an unregistered client.
	ErrClientNotFound = errors.New("client not found")
)

// Service provides business logic operations.
type Service struct {
	store  store.Store
	queue  cache.InstructionQueue
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a new service.
func NewService(st store.Store, queue cache.InstructionQueue, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		queue:  queue,
		logger: logger.With("component", "service"),
		now:    time.Now,
	}
}

// Store returns the underlying store.
func (s *Service) Store() store.Store { return s.store }

// Queue returns the instruction queue.
func (s *Service) Queue() cache.InstructionQueue { return s.queue }

// ClientIDFor derives the stable client ID for a device.
func ClientIDFor(deviceID, deviceModel string) string {
	return deviceID + "_" + strings.ReplaceAll(deviceModel, " ", "_")
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

func (s *Service) timestamp() string {
	return s.now().Format(time.RFC3339)
}

// =============================================================================
// CLIENT CHANNEL
// =============================================================================

// Connect registers a device or refreshes an existing registration.
func (s *Service) Connect(ctx context.Context, req types.ConnectRequest) (*types.ConnectResponse, error) {
	if strings.TrimSpace(req.DeviceID) == "" {
		return nil, invalid("device_id is required")
	}

	client, err := s.store.UpsertClient(ctx, types.ClientRecord{
		ClientID:       ClientIDFor(req.DeviceID, req.DeviceModel),
		DeviceID:       req.DeviceID,
		DeviceModel:    req.DeviceModel,
		AndroidVersion: req.AndroidVersion,
		AppVersion:     req.AppVersion,
		LastLocation:   req.Location,
	})
	if err != nil {
		return nil, fmt.Errorf("registering client: %w", err)
	}

	s.logger.Info("client connected",
		"client_id", client.ClientID,
		"app_version", client.AppVersion,
		"location", client.LastLocation,
	)

	ts := s.timestamp()
	return &types.ConnectResponse{
		Status:           "connected",
		Message:          "Device registered successfully",
		ClientID:         client.ClientID,
		LocationRecorded: client.LastLocation,
		Timestamp:        ts,
		ServerTime:       ts,
	}, nil
}

// Heartbeat records a heartbeat and, when the client asks for instructions,
// hands over at most one queued instruction.
func (s *Service) Heartbeat(ctx context.Context, req types.HeartbeatRequest) (*types.HeartbeatResponse, error) {
	location := req.Location
	if location == "" {
		location = types.LocationUnavailable
	}

	err := s.store.RecordHeartbeat(ctx, types.HeartbeatRecord{
		ClientID:   req.ClientID,
		DeviceID:   req.DeviceID,
		AppStatus:  req.AppStatus,
		Location:   location,
		ReceivedAt: s.now(),
	})
	if err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}

	next := config.DefaultHeartbeatSeconds
	if req.HeartbeatIntervalMs >= 1000 {
		next = int(req.HeartbeatIntervalMs / 1000)
	}
	resp := &types.HeartbeatResponse{
		Heartbeat:              "acknowledged",
		ServerStatus:           "online",
		LocationRecorded:       location,
		Timestamp:              s.timestamp(),
		NextHeartbeatInSeconds: next,
	}

	s.logger.Debug("heartbeat", "client_id", req.ClientID, "status", req.AppStatus, "location", location)

	// A disconnecting client would drop the instruction on the floor.
	if !req.RequestInstructions || req.ClientID == "" || req.AppStatus == types.AppStatusDisconnected {
		return resp, nil
	}

	instr, err := s.queue.Pop(ctx, req.ClientID)
	if err != nil {
		s.logger.Warn("failed to pop instruction", "client_id", req.ClientID, "error", err)
		return resp, nil
	}
	if instr != nil {
		resp.SetInstruction(*instr)
		s.logger.Info("instruction delivered",
			"client_id", req.ClientID,
			"host", instr.Host,
			"protocol", instr.Protocol,
			"duration_seconds", instr.DurationSeconds,
		)
	}
	return resp, nil
}

// UploadSession stores a finished campaign. Re-uploading a stored session ID
// succeeds without storing it again.
func (s *Service) UploadSession(ctx context.Context, clientID string, sum *types.SessionSummary) (*types.UploadSessionResponse, error) {
	if sum == nil {
		return nil, invalid("session is required")
	}
	if clientID == "" {
		return nil, invalid("client_id is required")
	}
	if sum.SessionID == "" {
		return nil, invalid("session_id is required")
	}
	if sum.PacketsSent < 0 || sum.PacketsReceived < 0 || sum.PacketsReceived > sum.PacketsSent {
		return nil, invalid("packet counts are inconsistent: sent=%d received=%d", sum.PacketsSent, sum.PacketsReceived)
	}
	if sum.EndTime.Before(sum.StartTime) {
		return nil, invalid("end_time precedes start_time")
	}

	stored, err := s.store.SaveSession(ctx, clientID, sum)
	if err != nil {
		return nil, fmt.Errorf("storing session %s: %w", sum.SessionID, err)
	}

	msg := "Session data uploaded successfully"
	if stored {
		s.logger.Info("session stored",
			"session_id", sum.SessionID,
			"client_id", clientID,
			"host", sum.Host,
			"protocol", sum.Protocol,
			"sent", sum.PacketsSent,
			"received", sum.PacketsReceived,
			"start_location", sum.StartLocation,
			"end_location", sum.EndLocation,
		)
	} else {
		msg = "Session already stored"
		s.logger.Info("duplicate session upload ignored", "session_id", sum.SessionID, "client_id", clientID)
	}

	return &types.UploadSessionResponse{
		Status:        "success",
		Message:       msg,
		SessionID:     sum.SessionID,
		StartLocation: sum.StartLocation,
		EndLocation:   sum.EndLocation,
		Timestamp:     s.timestamp(),
	}, nil
}

// =============================================================================
// OPERATOR
// =============================================================================

// QueueInstruction schedules a campaign for the client's next heartbeat.
func (s *Service) QueueInstruction(ctx context.Context, clientID string, req types.QueueInstructionRequest) (*types.ProbeInstruction, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if client == nil {
		return nil, fmt.Errorf("%w: %s", ErrClientNotFound, clientID)
	}

	if strings.TrimSpace(req.Host) == "" {
		return nil, invalid("ping_host is required")
	}
	instr, err := req.Instruction()
	if err != nil {
		return nil, invalid("%v", err)
	}
	if d := instr.Duration(); d < time.Second || d > config.MaxInstructionDuration {
		return nil, invalid("ping_duration_seconds must be between 1 and %d", int(config.MaxInstructionDuration.Seconds()))
	}
	if instr.IntervalMillis != 0 && instr.Interval() < config.MinInstructionInterval {
		return nil, invalid("ping_interval_ms must be at least %d", config.MinInstructionInterval.Milliseconds())
	}
	if instr.PreDelayMillis < 0 {
		return nil, invalid("delay_ms must not be negative")
	}

	if err := s.queue.Push(ctx, clientID, instr); err != nil {
		if errors.Is(err, cache.ErrQueueFull) {
			return nil, invalid("client %s already has %d pending instructions", clientID, config.MaxPendingInstructions)
		}
		return nil, fmt.Errorf("queueing instruction: %w", err)
	}

	s.logger.Info("instruction queued",
		"client_id", clientID,
		"host", instr.Host,
		"protocol", instr.Protocol,
		"duration_seconds", instr.DurationSeconds,
		"online", client.Online,
	)
	return &instr, nil
}

// ListClients returns every registered client.
func (s *Service) ListClients(ctx context.Context) ([]types.ClientRecord, error) {
	clients, err := s.store.ListClients(ctx)
	if err != nil {
		return nil, err
	}
	if clients == nil {
		clients = []types.ClientRecord{}
	}
	return clients, nil
}

// GetClient returns a client with its most recent sessions.
// It returns nil when the client is unknown.
func (s *Service) GetClient(ctx context.Context, clientID string, limit int) (*types.ClientDetail, error) {
	client, err := s.store.GetClient(ctx, clientID)
	if err != nil || client == nil {
		return nil, err
	}

	if limit <= 0 {
		limit = config.DefaultSessionListLimit
	}
	if limit > config.MaxSessionListLimit {
		limit = config.MaxSessionListLimit
	}
	sessions, err := s.store.ListSessions(ctx, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	if sessions == nil {
		sessions = []types.SessionSummary{}
	}

	pending, err := s.queue.Len(ctx, clientID)
	if err != nil {
		s.logger.Warn("failed to read instruction queue length", "client_id", clientID, "error", err)
	}

	return &types.ClientDetail{
		Client:              *client,
		RecentSessions:      sessions,
		PendingInstructions: pending,
	}, nil
}

// LocationStats groups sessions and clients by reported location.
func (s *Service) LocationStats(ctx context.Context) (*types.LocationStats, error) {
	return s.store.LocationStats(ctx)
}
