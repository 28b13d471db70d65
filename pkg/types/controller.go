package types

import "time"

// ClientRecord is the controller's view of a connected device.
type ClientRecord struct {
	ClientID       string    `json:"client_id"`
	DeviceID       string    `json:"device_id"`
	DeviceModel    string    `json:"device_model"`
	AndroidVersion string    `json:"android_version"`
	AppVersion     string    `json:"app_version"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
	LastLocation   string    `json:"last_location"`
	LastStatus     string    `json:"last_status,omitempty"`
	TotalSessions  int       `json:"total_sessions"`
	Online         bool      `json:"online"`
}

// HeartbeatRecord is one received heartbeat.
type HeartbeatRecord struct {
	ClientID   string    `json:"client_id"`
	DeviceID   string    `json:"device_id"`
	AppStatus  string    `json:"app_status"`
	Location   string    `json:"location"`
	ReceivedAt time.Time `json:"received_at"`
}

// LocationCount is a location and how often it was seen.
type LocationCount struct {
	Location string `json:"location"`
	Count    int    `json:"count"`
}

// LocationStats groups sessions and clients by reported location.
type LocationStats struct {
	SessionsByLocation []LocationCount `json:"sessions_by_location"`
	ClientsByLocation  []LocationCount `json:"clients_by_location"`
}

// ClientDetail is returned from GET /api/clients/{id}.
type ClientDetail struct {
	Client              ClientRecord     `json:"client"`
	RecentSessions      []SessionSummary `json:"recent_sessions"`
	PendingInstructions int64            `json:"pending_instructions"`
}

// QueueInstructionRequest is sent to POST /api/clients/{id}/instructions.
// Field names match the heartbeat reply that will carry the instruction.
type QueueInstructionRequest struct {
	Host            string `json:"ping_host"`
	Protocol        string `json:"ping_protocol"`
	DurationSeconds int    `json:"ping_duration_seconds"`
	IntervalMillis  int64  `json:"ping_interval_ms"`
	DelayMillis     int64  `json:"delay_ms"`
}

// Instruction converts the request to a probe instruction.
func (r QueueInstructionRequest) Instruction() (ProbeInstruction, error) {
	p, err := ParseProtocol(r.Protocol)
	if err != nil {
		return ProbeInstruction{}, err
	}
	return ProbeInstruction{
		ShouldProbe:     true,
		Host:            r.Host,
		Protocol:        p,
		DurationSeconds: r.DurationSeconds,
		IntervalMillis:  r.IntervalMillis,
		PreDelayMillis:  r.DelayMillis,
	}, nil
}
