package types

import "time"

// ServerHealth is the controller's self-reported health, served under /api/status.
type ServerHealth struct {
	Timestamp    time.Time          `json:"timestamp"`
	ControlPlane ControlPlaneHealth `json:"control_plane"`
	Storage      StorageHealth      `json:"storage"`
	Queue        QueueHealth        `json:"instruction_queue"`
}

// ControlPlaneHealth contains controller process metrics.
type ControlPlaneHealth struct {
	Status          string  `json:"status"` // healthy, degraded
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryMB        float64 `json:"memory_mb"`
	MemoryFormatted string  `json:"memory_formatted"`
	MemoryPercent   float64 `json:"memory_percent"`
	Goroutines      int     `json:"goroutines"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
}

// StorageHealth contains store counts and, for Postgres, pool statistics.
type StorageHealth struct {
	Backend    string     `json:"backend"` // memory, postgres
	Status     string     `json:"status"`
	Clients    int64      `json:"clients"`
	Sessions   int64      `json:"sessions"`
	Heartbeats int64      `json:"heartbeats"`
	Pool       *PoolStats `json:"pool,omitempty"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// QueueHealth describes the instruction queue backend.
type QueueHealth struct {
	Backend   string `json:"backend"` // memory, redis
	Connected bool   `json:"connected"`
	Pending   int64  `json:"pending"`
}
