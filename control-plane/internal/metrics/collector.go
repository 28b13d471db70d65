// Package metrics collects the controller's self-reported health for /api/status.
package metrics

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// StorageReporter is implemented by store.Store.
type StorageReporter interface {
	Health(ctx context.Context) (types.StorageHealth, error)
}

// QueueReporter is implemented by cache.InstructionQueue.
type QueueReporter interface {
	Health(ctx context.Context) types.QueueHealth
}

// Collector gathers process, storage and queue health, caching the result
// for config.StatusCollectorTTL.
type Collector struct {
	storage StorageReporter
	queue   QueueReporter

	startTime time.Time
	ttl       time.Duration
	now       func() time.Time

	mu      sync.Mutex
	cached  *types.ServerHealth
	expires time.Time
}

// NewCollector creates a collector. queue may be nil.
func NewCollector(storage StorageReporter, queue QueueReporter) *Collector {
	return &Collector{
		storage:   storage,
		queue:     queue,
		startTime: time.Now(),
		ttl:       config.StatusCollectorTTL,
		now:       time.Now,
	}
}

// Health returns the current server health, possibly from cache.
func (c *Collector) Health(ctx context.Context) *types.ServerHealth {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if c.cached != nil && now.Before(c.expires) {
		h := *c.cached
		return &h
	}

	h := &types.ServerHealth{
		Timestamp:    now,
		ControlPlane: c.controlPlane(now),
	}

	storage, err := c.storage.Health(ctx)
	if err != nil {
		storage.Status = "error"
	}
	h.Storage = storage

	if c.queue != nil {
		h.Queue = c.queue.Health(ctx)
	} else {
		h.Queue = types.QueueHealth{Backend: "none"}
	}

	if h.Storage.Status != "healthy" && h.ControlPlane.Status == "healthy" {
		h.ControlPlane.Status = "degraded"
	}

	c.cached = h
	c.expires = now.Add(c.ttl)
	out := *h
	return &out
}

func (c *Collector) controlPlane(now time.Time) types.ControlPlaneHealth {
	health := types.ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(now.Sub(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
			health.MemoryFormatted = formatBytes(int64(mem.RSS))
		}
		if pct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(pct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

// formatBytes renders a byte count with a binary unit, e.g. "12.5 MB".
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit && exp < 3; v /= unit {
		div *= unit
		exp++
	}
	v := float64(n) / float64(div)
	suffix := []string{"KB", "MB", "GB", "TB"}[exp]
	switch {
	case v >= 100:
		return fmt.Sprintf("%.0f %s", v, suffix)
	case v >= 10:
		return fmt.Sprintf("%.1f %s", v, suffix)
	default:
		return fmt.Sprintf("%.2f %s", v, suffix)
	}
}
