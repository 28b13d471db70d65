package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/pingrelay/pkg/types"
)

type fakeStorage struct {
	calls int
	err   error
}

func (f *fakeStorage) Health(ctx context.Context) (types.StorageHealth, error) {
	f.calls++
	return types.StorageHealth{Backend: "memory", Status: "healthy", Clients: int64(f.calls)}, f.err
}

type fakeQueue struct{}

func (fakeQueue) Health(ctx context.Context) types.QueueHealth {
	return types.QueueHealth{Backend: "memory", Connected: true, Pending: 4}
}

func TestCollector_CachesWithinTTL(t *testing.T) {
	storage := &fakeStorage{}
	c := NewCollector(storage, fakeQueue{})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	first := c.Health(ctx)
	if first.Storage.Clients != 1 || first.Queue.Pending != 4 {
		t.Errorf("unexpected health: %+v", first)
	}

	now = now.Add(c.ttl - time.Second)
	c.Health(ctx)
	if storage.calls != 1 {
		t.Errorf("storage queried %d times within TTL, want 1", storage.calls)
	}

	now = now.Add(2 * time.Second)
	if h := c.Health(ctx); h.Storage.Clients != 2 {
		t.Errorf("expected refresh after TTL, got clients=%d", h.Storage.Clients)
	}
}

func TestCollector_StorageErrorDegrades(t *testing.T) {
	c := NewCollector(&fakeStorage{err: errors.New("connection refused")}, nil)
	h := c.Health(context.Background())

	if h.Storage.Status != "error" {
		t.Errorf("Storage.Status = %q, want error", h.Storage.Status)
	}
	if h.ControlPlane.Status != "degraded" {
		t.Errorf("ControlPlane.Status = %q, want degraded", h.ControlPlane.Status)
	}
	if h.Queue.Backend != "none" {
		t.Errorf("Queue.Backend = %q, want none", h.Queue.Backend)
	}
	if h.ControlPlane.Goroutines <= 0 {
		t.Error("goroutine count not collected")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{1023, "1023 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{10 * 1024 * 1024, "10.0 MB"},
		{512 * 1024 * 1024, "512 MB"},
		{3 << 40, "3.00 TB"},
	}
	for _, tt := range tests {
		if got := formatBytes(tt.in); got != tt.want {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
