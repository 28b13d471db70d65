package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// MemoryStore keeps controller state in process. Data is lost on restart.
type MemoryStore struct {
	mu         sync.RWMutex
	clients    map[string]*types.ClientRecord
	sessions   map[string]*memorySession
	heartbeats int64
	now        func() time.Time
}

type memorySession struct {
	clientID string
	summary  types.SessionSummary
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:  make(map[string]*types.ClientRecord),
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (m *MemoryStore) UpsertClient(ctx context.Context, c types.ClientRecord) (*types.ClientRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	c.LastSeen = now
	c.LastLocation = locationOrNA(c.LastLocation)
	if existing, ok := m.clients[c.ClientID]; ok {
		c.FirstSeen = existing.FirstSeen
		c.TotalSessions = existing.TotalSessions
		c.LastStatus = existing.LastStatus
	} else {
		c.FirstSeen = now
		c.TotalSessions = 0
	}
	stored := c
	m.clients[c.ClientID] = &stored
	return m.present(stored), nil
}

func (m *MemoryStore) GetClient(ctx context.Context, clientID string) (*types.ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.clients[clientID]
	if !ok {
		return nil, nil
	}
	return m.present(*c), nil
}

func (m *MemoryStore) ListClients(ctx context.Context) ([]types.ClientRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.ClientRecord, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, *m.present(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out, nil
}

func (m *MemoryStore) RecordHeartbeat(ctx context.Context, hb types.HeartbeatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.heartbeats++
	if c, ok := m.clients[hb.ClientID]; ok && hb.ClientID != "" {
		c.LastSeen = m.now()
		c.LastLocation = locationOrNA(hb.Location)
		c.LastStatus = hb.AppStatus
	}
	return nil
}

func (m *MemoryStore) SaveSession(ctx context.Context, clientID string, s *types.SessionSummary) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.SessionID]; exists {
		return false, nil
	}

	stored := *s
	stored.Attempts = append([]types.ProbeAttempt(nil), s.Attempts...)
	m.sessions[s.SessionID] = &memorySession{clientID: clientID, summary: stored}

	if c, ok := m.clients[clientID]; ok {
		c.TotalSessions++
		c.LastLocation = locationOrNA(s.EndLocation)
	}
	return true, nil
}

func (m *MemoryStore) ListSessions(ctx context.Context, clientID string, limit int) ([]types.SessionSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []types.SessionSummary
	for _, s := range m.sessions {
		if s.clientID != clientID {
			continue
		}
		summary := s.summary
		summary.Attempts = nil
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.After(out[j].StartTime) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) LocationStats(ctx context.Context) (*types.LocationStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessions := make(map[string]int)
	for _, s := range m.sessions {
		if loc := s.summary.StartLocation; loc != "" && loc != types.LocationUnavailable {
			sessions[loc]++
		}
	}
	clients := make(map[string]int)
	for _, c := range m.clients {
		if c.LastLocation != types.LocationUnavailable {
			clients[c.LastLocation]++
		}
	}
	return &types.LocationStats{
		SessionsByLocation: sortLocationCounts(sessions),
		ClientsByLocation:  sortLocationCounts(clients),
	}, nil
}

func (m *MemoryStore) Health(ctx context.Context) (types.StorageHealth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return types.StorageHealth{
		Backend:    "memory",
		Status:     "healthy",
		Clients:    int64(len(m.clients)),
		Sessions:   int64(len(m.sessions)),
		Heartbeats: m.heartbeats,
	}, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() {}

// present returns a copy with Online computed from LastSeen.
func (m *MemoryStore) present(c types.ClientRecord) *types.ClientRecord {
	c.Online = m.now().Sub(c.LastSeen) < config.ClientOnlineThreshold
	return &c
}
