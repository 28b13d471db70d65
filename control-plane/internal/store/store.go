// Package store provides persistence for the controller.
//
// # Backends
//
// MemoryStore keeps everything in process and is the default. PostgresStore
// uses raw SQL with pgx against the schema in db/migrate.
//
// Lookups of a missing record return nil and no error.
package store

import (
	"context"
	"sort"

	"github.com/pilot-net/pingrelay/pkg/types"
)

// Store is the controller's persistence layer.
type Store interface {
	// UpsertClient registers a client or refreshes an existing one.
	// FirstSeen and TotalSessions of an existing client are preserved.
	UpsertClient(ctx context.Context, c types.ClientRecord) (*types.ClientRecord, error)
	GetClient(ctx context.Context, clientID string) (*types.ClientRecord, error)
	ListClients(ctx context.Context) ([]types.ClientRecord, error)

	// RecordHeartbeat stores hb and refreshes the client's last-seen state.
	// Heartbeats from unknown clients are stored without a client update.
	RecordHeartbeat(ctx context.Context, hb types.HeartbeatRecord) error

	// SaveSession stores a session and its attempts. It returns false without
	// error when the session ID was already stored. The owning client's
	// session count and last location are updated if it is known.
	SaveSession(ctx context.Context, clientID string, s *types.SessionSummary) (bool, error)
	ListSessions(ctx context.Context, clientID string, limit int) ([]types.SessionSummary, error)

	LocationStats(ctx context.Context) (*types.LocationStats, error)
	Health(ctx context.Context) (types.StorageHealth, error)

	Ping(ctx context.Context) error
	Close()
}

// sortLocationCounts orders by count descending, then location.
func sortLocationCounts(counts map[string]int) []types.LocationCount {
	out := make([]types.LocationCount, 0, len(counts))
	for loc, n := range counts {
		out = append(out, types.LocationCount{Location: loc, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Location < out[j].Location
	})
	return out
}

func locationOrNA(loc string) string {
	if loc == "" {
		return types.LocationUnavailable
	}
	return loc
}
