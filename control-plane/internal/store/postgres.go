package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/pkg/types"
)

// PostgresStore persists controller state in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a store with the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// NewPostgresStoreFromURL connects to the given database URL.
func NewPostgresStoreFromURL(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool, used by migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// =============================================================================
// CLIENTS
// =============================================================================

const clientColumns = `
	client_id, device_id, device_model, android_version, app_version,
	first_seen, last_seen, last_location, last_status, total_sessions,
	last_seen > NOW() - INTERVAL '` + config.SQLClientOnlineInterval + `' AS online`

func scanClient(row pgx.Row) (*types.ClientRecord, error) {
	var c types.ClientRecord
	err := row.Scan(
		&c.ClientID, &c.DeviceID, &c.DeviceModel, &c.AndroidVersion, &c.AppVersion,
		&c.FirstSeen, &c.LastSeen, &c.LastLocation, &c.LastStatus, &c.TotalSessions,
		&c.Online,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) UpsertClient(ctx context.Context, c types.ClientRecord) (*types.ClientRecord, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO clients (client_id, device_id, device_model, android_version, app_version, last_location)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (client_id) DO UPDATE SET
			device_id = EXCLUDED.device_id,
			device_model = EXCLUDED.device_model,
			android_version = EXCLUDED.android_version,
			app_version = EXCLUDED.app_version,
			last_location = EXCLUDED.last_location,
			last_seen = NOW()
		RETURNING `+clientColumns,
		c.ClientID, c.DeviceID, c.DeviceModel, c.AndroidVersion, c.AppVersion, locationOrNA(c.LastLocation),
	)
	rec, err := scanClient(row)
	if err != nil {
		return nil, fmt.Errorf("upserting client %s: %w", c.ClientID, err)
	}
	return rec, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, clientID string) (*types.ClientRecord, error) {
	rec, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE client_id = $1`, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *PostgresStore) ListClients(ctx context.Context) ([]types.ClientRecord, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+clientColumns+` FROM clients ORDER BY client_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clients []types.ClientRecord
	for rows.Next() {
		c, err := scanClient(rows)
		if err != nil {
			return nil, err
		}
		clients = append(clients, *c)
	}
	return clients, rows.Err()
}

// =============================================================================
// HEARTBEATS
// =============================================================================

func (s *PostgresStore) RecordHeartbeat(ctx context.Context, hb types.HeartbeatRecord) error {
	if hb.ReceivedAt.IsZero() {
		hb.ReceivedAt = time.Now()
	}
	location := locationOrNA(hb.Location)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO heartbeats (client_id, device_id, app_status, location, received_at)
		VALUES ($1, $2, $3, $4, $5)
	`, hb.ClientID, hb.DeviceID, hb.AppStatus, location, hb.ReceivedAt)
	if err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE clients SET last_seen = $2, last_location = $3, last_status = $4
		WHERE client_id = $1
	`, hb.ClientID, hb.ReceivedAt, location, hb.AppStatus)
	if err != nil {
		return fmt.Errorf("updating client: %w", err)
	}

	return tx.Commit(ctx)
}

// =============================================================================
// SESSIONS
// =============================================================================

func (s *PostgresStore) SaveSession(ctx context.Context, clientID string, sum *types.SessionSummary) (bool, error) {
	settingsJSON, err := json.Marshal(sum.Settings)
	if err != nil {
		return false, fmt.Errorf("encoding settings: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO ping_sessions (
			session_id, client_id, host, protocol, start_time, end_time, duration_seconds,
			packets_sent, packets_received, packet_loss_percent, avg_rtt_ms, min_rtt_ms, max_rtt_ms,
			total_bytes, avg_bandwidth_bps, start_location, end_location, server_instructed, settings
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (session_id) DO NOTHING
	`,
		sum.SessionID, clientID, sum.Host, string(sum.Protocol), sum.StartTime, sum.EndTime, sum.DurationSeconds,
		sum.PacketsSent, sum.PacketsReceived, sum.PacketLossPercent, sum.AvgRTTMs, sum.MinRTTMs, sum.MaxRTTMs,
		sum.TotalBytes, sum.AvgBandwidthBps, locationOrNA(sum.StartLocation), locationOrNA(sum.EndLocation),
		sum.ServerInstructed, settingsJSON,
	)
	if err != nil {
		return false, fmt.Errorf("inserting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if len(sum.Attempts) > 0 {
		rows := make([][]any, len(sum.Attempts))
		for i, a := range sum.Attempts {
			var errMsg *string
			if a.ErrorMessage != "" {
				errMsg = &a.ErrorMessage
			}
			rows[i] = []any{
				sum.SessionID, a.Sequence, time.UnixMilli(a.TimestampMillis), a.Success,
				a.RTTMs, locationOrNA(a.Location), errMsg,
			}
		}
		_, err = tx.CopyFrom(ctx,
			pgx.Identifier{"ping_results"},
			[]string{"session_id", "sequence", "time", "success", "rtt_ms", "location", "error_message"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return false, fmt.Errorf("copying ping results: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE clients SET total_sessions = total_sessions + 1, last_location = $2
		WHERE client_id = $1
	`, clientID, locationOrNA(sum.EndLocation))
	if err != nil {
		return false, fmt.Errorf("updating client: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, clientID string, limit int) ([]types.SessionSummary, error) {
	if limit <= 0 {
		limit = config.DefaultSessionListLimit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, host, protocol, start_time, end_time, duration_seconds,
			packets_sent, packets_received, packet_loss_percent, avg_rtt_ms, min_rtt_ms, max_rtt_ms,
			total_bytes, avg_bandwidth_bps, start_location, end_location, server_instructed, settings
		FROM ping_sessions
		WHERE client_id = $1
		ORDER BY start_time DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []types.SessionSummary
	for rows.Next() {
		var sum types.SessionSummary
		var protocol string
		var settingsJSON []byte
		err := rows.Scan(
			&sum.SessionID, &sum.Host, &protocol, &sum.StartTime, &sum.EndTime, &sum.DurationSeconds,
			&sum.PacketsSent, &sum.PacketsReceived, &sum.PacketLossPercent, &sum.AvgRTTMs, &sum.MinRTTMs, &sum.MaxRTTMs,
			&sum.TotalBytes, &sum.AvgBandwidthBps, &sum.StartLocation, &sum.EndLocation, &sum.ServerInstructed, &settingsJSON,
		)
		if err != nil {
			return nil, err
		}
		sum.Protocol = types.Protocol(protocol)
		if len(settingsJSON) > 0 {
			if err := json.Unmarshal(settingsJSON, &sum.Settings); err != nil {
				return nil, fmt.Errorf("decoding settings for %s: %w", sum.SessionID, err)
			}
		}
		sessions = append(sessions, sum)
	}
	return sessions, rows.Err()
}

// =============================================================================
// STATISTICS
// =============================================================================

func (s *PostgresStore) LocationStats(ctx context.Context) (*types.LocationStats, error) {
	sessions, err := s.countByLocation(ctx, `
		SELECT start_location, COUNT(*) FROM ping_sessions
		WHERE start_location <> 'N/A'
		GROUP BY start_location
	`)
	if err != nil {
		return nil, fmt.Errorf("sessions by location: %w", err)
	}
	clients, err := s.countByLocation(ctx, `
		SELECT last_location, COUNT(*) FROM clients
		WHERE last_location <> 'N/A'
		GROUP BY last_location
	`)
	if err != nil {
		return nil, fmt.Errorf("clients by location: %w", err)
	}
	return &types.LocationStats{
		SessionsByLocation: sortLocationCounts(sessions),
		ClientsByLocation:  sortLocationCounts(clients),
	}, nil
}

func (s *PostgresStore) countByLocation(ctx context.Context, query string) (map[string]int, error) {
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var loc string
		var n int
		if err := rows.Scan(&loc, &n); err != nil {
			return nil, err
		}
		counts[loc] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) Health(ctx context.Context) (types.StorageHealth, error) {
	h := types.StorageHealth{Backend: "postgres", Status: "healthy"}

	stat := s.pool.Stat()
	h.Pool = &types.PoolStats{
		TotalConnections:    stat.TotalConns(),
		IdleConnections:     stat.IdleConns(),
		AcquiredConnections: stat.AcquiredConns(),
		MaxConnections:      stat.MaxConns(),
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM clients),
			(SELECT COUNT(*) FROM ping_sessions),
			(SELECT COUNT(*) FROM heartbeats)
	`).Scan(&h.Clients, &h.Sessions, &h.Heartbeats)
	if err != nil {
		h.Status = "unhealthy"
		return h, fmt.Errorf("counting rows: %w", err)
	}
	return h, nil
}
