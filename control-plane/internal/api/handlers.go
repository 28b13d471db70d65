package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/pkg/types"
)

const locationsCacheKey = "locations"

// uploadRequiredFields must be present in every upload-session body.
var uploadRequiredFields = []string{
	"session_id", "client_id", "host", "protocol",
	"start_time", "end_time", "packets_sent", "packets_received",
}

// =============================================================================
// INFO
// =============================================================================

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"name":        "pingrelay controller",
		"version":     s.cfg.Version,
		"description": "Controller for pingrelay probe clients",
		"timestamp":   timestamp(),
		"endpoints": map[string]string{
			"GET /api":                            "API information",
			"GET /api/status":                     "Server status",
			"GET /api/ping":                       "Simple ping test",
			"GET /api/clients":                    "List all clients",
			"GET /api/clients/{id}":               "Get specific client data",
			"POST /api/clients/{id}/instructions": "Queue a probe instruction",
			"GET /api/locations":                  "Get location statistics",
			"POST /api/connect":                   "Connect with device info and location",
			"POST /api/heartbeat":                 "Send heartbeat signal with location",
			"POST /api/upload-session":            "Upload ping session data with location",
		},
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":         "online",
		"timestamp":      timestamp(),
		"client_ip":      clientIP(r),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.collector != nil {
		resp["health"] = s.collector.Health(r.Context())
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, types.PingResponse{
		Ping:      "pong",
		Timestamp: timestamp(),
		ClientIP:  clientIP(r),
	})
}

// =============================================================================
// CLIENT CHANNEL
// =============================================================================

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req types.ConnectRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.svc.Connect(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req types.HeartbeatRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.svc.Heartbeat(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUploadSession(w http.ResponseWriter, r *http.Request) {
	body, err := s.readBody(w, r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON in request body")
		return
	}
	for _, f := range uploadRequiredFields {
		if _, ok := fields[f]; !ok {
			s.writeError(w, http.StatusBadRequest, "Missing required field: "+f)
			return
		}
	}

	var req types.UploadSessionRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SessionSummary == nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid session: %v", err))
		return
	}

	resp, err := s.svc.UploadSession(r.Context(), req.ClientID, req.SessionSummary)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.cache.Invalidate(r.Context(), locationsCacheKey)
	s.writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// OPERATOR
// =============================================================================

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := s.svc.ListClients(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "success",
		"clients":       clients,
		"total_clients": len(clients),
		"timestamp":     timestamp(),
	})
}

func (s *Server) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	limit := config.DefaultSessionListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	detail, err := s.svc.GetClient(r.Context(), id, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if detail == nil {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("Client %s not found", id))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"client":    detail,
		"timestamp": timestamp(),
	})
}

func (s *Server) handleQueueInstruction(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req types.QueueInstructionRequest
	if err := s.readJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	instr, err := s.svc.QueueInstruction(r.Context(), id, req)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	pending, _ := s.svc.Queue().Len(r.Context(), id)

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "queued",
		"client_id":   id,
		"instruction": instr,
		"pending":     pending,
		"timestamp":   timestamp(),
	})
}

func (s *Server) handleLocations(w http.ResponseWriter, r *http.Request) {
	var stats types.LocationStats
	if hit, err := s.cache.GetJSON(r.Context(), locationsCacheKey, &stats); err == nil && hit {
		s.writeLocations(w, &stats)
		return
	} else if err != nil {
		s.logger.Warn("cache read failed", "key", locationsCacheKey, "error", err)
	}

	fresh, err := s.svc.LocationStats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if err := s.cache.SetJSON(r.Context(), locationsCacheKey, fresh, config.CacheTTLLocations); err != nil {
		s.logger.Warn("cache write failed", "key", locationsCacheKey, "error", err)
	}
	s.writeLocations(w, fresh)
}

func (s *Server) writeLocations(w http.ResponseWriter, stats *types.LocationStats) {
	if stats.SessionsByLocation == nil {
		stats.SessionsByLocation = []types.LocationCount{}
	}
	if stats.ClientsByLocation == nil {
		stats.ClientsByLocation = []types.LocationCount{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"location_statistics": stats,
		"timestamp":           timestamp(),
	})
}
