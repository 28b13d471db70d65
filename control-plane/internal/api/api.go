// Package api provides the controller's HTTP handlers.
//
// # Endpoints
//
// Client channel:
//   - POST /api/connect - Register a device, returns its client_id
//   - POST /api/heartbeat - Heartbeat; the reply may carry a probe instruction
//   - POST /api/upload-session - Upload a finished session (gzip accepted)
//
// Operator API:
//   - GET  /api - API information
//   - GET  /api/status - Server health
//   - GET  /api/ping - Liveness check
//   - GET  /api/clients - List clients
//   - GET  /api/clients/{id} - Client detail with recent sessions
//   - POST /api/clients/{id}/instructions - Queue a probe instruction (admin)
//   - GET  /api/locations - Sessions and clients grouped by location
package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/pilot-net/pingrelay/control-plane/internal/cache"
	"github.com/pilot-net/pingrelay/control-plane/internal/config"
	"github.com/pilot-net/pingrelay/control-plane/internal/metrics"
	"github.com/pilot-net/pingrelay/control-plane/internal/service"
)

// Config holds server options fixed at construction.
type Config struct {
	// Version is reported by GET /api.
	Version string

	// AdminTokenHash is a bcrypt hash of the operator token required by
	// write endpoints. Empty leaves them open.
	AdminTokenHash string
}

// Server is the HTTP API server.
type Server struct {
	cfg       Config
	svc       *service.Service
	collector *metrics.Collector
	cache     *cache.Cache
	logger    *slog.Logger
	mux       *http.ServeMux
	started   time.Time
}

// NewServer creates a new API server. responseCache may be nil.
func NewServer(cfg Config, svc *service.Service, collector *metrics.Collector, responseCache *cache.Cache, logger *slog.Logger) *Server {
	s := &Server{
		cfg:       cfg,
		svc:       svc,
		collector: collector,
		cache:     responseCache,
		logger:    logger.With("component", "api"),
		mux:       http.NewServeMux(),
		started:   time.Now(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Encoding, Authorization")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", clientIP(r),
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	admin := s.AdminAuthMiddleware(s.cfg.AdminTokenHash)

	s.mux.HandleFunc("GET /api", s.handleInfo)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/ping", s.handlePing)

	s.mux.HandleFunc("POST /api/connect", s.handleConnect)
	s.mux.HandleFunc("POST /api/heartbeat", s.handleHeartbeat)
	s.mux.HandleFunc("POST /api/upload-session", s.handleUploadSession)

	s.mux.HandleFunc("GET /api/clients", s.handleListClients)
	s.mux.HandleFunc("GET /api/clients/{id}", s.handleGetClient)
	s.mux.HandleFunc("POST /api/clients/{id}/instructions", wrapHandler(s.handleQueueInstruction, admin))
	s.mux.HandleFunc("GET /api/locations", s.handleLocations)

}

// =============================================================================
// HELPERS
// =============================================================================

// readBody returns the request body, decompressing gzip and enforcing
// config.MaxRequestBodyBytes on the decoded size.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(w, r.Body, config.MaxRequestBodyBytes)
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip: %w", err)
		}
		defer gz.Close()
		reader = io.LimitReader(gz, config.MaxRequestBodyBytes+1)
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if len(body) > config.MaxRequestBodyBytes {
		return nil, errors.New("request body too large")
	}
	return body, nil
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := s.readBody(w, r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.New("invalid JSON in request body")
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// writeServiceError maps service errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrClientNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339)
}

// clientIP returns the first X-Forwarded-For hop, or the peer address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
