// Package api provides the operator HTTP API of the ingest server.
//
// # Endpoints
//
// Servers:
//   - GET    /api/v1/servers - List entries with their live status
//   - POST   /api/v1/servers - Add a server (the id is generated here)
//   - PUT    /api/v1/servers/{idx} - Edit name, address, port, autostart
//   - DELETE /api/v1/servers/{idx} - Remove a server
//   - POST   /api/v1/servers/{idx}/start - Start its listener
//   - POST   /api/v1/servers/{idx}/stop - Stop its listener
//   - POST   /api/v1/servers/stop-all - Stop every listener
//   - POST   /api/v1/config/save - Persist the server list
//   - GET    /api/v1/status - Latest published status per server
//
// Events:
//   - GET /api/v1/events?start=&end=&type=&codes= - Raw event query
//   - GET /api/v1/downtime?range= - Reconstructed downtime report
//
// Health:
//   - GET /api/v1/health - Process and database health
//   - GET /metrics - Prometheus exposition
//
// Mutating routes require "Authorization: Bearer <token>" once a token
// hash is configured with EnableAuth.
//
// Indices shift when a server is removed. The {idx} routes accept the id
// the client expects at that index, as "?id=<id>" or "If-Match: <id>", and
// answer 412 Precondition Failed when another server is there now.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/eventmon/internal/downtime"
	"github.com/pilot-net/eventmon/internal/metrics"
	"github.com/pilot-net/eventmon/internal/status"
	"github.com/pilot-net/eventmon/internal/store"
	"github.com/pilot-net/eventmon/internal/supervisor"
	"github.com/pilot-net/eventmon/pkg/types"
)

// Server is the HTTP API server.
type Server struct {
	sup              *supervisor.Supervisor
	relay            *status.Relay
	backend          store.Backend
	metricsCollector *metrics.Collector
	ingestMetrics    *metrics.Ingest
	logger           *slog.Logger
	mux              *http.ServeMux

	// bcrypt hash of the operator token; empty disables auth.
	tokenHash string

	now func() time.Time
}

// NewServer creates a new API server. relay, collector and m may be nil.
func NewServer(sup *supervisor.Supervisor, relay *status.Relay, backend store.Backend, collector *metrics.Collector, m *metrics.Ingest, logger *slog.Logger) *Server {
	s := &Server{
		sup:              sup,
		relay:            relay,
		backend:          backend,
		metricsCollector: collector,
		ingestMetrics:    m,
		logger:           logger.With("component", "api"),
		mux:              http.NewServeMux(),
		now:              time.Now,
	}
	s.registerRoutes()
	return s
}

// EnableAuth requires a bearer token matching tokenHash on mutating routes.
func (s *Server) EnableAuth(tokenHash string) {
	s.tokenHash = tokenHash
	if tokenHash != "" {
		s.logger.Info("operator token authentication enabled")
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-Match")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

func (s *Server) registerRoutes() {
	auth := s.TokenAuthMiddleware()

	// Health
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	if s.ingestMetrics != nil {
		s.mux.Handle("GET /metrics", s.ingestMetrics.Handler())
	}

	// Servers - static routes before {idx} routes
	s.mux.HandleFunc("GET /api/v1/servers", s.handleListServers)
	s.mux.HandleFunc("POST /api/v1/servers", wrapHandler(s.handleAddServer, auth))
	s.mux.HandleFunc("POST /api/v1/servers/stop-all", wrapHandler(s.handleStopAll, auth))
	s.mux.HandleFunc("PUT /api/v1/servers/{idx}", wrapHandler(s.handleUpdateServer, auth))
	s.mux.HandleFunc("DELETE /api/v1/servers/{idx}", wrapHandler(s.handleRemoveServer, auth))
	s.mux.HandleFunc("POST /api/v1/servers/{idx}/start", wrapHandler(s.handleStartServer, auth))
	s.mux.HandleFunc("POST /api/v1/servers/{idx}/stop", wrapHandler(s.handleStopServer, auth))
	s.mux.HandleFunc("POST /api/v1/config/save", wrapHandler(s.handleSaveConfig, auth))
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Events
	s.mux.HandleFunc("GET /api/v1/events", s.handleQueryEvents)
	s.mux.HandleFunc("GET /api/v1/downtime", s.handleDowntime)
}

// =============================================================================
// HEALTH
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.metricsCollector == nil {
		s.writeJSON(w, http.StatusOK, map[string]string{
			"status": "ok",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
		return
	}

	health := s.metricsCollector.Health(r.Context())
	code := http.StatusOK
	if !health.DatabaseOK {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, health)
}

// =============================================================================
// SERVERS
// =============================================================================

// portField accepts a port as a JSON number or string.
type portField string

func (p *portField) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*p = portField(n.String())
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("port must be a number or string")
	}
	*p = portField(str)
	return nil
}

// serverRequest is the body of add and edit requests.
type serverRequest struct {
	Name      string    `json:"name"`
	IPAddress string    `json:"ip_address"`
	Port      portField `json:"port"`
	Autostart bool      `json:"autostart"`
}

type serverResponse struct {
	Idx   int               `json:"idx"`
	Entry types.ServerEntry `json:"entry"`
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	views, err := s.sup.Snapshot(r.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"servers": views,
		"count":   len(views),
	})
}

func (s *Server) handleAddServer(w http.ResponseWriter, r *http.Request) {
	var req serverRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry := types.ServerEntry{
		ID:        types.NewServerID(),
		Name:      strings.TrimSpace(req.Name),
		Autostart: req.Autostart,
	}
	if err := entry.SetEndpoint(req.IPAddress, string(req.Port)); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	idx, err := s.sup.AddServer(r.Context(), entry)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, serverResponse{Idx: idx, Entry: entry})
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	idx, ok := s.pathIndex(w, r)
	if !ok || !s.checkServerID(w, r, idx) {
		return
	}

	var req serverRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	entry, err := s.sup.UpdateServer(r.Context(), idx, supervisor.ServerUpdate{
		Name:      strings.TrimSpace(req.Name),
		Host:      req.IPAddress,
		Port:      string(req.Port),
		Autostart: req.Autostart,
	})
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, serverResponse{Idx: idx, Entry: entry})
}

func (s *Server) handleRemoveServer(w http.ResponseWriter, r *http.Request) {
	idx, ok := s.pathIndex(w, r)
	if !ok || !s.checkServerID(w, r, idx) {
		return
	}

	removed, err := s.sup.RemoveServer(r.Context(), idx)
	if err != nil {
		s.writeCommandError(w, err)
		return
	}
	if s.relay != nil {
		s.relay.Forget(r.Context(), removed.ID)
	}
	s.writeJSON(w, http.StatusOK, serverResponse{Idx: idx, Entry: removed})
}

func (s *Server) handleStartServer(w http.ResponseWriter, r *http.Request) {
	idx, ok := s.pathIndex(w, r)
	if !ok || !s.checkServerID(w, r, idx) {
		return
	}
	if err := s.sup.Start(r.Context(), idx); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"idx": idx, "status": "started"})
}

func (s *Server) handleStopServer(w http.ResponseWriter, r *http.Request) {
	idx, ok := s.pathIndex(w, r)
	if !ok || !s.checkServerID(w, r, idx) {
		return
	}
	if err := s.sup.Stop(r.Context(), idx); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"idx": idx, "status": "stopped"})
}

func (s *Server) handleStopAll(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.StopAll(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.SaveConfig(r.Context()); err != nil {
		s.writeCommandError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		s.writeError(w, http.StatusServiceUnavailable, "status relay not initialized")
		return
	}
	s.writeJSON(w, http.StatusOK, s.relay.All())
}

// =============================================================================
// EVENTS
// =============================================================================

func (s *Server) handleQueryEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	query := store.Query{
		StartDate: q.Get("start"),
		EndDate:   q.Get("end"),
		SubCodes:  q.Get("codes"),
	}
	if query.StartDate == "" {
		query.StartDate = s.now().Format("2006-01-02")
	}
	if v := q.Get("type"); v != "" {
		dataType, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid type: "+v)
			return
		}
		query.DataType = uint32(dataType)
	}

	conn, err := s.backend.Connect(r.Context())
	if err != nil {
		s.logger.Error("failed to connect to event store", "error", err)
		s.writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	defer conn.Close()

	result, err := conn.Query(r.Context(), query)
	if err != nil {
		if errors.Is(err, store.ErrInvalidDate) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("event query failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "event query failed")
		return
	}
	if result.Records == nil {
		result.Records = []types.StoredPacket{}
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDowntime(w http.ResponseWriter, r *http.Request) {
	rng, err := downtime.ParseRange(r.URL.Query().Get("range"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := downtime.Build(r.Context(), s.backend, rng, s.now())
	if err != nil {
		s.logger.Error("downtime report failed", "range", rng, "error", err)
		s.writeError(w, http.StatusInternalServerError, "downtime report failed")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) pathIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(r.PathValue("idx"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid server index: "+r.PathValue("idx"))
		return 0, false
	}
	return idx, true
}

// checkServerID enforces the optional id precondition of an {idx} route.
func (s *Server) checkServerID(w http.ResponseWriter, r *http.Request, idx int) bool {
	raw := r.URL.Query().Get("id")
	if raw == "" {
		raw = strings.Trim(strings.TrimSpace(r.Header.Get("If-Match")), `"`)
	}
	if raw == "" {
		return true
	}
	want, err := types.ParseServerID(raw)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid server id: "+err.Error())
		return false
	}

	views, err := s.sup.Snapshot(r.Context())
	if err != nil {
		s.writeCommandError(w, err)
		return false
	}
	if idx < 0 || idx >= len(views) {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no server at index %d", idx))
		return false
	}
	if got := views[idx].Entry.ID; got != want {
		s.writeError(w, http.StatusPreconditionFailed,
			fmt.Sprintf("server at index %d is %s, not %s", idx, got, want))
		return false
	}
	return true
}

// writeCommandError maps supervisor errors to HTTP statuses.
func (s *Server) writeCommandError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, supervisor.ErrIndexOutOfRange):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, types.ErrInvalidEndpoint):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, supervisor.ErrNotRunning), errors.Is(err, supervisor.ErrDuplicateID):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, supervisor.ErrNoSaver), errors.Is(err, supervisor.ErrClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("command failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
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
