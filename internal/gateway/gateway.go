// Package gateway exposes the agent's local HTTP API: session issuance,
// catalog CRUD, query execution, scheduled-task inspection, and a websocket
// event stream.
package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/querydeck/internal/bus"
	"github.com/basket/querydeck/internal/catalog"
	"github.com/basket/querydeck/internal/drivers"
	"github.com/basket/querydeck/internal/otel"
	"github.com/basket/querydeck/internal/persistence"
	"github.com/basket/querydeck/internal/security"
)

type Config struct {
	Store    *persistence.Store
	Catalog  *catalog.Service
	Drivers  *drivers.Registry
	Sessions *security.SessionCache
	Bus      *bus.Bus
	Logger   *slog.Logger
	Metrics  *otel.Metrics
	Tracer   trace.Tracer // may be nil

	// AgentSecret is the shared secret exchanged for session tokens.
	// Empty disables every authenticated endpoint.
	AgentSecret string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty list means "same-origin only".
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/catalog", s.handleCatalog)
	mux.HandleFunc("/api/catalog/", s.handleCatalogByID)
	mux.HandleFunc("/api/query", s.handleQuery)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/events", s.handleEvents)
	if s.cfg.Metrics == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		mux.ServeHTTP(w, r)
		s.cfg.Metrics.RequestDuration.Record(r.Context(), time.Since(start).Seconds())
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if _, err := s.cfg.Store.ListScheduledTasks(r.Context()); err != nil {
		dbOK = false
	}
	instanceID, err := s.cfg.Store.InstanceID(r.Context())
	if err != nil {
		dbOK = false
	}
	payload := map[string]any{
		"healthy":     dbOK,
		"db_ok":       dbOK,
		"instance_id": instanceID,
		"config_hash": s.cfg.ConfigFingerprint,
		"pid":         s.cfg.Store.PID(),
		"sessions":    s.cfg.Sessions.Len(),
		"time_unix":   time.Now().Unix(),
	}
	w.Header().Set("Content-Type", "application/json")
	if !dbOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// handleSession exchanges the agent secret for a short-lived bearer token
// (POST) or revokes the presented token (DELETE).
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		if s.cfg.AgentSecret == "" {
			http.Error(w, "agent secret not configured", http.StatusServiceUnavailable)
			return
		}
		var p struct {
			Secret string `json:"secret"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		if !security.SecretEquals(p.Secret, s.cfg.AgentSecret) {
			s.logger.Warn("session: secret rejected", "remote", r.RemoteAddr)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		token, err := s.cfg.Sessions.Issue()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveSessions.Add(r.Context(), 1)
		}
		s.logger.Info("session: token issued", "remote", r.RemoteAddr)
		writeJSON(w, map[string]any{"token": token})
	case http.MethodDelete:
		token := bearerToken(r)
		if token == "" || !s.cfg.Sessions.Validate(token) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		s.cfg.Sessions.Revoke(token)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ActiveSessions.Add(r.Context(), -1)
		}
		writeJSON(w, map[string]any{"revoked": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		items, err := s.cfg.Catalog.Children(r.Context(), nil)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"resources": items})
	case http.MethodPost:
		var p struct {
			ParentID string `json:"parent_id"`
			Kind     string `json:"kind"`
			Name     string `json:"name"`
			Payload  string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" || p.Kind == "" {
			http.Error(w, "kind and name are required", http.StatusBadRequest)
			return
		}
		var parent *uuid.UUID
		if p.ParentID != "" {
			id, err := uuid.Parse(p.ParentID)
			if err != nil {
				http.Error(w, "parent_id must be a uuid", http.StatusBadRequest)
				return
			}
			parent = &id
		}
		res, err := s.cfg.Catalog.Create(r.Context(), parent, persistence.ResourceKind(p.Kind), p.Name, p.Payload)
		if err != nil {
			s.writeCatalogError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(res)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCatalogByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	// Path: /api/catalog/{id} or /api/catalog/{id}/children
	path := strings.TrimPrefix(r.URL.Path, "/api/catalog/")
	parts := strings.SplitN(path, "/", 2)
	id, err := uuid.Parse(parts[0])
	if err != nil {
		http.Error(w, "resource id must be a uuid", http.StatusBadRequest)
		return
	}
	if len(parts) == 2 {
		if parts[1] != "children" || r.Method != http.MethodGet {
			http.Error(w, "invalid path: expected /api/catalog/{id}/children", http.StatusBadRequest)
			return
		}
		items, err := s.cfg.Catalog.Children(r.Context(), &id)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"resources": items})
		return
	}

	switch r.Method {
	case http.MethodGet:
		res, err := s.cfg.Catalog.Get(r.Context(), id)
		if err != nil {
			s.writeCatalogError(w, err)
			return
		}
		writeJSON(w, res)
	case http.MethodPut:
		var p struct {
			Name    string `json:"name"`
			Payload string `json:"payload"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		res, err := s.cfg.Catalog.Update(r.Context(), id, p.Name, p.Payload)
		if err != nil {
			s.writeCatalogError(w, err)
			return
		}
		writeJSON(w, res)
	case http.MethodDelete:
		if err := s.cfg.Catalog.Delete(r.Context(), id); err != nil {
			s.writeCatalogError(w, err)
			return
		}
		writeJSON(w, map[string]any{"deleted": true})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) writeCatalogError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrResourceNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, persistence.ErrDuplicateResource):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var p struct {
		ConnectionID string `json:"connection_id"`
		Query        string `json:"query"`
		Args         []any  `json:"args"`
	}
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.ConnectionID == "" || strings.TrimSpace(p.Query) == "" {
		http.Error(w, "connection_id and query are required", http.StatusBadRequest)
		return
	}
	connID, err := uuid.Parse(p.ConnectionID)
	if err != nil {
		http.Error(w, "connection_id must be a uuid", http.StatusBadRequest)
		return
	}
	profile, err := s.cfg.Catalog.ConnectionProfileFor(r.Context(), connID)
	if err != nil {
		s.writeCatalogError(w, err)
		return
	}

	ctx := r.Context()
	var span trace.Span
	if s.cfg.Tracer != nil {
		ctx, span = otel.StartServerSpan(ctx, s.cfg.Tracer, "gateway.query",
			otel.AttrConnectionID.String(connID.String()),
			otel.AttrDriver.String(profile.Driver),
		)
		defer span.End()
	}

	result, execErr := s.cfg.Drivers.Execute(ctx, *profile, p.Query, p.Args...)

	var duration time.Duration
	var rowCount int64
	if result != nil {
		duration = result.Duration
		rowCount = result.RowCount
	}
	if span != nil {
		span.SetAttributes(otel.AttrRowCount.Int64(rowCount))
	}
	if _, recErr := s.cfg.Store.RecordQuery(r.Context(), connID.String(), p.Query, duration, rowCount, execErr); recErr != nil {
		s.logger.Error("query: record history failed", "connection_id", connID, "error", recErr)
	}

	event := bus.QueryEvent{
		ConnectionID: connID.String(),
		Fingerprint:  persistence.QueryFingerprint(p.Query),
		DurationMS:   duration.Milliseconds(),
		RowCount:     rowCount,
	}
	if execErr != nil {
		event.Error = execErr.Error()
		if s.cfg.Bus != nil {
			s.cfg.Bus.Publish(bus.TopicQueryFailed, event)
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.QueryErrors.Add(r.Context(), 1)
		}
		s.logger.Warn("query: execution failed", "connection_id", connID, "error", execErr)
		http.Error(w, execErr.Error(), http.StatusBadRequest)
		return
	}
	if s.cfg.Bus != nil {
		s.cfg.Bus.Publish(bus.TopicQueryExecuted, event)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.QueryDuration.Record(r.Context(), duration.Seconds())
		s.cfg.Metrics.QueryRows.Add(r.Context(), rowCount)
	}
	s.logger.Info("query: executed", "connection_id", connID, "rows", rowCount, "duration_ms", duration.Milliseconds())
	writeJSON(w, map[string]any{
		"columns":     result.Columns,
		"rows":        result.Rows,
		"row_count":   result.RowCount,
		"duration_ms": duration.Milliseconds(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	connectionID := r.URL.Query().Get("connection_id")
	if connectionID == "" {
		http.Error(w, "connection_id required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	items, err := s.cfg.Store.ListQueryHistory(r.Context(), connectionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"history": items})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.cfg.Store.ListScheduledTasks(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"tasks": tasks})
	case http.MethodPost:
		var p struct {
			Name         string    `json:"name"`
			EntityID     string    `json:"entity_id"`
			ScheduledFor time.Time `json:"scheduled_for"`
		}
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil || p.Name == "" {
			http.Error(w, "name is required", http.StatusBadRequest)
			return
		}
		entityID := uuid.Nil
		if p.EntityID != "" {
			id, err := uuid.Parse(p.EntityID)
			if err != nil {
				http.Error(w, "entity_id must be a uuid", http.StatusBadRequest)
				return
			}
			entityID = id
		}
		task, err := s.cfg.Store.CreateScheduledTask(r.Context(), persistence.TaskName(p.Name), entityID, p.ScheduledFor)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if task == nil {
			// Already scheduled; creation is idempotent.
			writeJSON(w, map[string]any{"created": false})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(task)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AgentSecret == "" {
		return false
	}
	token := bearerToken(r)
	return token != "" && s.cfg.Sessions.Validate(token)
}

func bearerToken(r *http.Request) string {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authz, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(authz, prefix))
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
