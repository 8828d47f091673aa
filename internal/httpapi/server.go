// Package httpapi exposes the calendar sync subsystem over HTTP: per-user
// sync and conflict operations, the provider notification endpoint, channel
// administration, and a live activity stream.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/syncwell/calsync/internal/calsync"
)

type ServerConfig struct {
	MaxBodyBytes int64
}

// Server routes requests to the sync subsystem. Construction fails only if
// the embedded request schemas do not compile.
type Server struct {
	orchestrator *calsync.Orchestrator
	incremental  *calsync.IncrementalSync
	channels     *calsync.ChannelManager
	broker       *calsync.TokenBroker
	stores       *calsync.Stores
	hub          *ActivityHub
	schemas      *requestSchemas
	cfg          ServerConfig
}

type ServerOptions struct {
	Orchestrator *calsync.Orchestrator
	Incremental  *calsync.IncrementalSync
	Channels     *calsync.ChannelManager
	Broker       *calsync.TokenBroker
	Stores       *calsync.Stores
	Hub          *ActivityHub
	Config       ServerConfig
}

func NewServer(opts ServerOptions) (*Server, error) {
	schemas, err := compileRequestSchemas()
	if err != nil {
		return nil, err
	}
	cfg := opts.Config
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewActivityHub()
	}
	return &Server{
		orchestrator: opts.Orchestrator,
		incremental:  opts.Incremental,
		channels:     opts.Channels,
		broker:       opts.Broker,
		stores:       opts.Stores,
		hub:          hub,
		schemas:      schemas,
		cfg:          cfg,
	}, nil
}

// Hub exposes the activity feed so other components can publish into it.
func (s *Server) Hub() *ActivityHub { return s.hub }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	if r.URL.Path == "/v1/notifications/google" && r.Method == http.MethodPost {
		s.handleGoogleNotification(w, r)
		return
	}
	if r.URL.Path == "/v1/admin/channels/cleanup" && r.Method == http.MethodPost {
		s.handleChannelCleanup(w, r)
		return
	}
	if r.URL.Path == "/v1/activity/stream" && r.Method == http.MethodGet {
		s.hub.handleActivityStream(w, r)
		return
	}

	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if len(parts) < 4 || parts[0] != "v1" || parts[1] != "users" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
		return
	}
	userID := parts[2]
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case len(parts) == 4 && parts[3] == "sync" && r.Method == http.MethodPost:
		s.handleSync(w, r, userID, correlationID)
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "status" && r.Method == http.MethodGet:
		s.handleSyncStatus(w, r, userID, correlationID)
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "enabled" && r.Method == http.MethodPost:
		s.handleSyncEnabled(w, r, userID, correlationID)
	case len(parts) == 5 && parts[3] == "sync" && parts[4] == "runs" && r.Method == http.MethodGet:
		s.handleSyncRuns(w, r, userID, correlationID)
	case len(parts) == 4 && parts[3] == "disconnect" && r.Method == http.MethodPost:
		s.handleDisconnect(w, r, userID, correlationID)
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodGet:
		s.handleListEvents(w, r, userID, correlationID)
	case len(parts) == 4 && parts[3] == "events" && r.Method == http.MethodPost:
		s.handleCreateEvent(w, r, userID, correlationID)
	case len(parts) == 5 && parts[3] == "events" && r.Method == http.MethodPut:
		s.handleUpdateEvent(w, r, userID, parts[4], correlationID)
	case len(parts) == 5 && parts[3] == "events" && r.Method == http.MethodDelete:
		s.handleDeleteEvent(w, r, userID, parts[4], correlationID)
	case len(parts) == 4 && parts[3] == "conflicts" && r.Method == http.MethodGet:
		s.handleListConflicts(w, r, userID, correlationID)
	case len(parts) == 6 && parts[3] == "conflicts" && parts[5] == "resolve" && r.Method == http.MethodPost:
		s.handleResolveConflict(w, r, userID, parts[4], correlationID)
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodPost:
		s.handleWatch(w, r, userID, correlationID)
	case len(parts) == 4 && parts[3] == "channels" && r.Method == http.MethodGet:
		s.handleListChannels(w, r, userID, correlationID)
	case len(parts) == 5 && parts[3] == "channels" && r.Method == http.MethodDelete:
		s.handleStopWatch(w, r, userID, parts[4], correlationID)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readValidatedBody(w, r, s.schemas.sync, correlationID)
	if !ok {
		return
	}
	var req struct {
		Strategy string `json:"strategy"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	run, err := s.orchestrator.PerformInitialSync(r.Context(), userID, calsync.StrategyName(req.Strategy))
	if err != nil {
		s.writeSyncError(w, err, correlationID)
		return
	}
	s.hub.Publish("sync.completed", userID, fmt.Sprintf("imported=%d conflicts=%d", run.ImportedCount, run.ConflictCount))
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	status, err := s.orchestrator.GetConnectionStatus(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSyncEnabled(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	body, ok := s.readValidatedBody(w, r, s.schemas.enabled, correlationID)
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.broker.SetSyncEnabled(r.Context(), userID, req.Enabled); err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no provider connection for user", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": req.Enabled})
}

func (s *Server) handleSyncRuns(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	limit := parseBoundedInt(r.URL.Query().Get("limit"), 50, 1, 500)
	runs, err := s.stores.Runs.ListByUser(r.Context(), userID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	if err := s.broker.Disconnect(r.Context(), userID); err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no provider connection for user", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	run, err := s.orchestrator.HandleDisconnection(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	s.hub.Publish("provider.disconnected", userID, fmt.Sprintf("mappings cleared=%d", run.LocalCount))
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	window := calsync.DefaultSyncWindow(time.Now())
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid start query", correlationID)
			return
		}
		window.Start = parsed
	}
	if raw := r.URL.Query().Get("end"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid end query", correlationID)
			return
		}
		window.End = parsed
	}
	events, err := s.stores.Local.ListEvents(r.Context(), userID, window)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) decodeEventInput(w http.ResponseWriter, r *http.Request, correlationID string) (calsync.LocalEventInput, bool) {
	body, ok := s.readValidatedBody(w, r, s.schemas.event, correlationID)
	if !ok {
		return calsync.LocalEventInput{}, false
	}
	var input calsync.LocalEventInput
	if err := json.Unmarshal(body, &input); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return calsync.LocalEventInput{}, false
	}
	if input.EndTime.Before(input.StartTime) {
		writeError(w, http.StatusBadRequest, "bad_request", "endTime must not precede startTime", correlationID)
		return calsync.LocalEventInput{}, false
	}
	return input, true
}

func (s *Server) handleCreateEvent(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	input, ok := s.decodeEventInput(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.incremental.CreateEvent(r.Context(), userID, input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request, userID, eventID, correlationID string) {
	input, ok := s.decodeEventInput(w, r, correlationID)
	if !ok {
		return
	}
	result, err := s.incremental.UpdateEvent(r.Context(), userID, eventID, input)
	if err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request, userID, eventID, correlationID string) {
	result, err := s.incremental.DeleteEvent(r.Context(), userID, eventID)
	if err != nil {
		if errors.Is(err, calsync.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "event not found", correlationID)
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	var resolved *bool
	if raw := strings.TrimSpace(r.URL.Query().Get("resolved")); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid resolved query", correlationID)
			return
		}
		resolved = &parsed
	}
	conflicts, err := s.stores.Conflicts.List(r.Context(), userID, resolved)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request, userID, conflictID, correlationID string) {
	body, ok := s.readValidatedBody(w, r, s.schemas.resolve, correlationID)
	if !ok {
		return
	}
	var req struct {
		Resolution string `json:"resolution"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	if err := s.orchestrator.ResolveConflict(r.Context(), userID, conflictID, req.Resolution); err != nil {
		switch {
		case errors.Is(err, calsync.ErrNotFound):
			writeError(w, http.StatusNotFound, "not_found", "conflict not found", correlationID)
		case errors.Is(err, calsync.ErrUnknownStrategy):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.hub.Publish("conflict.resolved", userID, conflictID)
	writeJSON(w, http.StatusOK, map[string]string{"conflictId": conflictID, "resolution": req.Resolution})
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	calendarID := ""
	if r.ContentLength != 0 {
		body, ok := s.readValidatedBody(w, r, s.schemas.channel, correlationID)
		if !ok {
			return
		}
		var req struct {
			CalendarID string `json:"calendarId"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
			return
		}
		calendarID = req.CalendarID
	}
	channel, err := s.channels.Watch(r.Context(), userID, calendarID)
	if err != nil {
		switch {
		case errors.Is(err, calsync.ErrProviderNotConnected):
			writeError(w, http.StatusConflict, "not_connected", "provider not connected", correlationID)
		case errors.Is(err, calsync.ErrChannelCreationFail):
			writeError(w, http.StatusBadGateway, "provider_error", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.hub.Publish("channel.registered", userID, channel.ChannelID)
	writeJSON(w, http.StatusCreated, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	channels, err := s.channels.ListChannels(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels})
}

func (s *Server) handleStopWatch(w http.ResponseWriter, r *http.Request, userID, channelID, correlationID string) {
	if err := s.channels.StopWatch(r.Context(), userID, channelID); err != nil {
		switch {
		case errors.Is(err, calsync.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, "not_found", "channel not found", correlationID)
		case errors.Is(err, calsync.ErrChannelUnauthorized):
			writeError(w, http.StatusForbidden, "forbidden", "channel belongs to another user", correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	s.hub.Publish("channel.stopped", userID, channelID)
	writeJSON(w, http.StatusOK, map[string]string{"channelId": channelID, "status": "stopped"})
}

// handleGoogleNotification receives provider push callbacks. Whatever
// happens, the response is 200: a non-2xx would only make the provider retry
// a notification we already decided to drop.
func (s *Server) handleGoogleNotification(w http.ResponseWriter, r *http.Request) {
	n := calsync.Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-Id"),
		ResourceID:    r.Header.Get("X-Goog-Resource-Id"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
		ResourceURI:   r.Header.Get("X-Goog-Resource-Uri"),
		MessageNumber: r.Header.Get("X-Goog-Message-Number"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
	}
	s.channels.HandleNotification(r.Context(), n)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleChannelCleanup(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	stopped, err := s.channels.CleanupExpiredChannels(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"stopped": stopped})
}

func (s *Server) writeSyncError(w http.ResponseWriter, err error, correlationID string) {
	switch {
	case errors.Is(err, calsync.ErrUnknownStrategy):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, calsync.ErrProviderNotConnected):
		writeError(w, http.StatusConflict, "not_connected", "provider not connected", correlationID)
	case errors.Is(err, calsync.ErrSyncInProgress):
		w.Header().Set("Retry-After", "5")
		writeError(w, http.StatusConflict, "sync_in_progress", "a sync run is already in flight for this user", correlationID)
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
	}
}

func (s *Server) readValidatedBody(w http.ResponseWriter, r *http.Request, schema *jsonschema.Schema, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	if err := validateBody(schema, body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return nil, false
	}
	return body, true
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func parseBoundedInt(raw string, fallback, min, max int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	if parsed < min {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
