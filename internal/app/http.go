package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/auth"
	"edittime/api/internal/metrics"
	"edittime/api/internal/reconcile"
	"edittime/api/internal/search"
	"edittime/api/internal/store"
	"edittime/api/internal/tracker"
	"github.com/google/uuid"
)

const maxBodyBytes = 8 << 20

type HTTPServer struct {
	service    *Service
	metrics    *metrics.Metrics
	corsOrigin string
	logger     slog.Logger
}

func NewHTTPServer(service *Service, m *metrics.Metrics, corsOrigin string, logger slog.Logger) *HTTPServer {
	return &HTTPServer{service: service, metrics: m, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		checks, ok := s.service.Ready(ctx)
		status, statusCode := "ready", http.StatusOK
		if !ok {
			status, statusCode = "not_ready", http.StatusServiceUnavailable
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     ok,
			"status": status,
			"checks": checks,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/surfaces" {
		surfaces := make(map[string][]string, len(reconcile.Surfaces))
		for _, surface := range reconcile.Surfaces {
			surfaces[string(surface)] = reconcile.Triggers(surface)
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"surfaces": surfaces,
			"intents":  []reconcile.Intent{reconcile.Start, reconcile.Update, reconcile.Close},
		})
		return
	}

	parts := splitPath(r.URL.Path)

	// Host document sync authenticates with the shared sync token.
	if r.Method == http.MethodPut && len(parts) == 3 && parts[0] == "api" && parts[1] == "documents" {
		if !auth.SyncTokenValid(r, s.service.SyncToken()) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return
		}
		s.handleDocumentSync(w, r, parts[2])
		return
	}

	caller, ok := s.requireCaller(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "api" && parts[1] == "tracking" {
		intent := reconcile.Intent(parts[2])
		if !intent.Valid() {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
			return
		}
		s.handleEvent(w, r, caller, "", intent)
		return
	}

	if r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "surfaces" && parts[3] == "events" {
		s.handleEvent(w, r, caller, reconcile.Surface(parts[2]), "")
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tracking/status" {
		status, found, err := s.service.TrackingStatus(r.Context(), caller)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		if !found {
			writeJSON(w, http.StatusOK, map[string]any{"status": nil})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": status})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/tracking/stream" {
		s.handleStatusStream(w, r, caller)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/reports/sessions" {
		filter, err := parseOutcomeFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_QUERY", err.Error(), nil)
			return
		}
		page, err := s.service.Reports(r.Context(), caller, filter)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/search" {
		query := r.URL.Query()
		limit, _ := strconv.Atoi(query.Get("limit"))
		offset, _ := strconv.Atoi(query.Get("offset"))
		resp, err := s.service.Search(r.Context(), caller, search.Query{
			Text:        query.Get("q"),
			UserID:      query.Get("user_id"),
			DocumentID:  query.Get("document_id"),
			Disposition: query.Get("disposition"),
			Limit:       limit,
			Offset:      offset,
		})
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/search/reindex" {
		n, err := s.service.Reindex(r.Context(), caller)
		if err != nil {
			s.writeMappedError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": n})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
}

type eventResponse struct {
	Intent            reconcile.Intent    `json:"intent"`
	DocumentID        string              `json:"documentId"`
	Ignored           bool                `json:"ignored"`
	Suppressed        bool                `json:"suppressed"`
	Session           tracker.BeginResult `json:"session,omitempty"`
	Disposition       string              `json:"disposition,omitempty"`
	SessionID         string              `json:"sessionId,omitempty"`
	Duration          int64               `json:"duration,omitempty"`
	DurationText      string              `json:"durationText,omitempty"`
	HasBuilderChanges bool                `json:"hasBuilderChanges,omitempty"`
	NoSession         bool                `json:"noSession,omitempty"`
}

func (s *HTTPServer) handleEvent(w http.ResponseWriter, r *http.Request, caller Caller, surface reconcile.Surface, intent reconcile.Intent) {
	in, err := decodeEvent(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	if intent == "" && in.Intent != "" {
		intent = reconcile.Intent(in.Intent)
	}

	event := reconcile.Event{
		Surface:    surface,
		Trigger:    in.Trigger,
		Intent:     intent,
		DocumentID: resolveDocumentID(r, in),
		ForceNew:   in.ForceNew,
		Patch:      in.patch(),
	}
	result, err := s.service.HandleEvent(r.Context(), caller, event)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(event.DocumentID, result))
}

func toEventResponse(documentID string, result reconcile.Result) eventResponse {
	resp := eventResponse{
		Intent:     result.Intent,
		DocumentID: documentID,
		Ignored:    result.Ignored,
		Suppressed: result.Suppressed,
		Session:    result.Begin,
	}
	if c := result.Close; c != nil {
		resp.NoSession = c.NoSession
		resp.Disposition = string(c.Disposition)
		resp.SessionID = c.Outcome.ID
		resp.Duration = c.Outcome.Duration
		resp.HasBuilderChanges = c.HasBuilderChanges
		if c.Outcome.Duration > 0 {
			resp.DurationText = tracker.FormatDuration(c.Outcome.Duration)
		}
	}
	return resp
}

func (s *HTTPServer) handleDocumentSync(w http.ResponseWriter, r *http.Request, id string) {
	var body struct {
		DocumentInput
		BuilderData json.RawMessage `json:"builderData"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	in := body.DocumentInput
	if len(body.BuilderData) > 0 && string(body.BuilderData) != "null" {
		in.BuilderData = body.BuilderData
	}
	doc, err := s.service.SyncDocument(r.Context(), id, in)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleStatusStream(w http.ResponseWriter, r *http.Request, caller Caller) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusNotImplemented, "STREAM_UNAVAILABLE", "Streaming unsupported", nil)
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	statuses, err := s.service.StatusStream(ctx, caller)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := s.service.clock.NewTicker(25*time.Second, "status_stream")
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			_, _ = io.WriteString(w, ": keepalive\n\n")
			flusher.Flush()
		case status, open := <-statuses:
			if !open {
				return
			}
			payload, _ := json.Marshal(status)
			_, _ = fmt.Fprintf(w, "event: status\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *HTTPServer) requireCaller(w http.ResponseWriter, r *http.Request) (Caller, bool) {
	token, err := auth.BearerToken(r)
	if err != nil && r.URL.Path == "/api/tracking/stream" {
		// EventSource cannot send headers.
		token, err = r.URL.Query().Get("token"), nil
	}
	if err != nil || token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Caller{}, false
	}
	caller, err := s.service.Authenticate(token)
	if err != nil {
		status, code, message, details := mapError(err)
		writeError(w, status, code, message, details)
		return Caller{}, false
	}
	return caller, true
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed",
			slog.F("path", r.URL.Path),
			slog.F("request_id", requestIDFrom(r.Context())),
			slog.Error(err),
		)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info(ctx, "request",
			slog.F("request_id", requestID),
			slog.F("method", r.Method),
			slog.F("path", r.URL.Path),
			slog.F("status", writer.status),
			slog.F("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+auth.SyncHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func parseOutcomeFilter(r *http.Request) (store.OutcomeFilter, error) {
	query := r.URL.Query()
	filter := store.OutcomeFilter{
		UserID:     strings.TrimSpace(query.Get("user_id")),
		DocumentID: strings.TrimSpace(query.Get("document_id")),
		OrderBy:    query.Get("orderby"),
		Ascending:  strings.EqualFold(query.Get("order"), "asc"),
	}
	for key, target := range map[string]*time.Time{"start_date": &filter.StartDate, "end_date": &filter.EndDate} {
		value := query.Get(key)
		if value == "" {
			continue
		}
		parsed, err := time.Parse(time.DateOnly, value)
		if err != nil {
			return filter, fmt.Errorf("%s must be YYYY-MM-DD", key)
		}
		*target = parsed
	}
	for key, target := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		value := query.Get(key)
		if value == "" {
			continue
		}
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed < 0 {
			return filter, fmt.Errorf("%s must be a non-negative integer", key)
		}
		*target = parsed
	}
	return filter, nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if persistErr, ok := isPersistError(err); ok {
		return http.StatusServiceUnavailable, "PERSIST_FAILED", "Session could not be recorded", map[string]any{
			"disposition": "error",
			"duration":    persistErr.Outcome.Duration,
		}
	}
	switch {
	case errors.Is(err, reconcile.ErrMissingIdentity):
		return http.StatusBadRequest, "MISSING_IDENTITY", "Document could not be identified", nil
	case errors.Is(err, reconcile.ErrUnknownTrigger), errors.Is(err, reconcile.ErrUnknownSurface):
		return http.StatusBadRequest, "UNKNOWN_TRIGGER", err.Error(), nil
	case errors.Is(err, tracker.ErrInvalidPatch):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, tracker.ErrUnknownDocument), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
