package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cdr.dev/slog/v3"
	"edittime/api/internal/auth"
	"edittime/api/internal/config"
	"edittime/api/internal/notify"
	"edittime/api/internal/rbac"
	"edittime/api/internal/reconcile"
	"edittime/api/internal/search"
	"edittime/api/internal/store"
	"edittime/api/internal/tracker"
	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
)

type eventHandler interface {
	Handle(ctx context.Context, e reconcile.Event) (reconcile.Result, error)
}

type dataStore interface {
	QueryOutcomes(ctx context.Context, filter store.OutcomeFilter) ([]store.Outcome, error)
	SumDuration(ctx context.Context, filter store.OutcomeFilter) (int64, error)
	UpsertDocument(ctx context.Context, doc store.Document) (store.Document, error)
	Ping(ctx context.Context) error
}

type statusSource interface {
	Pop(ctx context.Context, userID string) (notify.Status, bool, error)
}

type statusStream interface {
	Subscribe(ctx context.Context, userID string) (<-chan notify.Status, error)
}

type searcher interface {
	Search(ctx context.Context, q search.Query) search.Response
	ReindexAll(ctx context.Context, source search.OutcomeSource) (int, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Config   config.Config
	Events   eventHandler
	Store    dataStore
	Statuses statusSource
	Search   searcher
	Sessions pinger
	Clock    quartz.Clock
	Logger   slog.Logger
}

type Service struct {
	cfg      config.Config
	events   eventHandler
	store    dataStore
	statuses statusSource
	search   searcher
	sessions pinger
	clock    quartz.Clock
	logger   slog.Logger
}

func NewService(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Service{
		cfg:      opts.Config,
		events:   opts.Events,
		store:    opts.Store,
		statuses: opts.Statuses,
		search:   opts.Search,
		sessions: opts.Sessions,
		clock:    clock,
		logger:   opts.Logger,
	}
}

// Caller is the authenticated editor behind a request.
type Caller struct {
	UserID string
	Role   rbac.Role
}

func (s *Service) Authenticate(token string) (Caller, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token, s.clock.Now())
	if err != nil {
		return Caller{}, err
	}
	return Caller{UserID: claims.Sub, Role: claims.Role}, nil
}

func (s *Service) SyncToken() string {
	return s.cfg.SyncToken
}

// HandleEvent feeds one surface event for caller into the reconciler.
func (s *Service) HandleEvent(ctx context.Context, caller Caller, e reconcile.Event) (reconcile.Result, error) {
	if !rbac.Can(caller.Role, rbac.ActionTrack) {
		return reconcile.Result{}, domainError(http.StatusForbidden, "FORBIDDEN", "Tracking not permitted for this role", nil)
	}
	e.UserID = caller.UserID
	return s.events.Handle(ctx, e)
}

// TrackingStatus consumes the pending status notification for caller.
func (s *Service) TrackingStatus(ctx context.Context, caller Caller) (notify.Status, bool, error) {
	if s.statuses == nil {
		return notify.Status{}, false, nil
	}
	return s.statuses.Pop(ctx, caller.UserID)
}

// StatusStream follows caller's status notifications until ctx ends.
func (s *Service) StatusStream(ctx context.Context, caller Caller) (<-chan notify.Status, error) {
	stream, ok := s.statuses.(statusStream)
	if !ok {
		return nil, domainError(http.StatusNotImplemented, "STREAM_UNAVAILABLE", "Status streaming requires Redis", nil)
	}
	return stream.Subscribe(ctx, caller.UserID)
}

type DocumentInput struct {
	Type        string `json:"type" validate:"required,max=64"`
	Title       string `json:"title" validate:"max=1000"`
	Content     string `json:"content"`
	BuilderData []byte `json:"-"`
	UsesBuilder bool   `json:"usesBuilder"`
}

var validate = validator.New()

// SyncDocument stores the host's current copy of a document.
func (s *Service) SyncDocument(ctx context.Context, id string, in DocumentInput) (store.Document, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "document id is required", nil)
	}
	if err := validate.Struct(in); err != nil {
		return store.Document{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	doc, err := s.store.UpsertDocument(ctx, store.Document{
		ID:          id,
		Type:        in.Type,
		Title:       in.Title,
		Content:     in.Content,
		BuilderData: in.BuilderData,
		UsesBuilder: in.UsesBuilder || len(in.BuilderData) > 0,
	})
	if err != nil {
		return store.Document{}, fmt.Errorf("sync document %s: %w", id, err)
	}
	return doc, nil
}

type ReportPage struct {
	Sessions          []store.Outcome `json:"sessions"`
	TotalDuration     int64           `json:"totalDuration"`
	TotalDurationText string          `json:"totalDurationText"`
	Limit             int             `json:"limit"`
	Offset            int             `json:"offset"`
}

// Reports lists recorded sessions. Callers without the report_all capability
// only ever see their own.
func (s *Service) Reports(ctx context.Context, caller Caller, filter store.OutcomeFilter) (ReportPage, error) {
	switch {
	case rbac.Can(caller.Role, rbac.ActionReportAll):
	case rbac.Can(caller.Role, rbac.ActionReportOwn):
		if filter.UserID != "" && filter.UserID != caller.UserID {
			return ReportPage{}, domainError(http.StatusForbidden, "FORBIDDEN", "Cannot read other users' sessions", nil)
		}
		filter.UserID = caller.UserID
	default:
		return ReportPage{}, domainError(http.StatusForbidden, "FORBIDDEN", "Reports not permitted for this role", nil)
	}
	if !filter.StartDate.IsZero() && !filter.EndDate.IsZero() && filter.EndDate.Before(filter.StartDate) {
		return ReportPage{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "end_date is before start_date", nil)
	}

	sessions, err := s.store.QueryOutcomes(ctx, filter)
	if err != nil {
		return ReportPage{}, fmt.Errorf("query sessions: %w", err)
	}
	total, err := s.store.SumDuration(ctx, filter)
	if err != nil {
		return ReportPage{}, fmt.Errorf("sum durations: %w", err)
	}
	if sessions == nil {
		sessions = []store.Outcome{}
	}
	return ReportPage{
		Sessions:          sessions,
		TotalDuration:     total,
		TotalDurationText: tracker.FormatDuration(total),
		Limit:             filter.Limit,
		Offset:            filter.Offset,
	}, nil
}

func (s *Service) Search(ctx context.Context, caller Caller, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "q is required", nil)
	}
	if !rbac.Can(caller.Role, rbac.ActionReportAll) {
		if !rbac.Can(caller.Role, rbac.ActionReportOwn) {
			return search.Response{}, domainError(http.StatusForbidden, "FORBIDDEN", "Search not permitted for this role", nil)
		}
		q.UserID = caller.UserID
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	return s.search.Search(ctx, q), nil
}

func (s *Service) Reindex(ctx context.Context, caller Caller) (int, error) {
	if !rbac.Can(caller.Role, rbac.ActionAdmin) {
		return 0, domainError(http.StatusForbidden, "FORBIDDEN", "Reindex requires admin", nil)
	}
	if s.search == nil {
		return 0, nil
	}
	return s.search.ReindexAll(ctx, s.store)
}

// Ready checks every backing store the request path depends on.
func (s *Service) Ready(ctx context.Context) (map[string]any, bool) {
	checks := map[string]any{}
	ok := true
	check := func(name string, p pinger) {
		if p == nil {
			checks[name] = map[string]any{"status": "disabled"}
			return
		}
		if err := p.Ping(ctx); err != nil {
			ok = false
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			return
		}
		checks[name] = map[string]any{"status": "ok"}
	}
	check("database", s.store)
	check("sessions", s.sessions)
	return checks, ok
}

func isPersistError(err error) (*tracker.PersistError, bool) {
	var persistErr *tracker.PersistError
	if errors.As(err, &persistErr) {
		return persistErr, true
	}
	return nil, false
}
