// Package reconcile turns the redundant trigger streams of the editing
// surfaces into at most one start, update or close per logical action.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/config"
	"edittime/api/internal/metrics"
	"edittime/api/internal/notify"
	"edittime/api/internal/store"
	"edittime/api/internal/tracker"
	"github.com/coder/quartz"
)

const notifyTimeout = 2 * time.Second

var ErrMissingIdentity = errors.New("missing user or document id")

// Event is one signal from an editing surface.
type Event struct {
	Surface    Surface
	Trigger    string
	Intent     Intent
	UserID     string
	DocumentID string
	ForceNew   bool
	Patch      tracker.Patch
}

// Result reports what handling an event did.
type Result struct {
	Intent Intent `json:"intent"`
	// Ignored is set for documents whose type is not tracked.
	Ignored bool `json:"ignored,omitempty"`
	// Suppressed is set for close intents dropped by the close guard.
	Suppressed bool                `json:"suppressed,omitempty"`
	Begin      tracker.BeginResult `json:"begin,omitempty"`
	Close      *tracker.Result     `json:"close,omitempty"`
}

type Lifecycle interface {
	Begin(ctx context.Context, userID, documentID string, forceNew bool) (tracker.BeginResult, error)
	Update(ctx context.Context, userID, documentID string, p tracker.Patch) error
	End(ctx context.Context, userID, documentID string, doc store.Document) (tracker.Result, error)
}

type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

// Guard remembers when a close was last recorded for a pair.
type Guard interface {
	LastRecorded(ctx context.Context, userID, documentID string) (time.Time, bool, error)
	MarkRecorded(ctx context.Context, userID, documentID string, at time.Time, ttl time.Duration) error
}

type Options struct {
	Lifecycle Lifecycle
	Documents DocumentSource
	Guard     Guard
	Notifier  notify.Notifier
	Policy    config.Policy
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   *metrics.Metrics
}

type Reconciler struct {
	lifecycle Lifecycle
	docs      DocumentSource
	guard     Guard
	notifier  notify.Notifier
	policy    config.Policy
	clock     quartz.Clock
	logger    slog.Logger
	metrics   *metrics.Metrics
	closing   *keyLock
}

func New(opts Options) *Reconciler {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Reconciler{
		lifecycle: opts.Lifecycle,
		docs:      opts.Documents,
		guard:     opts.Guard,
		notifier:  opts.Notifier,
		policy:    opts.Policy,
		clock:     clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		closing:   newKeyLock(),
	}
}

func (r *Reconciler) Handle(ctx context.Context, e Event) (Result, error) {
	intent, forceNew, err := Normalize(e)
	if err != nil {
		return Result{}, err
	}
	e.UserID = strings.TrimSpace(e.UserID)
	e.DocumentID = strings.TrimSpace(e.DocumentID)
	if e.UserID == "" || e.DocumentID == "" {
		r.logger.Info(ctx, "event dropped without identity",
			slog.F("surface", string(e.Surface)),
			slog.F("trigger", e.Trigger),
		)
		return Result{Intent: intent}, ErrMissingIdentity
	}

	doc, err := r.docs.GetDocument(ctx, e.DocumentID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{Intent: intent}, fmt.Errorf("%w: %s", tracker.ErrUnknownDocument, e.DocumentID)
	}
	if err != nil {
		return Result{Intent: intent}, fmt.Errorf("load document: %w", err)
	}
	if !r.policy.Tracks(doc.Type) {
		r.logger.Debug(ctx, "document type not tracked", slog.F("document_type", doc.Type))
		return Result{Intent: intent, Ignored: true}, nil
	}

	r.metrics.Intent(surfaceLabel(e.Surface), string(intent))
	if e.Patch.Source == "" {
		e.Patch.Source = sourceOf(e)
	}

	switch intent {
	case Start:
		begin, err := r.lifecycle.Begin(ctx, e.UserID, e.DocumentID, forceNew)
		return Result{Intent: intent, Begin: begin}, err
	case Update:
		return Result{Intent: intent}, r.lifecycle.Update(ctx, e.UserID, e.DocumentID, e.Patch)
	default:
		return r.close(ctx, e, doc)
	}
}

func (r *Reconciler) close(ctx context.Context, e Event, doc store.Document) (Result, error) {
	unlock := r.closing.lock(e.UserID + "\x00" + e.DocumentID)
	defer unlock()

	logger := r.logger.With(slog.F("user_id", e.UserID), slog.F("document_id", e.DocumentID))
	now := r.clock.Now()

	last, ok, err := r.guard.LastRecorded(ctx, e.UserID, e.DocumentID)
	if err != nil {
		logger.Warn(ctx, "read close guard", slog.Error(err))
	}
	if ok && now.Sub(last) < r.policy.DedupWindow {
		r.metrics.DuplicateClose()
		logger.Debug(ctx, "duplicate close suppressed",
			slog.F("trigger", e.Trigger),
			slog.F("since_last", now.Sub(last).String()),
		)
		return Result{Intent: Close, Suppressed: true}, nil
	}

	if !e.Patch.Empty() {
		if err := r.lifecycle.Update(ctx, e.UserID, e.DocumentID, e.Patch); err != nil {
			return Result{Intent: Close}, err
		}
	}

	res, err := r.lifecycle.End(ctx, e.UserID, e.DocumentID, doc)
	result := Result{Intent: Close, Close: &res}
	switch {
	case errors.Is(err, tracker.ErrNoSession):
		logger.Debug(ctx, "close without open session", slog.F("trigger", e.Trigger))
		r.publish(ctx, e.UserID, notify.Status{Status: notify.StatusNoSession, DocumentID: e.DocumentID, DocumentTitle: doc.Title})
		return result, nil
	case err != nil:
		r.publish(ctx, e.UserID, statusOf(res, e.DocumentID, now))
		return result, err
	}

	if res.Persisted() {
		if err := r.guard.MarkRecorded(ctx, e.UserID, e.DocumentID, now, r.policy.DedupWindow); err != nil {
			logger.Warn(ctx, "write close guard", slog.Error(err))
		}
	}
	r.publish(ctx, e.UserID, statusOf(res, e.DocumentID, now))
	return result, nil
}

func (r *Reconciler) publish(ctx context.Context, userID string, s notify.Status) {
	if r.notifier == nil {
		return
	}
	if s.At.IsZero() {
		s.At = r.clock.Now()
	}
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := r.notifier.Publish(ctx, userID, s); err != nil {
		r.logger.Warn(ctx, "publish tracking status", slog.F("user_id", userID), slog.Error(err))
	}
}

func statusOf(res tracker.Result, documentID string, at time.Time) notify.Status {
	s := notify.Status{
		Status:            string(res.Disposition),
		DocumentID:        documentID,
		DocumentTitle:     res.Outcome.DocumentTitle,
		HasBuilderChanges: res.HasBuilderChanges,
		At:                at,
	}
	if res.Outcome.Duration > 0 {
		s.Duration = res.Outcome.Duration
		s.DurationText = tracker.FormatDuration(res.Outcome.Duration)
	}
	return s
}

func surfaceLabel(s Surface) string {
	if s == "" {
		return "api"
	}
	return string(s)
}

func sourceOf(e Event) string {
	if e.Trigger == "" {
		return surfaceLabel(e.Surface)
	}
	return surfaceLabel(e.Surface) + ":" + e.Trigger
}
