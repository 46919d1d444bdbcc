// Package tracker owns the lifecycle of editing sessions: opening or reusing
// them, merging activity into them and closing them into recorded outcomes.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/config"
	"edittime/api/internal/content"
	"edittime/api/internal/metrics"
	"edittime/api/internal/policy"
	"edittime/api/internal/session"
	"edittime/api/internal/store"
	"github.com/coder/quartz"
)

const storeTimeout = 3 * time.Second

var (
	ErrNoSession       = errors.New("no open session")
	ErrUnknownDocument = errors.New("unknown document")
)

// PersistError reports an outcome that was finalized but not stored.
type PersistError struct {
	Outcome store.Outcome
	Err     error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist session %s/%s: %v", e.Outcome.UserID, e.Outcome.DocumentID, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

type DocumentSource interface {
	GetDocument(ctx context.Context, id string) (store.Document, error)
}

type Sink interface {
	InsertOutcome(ctx context.Context, o store.Outcome) (string, error)
}

// SavedHook is told about every stored outcome. Implementations must not block.
type SavedHook interface {
	SessionSaved(ctx context.Context, o store.Outcome)
}

type BeginResult string

const (
	Created BeginResult = "created"
	Reused  BeginResult = "reused"
	// Untracked means the session store was unavailable.
	Untracked BeginResult = "untracked"
)

// Result describes how End finished.
type Result struct {
	Disposition       policy.Disposition
	Outcome           store.Outcome
	HasBuilderChanges bool
	NoSession         bool
}

// Persisted reports whether the outcome reached the sink.
func (r Result) Persisted() bool {
	return !r.NoSession && r.Disposition.Persisted()
}

type Options struct {
	Sessions  session.Store
	Documents DocumentSource
	Sink      Sink
	Extractor *content.Extractor
	Policy    config.Policy
	Clock     quartz.Clock
	Logger    slog.Logger
	Metrics   *metrics.Metrics
	Hooks     []SavedHook
}

type Manager struct {
	sessions  session.Store
	docs      DocumentSource
	sink      Sink
	extractor *content.Extractor
	policy    config.Policy
	clock     quartz.Clock
	logger    slog.Logger
	metrics   *metrics.Metrics
	hooks     []SavedHook
}

func NewManager(opts Options) *Manager {
	clock := opts.Clock
	if clock == nil {
		clock = quartz.NewReal()
	}
	extractor := opts.Extractor
	if extractor == nil {
		extractor = content.NewExtractor(nil, opts.Policy.MaxTemplateDepth, opts.Logger)
	}
	return &Manager{
		sessions:  opts.Sessions,
		docs:      opts.Documents,
		sink:      opts.Sink,
		extractor: extractor,
		policy:    opts.Policy,
		clock:     clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		hooks:     opts.Hooks,
	}
}

// AddHook registers h for outcomes stored after the call.
func (m *Manager) AddHook(h SavedHook) {
	m.hooks = append(m.hooks, h)
}

// Begin opens a session for the pair. A session younger than the reuse window
// is kept and only has its TTL refreshed, unless forceNew is set. Any other
// existing session is discarded without being recorded.
func (m *Manager) Begin(ctx context.Context, userID, documentID string, forceNew bool) (BeginResult, error) {
	return m.begin(ctx, userID, documentID, forceNew, "")
}

func (m *Manager) begin(ctx context.Context, userID, documentID string, forceNew bool, source string) (BeginResult, error) {
	now := m.clock.Now()
	logger := m.logger.With(slog.F("user_id", userID), slog.F("document_id", documentID))

	if !forceNew {
		storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
		existing, err := m.sessions.Get(storeCtx, userID, documentID)
		cancel()
		switch {
		case err == nil && existing.Age(now) < m.policy.ReuseWindow:
			storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
			defer cancel()
			if err := m.sessions.Touch(storeCtx, userID, documentID, m.policy.SessionTTL); err != nil && !errors.Is(err, session.ErrNotFound) {
				logger.Warn(ctx, "refresh session ttl", slog.Error(err))
			}
			logger.Debug(ctx, "session reused", slog.F("age", existing.Age(now).String()))
			return Reused, nil
		case err != nil && !errors.Is(err, session.ErrNotFound):
			logger.Warn(ctx, "session store unavailable, not tracking", slog.Error(err))
			return Untracked, nil
		}
	}

	doc, err := m.docs.GetDocument(ctx, documentID)
	if errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("%w: %s", ErrUnknownDocument, documentID)
	}
	if err != nil {
		return "", fmt.Errorf("load document: %w", err)
	}

	baseline := m.extractor.Extract(ctx, doc.Content, doc.BuilderData)
	m.metrics.SkippedNodes(baseline.SkippedNodes)

	sess := session.Session{
		UserID:                userID,
		DocumentID:            documentID,
		StartedAt:             now,
		DocumentType:          doc.Type,
		DocumentTitle:         doc.Title,
		UsesBuilder:           doc.UsesBuilder,
		Source:                source,
		InitialLength:         baseline.Length,
		InitialStrippedLength: baseline.StrippedLength,
		InitialWordCount:      baseline.WordCount,
		LastActivityAt:        now,
	}
	if doc.UsesBuilder {
		sess.InitialBuilderHash = baseline.BuilderHash
		sess.InitialBuilderLength = baseline.BuilderLength
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.sessions.Put(storeCtx, sess, m.policy.SessionTTL); err != nil {
		logger.Warn(ctx, "session store unavailable, not tracking", slog.Error(err))
		return Untracked, nil
	}
	logger.Debug(ctx, "session started",
		slog.F("force_new", forceNew),
		slog.F("initial_words", baseline.WordCount),
		slog.F("uses_builder", doc.UsesBuilder),
	)
	return Created, nil
}
