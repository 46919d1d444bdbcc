package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/policy"
	"edittime/api/internal/session"
	"edittime/api/internal/store"
	"github.com/oklog/ulid/v2"
)

// End closes the open session for the pair against doc, the document's
// current state. Sessions classified as skip are discarded. Every other
// outcome is handed to the sink once and the session is deleted whether or
// not the sink succeeded; a failed insert is returned as *PersistError.
func (m *Manager) End(ctx context.Context, userID, documentID string, doc store.Document) (Result, error) {
	logger := m.logger.With(slog.F("user_id", userID), slog.F("document_id", documentID))

	sess, err := m.load(ctx, userID, documentID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			logger.Warn(ctx, "session store unavailable on close", slog.Error(err))
		}
		return Result{NoSession: true}, ErrNoSession
	}

	now := m.clock.Now()
	final := m.extractor.Extract(ctx, doc.Content, doc.BuilderData)
	m.metrics.SkippedNodes(final.SkippedNodes)
	if sess.UsesBuilder && sess.FinalBuilderHash == "" {
		sess.SetFinalBuilder(final.BuilderHash, final.BuilderLength)
	}

	duration := m.duration(sess, now)
	change := policy.Change{
		CharDelta:         final.StrippedLength - sess.InitialStrippedLength,
		WordDelta:         final.WordCount - sess.InitialWordCount,
		HasBuilderChanges: sess.HasBuilderChanges,
		ActivityCount:     sess.ActivityCount,
	}
	significant := policy.Significant(change, m.policy.MinCharChange)
	disposition := policy.Classify(duration, significant, int64(m.policy.MinDuration.Seconds()))

	outcome := store.Outcome{
		ID:               ulid.Make().String(),
		UserID:           userID,
		DocumentID:       documentID,
		DocumentType:     sess.DocumentType,
		DocumentTitle:    sess.DocumentTitle,
		StartTime:        sess.StartedAt,
		EndTime:          now,
		Duration:         duration,
		CharDelta:        change.CharDelta,
		WordDelta:        change.WordDelta,
		ActivityCount:    sess.ActivityCount,
		ElementsModified: len(sess.ModifiedElementIDs),
		BuilderDelta:     builderDelta(sess),
		Disposition:      disposition,
	}
	outcome.ActivitySummary = ActivitySummary(sess, outcome)
	result := Result{Disposition: disposition, Outcome: outcome, HasBuilderChanges: sess.HasBuilderChanges}

	if disposition == policy.Skip {
		m.delete(ctx, logger, userID, documentID)
		m.metrics.Closed(policy.Skip, duration)
		logger.Debug(ctx, "session skipped",
			slog.F("duration", duration),
			slog.F("char_delta", change.CharDelta),
			slog.F("word_delta", change.WordDelta),
		)
		return result, nil
	}

	id, insertErr := m.sink.InsertOutcome(ctx, outcome)
	m.delete(ctx, logger, userID, documentID)

	if insertErr != nil {
		result.Disposition = policy.Error
		result.Outcome.Disposition = policy.Error
		m.metrics.Closed(policy.Error, duration)
		logger.Error(ctx, "session outcome not recorded",
			slog.F("duration", duration),
			slog.F("disposition", string(disposition)),
			slog.Error(insertErr),
		)
		return result, &PersistError{Outcome: result.Outcome, Err: insertErr}
	}

	result.Outcome.ID = id
	m.metrics.Closed(disposition, duration)
	logger.Info(ctx, "session recorded",
		slog.F("outcome_id", id),
		slog.F("duration", duration),
		slog.F("disposition", string(disposition)),
	)
	for _, hook := range m.hooks {
		hook.SessionSaved(ctx, result.Outcome)
	}
	return result, nil
}

// duration prefers a positive client timer over the wall-clock delta. With a
// max factor configured the client timer is capped at factor times the
// wall-clock delta.
func (m *Manager) duration(sess session.Session, now time.Time) int64 {
	wall := now.Unix() - sess.StartedAt.Unix()
	if wall < 0 {
		wall = 0
	}
	if sess.ClientTimerSeconds <= 0 {
		return wall
	}
	client := sess.ClientTimerSeconds
	if factor := int64(m.policy.ClientTimerMaxFactor); factor > 0 && wall > 0 && client > wall*factor {
		return wall * factor
	}
	return client
}

func (m *Manager) delete(ctx context.Context, logger slog.Logger, userID, documentID string) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.sessions.Delete(storeCtx, userID, documentID); err != nil {
		logger.Warn(ctx, "delete closed session", slog.Error(err))
	}
}

func builderDelta(sess session.Session) int {
	if sess.FinalBuilderHash == "" {
		return 0
	}
	return sess.FinalBuilderLength - sess.InitialBuilderLength
}

// ActivitySummary is the one-line human description stored with an outcome.
func ActivitySummary(sess session.Session, o store.Outcome) string {
	verb := "Edited"
	if sess.UsesBuilder {
		verb = "Builder edit"
	}
	docType := o.DocumentType
	if docType == "" {
		docType = "document"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s: %s", verb, docType, o.DocumentTitle)
	if sess.HasBuilderChanges {
		fmt.Fprintf(&b, ", builder data: %+d bytes", o.BuilderDelta)
	}
	if o.ActivityCount > 0 {
		fmt.Fprintf(&b, ", tracked changes: %d", o.ActivityCount)
	}
	if o.ElementsModified > 0 {
		fmt.Fprintf(&b, ", elements modified: %d", o.ElementsModified)
	}
	return b.String()
}

// FormatDuration renders seconds as "1h 2m 3s", omitting zero units.
func FormatDuration(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	hours := seconds / 3600
	minutes := seconds % 3600 / 60
	secs := seconds % 60

	var parts []string
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if minutes > 0 {
		parts = append(parts, fmt.Sprintf("%dm", minutes))
	}
	if secs > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}
