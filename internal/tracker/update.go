package tracker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"edittime/api/internal/content"
	"edittime/api/internal/session"
	"github.com/go-playground/validator/v10"
)

var ErrInvalidPatch = errors.New("invalid session update")

var validate = validator.New()

// Patch is a partial update of an open session. Zero fields are not applied.
type Patch struct {
	// BuilderData is the raw builder tree posted by a save; its canonical form
	// is fingerprinted here and takes precedence over BuilderHash.
	BuilderData        []byte    `json:"-"`
	BuilderHash        string    `json:"builderHash,omitempty" validate:"omitempty,max=128"`
	BuilderLength      int       `json:"builderLength,omitempty" validate:"gte=0"`
	ActivityDelta      int       `json:"activityDelta,omitempty" validate:"gte=0,lte=100000"`
	ModifiedElementIDs []string  `json:"modifiedElementIds,omitempty" validate:"max=5000,dive,max=128"`
	ClientTimerSeconds int64     `json:"clientTimerSeconds,omitempty" validate:"gte=0"`
	LastActivityAt     time.Time `json:"lastActivityAt,omitempty"`
	Source             string    `json:"-"`
}

func (p Patch) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return nil
}

// Empty reports whether applying p would change nothing but the TTL.
func (p Patch) Empty() bool {
	return len(p.BuilderData) == 0 && p.BuilderHash == "" && p.ActivityDelta == 0 &&
		len(p.ModifiedElementIDs) == 0 && p.ClientTimerSeconds == 0 && p.LastActivityAt.IsZero()
}

func (p Patch) apply(sess *session.Session, now time.Time) {
	switch {
	case len(p.BuilderData) > 0:
		sess.SetFinalBuilder(content.Fingerprint(p.BuilderData))
	case p.BuilderHash != "":
		sess.SetFinalBuilder(p.BuilderHash, p.BuilderLength)
	}
	sess.ActivityCount += p.ActivityDelta
	sess.AddModifiedElements(p.ModifiedElementIDs...)
	if p.ClientTimerSeconds > 0 {
		sess.ClientTimerSeconds = p.ClientTimerSeconds
	}
	if !p.LastActivityAt.IsZero() {
		sess.LastActivityAt = p.LastActivityAt
	} else {
		sess.LastActivityAt = now
	}
}

// Update merges p into the open session, opening one first when none exists.
// The session TTL is always rewritten.
func (m *Manager) Update(ctx context.Context, userID, documentID string, p Patch) error {
	if err := p.Validate(); err != nil {
		return err
	}
	logger := m.logger.With(slog.F("user_id", userID), slog.F("document_id", documentID))

	sess, err := m.load(ctx, userID, documentID)
	if errors.Is(err, session.ErrNotFound) {
		logger.Debug(ctx, "update without open session, starting one")
		var result BeginResult
		result, err = m.begin(ctx, userID, documentID, false, p.Source)
		if err != nil {
			return err
		}
		if result == Untracked {
			return nil
		}
		sess, err = m.load(ctx, userID, documentID)
	}
	if err != nil {
		logger.Warn(ctx, "session store unavailable, update dropped", slog.Error(err))
		return nil
	}

	p.apply(&sess, m.clock.Now())

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := m.sessions.Put(storeCtx, sess, m.policy.SessionTTL); err != nil {
		logger.Warn(ctx, "session store unavailable, update dropped", slog.Error(err))
	}
	return nil
}

func (m *Manager) load(ctx context.Context, userID, documentID string) (session.Session, error) {
	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	return m.sessions.Get(storeCtx, userID, documentID)
}
