// Package session stores in-flight editing sessions and close guards.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Session is the mutable record of one editing episode.
type Session struct {
	UserID        string    `json:"user_id"`
	DocumentID    string    `json:"document_id"`
	StartedAt     time.Time `json:"started_at"`
	DocumentType  string    `json:"document_type"`
	DocumentTitle string    `json:"document_title"`
	UsesBuilder   bool      `json:"uses_builder"`
	Source        string    `json:"source,omitempty"`

	InitialLength         int    `json:"initial_length"`
	InitialStrippedLength int    `json:"initial_stripped_length"`
	InitialWordCount      int    `json:"initial_word_count"`
	InitialBuilderHash    string `json:"initial_builder_hash,omitempty"`
	InitialBuilderLength  int    `json:"initial_builder_length,omitempty"`

	FinalBuilderHash   string    `json:"final_builder_hash,omitempty"`
	FinalBuilderLength int       `json:"final_builder_length,omitempty"`
	HasBuilderChanges  bool      `json:"has_builder_changes"`
	ActivityCount      int       `json:"activity_count"`
	ModifiedElementIDs []string  `json:"modified_element_ids,omitempty"`
	ClientTimerSeconds int64     `json:"client_timer_seconds,omitempty"`
	LastActivityAt     time.Time `json:"last_activity_at,omitempty"`
}

// Age is how long ago the session started.
func (s Session) Age(now time.Time) time.Duration {
	return now.Sub(s.StartedAt)
}

// AddModifiedElements merges ids into the modified set, keeping first-seen order.
func (s *Session) AddModifiedElements(ids ...string) {
	seen := make(map[string]struct{}, len(s.ModifiedElementIDs))
	for _, id := range s.ModifiedElementIDs {
		seen[id] = struct{}{}
	}
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		s.ModifiedElementIDs = append(s.ModifiedElementIDs, id)
	}
}

// SetFinalBuilder records the latest builder fingerprint.
func (s *Session) SetFinalBuilder(hash string, length int) {
	if hash == "" {
		return
	}
	s.FinalBuilderHash = hash
	s.FinalBuilderLength = length
	s.HasBuilderChanges = hash != s.InitialBuilderHash
}

// Store is a best-effort TTL map of sessions and close guards. No operation is
// atomic across keys and concurrent writers race with last-writer-wins.
type Store interface {
	Get(ctx context.Context, userID, documentID string) (Session, error)
	Put(ctx context.Context, s Session, ttl time.Duration) error
	Touch(ctx context.Context, userID, documentID string, ttl time.Duration) error
	Delete(ctx context.Context, userID, documentID string) error
	LastRecorded(ctx context.Context, userID, documentID string) (time.Time, bool, error)
	MarkRecorded(ctx context.Context, userID, documentID string, at time.Time, ttl time.Duration) error
	Ping(ctx context.Context) error
}

func sessionKey(prefix, userID, documentID string) string {
	return fmt.Sprintf("%ssession:%s:%s", prefix, userID, documentID)
}

func guardKey(prefix, userID, documentID string) string {
	return fmt.Sprintf("%sguard:%s:%s", prefix, userID, documentID)
}
