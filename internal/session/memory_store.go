package session

import (
	"context"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type memoryRecord struct {
	expiresAt time.Time
	session   Session
}

type guardRecord struct {
	expiresAt  time.Time
	recordedAt time.Time
}

// MemoryStore is a process-local Store used when Redis is not configured.
type MemoryStore struct {
	clock    quartz.Clock
	mu       sync.Mutex
	sessions map[string]memoryRecord
	guards   map[string]guardRecord
}

func NewMemoryStore(clock quartz.Clock) *MemoryStore {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryStore{
		clock:    clock,
		sessions: make(map[string]memoryRecord),
		guards:   make(map[string]guardRecord),
	}
}

// prune drops expired entries. Callers hold mu.
func (m *MemoryStore) prune(now time.Time) {
	for key, record := range m.sessions {
		if !now.Before(record.expiresAt) {
			delete(m.sessions, key)
		}
	}
	for key, record := range m.guards {
		if !now.Before(record.expiresAt) {
			delete(m.guards, key)
		}
	}
}

func (m *MemoryStore) Get(_ context.Context, userID, documentID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.clock.Now())
	record, ok := m.sessions[sessionKey("", userID, documentID)]
	if !ok {
		return Session{}, ErrNotFound
	}
	sess := record.session
	sess.ModifiedElementIDs = append([]string(nil), sess.ModifiedElementIDs...)
	return sess, nil
}

func (m *MemoryStore) Put(_ context.Context, sess Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess.ModifiedElementIDs = append([]string(nil), sess.ModifiedElementIDs...)
	m.sessions[sessionKey("", sess.UserID, sess.DocumentID)] = memoryRecord{
		expiresAt: m.clock.Now().Add(ttl),
		session:   sess,
	}
	return nil
}

func (m *MemoryStore) Touch(_ context.Context, userID, documentID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	m.prune(now)
	key := sessionKey("", userID, documentID)
	record, ok := m.sessions[key]
	if !ok {
		return ErrNotFound
	}
	record.expiresAt = now.Add(ttl)
	m.sessions[key] = record
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, userID, documentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionKey("", userID, documentID))
	return nil
}

func (m *MemoryStore) LastRecorded(_ context.Context, userID, documentID string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prune(m.clock.Now())
	record, ok := m.guards[guardKey("", userID, documentID)]
	if !ok {
		return time.Time{}, false, nil
	}
	return record.recordedAt, true, nil
}

func (m *MemoryStore) MarkRecorded(_ context.Context, userID, documentID string, at time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guards[guardKey("", userID, documentID)] = guardRecord{
		expiresAt:  m.clock.Now().Add(ttl),
		recordedAt: at,
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}
