// Package notify delivers advisory per-user tracking status to the editor UI.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
)

const StatusNoSession = "no_session"

// Status is the latest tracking result for a user.
type Status struct {
	Status            string    `json:"status"`
	DocumentID        string    `json:"documentId"`
	DocumentTitle     string    `json:"documentTitle,omitempty"`
	Duration          int64     `json:"duration,omitempty"`
	DurationText      string    `json:"durationText,omitempty"`
	HasBuilderChanges bool      `json:"hasBuilderChanges"`
	At                time.Time `json:"at"`
}

// Notifier keeps one status per user for a short TTL. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, userID string, s Status) error
	// Pop returns and clears the user's status.
	Pop(ctx context.Context, userID string) (Status, bool, error)
}

type RedisNotifier struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisNotifier(client *redis.Client, ttl time.Duration) *RedisNotifier {
	return &RedisNotifier{client: client, prefix: "ett:", ttl: ttl}
}

func (n *RedisNotifier) statusKey(userID string) string {
	return n.prefix + "status:" + userID
}

// Channel is the pub/sub channel status updates for userID are sent on.
func (n *RedisNotifier) Channel(userID string) string {
	return n.prefix + "notify:" + userID
}

func (n *RedisNotifier) Publish(ctx context.Context, userID string, s Status) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	pipe := n.client.TxPipeline()
	pipe.Set(ctx, n.statusKey(userID), payload, n.ttl)
	pipe.Publish(ctx, n.Channel(userID), payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	return nil
}

func (n *RedisNotifier) Pop(ctx context.Context, userID string) (Status, bool, error) {
	payload, err := n.client.GetDel(ctx, n.statusKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("pop status: %w", err)
	}
	var s Status
	if err := json.Unmarshal(payload, &s); err != nil {
		return Status{}, false, fmt.Errorf("unmarshal status: %w", err)
	}
	return s, true, nil
}

// Subscribe streams status updates for userID until ctx is done.
func (n *RedisNotifier) Subscribe(ctx context.Context, userID string) (<-chan Status, error) {
	sub := n.client.Subscribe(ctx, n.Channel(userID))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe status: %w", err)
	}
	out := make(chan Status)
	go func() {
		defer close(out)
		defer sub.Close()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var s Status
				if err := json.Unmarshal([]byte(msg.Payload), &s); err != nil {
					continue
				}
				select {
				case out <- s:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

type memoryStatus struct {
	expiresAt time.Time
	status    Status
}

// MemoryNotifier is the process-local Notifier used without Redis.
type MemoryNotifier struct {
	clock    quartz.Clock
	ttl      time.Duration
	mu       sync.Mutex
	statuses map[string]memoryStatus
}

func NewMemoryNotifier(clock quartz.Clock, ttl time.Duration) *MemoryNotifier {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &MemoryNotifier{clock: clock, ttl: ttl, statuses: make(map[string]memoryStatus)}
}

func (n *MemoryNotifier) Publish(_ context.Context, userID string, s Status) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses[userID] = memoryStatus{expiresAt: n.clock.Now().Add(n.ttl), status: s}
	return nil
}

func (n *MemoryNotifier) Pop(_ context.Context, userID string) (Status, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	record, ok := n.statuses[userID]
	if !ok {
		return Status{}, false, nil
	}
	delete(n.statuses, userID)
	if !n.clock.Now().Before(record.expiresAt) {
		return Status{}, false, nil
	}
	return record.status, true, nil
}
