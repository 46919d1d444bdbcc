package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "ett:"

// RedisStore keeps sessions and close guards in Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
	}
}

// Client exposes the underlying connection for components sharing it.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Get(ctx context.Context, userID, documentID string) (Session, error) {
	jsonData, err := s.client.Get(ctx, sessionKey(s.prefix, userID, documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(jsonData, &sess); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return sess, nil
}

func (s *RedisStore) Put(ctx context.Context, sess Session, ttl time.Duration) error {
	jsonData, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	key := sessionKey(s.prefix, sess.UserID, sess.DocumentID)
	if err := s.client.Set(ctx, key, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Touch extends the TTL of an existing session.
func (s *RedisStore) Touch(ctx context.Context, userID, documentID string, ttl time.Duration) error {
	ok, err := s.client.Expire(ctx, sessionKey(s.prefix, userID, documentID), ttl).Result()
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID, documentID string) error {
	if err := s.client.Del(ctx, sessionKey(s.prefix, userID, documentID)).Err(); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// LastRecorded returns when a close was last persisted for the pair, if the
// guard has not expired yet.
func (s *RedisStore) LastRecorded(ctx context.Context, userID, documentID string) (time.Time, bool, error) {
	value, err := s.client.Get(ctx, guardKey(s.prefix, userID, documentID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("get close guard: %w", err)
	}
	unix, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse close guard: %w", err)
	}
	return time.Unix(unix, 0), true, nil
}

func (s *RedisStore) MarkRecorded(ctx context.Context, userID, documentID string, at time.Time, ttl time.Duration) error {
	// A zero TTL would make SET persist the key forever.
	if ttl <= 0 {
		return nil
	}
	key := guardKey(s.prefix, userID, documentID)
	if err := s.client.Set(ctx, key, strconv.FormatInt(at.Unix(), 10), ttl).Err(); err != nil {
		return fmt.Errorf("save close guard: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
