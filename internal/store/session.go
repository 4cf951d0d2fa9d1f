package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tgchat/apiserver/types"
)

const sessionKeyPrefix = "session:user:"

// RedisSessionStore keeps one session record per user.
type RedisSessionStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisSessionStore(client *redis.Client, now func() time.Time) *RedisSessionStore {
	if now == nil {
		now = time.Now
	}
	return &RedisSessionStore{client: client, prefix: sessionKeyPrefix, now: now}
}

func (s *RedisSessionStore) key(userID int) string {
	return s.prefix + strconv.Itoa(userID)
}

// Put overwrites the session for s.UserID.
func (s *RedisSessionStore) Put(ctx context.Context, sess types.Session) error {
	if sess.ID == "" || sess.UserID < 1 {
		return errors.New("session: missing id or user_id")
	}

	ttl := sess.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("session: expires_at must be in the future")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: failed to marshal: %w", err)
	}

	return s.client.Set(ctx, s.key(sess.UserID), data, ttl).Err()
}

func (s *RedisSessionStore) Get(ctx context.Context, userID int) (types.Session, error) {
	val, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.Session{}, ErrNotFound
	}
	if err != nil {
		return types.Session{}, fmt.Errorf("session: redis get: %w", err)
	}

	var sess types.Session
	if err := json.Unmarshal(val, &sess); err != nil {
		return types.Session{}, fmt.Errorf("session: failed to unmarshal: %w", err)
	}
	if sess.Expired(s.now()) {
		return types.Session{}, ErrNotFound
	}
	return sess, nil
}

// Delete is idempotent.
func (s *RedisSessionStore) Delete(ctx context.Context, userID int) error {
	return s.client.Del(ctx, s.key(userID)).Err()
}

// MemorySessionStore is an in-process session store.
type MemorySessionStore struct {
	mu    sync.RWMutex
	items map[int]types.Session
	now   func() time.Time
}

func NewMemorySessionStore(now func() time.Time) *MemorySessionStore {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionStore{items: make(map[int]types.Session), now: now}
}

func (s *MemorySessionStore) Put(_ context.Context, sess types.Session) error {
	if sess.ID == "" || sess.UserID < 1 {
		return errors.New("session: missing id or user_id")
	}
	s.mu.Lock()
	s.items[sess.UserID] = sess
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, userID int) (types.Session, error) {
	s.mu.RLock()
	sess, ok := s.items[userID]
	s.mu.RUnlock()
	if !ok || sess.Expired(s.now()) {
		return types.Session{}, ErrNotFound
	}
	return sess, nil
}

func (s *MemorySessionStore) Delete(_ context.Context, userID int) error {
	s.mu.Lock()
	delete(s.items, userID)
	s.mu.Unlock()
	return nil
}

// Sweep drops expired sessions and returns how many were removed.
func (s *MemorySessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, sess := range s.items {
		if sess.Expired(now) {
			delete(s.items, id)
			removed++
		}
	}
	return removed
}
