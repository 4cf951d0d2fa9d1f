package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tgchat/apiserver/types"
)

const registrationKeyPrefix = "registration:code:"

// RedisCodeStore keeps pending registrations in Redis, keyed by code. Redis
// expires the keys; the stored ExpiresAt is re-checked on read as well.
type RedisCodeStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisCodeStore(client *redis.Client, now func() time.Time) *RedisCodeStore {
	if now == nil {
		now = time.Now
	}
	return &RedisCodeStore{client: client, prefix: registrationKeyPrefix, now: now}
}

func (s *RedisCodeStore) key(code string) string {
	return s.prefix + code
}

// Put stores reg unless a live entry already holds its code, in which case it
// returns ErrConflict.
func (s *RedisCodeStore) Put(ctx context.Context, reg types.PendingRegistration) error {
	ttl := reg.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return errors.New("registration: expires_at must be in the future")
	}

	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("registration: failed to marshal: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key(reg.Code), data, ttl).Result()
	if err != nil {
		return fmt.Errorf("registration: redis set: %w", err)
	}
	if !ok {
		return ErrConflict
	}
	return nil
}

// Take atomically removes and returns the registration for code. Unknown,
// already taken, and expired codes all yield ErrNotFound.
func (s *RedisCodeStore) Take(ctx context.Context, code string) (types.PendingRegistration, error) {
	val, err := s.client.GetDel(ctx, s.key(code)).Bytes()
	if errors.Is(err, redis.Nil) {
		return types.PendingRegistration{}, ErrNotFound
	}
	if err != nil {
		return types.PendingRegistration{}, fmt.Errorf("registration: redis getdel: %w", err)
	}

	var reg types.PendingRegistration
	if err := json.Unmarshal(val, &reg); err != nil {
		return types.PendingRegistration{}, fmt.Errorf("registration: failed to unmarshal: %w", err)
	}
	if reg.Expired(s.now()) {
		return types.PendingRegistration{}, ErrNotFound
	}
	return reg, nil
}

// MemoryCodeStore is an in-process registration store for single-instance
// deployments and tests.
type MemoryCodeStore struct {
	mu    sync.Mutex
	items map[string]types.PendingRegistration
	now   func() time.Time
}

func NewMemoryCodeStore(now func() time.Time) *MemoryCodeStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryCodeStore{items: make(map[string]types.PendingRegistration), now: now}
}

func (s *MemoryCodeStore) Put(_ context.Context, reg types.PendingRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[reg.Code]; ok && !existing.Expired(s.now()) {
		return ErrConflict
	}
	s.items[reg.Code] = reg
	return nil
}

func (s *MemoryCodeStore) Take(_ context.Context, code string) (types.PendingRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, ok := s.items[code]
	if !ok {
		return types.PendingRegistration{}, ErrNotFound
	}
	delete(s.items, code)
	if reg.Expired(s.now()) {
		return types.PendingRegistration{}, ErrNotFound
	}
	return reg, nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryCodeStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for code, reg := range s.items {
		if reg.Expired(now) {
			delete(s.items, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired ones included.
func (s *MemoryCodeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
