package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tgchat/apiserver/internal/auth"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/store"
	"github.com/tgchat/apiserver/types"
	"golang.org/x/crypto/bcrypt"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeUsers enforces username and chat id uniqueness like the real table.
type fakeUsers struct {
	mu     sync.Mutex
	nextID int
	users  map[int]types.User
	err    error
}

func newFakeUsers() *fakeUsers {
	return &fakeUsers{nextID: 1, users: make(map[int]types.User)}
}

func (f *fakeUsers) GetByID(_ context.Context, id int) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return types.User{}, store.ErrNotFound
	}
	return u, nil
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.User{}, f.err
	}
	for _, u := range f.users {
		if u.Username == username {
			return u, nil
		}
	}
	return types.User{}, store.ErrNotFound
}

func (f *fakeUsers) ExistsByUsername(ctx context.Context, username string) (bool, error) {
	_, err := f.GetByUsername(ctx, username)
	if err == store.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

func (f *fakeUsers) ExistsByChatID(_ context.Context, chatID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	for _, u := range f.users {
		if u.TgChatID == chatID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeUsers) Create(_ context.Context, user types.User) (types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return types.User{}, f.err
	}
	for _, u := range f.users {
		if u.Username == user.Username {
			return types.User{}, fmt.Errorf("%w: users_username_key", store.ErrConflict)
		}
		if u.TgChatID == user.TgChatID {
			return types.User{}, fmt.Errorf("%w: users_tg_chat_id_key", store.ErrConflict)
		}
	}
	user.ID = f.nextID
	f.nextID++
	f.users[user.ID] = user
	return user, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []types.AuthEvent
}

func (r *recordingPublisher) Publish(_ context.Context, e types.AuthEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recordingPublisher) Types() []types.AuthEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.AuthEventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

type fixture struct {
	clock    *fakeClock
	users    *fakeUsers
	codes    *store.MemoryCodeStore
	sessions *store.MemorySessionStore
	events   *recordingPublisher
	hasher   auth.PasswordHasher
	registry *SessionRegistry
	svc      *AuthService
}

func newFixture() *fixture {
	f := &fixture{
		clock:  newClock(),
		users:  newFakeUsers(),
		events: &recordingPublisher{},
		hasher: auth.NewBcryptHasher(bcrypt.MinCost),
	}
	f.codes = store.NewMemoryCodeStore(f.clock.Now)
	f.sessions = store.NewMemorySessionStore(f.clock.Now)
	codec := auth.NewTokenCodec([]byte("test-secret"), f.clock.Now)
	f.registry = NewSessionRegistry(f.sessions, codec, DefaultSessionTTL)
	f.svc = NewAuthService(
		f.users,
		f.hasher,
		NewRegistrationCodes(f.codes, DefaultCodeTTL, f.clock.Now, nil),
		f.registry,
		f.events,
		logging.Nop(),
	)
	return f
}
