package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/internal/storage"
	"github.com/tgchat/apiserver/types"
)

// subscribe attaches handler to channel and waits until the subscription is live.
func subscribe(t *testing.T, backend *mq.MemoryBackend, channel string, handler mq.Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = backend.Subscribe(ctx, channel, handler) }()
	require.Eventually(t, func() bool { return backend.Subscribers(channel) == 1 }, time.Second, 5*time.Millisecond)
	return cancel
}

func TestMQEventPublisher_PublishesJSON(t *testing.T) {
	backend := mq.NewMemoryBackend()
	received := make(chan mq.Message, 1)
	cancel := subscribe(t, backend, "auth-events", func(_ context.Context, msg mq.Message) error {
		received <- msg
		return nil
	})
	defer cancel()

	pub := NewMQEventPublisher(mq.New(backend), "auth-events", logging.Nop())
	defer pub.Close()
	pub.Publish(context.Background(), types.AuthEvent{Type: types.EventUserLoggedIn, UserID: 9, Username: "alice"})

	select {
	case msg := <-received:
		var event types.AuthEvent
		require.NoError(t, json.Unmarshal(msg.Data, &event))
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.OccurredAt.IsZero())
		assert.Equal(t, types.EventUserLoggedIn, event.Type)
		assert.Equal(t, 9, event.UserID)
		assert.Equal(t, "user.logged_in", msg.Attributes["type"])
		assert.Equal(t, "user-9", msg.Attributes[mq.OrderingKeyAttr])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestMQEventPublisher_SwallowsBrokerErrors(t *testing.T) {
	backend := mq.NewMemoryBackend()
	require.NoError(t, backend.Close())

	pub := NewMQEventPublisher(mq.New(backend), "auth-events", logging.Nop())
	assert.NotPanics(t, func() {
		pub.Publish(context.Background(), types.AuthEvent{Type: types.EventUserLoggedOut, UserID: 1})
		pub.Close()
		pub.Close()
		pub.Publish(context.Background(), types.AuthEvent{Type: types.EventUserLoggedOut, UserID: 1})
	})
}

// stalledBackend holds every publish until release is closed.
type stalledBackend struct {
	release chan struct{}
	mu      sync.Mutex
	sent    int
}

func (b *stalledBackend) Publish(ctx context.Context, _ string, _ []byte, _ map[string]string) (string, error) {
	select {
	case <-b.release:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	b.mu.Lock()
	b.sent++
	b.mu.Unlock()
	return "id", nil
}

func (b *stalledBackend) Subscribe(ctx context.Context, _ string, _ mq.Handler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (b *stalledBackend) Close() error { return nil }

func TestMQEventPublisher_SlowBrokerDoesNotBlockCaller(t *testing.T) {
	backend := &stalledBackend{release: make(chan struct{})}
	pub := NewMQEventPublisher(mq.New(backend), "auth-events", logging.Nop())

	start := time.Now()
	for i := 0; i < eventBuffer+10; i++ {
		pub.Publish(context.Background(), types.AuthEvent{Type: types.EventUserLoggedIn, UserID: 1})
	}
	assert.Less(t, time.Since(start), time.Second)

	close(backend.release)
	pub.Close()

	backend.mu.Lock()
	defer backend.mu.Unlock()
	// The buffer plus the one event already in flight.
	assert.LessOrEqual(t, backend.sent, eventBuffer+1)
	assert.GreaterOrEqual(t, backend.sent, eventBuffer)
}

func TestAuditObjectKey(t *testing.T) {
	event := types.AuthEvent{
		ID:         "abc",
		OccurredAt: time.Date(2026, 3, 4, 23, 30, 0, 0, time.FixedZone("x", -2*3600)),
	}
	assert.Equal(t, "audit/2026/03/05/abc.json", AuditObjectKey("audit", event))
	assert.Equal(t, "2026/03/05/abc.json", AuditObjectKey("", event))
}

func TestAuditArchiver_Handle(t *testing.T) {
	objects := storage.NewMemoryStorage("audit")
	archiver := NewAuditArchiver(mq.New(mq.NewMemoryBackend()), storage.NewStorage(objects), "auth-events", "events", logging.Nop())
	ctx := context.Background()

	event := types.AuthEvent{
		ID:         "5f0c7a52-9d1e-4a57-b3a8-2c6e1f0d9b11",
		Type:       types.EventUserRegistered,
		UserID:     1,
		OccurredAt: time.Date(2026, 10, 17, 12, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(event)
	require.NoError(t, err)

	require.NoError(t, archiver.Handle(ctx, mq.Message{ID: "m1", Data: data}))
	require.NoError(t, archiver.Handle(ctx, mq.Message{ID: "m2", Data: data}))
	key := "events/2026/10/17/5f0c7a52-9d1e-4a57-b3a8-2c6e1f0d9b11.json"
	assert.Equal(t, []string{key}, objects.Keys())
	assert.Equal(t, "application/json", objects.ContentType(key))

	require.NoError(t, archiver.Handle(ctx, mq.Message{ID: "m3", Data: []byte("{not json")}))
	require.NoError(t, archiver.Handle(ctx, mq.Message{ID: "m4", Data: []byte(`{"type":"user.logged_in"}`)}))
	assert.Len(t, objects.Keys(), 1)
}

func TestAuditArchiver_RejectsIDsOutsideUUIDForm(t *testing.T) {
	objects := storage.NewMemoryStorage("audit")
	archiver := NewAuditArchiver(mq.New(mq.NewMemoryBackend()), storage.NewStorage(objects), "auth-events", "events", logging.Nop())
	ctx := context.Background()

	for _, id := range []string{"../../../../../etc/pwn", "a/b", "plain"} {
		data, err := json.Marshal(types.AuthEvent{ID: id, Type: types.EventUserLoggedIn, UserID: 1})
		require.NoError(t, err)
		require.NoError(t, archiver.Handle(ctx, mq.Message{ID: "m", Data: data}))
	}
	assert.Empty(t, objects.Keys())
}

func TestAuditArchiver_RunArchivesPublishedEvents(t *testing.T) {
	backend := mq.NewMemoryBackend()
	queue := mq.New(backend)
	objects := storage.NewMemoryStorage("audit")
	archiver := NewAuditArchiver(queue, storage.NewStorage(objects), "auth-events", "", logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- archiver.Run(ctx) }()
	require.Eventually(t, func() bool { return backend.Subscribers("auth-events") == 1 }, time.Second, 5*time.Millisecond)

	pub := NewMQEventPublisher(queue, "auth-events", logging.Nop())
	defer pub.Close()
	pub.Publish(context.Background(), types.AuthEvent{Type: types.EventUserLoggedOut, UserID: 2})

	require.Eventually(t, func() bool { return len(objects.Keys()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("archiver did not stop")
	}
}
