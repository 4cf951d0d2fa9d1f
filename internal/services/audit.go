package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/google/uuid"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/internal/storage"
	"github.com/tgchat/apiserver/types"
)

// AuditArchiver copies every auth event from the queue into object storage,
// one JSON object per event.
type AuditArchiver struct {
	queue   *mq.MQ
	storage *storage.Storage
	channel string
	prefix  string
	log     logging.Logger
}

func NewAuditArchiver(queue *mq.MQ, store *storage.Storage, channel, prefix string, log logging.Logger) *AuditArchiver {
	return &AuditArchiver{queue: queue, storage: store, channel: channel, prefix: prefix, log: log}
}

// Run archives events until ctx is done.
func (a *AuditArchiver) Run(ctx context.Context) error {
	if err := a.storage.EnsureBucket(ctx); err != nil {
		return fmt.Errorf("ensure audit bucket: %w", err)
	}
	a.log.Info(ctx, "audit archiver started", "channel", a.channel, "bucket", a.storage.Bucket())
	err := a.queue.Subscribe(ctx, a.channel, a.Handle)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Handle stores one event. Undecodable messages are dropped; storage errors
// are returned so the broker redelivers.
func (a *AuditArchiver) Handle(ctx context.Context, msg mq.Message) error {
	var event types.AuthEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil || event.Type == "" {
		a.log.Warn(ctx, "dropping malformed auth event", "message_id", msg.ID)
		return nil
	}
	// The id becomes part of the object key.
	if _, err := uuid.Parse(event.ID); err != nil {
		a.log.Warn(ctx, "dropping malformed auth event", "message_id", msg.ID)
		return nil
	}

	key := AuditObjectKey(a.prefix, event)
	exists, err := a.storage.Exists(ctx, key)
	if err != nil {
		return fmt.Errorf("stat %s: %w", key, err)
	}
	if exists {
		return nil
	}
	if err := a.storage.PutBytes(ctx, key, msg.Data, "application/json"); err != nil {
		a.log.Error(ctx, "archive auth event failed", "event_id", event.ID, "error", err)
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// AuditObjectKey lays events out by UTC day: <prefix>/yyyy/mm/dd/<id>.json.
func AuditObjectKey(prefix string, event types.AuthEvent) string {
	day := event.OccurredAt.UTC().Format("2006/01/02")
	return path.Join(prefix, day, event.ID+".json")
}
