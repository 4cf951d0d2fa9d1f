package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tgchat/apiserver/internal/logging"
	"github.com/tgchat/apiserver/internal/mq"
	"github.com/tgchat/apiserver/types"
)

const (
	publishTimeout = 5 * time.Second
	eventBuffer    = 256
)

// EventPublisher announces auth transitions. Publishing is best effort and
// never fails the operation that triggered it.
type EventPublisher interface {
	Publish(ctx context.Context, event types.AuthEvent)
}

// NopEventPublisher drops every event.
type NopEventPublisher struct{}

func (NopEventPublisher) Publish(context.Context, types.AuthEvent) {}

// MQEventPublisher sends events as JSON on a message queue channel from a
// background goroutine. Publish only enqueues; when the buffer is full the
// event is dropped and logged.
type MQEventPublisher struct {
	queue   *mq.MQ
	channel string
	log     logging.Logger

	mu     sync.RWMutex
	closed bool
	events chan types.AuthEvent
	done   chan struct{}
}

func NewMQEventPublisher(queue *mq.MQ, channel string, log logging.Logger) *MQEventPublisher {
	if log == nil {
		log = logging.Nop()
	}
	p := &MQEventPublisher{
		queue:   queue,
		channel: channel,
		log:     log,
		events:  make(chan types.AuthEvent, eventBuffer),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *MQEventPublisher) Publish(ctx context.Context, event types.AuthEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.events <- event:
	default:
		p.log.Warn(ctx, "auth event buffer full, dropping event",
			"event_id", event.ID, "type", event.Type, "user_id", event.UserID)
	}
}

// Close stops accepting events and waits until the buffered ones are sent.
func (p *MQEventPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.events)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *MQEventPublisher) run() {
	defer close(p.done)
	for event := range p.events {
		p.send(event)
	}
}

func (p *MQEventPublisher) send(event types.AuthEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	attrs := map[string]string{
		"type":             string(event.Type),
		mq.OrderingKeyAttr: "user-" + strconv.Itoa(event.UserID),
	}
	if _, err := p.queue.PublishJSON(ctx, p.channel, event, attrs); err != nil {
		p.log.Error(ctx, "publish auth event failed",
			"event_id", event.ID, "type", event.Type, "user_id", event.UserID, "error", err)
	}
}
