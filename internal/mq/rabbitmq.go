package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/tgchat/apiserver/config"
)

// Attributes with a dedicated AMQP property are lifted out of the headers.
const (
	contentTypeAttr = "content_type"
	typeAttr        = "type"
)

// RabbitMQClient publishes to and consumes from durable work queues on the
// default exchange. Queues are declared once per client.
type RabbitMQClient struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	durable bool
	auto    bool
	now     func() time.Time

	mu       sync.Mutex
	declared map[string]bool
}

// NewRabbitMQClient dials the broker and opens one channel.
func NewRabbitMQClient(cfg config.RabbitMQConfig) (*RabbitMQClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("rabbitmq url is required")
	}

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if cfg.PrefetchCount > 0 {
		if err := ch.Qos(cfg.PrefetchCount, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("rabbitmq qos: %w", err)
		}
	}

	return &RabbitMQClient{
		conn:     conn,
		channel:  ch,
		durable:  cfg.QueueDurable,
		auto:     cfg.QueueAutoDelete,
		now:      time.Now,
		declared: make(map[string]bool),
	}, nil
}

// Publish sends data to the queue named channel.
func (r *RabbitMQClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return "", err
	}

	msg := newPublishing(data, attrs, r.durable, r.now())
	if err := r.channel.PublishWithContext(ctx, "", channel, false, false, msg); err != nil {
		return "", fmt.Errorf("rabbitmq publish: %w", err)
	}
	return msg.MessageId, nil
}

// Subscribe consumes the queue named channel until ctx is done. A handler
// error requeues the delivery.
func (r *RabbitMQClient) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("rabbitmq channel is required")
	}
	if err := r.ensureQueue(channel); err != nil {
		return err
	}

	consumerTag := "consumer-" + newMessageID()
	deliveries, err := r.channel.Consume(channel, consumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume: %w", err)
	}
	defer func() {
		_ = r.channel.Cancel(consumerTag, false)
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return errors.New("rabbitmq delivery channel closed")
			}
			if err := handleDelivery(ctx, delivery, handler); err != nil {
				return err
			}
		}
	}
}

// Close closes the channel and the connection.
func (r *RabbitMQClient) Close() error {
	var err error
	if r.channel != nil {
		err = r.channel.Close()
	}
	if r.conn != nil {
		err = errors.Join(err, r.conn.Close())
	}
	return err
}

func (r *RabbitMQClient) ensureQueue(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.declared[name] {
		return nil
	}
	if _, err := r.channel.QueueDeclare(name, r.durable, r.auto, false, false, nil); err != nil {
		return fmt.Errorf("rabbitmq declare %s: %w", name, err)
	}
	r.declared[name] = true
	return nil
}

// newPublishing maps attrs onto AMQP properties. Messages to durable queues
// are persistent so they survive a broker restart.
func newPublishing(data []byte, attrs map[string]string, durable bool, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for key, value := range attrs {
		if key == contentTypeAttr {
			continue
		}
		headers[key] = value
	}

	mode := amqp.Transient
	if durable {
		mode = amqp.Persistent
	}

	return amqp.Publishing{
		ContentType:  contentType(attrs),
		DeliveryMode: mode,
		MessageId:    newMessageID(),
		Type:         attrs[typeAttr],
		Timestamp:    now.UTC(),
		Headers:      headers,
		Body:         data,
	}
}

// handleDelivery runs handler and settles the delivery. Only a failure to
// settle is returned.
func handleDelivery(ctx context.Context, d amqp.Delivery, handler Handler) error {
	msg := Message{
		ID:         d.MessageId,
		Data:       d.Body,
		Attributes: headersToAttributes(d.Headers),
	}
	if err := handler(ctx, msg); err != nil {
		if nackErr := d.Nack(false, true); nackErr != nil {
			return fmt.Errorf("rabbitmq nack: %w", nackErr)
		}
		return nil
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("rabbitmq ack: %w", err)
	}
	return nil
}

func headersToAttributes(headers amqp.Table) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(headers))
	for key, value := range headers {
		switch typed := value.(type) {
		case string:
			attrs[key] = typed
		case []byte:
			attrs[key] = string(typed)
		default:
			attrs[key] = fmt.Sprint(value)
		}
	}
	return attrs
}

// contentType honours a "content_type" attribute and defaults to JSON, the
// encoding of every payload this service publishes.
func contentType(attrs map[string]string) string {
	if ct := strings.TrimSpace(attrs[contentTypeAttr]); ct != "" {
		return ct
	}
	return "application/json"
}

func newMessageID() string {
	return uuid.NewString()
}
