package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitPublisher publishes events to durable RabbitMQ queues on the
// default exchange (routing key = queue name).  The connection is opened
// lazily and reopened after any failure.  Messages are persistent.
type RabbitPublisher struct {
	url    string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitPublisher returns a publisher for url.  No connection is made
// until the first publish.
func NewRabbitPublisher(url string, logger *slog.Logger) *RabbitPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitPublisher{url: url, logger: logger.With("component", "rabbitmq-publisher")}
}

// PublishCheckin publishes a CheckinRecordedEvent.
func (p *RabbitPublisher) PublishCheckin(ctx context.Context, ev CheckinRecordedEvent) error {
	return p.publish(ctx, CheckinRecordedQueue, ev)
}

// PublishAssignment publishes a ResourceAssignedEvent.
func (p *RabbitPublisher) PublishAssignment(ctx context.Context, ev ResourceAssignedEvent) error {
	return p.publish(ctx, ResourceAssignedQueue, ev)
}

func (p *RabbitPublisher) publish(ctx context.Context, queue string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", queue, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.logger.Warn("broker unavailable", "queue", queue, "err", err)
		return err
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		p.resetLocked()
		return fmt.Errorf("queue declare %s: %w", queue, err)
	}
	err = ch.PublishWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		p.resetLocked()
		p.logger.Warn("publish failed", "queue", queue, "err", err)
		return err
	}
	return nil
}

// channel returns the open channel, dialing if needed.  Caller holds mu.
func (p *RabbitPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.resetLocked()
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *RabbitPublisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close releases the broker connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
