package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AuditConsumer drains the check-in and assignment queues into an
// append-only audit file, one human-readable line per event.
type AuditConsumer struct {
	URL    string
	Path   string
	Logger *slog.Logger
}

// Run connects, consumes and reconnects with capped exponential backoff
// until ctx is cancelled.  Malformed messages are rejected without requeue
// so one bad payload cannot wedge the queue.
func (c AuditConsumer) Run(ctx context.Context) error {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "audit-consumer")

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.URL)
		if err != nil {
			logger.Warn("dial failed", "err", err, "retry_in", backoff)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn, logger)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("consume loop ended; reconnecting", "err", err)
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c AuditConsumer) consume(ctx context.Context, conn *amqp.Connection, logger *slog.Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		logger.Warn("set QoS failed", "err", err)
	}

	type delivery struct {
		queue string
		msg   amqp.Delivery
	}
	merged := make(chan delivery)
	for _, q := range []string{CheckinRecordedQueue, ResourceAssignedQueue} {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", q, err)
		}
		msgs, err := ch.Consume(q, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", q, err)
		}
		go func(q string, msgs <-chan amqp.Delivery) {
			for m := range msgs {
				select {
				case merged <- delivery{queue: q, msg: m}:
				case <-ctx.Done():
					return
				}
			}
		}(q, msgs)
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("channel closed")
			}
			return amqpErr
		case d := <-merged:
			line, err := FormatAuditLine(d.queue, d.msg.Body)
			if err == nil {
				err = appendLine(c.Path, line)
			}
			if err != nil {
				logger.Error("handle message failed", "queue", d.queue, "err", err)
				_ = d.msg.Nack(false, false)
				continue
			}
			_ = d.msg.Ack(false)
		}
	}
}

// FormatAuditLine renders one audit line for a message from queue.
func FormatAuditLine(queue string, body []byte) (string, error) {
	switch queue {
	case CheckinRecordedQueue:
		var ev CheckinRecordedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		return fmt.Sprintf("[%s] Check-in recorded | team_id=%d | team=%q | checkpoint=%s | by=%s\n",
			ev.CheckedInAt, ev.EntityID, ev.EntityLabel, ev.Checkpoint, ev.RecordedBy), nil
	case ResourceAssignedQueue:
		var ev ResourceAssignedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		return fmt.Sprintf("[%s] Slot assigned | team_id=%d | resource_id=%d | domain=%s | title=%q | seats=%d/%d\n",
			ev.AssignedAt, ev.EntityID, ev.ResourceID, ev.Domain, ev.Title, ev.AssignedCount, ev.Capacity), nil
	default:
		return "", fmt.Errorf("unknown queue %q", queue)
	}
}

func appendLine(path, line string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write audit line: %w", err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
