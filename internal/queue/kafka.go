package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a single topic, keyed by team id so all
// events of one team stay ordered within a partition.  The event type
// travels in the event_type header.
type KafkaPublisher struct {
	writer messageWriter
}

// NewKafkaPublisher builds a publisher writing to topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		WriteTimeout:           5 * time.Second,
	}}
}

// PublishCheckin publishes a CheckinRecordedEvent.
func (p *KafkaPublisher) PublishCheckin(ctx context.Context, ev CheckinRecordedEvent) error {
	return p.write(ctx, CheckinRecordedQueue, ev.EntityID, ev)
}

// PublishAssignment publishes a ResourceAssignedEvent.
func (p *KafkaPublisher) PublishAssignment(ctx context.Context, ev ResourceAssignedEvent) error {
	return p.write(ctx, ResourceAssignedQueue, ev.EntityID, ev)
}

func (p *KafkaPublisher) write(ctx context.Context, eventType string, entityID uint64, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(strconv.FormatUint(entityID, 10)),
		Value: body,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
		},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error { return p.writer.Close() }
