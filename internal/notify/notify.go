// Package notify publishes alert lifecycle events to external consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"pnode-monitor/internal/models"
)

type EventType string

const (
	EventAlertCreated  EventType = "alert.created"
	EventAlertResolved EventType = "alert.resolved"
)

type AlertEvent struct {
	Type       EventType    `json:"type"`
	Alert      models.Alert `json:"alert"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Publisher delivers alert events. One call carries every event of a cycle
// and is delivered as a single batch. Implementations must be safe for
// concurrent use.
type Publisher interface {
	Publish(ctx context.Context, events ...AlertEvent) error
	Close() error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, ...AlertEvent) error { return nil }
func (Nop) Close() error                                 { return nil }

// KafkaPublisher writes events as JSON keyed by rule id, so all events of a
// rule land on one partition in order.
type KafkaPublisher struct {
	writer *kafka.Writer
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}}
}

func (k *KafkaPublisher) Publish(ctx context.Context, events ...AlertEvent) error {
	msgs, err := Messages(events)
	if err != nil || len(msgs) == 0 {
		return err
	}
	return k.writer.WriteMessages(ctx, msgs...)
}

func (k *KafkaPublisher) Close() error {
	return k.writer.Close()
}

// Messages encodes a batch of events in order.
func Messages(events []AlertEvent) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		msg, err := Message(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s event for alert %s: %w", ev.Type, ev.Alert.ID, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Message encodes an event as the Kafka message KafkaPublisher writes.
func Message(event AlertEvent) (kafka.Message, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(event.Alert.RuleID),
		Value: body,
		Time:  event.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(event.Type)},
		},
	}, nil
}
