/*
Package kafkafeed carries the loyalty change feed over Kafka.

PURPOSE:
  Publisher writes every committed aggregate change to a topic, keyed by the
  aggregate ID so all changes of one customer stay in one partition and in
  order. Consumer reads ledger commands from a second topic and applies them
  through the engine, so point-of-sale systems can record credits without
  calling the HTTP API.

TRACING:
  The span context is injected into message headers on publish and extracted
  on consume (see HeaderCarrier), so one trace spans producer and consumer.

SEE ALSO:
  - loyalty/feed.go: Event and Publisher
  - consumer.go: Inbound commands
*/
package kafkafeed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/warp/loyalty-engine/loyalty"
	"go.opentelemetry.io/otel"
)

const headerEventType = "event-type"

// messageWriter is the part of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// Publisher implements loyalty.Publisher on a Kafka topic.
type Publisher struct {
	writer messageWriter
}

func NewPublisher(w messageWriter) *Publisher {
	return &Publisher{writer: w}
}

// NewWriter builds a writer that hashes on message key, keeping a customer's
// events in one partition.
func NewWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}
}

func (p *Publisher) Publish(ctx context.Context, e loyalty.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", e.Type, err)
	}

	headers := HeaderCarrier{{Key: headerEventType, Value: []byte(e.Type)}}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	msg := kafka.Message{
		Key:     []byte(e.Key()),
		Value:   value,
		Headers: headers,
		Time:    e.At,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write %s event for %s: %w", e.Type, e.Key(), err)
	}
	return nil
}

// HeaderCarrier adapts Kafka headers to propagation.TextMapCarrier.
type HeaderCarrier []kafka.Header

func (c *HeaderCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *HeaderCarrier) Keys() []string {
	keys := make([]string, len(*c))
	for i, h := range *c {
		keys[i] = h.Key
	}
	return keys
}
