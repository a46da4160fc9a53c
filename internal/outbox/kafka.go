package outbox

import (
	"context"

	"github.com/segmentio/kafka-go"

	"custhub/libs/kafkax"
)

// KafkaBroker publishes outbox messages to Kafka. The topic name equals the
// event type and the aggregate id keys the message, so events for one
// aggregate land on one partition in order.
type KafkaBroker struct {
	writer *kafka.Writer
}

func NewKafkaBroker(brokers []string) *KafkaBroker {
	return &KafkaBroker{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers:  brokers,
			Balancer: &kafka.Hash{},
		}),
	}
}

func (b *KafkaBroker) Publish(ctx context.Context, msg Message) error {
	km := kafka.Message{
		Topic: msg.EventType,
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(msg.EventID)},
			{Key: "event_type", Value: []byte(msg.EventType)},
		},
	}
	km.Headers = kafkax.InjectTraceHeaders(ctx, km.Headers)
	return b.writer.WriteMessages(ctx, km)
}

func (b *KafkaBroker) Close() error {
	return b.writer.Close()
}
