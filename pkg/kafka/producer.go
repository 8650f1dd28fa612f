package kafka

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Producer delivers outbox messages to Kafka. The content goes out as opaque
// bytes; the message type and id ride along as record headers so consumers
// can route and deduplicate without parsing the payload.
type Producer interface {
	PublishMessage(ctx context.Context, message *domain.Message) error
	Close() error
}

type producer struct {
	syncProducer sarama.SyncProducer
}

func NewProducer(brokers []string) (Producer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5

	p, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("error creating producer: %v", err)
	}

	return &producer{syncProducer: p}, nil
}

func (p *producer) PublishMessage(ctx context.Context, message *domain.Message) error {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	headers := []sarama.RecordHeader{
		{Key: []byte("message_id"), Value: []byte(message.Id.String())},
		{Key: []byte("message_type"), Value: []byte(message.MessageType)},
	}
	for k, v := range carrier {
		headers = append(headers, sarama.RecordHeader{
			Key:   []byte(k),
			Value: []byte(v),
		})
	}

	msg := &sarama.ProducerMessage{
		Topic: message.Topic,
		// Keying by message id keeps redelivered duplicates on one partition.
		Key:     sarama.StringEncoder(message.Id.String()),
		Value:   sarama.ByteEncoder(message.Content),
		Headers: headers,
	}

	if _, _, err := p.syncProducer.SendMessage(msg); err != nil {
		return fmt.Errorf("error sending message: %v", err)
	}

	return nil
}

func (p *producer) Close() error {
	return p.syncProducer.Close()
}
