package kafka

import (
	"context"
	"fmt"
	"log/slog"

	"task-service/domain"
	"task-service/events"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/riferrei/srclient"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Producer publishes outbox events to Kafka in schema registry wire format.
type Producer struct {
	kafkaProducer *kafka.Producer
	SchemaID      int
	topic         string
	logger        *slog.Logger
	tracer        trace.Tracer
}

func NewProducer(bootstrapServers, schemaRegistryURL, topic string, logger *slog.Logger) (*Producer, error) {
	config := &kafka.ConfigMap{
		"bootstrap.servers":  bootstrapServers,
		"compression.type":   "snappy",
		"enable.idempotence": true,
	}
	p, err := kafka.NewProducer(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	srClient := srclient.CreateSchemaRegistryClient(schemaRegistryURL)
	schemaObj, err := srClient.CreateSchema(topic+"-value", events.Schema, srclient.Avro)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("failed to register schema: %w", err)
	}
	logger.Info("Schema registered", "schemaID", schemaObj.ID(), "topic", topic, "app", "task-service")

	return &Producer{
		kafkaProducer: p,
		SchemaID:      schemaObj.ID(),
		topic:         topic,
		logger:        logger,
		tracer:        otel.Tracer("task-service"),
	}, nil
}

// PublishOutboxEvent publishes an outbox event keyed by task ID so that the
// events of one task stay ordered within a partition.
func (p *Producer) PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	_, span := p.tracer.Start(ctx, "PublishOutboxEvent")
	defer span.End()

	deliveryChan := make(chan kafka.Event, 1)
	err := p.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &p.topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.Key),
		Value:          events.Frame(p.SchemaID, event.Payload),
		Headers:        []kafka.Header{{Key: "event_type", Value: []byte(event.EventType)}},
	}, deliveryChan)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to produce message")
		p.logger.Error("Failed to produce message", "eventID", event.ID, "error", err, "app", "task-service")
		return fmt.Errorf("failed to produce message: %w", err)
	}

	var e kafka.Event
	select {
	case e = <-deliveryChan:
	case <-ctx.Done():
		return ctx.Err()
	}
	m, ok := e.(*kafka.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event: %v", e)
	}
	if m.TopicPartition.Error != nil {
		span.RecordError(m.TopicPartition.Error)
		span.SetStatus(codes.Error, "Delivery failed")
		p.logger.Error("Delivery failed", "eventID", event.ID, "error", m.TopicPartition.Error, "app", "task-service")
		return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
	}
	p.logger.Debug("Published outbox event",
		"eventID", event.ID,
		"eventType", event.EventType,
		"topic", *m.TopicPartition.Topic,
		"partition", m.TopicPartition.Partition,
		"offset", m.TopicPartition.Offset,
		"app", "task-service")
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("topic", *m.TopicPartition.Topic),
		attribute.Int("partition", int(m.TopicPartition.Partition)),
		attribute.Int64("offset", int64(m.TopicPartition.Offset)),
	)
	return nil
}

// Close flushes pending messages and shuts down the Kafka producer
func (p *Producer) Close() {
	p.logger.Info("Closing Kafka producer", "app", "task-service")
	p.kafkaProducer.Flush(5000)
	p.kafkaProducer.Close()
}
