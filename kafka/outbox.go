package kafka

import (
	"context"
	"log/slog"
	"time"

	"task-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const outboxBatch = 100

// Publisher is satisfied by Producer.
type Publisher interface {
	PublishOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error
}

// OutboxProcessor processes events from the outbox collection
type OutboxProcessor struct {
	repo      domain.OutboxRepository
	publisher Publisher
	interval  time.Duration
	logger    *slog.Logger
}

// NewOutboxProcessor creates a new OutboxProcessor
func NewOutboxProcessor(repo domain.OutboxRepository, publisher Publisher, interval time.Duration, logger *slog.Logger) *OutboxProcessor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &OutboxProcessor{
		repo:      repo,
		publisher: publisher,
		interval:  interval,
		logger:    logger,
	}
}

// Start begins processing outbox events
func (p *OutboxProcessor) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Stopping outbox processor", "app", "task-service")
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.ProcessOutboxEvents(ctx); err != nil {
				p.logger.Error("Failed to process outbox events", "error", err, "app", "task-service")
			}
		}
	}
}

// ProcessOutboxEvents publishes one batch of unprocessed events in order. It
// stops at the first publish failure so later events are not sent ahead of it.
func (p *OutboxProcessor) ProcessOutboxEvents(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("task-service").Start(ctx, "ProcessOutboxEvents")
	defer span.End()

	events, err := p.repo.GetUnprocessedOutboxEvents(ctx, outboxBatch)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get unprocessed outbox events")
		return 0, err
	}

	processed := 0
	for _, event := range events {
		if err := p.publisher.PublishOutboxEvent(ctx, event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to publish outbox event")
			p.logger.Error("Failed to publish outbox event", "eventID", event.ID, "error", err, "app", "task-service")
			break
		}
		if err := p.repo.MarkOutboxEventProcessed(ctx, event.ID); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to mark outbox event as processed")
			p.logger.Error("Failed to mark outbox event as processed", "eventID", event.ID, "error", err, "app", "task-service")
			break
		}
		processed++
	}

	span.SetAttributes(attribute.Int("processedEventCount", processed))
	return processed, nil
}
