package service

import (
	"context"
	"log/slog"
	"time"

	"task-service/domain"
	"task-service/events"
	"task-service/lock"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	assignLockTTL = 30 * time.Second
	// claimGrace is how long the sweep keeps a pushed entry whose task is
	// still unclaimed.
	claimGrace = assignLockTTL
	// availabilityAttempts bounds the compare-and-swap retries of a manual
	// availability change.
	availabilityAttempts = 5
)

// Service implements assignment, task lifecycle and dashboard reads over a
// domain.Store.
type Service struct {
	store      domain.Store
	locker     lock.Locker
	codec      *events.Codec
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	bcryptCost int
	admin      AdminCredentials
}

// AdminCredentials is the single back-office account.
type AdminCredentials struct {
	Email        string
	PasswordHash string
}

type Option func(*Service)

// WithLocker sets the per-task lock taken around assignment.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithBcryptCost(cost int) Option {
	return func(s *Service) { s.bcryptCost = cost }
}

func WithAdmin(creds AdminCredentials) Option {
	return func(s *Service) { s.admin = creds }
}

// New creates a new instance of the task service
func New(store domain.Store, logger *slog.Logger, opts ...Option) (*Service, error) {
	codec, err := events.NewCodec()
	if err != nil {
		return nil, err
	}
	s := &Service{
		store:  store,
		locker: lock.Nop{},
		codec:  codec,
		tracer: otel.Tracer("task-service"),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Store exposes the underlying store for components sharing it (outbox processor, health checks).
func (s *Service) Store() domain.Store {
	return s.store
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// outboxEvent encodes a task event ready to be stored in the outbox.
func (s *Service) outboxEvent(eventType string, task *domain.ServiceRequest, mechanicID string, status, previous string, notes *string, at time.Time) (*domain.OutboxEvent, error) {
	e := &events.TaskEvent{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		TaskID:         task.ID,
		TaskType:       string(task.Type),
		MechanicID:     mechanicID,
		Status:         status,
		PreviousStatus: strPtr(previous),
		Notes:          notes,
		OccurredAt:     at,
	}
	payload, err := s.codec.Encode(e)
	if err != nil {
		return nil, err
	}
	return &domain.OutboxEvent{
		ID:        e.EventID,
		EventType: eventType,
		Key:       task.ID,
		Payload:   payload,
		CreatedAt: at,
	}, nil
}

// emit stores an event outside of any transaction. A failure is logged and
// swallowed because the state change it describes has already happened.
func (s *Service) emit(ctx context.Context, event *domain.OutboxEvent, err error) {
	if err == nil {
		err = s.store.SaveOutboxEvent(ctx, event)
	}
	if err != nil {
		s.logger.Warn("Failed to save outbox event", "error", err, "app", "task-service")
	}
}

func (s *Service) inTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.store.SupportsTransactions() {
		return fn(ctx)
	}
	return s.store.WithTransaction(ctx, fn)
}
