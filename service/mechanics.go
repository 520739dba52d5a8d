package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"task-service/auth"
	"task-service/domain"
	"task-service/events"

	"github.com/go-playground/validator/v10"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.opentelemetry.io/otel/attribute"
)

var validate = validator.New()

type RegisterInput struct {
	Name            string           `json:"name" validate:"required,min=2"`
	Email           string           `json:"email" validate:"required,email"`
	Phone           string           `json:"phone" validate:"required,min=7"`
	Password        string           `json:"password" validate:"required,min=8"`
	Specializations []string         `json:"specializations" validate:"required,min=1"`
	Experience      int              `json:"experience" validate:"gte=0,lte=60"`
	City            string           `json:"city" validate:"required"`
	Location        *domain.Location `json:"location"`
}

// RegisterMechanic creates an active, available mechanic account.
func (s *Service) RegisterMechanic(ctx context.Context, in RegisterInput) (*domain.Mechanic, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRegisterMechanic")
	defer span.End()

	if err := validate.Struct(in); err != nil {
		return nil, &domain.Error{Kind: domain.KindValidation, Msg: "invalid mechanic registration", Err: err}
	}
	specs := make([]domain.Specialization, 0, len(in.Specializations))
	for _, raw := range in.Specializations {
		spec, err := domain.ParseSpecialization(raw)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, err
	}
	code, err := mechanicCode(s.clock().UnixMilli())
	if err != nil {
		return nil, err
	}

	now := s.clock()
	m := &domain.Mechanic{
		ID:              primitive.NewObjectID().Hex(),
		MechanicID:      code,
		Name:            strings.TrimSpace(in.Name),
		Email:           strings.ToLower(strings.TrimSpace(in.Email)),
		Phone:           in.Phone,
		PasswordHash:    hash,
		Specializations: specs,
		Experience:      in.Experience,
		City:            in.City,
		Location:        in.Location,
		Availability:    domain.Available,
		AssignedTasks:   []domain.AssignedTask{},
		IsActive:        true,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.store.CreateMechanic(ctx, m); err != nil {
		fail(span, err, "Failed to create mechanic")
		return nil, err
	}
	span.SetAttributes(attribute.String("mechanicID", m.ID))
	s.logger.Info("Registered mechanic", "mechanicID", m.ID, "mechanicCode", m.MechanicID, "app", "task-service")
	return m, nil
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// mechanicCode builds MECH-<unix-ms>-<6 random upper alphanumerics>.
func mechanicCode(ms int64) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "MECH-%d-", ms)
	limit := big.NewInt(int64(len(codeAlphabet)))
	for range 6 {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate mechanic code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// DeactivateMechanic soft-deletes a mechanic. Mechanics still holding active
// tasks cannot be deactivated.
func (s *Service) DeactivateMechanic(ctx context.Context, mechanicID string) error {
	ctx, span := s.tracer.Start(ctx, "ServiceDeactivateMechanic")
	defer span.End()

	if _, err := s.store.GetMechanicByID(ctx, mechanicID); err != nil {
		return err
	}
	active, err := s.store.CountActiveTasks(ctx, mechanicID)
	if err != nil {
		fail(span, err, "Failed to count active tasks")
		return fmt.Errorf("failed to count active tasks: %w", err)
	}
	if active > 0 {
		return domain.ErrMechanicHasActiveTasks
	}
	if err := s.store.DeactivateMechanic(ctx, mechanicID, s.clock()); err != nil {
		fail(span, err, "Failed to deactivate mechanic")
		return err
	}
	s.logger.Info("Deactivated mechanic", "mechanicID", mechanicID, "app", "task-service")
	return nil
}

// AuthenticateMechanic checks a mechanic's email and password.
func (s *Service) AuthenticateMechanic(ctx context.Context, email, password string) (*domain.Mechanic, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceAuthenticateMechanic")
	defer span.End()

	m, err := s.store.GetMechanicByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, domain.ErrMechanicNotFound) {
		return nil, domain.ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	ok, err := auth.CheckPassword(m.PasswordHash, password)
	if err != nil || !ok {
		s.logger.Info("Mechanic login rejected", "mechanicID", m.ID, "app", "task-service")
		return nil, domain.ErrInvalidCredentials
	}
	if !m.IsActive {
		return nil, domain.ErrMechanicInactive
	}
	return m, nil
}

// AuthenticateAdmin checks the configured admin account.
func (s *Service) AuthenticateAdmin(_ context.Context, email, password string) error {
	if s.admin.PasswordHash == "" || !strings.EqualFold(strings.TrimSpace(email), s.admin.Email) {
		return domain.ErrInvalidCredentials
	}
	ok, err := auth.CheckPassword(s.admin.PasswordHash, password)
	if err != nil || !ok {
		return domain.ErrInvalidCredentials
	}
	return nil
}

// SetAvailability applies a manual availability change. Offline is always
// accepted. Available and busy both mean "online" and resolve to busy while
// the mechanic has active tasks, available otherwise.
func (s *Service) SetAvailability(ctx context.Context, mechanicID, requested string) (*domain.Mechanic, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceSetAvailability")
	defer span.End()

	want, err := domain.ParseAvailability(requested)
	if err != nil {
		return nil, err
	}
	// the write is conditional on the version read before counting, so an
	// assignment landing in between forces a recount
	var to domain.Availability
	for attempt := 1; ; attempt++ {
		m, err := s.store.GetMechanicByID(ctx, mechanicID)
		if err != nil {
			return nil, err
		}
		if !m.IsActive {
			return nil, domain.ErrMechanicInactive
		}

		to = domain.Offline
		if want != domain.Offline {
			active, err := s.store.CountActiveTasks(ctx, mechanicID)
			if err != nil {
				fail(span, err, "Failed to count active tasks")
				return nil, fmt.Errorf("failed to count active tasks: %w", err)
			}
			to = domain.ComputedAvailability(domain.Available, active)
		}
		ok, err := s.store.SwapAvailability(ctx, mechanicID, m.Version, to, s.clock())
		if err != nil {
			fail(span, err, "Failed to set availability")
			return nil, err
		}
		if ok {
			break
		}
		if attempt == availabilityAttempts {
			fail(span, domain.ErrMechanicChanged, "Availability change kept conflicting")
			return nil, domain.ErrMechanicChanged
		}
		s.logger.Debug("Mechanic changed during availability update, retrying", "mechanicID", mechanicID, "attempt", attempt, "app", "task-service")
	}
	if to != want {
		s.logger.Info("Requested availability resolved to computed value", "mechanicID", mechanicID, "requested", want, "applied", to, "app", "task-service")
	}
	span.SetAttributes(attribute.String("availability", string(to)))
	return s.store.GetMechanicByID(ctx, mechanicID)
}

// GetMechanic returns one mechanic profile.
func (s *Service) GetMechanic(ctx context.Context, mechanicID string) (*domain.Mechanic, error) {
	return s.store.GetMechanicByID(ctx, mechanicID)
}

type RouteInfo struct {
	TaskID           string           `json:"taskId"`
	TaskType         domain.TaskType  `json:"taskType"`
	CustomerName     string           `json:"customerName"`
	Phone            string           `json:"phone"`
	Address          string           `json:"address"`
	Destination      *domain.Location `json:"destination,omitempty"`
	MechanicLocation *domain.Location `json:"mechanicLocation,omitempty"`
}

// RouteInfo returns the stored coordinates of a task for its assigned mechanic.
func (s *Service) RouteInfo(ctx context.Context, mechanicID, taskType, taskID string) (*RouteInfo, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRouteInfo")
	defer span.End()

	t, err := domain.ParseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	task, err := s.store.GetRequest(ctx, t, taskID)
	if err != nil {
		return nil, err
	}
	if task.AssignedMechanic != mechanicID {
		return nil, domain.ErrNotAssignedToCaller
	}
	m, err := s.store.GetMechanicByID(ctx, mechanicID)
	if err != nil {
		return nil, err
	}
	return &RouteInfo{
		TaskID:           task.ID,
		TaskType:         t,
		CustomerName:     task.CustomerName,
		Phone:            task.Phone,
		Address:          task.Address,
		Destination:      task.Location,
		MechanicLocation: m.Location,
	}, nil
}

// RateTask records a customer's 1-5 rating for a completed task and folds it
// into the mechanic's average. Each task can be rated once.
func (s *Service) RateTask(ctx context.Context, taskType, taskID string, rating int) (*domain.ServiceRequest, error) {
	ctx, span := s.tracer.Start(ctx, "ServiceRateTask")
	defer span.End()

	t, err := domain.ParseTaskType(taskType)
	if err != nil {
		return nil, err
	}
	if rating < 1 || rating > 5 {
		return nil, domain.Invalid("rating must be between 1 and 5")
	}
	task, err := s.store.GetRequest(ctx, t, taskID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	err = s.inTransaction(ctx, func(ctx context.Context) error {
		ok, err := s.store.RateRequest(ctx, t, taskID, rating, now)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrTaskNotRateable
		}
		if err := s.store.AddRating(ctx, task.AssignedMechanic, rating, now); err != nil {
			if s.store.SupportsTransactions() {
				return err
			}
			// the task already carries the rating and cannot be rated again
			s.consistencyWarning("rating", "Failed to fold rating into mechanic average", err, task.AssignedMechanic, taskID)
		}
		event, err := s.outboxEvent(events.TypeTaskRated, task, task.AssignedMechanic, string(task.Status), "", strPtr(fmt.Sprintf("rating=%d", rating)), now)
		if err != nil {
			return err
		}
		return s.store.SaveOutboxEvent(ctx, event)
	})
	if err != nil {
		fail(span, err, "Failed to rate task")
		return nil, err
	}
	s.logger.Info("Rated task", "taskID", taskID, "mechanicID", task.AssignedMechanic, "rating", rating, "app", "task-service")
	task.Rating = rating
	return task, nil
}

// WatchTasks streams changes to the mechanic's tasks until ctx is cancelled.
func (s *Service) WatchTasks(ctx context.Context, mechanicID string) (<-chan domain.TaskChange, error) {
	if _, err := s.store.GetMechanicByID(ctx, mechanicID); err != nil {
		return nil, err
	}
	return s.store.WatchTasks(ctx, mechanicID)
}
