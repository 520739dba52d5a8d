package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"task-service/domain"
	"task-service/domain/memstore"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var testNow = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	store *memstore.Store
	svc   *Service
	clock *fakeClock
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newFixture(t *testing.T, transactions bool, opts ...Option) *fixture {
	t.Helper()
	store := memstore.New()
	store.SetTransactions(transactions)
	return newFixtureWithStore(t, store, store, opts...)
}

func newFixtureWithStore(t *testing.T, mem *memstore.Store, store domain.Store, opts ...Option) *fixture {
	t.Helper()
	clock := &fakeClock{now: testNow}
	opts = append([]Option{WithClock(clock.Now), WithBcryptCost(bcrypt.MinCost)}, opts...)
	svc, err := New(store, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
	require.NoError(t, err)
	return &fixture{t: t, store: mem, svc: svc, clock: clock}
}

func (f *fixture) mechanic(id string, availability domain.Availability) *domain.Mechanic {
	f.t.Helper()
	m := &domain.Mechanic{
		ID:              id,
		MechanicID:      "MECH-" + id,
		Name:            "Mechanic " + id,
		Email:           id + "@roadride.test",
		Specializations: []domain.Specialization{domain.SpecBrakes},
		Availability:    availability,
		AssignedTasks:   []domain.AssignedTask{},
		IsActive:        true,
		CreatedAt:       testNow,
		UpdatedAt:       testNow,
	}
	require.NoError(f.t, f.store.CreateMechanic(context.Background(), m))
	return m
}

func (f *fixture) request(t domain.TaskType, id string, mutate ...func(*domain.ServiceRequest)) *domain.ServiceRequest {
	f.t.Helper()
	r := &domain.ServiceRequest{
		ID:           id,
		Type:         t,
		CustomerName: "Customer " + id,
		Phone:        "5550100",
		Description:  "flat tyre",
		Address:      "12 High Street",
		Location:     &domain.Location{Latitude: 51.5, Longitude: -0.12},
		ScheduledAt:  testNow.Add(24 * time.Hour),
		Status:       t.InitialStatus(),
		CreatedAt:    testNow,
		UpdatedAt:    testNow,
	}
	for _, fn := range mutate {
		fn(r)
	}
	require.NoError(f.t, f.store.CreateRequest(context.Background(), r))
	return r
}

func (f *fixture) getMechanic(id string) *domain.Mechanic {
	f.t.Helper()
	m, err := f.store.GetMechanicByID(context.Background(), id)
	require.NoError(f.t, err)
	return m
}

func (f *fixture) getRequest(t domain.TaskType, id string) *domain.ServiceRequest {
	f.t.Helper()
	r, err := f.store.GetRequest(context.Background(), t, id)
	require.NoError(f.t, err)
	return r
}

func (f *fixture) assign(mechanicID string, t domain.TaskType, taskID string) {
	f.t.Helper()
	_, err := f.svc.Assign(context.Background(), AssignInput{MechanicID: mechanicID, TaskID: taskID, TaskType: string(t)})
	require.NoError(f.t, err)
}

func (f *fixture) setStatus(mechanicID string, t domain.TaskType, taskID, status string) (*domain.ServiceRequest, error) {
	return f.svc.UpdateStatus(context.Background(), StatusInput{
		TaskID:     taskID,
		TaskType:   string(t),
		Status:     status,
		MechanicID: mechanicID,
	})
}

// faultyStore injects failures into selected write paths.
type faultyStore struct {
	*memstore.Store
	claimErr      error
	pullErr       error
	assignmentErr error
	ratingErr     error
}

func (s *faultyStore) ClaimRequest(ctx context.Context, t domain.TaskType, id, mechanicID string, status domain.RequestStatus, at time.Time) (bool, error) {
	if s.claimErr != nil {
		return false, s.claimErr
	}
	return s.Store.ClaimRequest(ctx, t, id, mechanicID, status, at)
}

func (s *faultyStore) PullAssignment(ctx context.Context, mechanicID, taskID string, at time.Time) error {
	if s.pullErr != nil {
		return s.pullErr
	}
	return s.Store.PullAssignment(ctx, mechanicID, taskID, at)
}

func (s *faultyStore) SetAssignmentStatus(ctx context.Context, mechanicID, taskID string, status domain.TaskStatus, count bool, at time.Time) error {
	if s.assignmentErr != nil {
		return s.assignmentErr
	}
	return s.Store.SetAssignmentStatus(ctx, mechanicID, taskID, status, count, at)
}

func (s *faultyStore) AddRating(ctx context.Context, mechanicID string, rating int, at time.Time) error {
	if s.ratingErr != nil {
		return s.ratingErr
	}
	return s.Store.AddRating(ctx, mechanicID, rating, at)
}

var errStoreDown = errors.New("connection reset by peer")
