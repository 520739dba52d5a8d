// Package memstore is an in-process domain.Store used by tests and by
// `serve --store=memory`. Writes are guarded exactly like the MongoDB
// repository so the service layer sees the same conflict behaviour.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"task-service/domain"
)

type txKey struct{}

// Store keeps every collection in maps behind a single mutex.
type Store struct {
	// txMu is held exclusively by a running transaction and shared by
	// standalone operations, so a transaction never interleaves with them.
	txMu sync.RWMutex
	mu   sync.Mutex

	transactions  bool
	mechanics     map[string]*domain.Mechanic
	requests      map[domain.TaskType]map[string]*domain.ServiceRequest
	outbox        []*domain.OutboxEvent
	compensations map[string]*domain.Compensation

	subs    map[int]subscriber
	nextSub int
	pending []domain.TaskChange
}

type subscriber struct {
	mechanicID string
	ch         chan domain.TaskChange
}

// New returns an empty store. Transactions are enabled by default.
func New() *Store {
	s := &Store{
		transactions:  true,
		mechanics:     make(map[string]*domain.Mechanic),
		requests:      make(map[domain.TaskType]map[string]*domain.ServiceRequest),
		compensations: make(map[string]*domain.Compensation),
		subs:          make(map[int]subscriber),
	}
	for _, t := range domain.TaskTypes {
		s.requests[t] = make(map[string]*domain.ServiceRequest)
	}
	return s
}

// SetTransactions toggles multi-document transaction support, mimicking a
// standalone MongoDB server when off.
func (s *Store) SetTransactions(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions = on
}

func (s *Store) SupportsTransactions() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactions
}

func inTx(ctx context.Context) bool {
	return ctx.Value(txKey{}) != nil
}

func (s *Store) lock(ctx context.Context) func() {
	if inTx(ctx) {
		s.mu.Lock()
		return s.mu.Unlock
	}
	s.txMu.RLock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.RUnlock()
	}
}

type snapshot struct {
	mechanics     map[string]*domain.Mechanic
	requests      map[domain.TaskType]map[string]*domain.ServiceRequest
	outbox        []*domain.OutboxEvent
	compensations map[string]*domain.Compensation
}

func (s *Store) snapshot() snapshot {
	snap := snapshot{
		mechanics:     make(map[string]*domain.Mechanic, len(s.mechanics)),
		requests:      make(map[domain.TaskType]map[string]*domain.ServiceRequest, len(s.requests)),
		outbox:        make([]*domain.OutboxEvent, 0, len(s.outbox)),
		compensations: make(map[string]*domain.Compensation, len(s.compensations)),
	}
	for id, m := range s.mechanics {
		snap.mechanics[id] = copyMechanic(m)
	}
	for t, byID := range s.requests {
		c := make(map[string]*domain.ServiceRequest, len(byID))
		for id, r := range byID {
			c[id] = copyRequest(r)
		}
		snap.requests[t] = c
	}
	for _, e := range s.outbox {
		ev := *e
		snap.outbox = append(snap.outbox, &ev)
	}
	for id, c := range s.compensations {
		cc := *c
		snap.compensations[id] = &cc
	}
	return snap
}

func (s *Store) restore(snap snapshot) {
	s.mechanics = snap.mechanics
	s.requests = snap.requests
	s.outbox = snap.outbox
	s.compensations = snap.compensations
}

// WithTransaction runs fn with exclusive access and rolls every write back if
// fn fails. Change notifications are delivered only after commit.
func (s *Store) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if inTx(ctx) {
		return fn(ctx)
	}
	if !s.SupportsTransactions() {
		return domain.ErrTransactionsUnsupported
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snap := s.snapshot()
	s.pending = nil
	s.mu.Unlock()

	err := fn(context.WithValue(ctx, txKey{}, true))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.restore(snap)
		s.pending = nil
		return err
	}
	for _, c := range s.pending {
		s.publish(c)
	}
	s.pending = nil
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }

func copyMechanic(m *domain.Mechanic) *domain.Mechanic {
	c := *m
	c.AssignedTasks = append([]domain.AssignedTask(nil), m.AssignedTasks...)
	c.Specializations = append([]domain.Specialization(nil), m.Specializations...)
	if m.Location != nil {
		loc := *m.Location
		c.Location = &loc
	}
	return &c
}

func copyRequest(r *domain.ServiceRequest) *domain.ServiceRequest {
	c := *r
	if r.Location != nil {
		loc := *r.Location
		c.Location = &loc
	}
	return &c
}

func timePtr(t time.Time) *time.Time { return &t }

// ---- mechanics ----

func (s *Store) GetMechanicByID(ctx context.Context, id string) (*domain.Mechanic, error) {
	defer s.lock(ctx)()
	m, ok := s.mechanics[id]
	if !ok {
		return nil, domain.ErrMechanicNotFound
	}
	return copyMechanic(m), nil
}

func (s *Store) GetMechanicByEmail(ctx context.Context, email string) (*domain.Mechanic, error) {
	defer s.lock(ctx)()
	for _, m := range s.mechanics {
		if m.Email == email {
			return copyMechanic(m), nil
		}
	}
	return nil, domain.ErrMechanicNotFound
}

func (s *Store) ListMechanics(ctx context.Context) ([]*domain.Mechanic, error) {
	defer s.lock(ctx)()
	out := make([]*domain.Mechanic, 0, len(s.mechanics))
	for _, m := range s.mechanics {
		out = append(out, copyMechanic(m))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountMechanicsByAvailability(ctx context.Context) (map[domain.Availability]int64, error) {
	defer s.lock(ctx)()
	counts := make(map[domain.Availability]int64)
	for _, m := range s.mechanics {
		if m.IsActive {
			counts[m.Availability]++
		}
	}
	return counts, nil
}

func (s *Store) CreateMechanic(ctx context.Context, m *domain.Mechanic) error {
	defer s.lock(ctx)()
	for _, existing := range s.mechanics {
		if existing.ID == m.ID || existing.Email == m.Email || existing.MechanicID == m.MechanicID {
			return domain.ErrDuplicateMechanic
		}
	}
	s.mechanics[m.ID] = copyMechanic(m)
	return nil
}

func (s *Store) PushAssignment(ctx context.Context, mechanicID string, entry domain.AssignedTask, at time.Time) error {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok || !m.IsActive || m.Availability != domain.Available {
		return domain.ErrMechanicUnavailable
	}
	m.AssignedTasks = append(m.AssignedTasks, entry)
	m.Availability = domain.Busy
	m.UpdatedAt = at
	m.Version++
	return nil
}

func (s *Store) PullAssignment(ctx context.Context, mechanicID, taskID string, at time.Time) error {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok {
		return nil
	}
	kept := m.AssignedTasks[:0:0]
	removed := false
	for _, t := range m.AssignedTasks {
		if t.TaskID == taskID && t.Status == domain.TaskAssigned {
			removed = true
			continue
		}
		kept = append(kept, t)
	}
	if !removed {
		return nil
	}
	m.AssignedTasks = kept
	if m.Availability == domain.Busy {
		m.Availability = domain.Available
	}
	m.UpdatedAt = at
	m.Version++
	return nil
}

func (s *Store) SetAssignmentStatus(ctx context.Context, mechanicID, taskID string, status domain.TaskStatus, countCompletion bool, at time.Time) error {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok {
		return domain.ErrAssignmentMissing
	}
	for i := range m.AssignedTasks {
		if m.AssignedTasks[i].TaskID != taskID {
			continue
		}
		if countCompletion && m.AssignedTasks[i].Status != domain.TaskCompleted {
			m.CompletedTasks++
		}
		m.AssignedTasks[i].Status = status
		m.UpdatedAt = at
		m.Version++
		return nil
	}
	return domain.ErrAssignmentMissing
}

func (s *Store) SetAvailability(ctx context.Context, mechanicID string, from []domain.Availability, to domain.Availability, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if m.Availability == f {
			m.Availability = to
			m.UpdatedAt = at
			m.Version++
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SwapAvailability(ctx context.Context, mechanicID string, version int64, to domain.Availability, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok || m.Version != version {
		return false, nil
	}
	m.Availability = to
	m.UpdatedAt = at
	m.Version++
	return true, nil
}

func (s *Store) ReplaceAssignments(ctx context.Context, mechanicID string, version int64, index domain.TaskIndex, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok || m.Version != version {
		return false, nil
	}
	m.AssignedTasks = append([]domain.AssignedTask{}, index.AssignedTasks...)
	m.Availability = index.Availability
	m.CompletedTasks = index.CompletedTasks
	m.UpdatedAt = at
	m.Version++
	return true, nil
}

func (s *Store) AddRating(ctx context.Context, mechanicID string, rating int, at time.Time) error {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok {
		return domain.ErrMechanicNotFound
	}
	m.Rating = (m.Rating*float64(m.RatingCount) + float64(rating)) / float64(m.RatingCount+1)
	m.RatingCount++
	m.UpdatedAt = at
	m.Version++
	return nil
}

func (s *Store) DeactivateMechanic(ctx context.Context, mechanicID string, at time.Time) error {
	defer s.lock(ctx)()
	m, ok := s.mechanics[mechanicID]
	if !ok {
		return domain.ErrMechanicNotFound
	}
	m.IsActive = false
	m.Availability = domain.Offline
	m.UpdatedAt = at
	m.Version++
	return nil
}

// ---- service requests ----

func (s *Store) collection(t domain.TaskType) (map[string]*domain.ServiceRequest, error) {
	c, ok := s.requests[t]
	if !ok {
		return nil, domain.ErrInvalidTaskType
	}
	return c, nil
}

func (s *Store) GetRequest(ctx context.Context, taskType domain.TaskType, id string) (*domain.ServiceRequest, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return nil, err
	}
	r, ok := c[id]
	if !ok {
		return nil, domain.ErrTaskNotFound
	}
	return copyRequest(r), nil
}

func (s *Store) CreateRequest(ctx context.Context, r *domain.ServiceRequest) error {
	defer s.lock(ctx)()
	c, err := s.collection(r.Type)
	if err != nil {
		return err
	}
	c[r.ID] = copyRequest(r)
	s.notify(ctx, "insert", c[r.ID])
	return nil
}

func (s *Store) ClaimRequest(ctx context.Context, taskType domain.TaskType, id, mechanicID string, status domain.RequestStatus, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return false, err
	}
	r, ok := c[id]
	if !ok || r.AssignedMechanic != "" || r.Status != taskType.InitialStatus() {
		return false, nil
	}
	r.AssignedMechanic = mechanicID
	r.Status = status
	r.AssignedAt = timePtr(at)
	r.UpdatedAt = at
	s.notify(ctx, "update", r)
	return true, nil
}

func (s *Store) TransitionRequest(ctx context.Context, taskType domain.TaskType, id string, t domain.Transition) (bool, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return false, err
	}
	r, ok := c[id]
	if !ok || r.AssignedMechanic != t.MechanicID || r.Status != t.From {
		return false, nil
	}
	r.Status = t.To
	r.UpdatedAt = t.At
	if t.Notes != nil {
		r.MechanicNotes = *t.Notes
	}
	if ts, ok := taskType.TaskStatusOf(t.To); ok && t.From != t.To {
		switch {
		case ts == domain.TaskInProgress:
			r.StartedAt = timePtr(t.At)
		case ts.Terminal():
			r.CompletedAt = timePtr(t.At)
		}
	}
	s.notify(ctx, "update", r)
	return true, nil
}

func (s *Store) ListRequestsByMechanic(ctx context.Context, taskType domain.TaskType, mechanicID string) ([]*domain.ServiceRequest, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return nil, err
	}
	var out []*domain.ServiceRequest
	for _, r := range c {
		if r.AssignedMechanic == mechanicID {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CountActiveTasks(ctx context.Context, mechanicID string) (int64, error) {
	defer s.lock(ctx)()
	var n int64
	for t, c := range s.requests {
		active := t.ActiveStatuses()
		for _, r := range c {
			if r.AssignedMechanic != mechanicID {
				continue
			}
			for _, st := range active {
				if r.Status == st {
					n++
					break
				}
			}
		}
	}
	return n, nil
}

func (s *Store) CountByStatus(ctx context.Context, taskType domain.TaskType, mechanicID string) (map[domain.RequestStatus]int64, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return nil, err
	}
	counts := make(map[domain.RequestStatus]int64)
	for _, r := range c {
		if mechanicID != "" && r.AssignedMechanic != mechanicID {
			continue
		}
		counts[r.Status]++
	}
	return counts, nil
}

func (s *Store) RateRequest(ctx context.Context, taskType domain.TaskType, id string, rating int, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	c, err := s.collection(taskType)
	if err != nil {
		return false, err
	}
	r, ok := c[id]
	if !ok || r.AssignedMechanic == "" || r.Rating != 0 || r.Status != taskType.RequestStatusFor(domain.TaskCompleted) {
		return false, nil
	}
	r.Rating = rating
	r.UpdatedAt = at
	s.notify(ctx, "update", r)
	return true, nil
}

// ---- outbox & compensations ----

func (s *Store) SaveOutboxEvent(ctx context.Context, event *domain.OutboxEvent) error {
	defer s.lock(ctx)()
	ev := *event
	s.outbox = append(s.outbox, &ev)
	return nil
}

func (s *Store) GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*domain.OutboxEvent, error) {
	defer s.lock(ctx)()
	var out []*domain.OutboxEvent
	for _, e := range s.outbox {
		if e.Processed {
			continue
		}
		ev := *e
		out = append(out, &ev)
		if limit > 0 && int64(len(out)) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	defer s.lock(ctx)()
	for _, e := range s.outbox {
		if e.ID == eventID {
			e.Processed = true
			e.ProcessedAt = timePtr(time.Now())
		}
	}
	return nil
}

func (s *Store) SaveCompensation(ctx context.Context, c *domain.Compensation) error {
	defer s.lock(ctx)()
	cc := *c
	s.compensations[c.ID] = &cc
	return nil
}

func (s *Store) ResolveCompensation(ctx context.Context, id string, state domain.CompensationState, errMsg string, at time.Time) error {
	defer s.lock(ctx)()
	c, ok := s.compensations[id]
	if !ok {
		return nil
	}
	c.State = state
	c.Error = errMsg
	c.ResolvedAt = timePtr(at)
	return nil
}

func (s *Store) ListCompensations(ctx context.Context, state domain.CompensationState) ([]*domain.Compensation, error) {
	defer s.lock(ctx)()
	var out []*domain.Compensation
	for _, c := range s.compensations {
		if state != "" && c.State != state {
			continue
		}
		cc := *c
		out = append(out, &cc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ---- change feed ----

// WatchTasks delivers changes to requests assigned to mechanicID. Slow
// receivers miss changes rather than blocking writers.
func (s *Store) WatchTasks(ctx context.Context, mechanicID string) (<-chan domain.TaskChange, error) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan domain.TaskChange, 16)
	s.subs[id] = subscriber{mechanicID: mechanicID, ch: ch}
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// notify must be called with mu held.
func (s *Store) notify(ctx context.Context, op string, r *domain.ServiceRequest) {
	if r.AssignedMechanic == "" {
		return
	}
	change := domain.TaskChange{Operation: op, Task: copyRequest(r)}
	if inTx(ctx) {
		s.pending = append(s.pending, change)
		return
	}
	s.publish(change)
}

func (s *Store) publish(change domain.TaskChange) {
	for _, sub := range s.subs {
		if sub.mechanicID != change.Task.AssignedMechanic {
			continue
		}
		select {
		case sub.ch <- change:
		default:
		}
	}
}

var _ domain.Store = (*Store)(nil)
