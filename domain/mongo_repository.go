package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "task-service"

// MongoRepository implements Store on MongoDB
type MongoRepository struct {
	client                 *mongo.Client
	MechanicCollection     *mongo.Collection
	OutboxCollection       *mongo.Collection
	CompensationCollection *mongo.Collection
	requestCollections     map[TaskType]*mongo.Collection
	transactions           bool
}

// NewMongoRepository creates a new MongoRepository. transactions must only be
// set when the deployment is a replica set or sharded cluster.
func NewMongoRepository(client *mongo.Client, database string, transactions bool) *MongoRepository {
	db := client.Database(database)
	requests := make(map[TaskType]*mongo.Collection, len(TaskTypes))
	for _, t := range TaskTypes {
		requests[t] = db.Collection(t.Collection())
	}
	return &MongoRepository{
		client:                 client,
		MechanicCollection:     db.Collection("mechanics"),
		OutboxCollection:       db.Collection("outbox"),
		CompensationCollection: db.Collection("compensations"),
		requestCollections:     requests,
		transactions:           transactions,
	}
}

// DetectTransactions reports whether the connected deployment is a replica set.
func DetectTransactions(ctx context.Context, client *mongo.Client) bool {
	var result struct {
		Ok int `bson:"ok"`
	}
	err := client.Database("admin").RunCommand(ctx, bson.D{
		{Key: "replSetGetStatus", Value: 1},
	}).Decode(&result)
	return err == nil && result.Ok == 1
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name)
}

func fail(span trace.Span, err error, msg string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}

func (r *MongoRepository) requests(t TaskType) (*mongo.Collection, error) {
	c, ok := r.requestCollections[t]
	if !ok {
		return nil, ErrInvalidTaskType
	}
	return c, nil
}

// EnsureIndexes creates the indexes the queries below rely on.
func (r *MongoRepository) EnsureIndexes(ctx context.Context) error {
	ctx, span := startSpan(ctx, "MongoEnsureIndexes")
	defer span.End()

	_, err := r.MechanicCollection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "mechanicId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "availability", Value: 1}}},
	})
	if err != nil {
		fail(span, err, "Failed to create mechanic indexes")
		return fmt.Errorf("failed to create mechanic indexes: %w", err)
	}
	for t, c := range r.requestCollections {
		_, err := c.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: "assignedMechanic", Value: 1}, {Key: "status", Value: 1}},
		})
		if err != nil {
			fail(span, err, "Failed to create request index")
			return fmt.Errorf("failed to create %s index: %w", t, err)
		}
	}
	_, err = r.OutboxCollection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "processed", Value: 1}, {Key: "created_at", Value: 1}},
	})
	if err != nil {
		fail(span, err, "Failed to create outbox index")
		return fmt.Errorf("failed to create outbox index: %w", err)
	}
	return nil
}

// Ping checks connectivity to the primary
func (r *MongoRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx, nil)
}

// SupportsTransactions reports whether WithTransaction is usable
func (r *MongoRepository) SupportsTransactions() bool {
	return r.transactions
}

// WithTransaction runs fn inside a multi-document transaction. Transient
// errors (write conflicts) are retried by the driver.
func (r *MongoRepository) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, span := startSpan(ctx, "MongoWithTransaction")
	defer span.End()

	if !r.transactions {
		return ErrTransactionsUnsupported
	}
	session, err := r.client.StartSession()
	if err != nil {
		fail(span, err, "Failed to start MongoDB session")
		return fmt.Errorf("failed to start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	if err != nil {
		fail(span, err, "Transaction failed")
		return err
	}
	return nil
}

// GetMechanicByID retrieves a mechanic by ID
func (r *MongoRepository) GetMechanicByID(ctx context.Context, id string) (*Mechanic, error) {
	ctx, span := startSpan(ctx, "MongoGetMechanicByID")
	defer span.End()

	var mechanic Mechanic
	err := r.MechanicCollection.FindOne(ctx, bson.M{"_id": id}).Decode(&mechanic)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMechanicNotFound
	}
	if err != nil {
		fail(span, err, "Failed to find mechanic")
		return nil, fmt.Errorf("failed to find mechanic: %w", err)
	}
	span.SetAttributes(
		attribute.String("mechanicID", id),
		attribute.String("availability", string(mechanic.Availability)),
	)
	return &mechanic, nil
}

// GetMechanicByEmail retrieves a mechanic by login email
func (r *MongoRepository) GetMechanicByEmail(ctx context.Context, email string) (*Mechanic, error) {
	ctx, span := startSpan(ctx, "MongoGetMechanicByEmail")
	defer span.End()

	var mechanic Mechanic
	err := r.MechanicCollection.FindOne(ctx, bson.M{"email": email}).Decode(&mechanic)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrMechanicNotFound
	}
	if err != nil {
		fail(span, err, "Failed to find mechanic")
		return nil, fmt.Errorf("failed to find mechanic: %w", err)
	}
	return &mechanic, nil
}

// ListMechanics retrieves all mechanics, active or not
func (r *MongoRepository) ListMechanics(ctx context.Context) ([]*Mechanic, error) {
	ctx, span := startSpan(ctx, "MongoListMechanics")
	defer span.End()

	cursor, err := r.MechanicCollection.Find(ctx, bson.M{})
	if err != nil {
		fail(span, err, "Failed to find mechanics")
		return nil, fmt.Errorf("failed to find mechanics: %w", err)
	}
	defer cursor.Close(ctx)

	var mechanics []*Mechanic
	if err := cursor.All(ctx, &mechanics); err != nil {
		fail(span, err, "Failed to decode mechanics")
		return nil, fmt.Errorf("failed to decode mechanics: %w", err)
	}
	span.SetAttributes(attribute.Int("mechanicCount", len(mechanics)))
	return mechanics, nil
}

// CountMechanicsByAvailability groups active mechanics by availability
func (r *MongoRepository) CountMechanicsByAvailability(ctx context.Context) (map[Availability]int64, error) {
	ctx, span := startSpan(ctx, "MongoCountMechanicsByAvailability")
	defer span.End()

	rows, err := groupCount(ctx, r.MechanicCollection, bson.M{"isActive": true}, "$availability")
	if err != nil {
		fail(span, err, "Failed to count mechanics")
		return nil, fmt.Errorf("failed to count mechanics: %w", err)
	}
	counts := make(map[Availability]int64, len(rows))
	for k, v := range rows {
		counts[Availability(k)] = v
	}
	return counts, nil
}

// CreateMechanic inserts a new mechanic
func (r *MongoRepository) CreateMechanic(ctx context.Context, m *Mechanic) error {
	ctx, span := startSpan(ctx, "MongoCreateMechanic")
	defer span.End()

	if _, err := r.MechanicCollection.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateMechanic
		}
		fail(span, err, "Failed to insert mechanic")
		return fmt.Errorf("failed to insert mechanic: %w", err)
	}
	span.SetAttributes(
		attribute.String("mechanicID", m.ID),
		attribute.String("mechanicCode", m.MechanicID),
	)
	return nil
}

// PushAssignment appends an assignment entry to an active, available mechanic
func (r *MongoRepository) PushAssignment(ctx context.Context, mechanicID string, entry AssignedTask, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoPushAssignment")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.String("taskID", entry.TaskID),
	)

	filter := bson.M{"_id": mechanicID, "isActive": true, "availability": Available}
	update := bson.M{
		"$push": bson.M{"assignedTasks": entry},
		"$set":  bson.M{"availability": Busy, "updatedAt": at},
		"$inc":  bson.M{"version": 1},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to push assignment")
		return fmt.Errorf("failed to push assignment: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrMechanicUnavailable
	}
	return nil
}

// PullAssignment undoes PushAssignment
func (r *MongoRepository) PullAssignment(ctx context.Context, mechanicID, taskID string, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoPullAssignment")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.String("taskID", taskID),
	)

	filter := bson.M{
		"_id":           mechanicID,
		"assignedTasks": bson.M{"$elemMatch": bson.M{"taskId": taskID, "status": TaskAssigned}},
	}
	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "assignedTasks", Value: bson.M{"$filter": bson.M{
				"input": "$assignedTasks",
				"as":    "t",
				"cond": bson.M{"$not": bson.A{bson.M{"$and": bson.A{
					bson.M{"$eq": bson.A{"$$t.taskId", taskID}},
					bson.M{"$eq": bson.A{"$$t.status", TaskAssigned}},
				}}}},
			}}},
			{Key: "availability", Value: bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$availability", Busy}}, Available, "$availability",
			}}},
			{Key: "updatedAt", Value: at},
			{Key: "version", Value: bson.M{"$add": bson.A{"$version", 1}}},
		}}},
	}
	if _, err := r.MechanicCollection.UpdateOne(ctx, filter, update); err != nil {
		fail(span, err, "Failed to pull assignment")
		return fmt.Errorf("failed to pull assignment: %w", err)
	}
	return nil
}

// SetAssignmentStatus mirrors a task status change into the mechanic's index
func (r *MongoRepository) SetAssignmentStatus(ctx context.Context, mechanicID, taskID string, status TaskStatus, countCompletion bool, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoSetAssignmentStatus")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.String("taskID", taskID),
		attribute.String("status", string(status)),
	)

	inc := bson.M{"version": 1}
	filter := bson.M{"_id": mechanicID, "assignedTasks.taskId": taskID}
	if countCompletion {
		inc["completedTasks"] = 1
		filter = bson.M{
			"_id":           mechanicID,
			"assignedTasks": bson.M{"$elemMatch": bson.M{"taskId": taskID, "status": bson.M{"$ne": TaskCompleted}}},
		}
	}
	update := bson.M{
		"$set": bson.M{"assignedTasks.$.status": status, "updatedAt": at},
		"$inc": inc,
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to update assignment status")
		return fmt.Errorf("failed to update assignment status: %w", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	if countCompletion {
		// already completed, counted by whoever completed it
		n, err := r.MechanicCollection.CountDocuments(ctx, bson.M{
			"_id":           mechanicID,
			"assignedTasks": bson.M{"$elemMatch": bson.M{"taskId": taskID, "status": TaskCompleted}},
		})
		if err != nil {
			fail(span, err, "Failed to check assignment status")
			return fmt.Errorf("failed to check assignment status: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
	return ErrAssignmentMissing
}

// SetAvailability performs a guarded availability change
func (r *MongoRepository) SetAvailability(ctx context.Context, mechanicID string, from []Availability, to Availability, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "MongoSetAvailability")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.String("availability", string(to)),
	)

	filter := bson.M{"_id": mechanicID, "availability": bson.M{"$in": from}}
	update := bson.M{
		"$set": bson.M{"availability": to, "updatedAt": at},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to set availability")
		return false, fmt.Errorf("failed to set availability: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// SwapAvailability is the compare-and-swap availability write used for manual changes
func (r *MongoRepository) SwapAvailability(ctx context.Context, mechanicID string, version int64, to Availability, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "MongoSwapAvailability")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.String("availability", string(to)),
		attribute.Int64("version", version),
	)

	filter := bson.M{"_id": mechanicID, "version": version}
	update := bson.M{
		"$set": bson.M{"availability": to, "updatedAt": at},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to swap availability")
		return false, fmt.Errorf("failed to swap availability: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// ReplaceAssignments is the compare-and-swap write used by reconciliation
func (r *MongoRepository) ReplaceAssignments(ctx context.Context, mechanicID string, version int64, index TaskIndex, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "MongoReplaceAssignments")
	defer span.End()
	span.SetAttributes(
		attribute.String("mechanicID", mechanicID),
		attribute.Int64("version", version),
	)

	tasks := index.AssignedTasks
	if tasks == nil {
		tasks = []AssignedTask{}
	}
	filter := bson.M{"_id": mechanicID, "version": version}
	update := bson.M{
		"$set": bson.M{
			"assignedTasks":  tasks,
			"availability":   index.Availability,
			"completedTasks": index.CompletedTasks,
			"updatedAt":      at,
		},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to replace assignments")
		return false, fmt.Errorf("failed to replace assignments: %w", err)
	}
	return res.MatchedCount > 0, nil
}

// AddRating folds a new rating into the running average
func (r *MongoRepository) AddRating(ctx context.Context, mechanicID string, rating int, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoAddRating")
	defer span.End()

	update := mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "rating", Value: bson.M{"$divide": bson.A{
				bson.M{"$add": bson.A{bson.M{"$multiply": bson.A{"$rating", "$ratingCount"}}, rating}},
				bson.M{"$add": bson.A{"$ratingCount", 1}},
			}}},
			{Key: "ratingCount", Value: bson.M{"$add": bson.A{"$ratingCount", 1}}},
			{Key: "updatedAt", Value: at},
			{Key: "version", Value: bson.M{"$add": bson.A{"$version", 1}}},
		}}},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, bson.M{"_id": mechanicID}, update)
	if err != nil {
		fail(span, err, "Failed to add rating")
		return fmt.Errorf("failed to add rating: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrMechanicNotFound
	}
	return nil
}

// DeactivateMechanic soft-deletes a mechanic
func (r *MongoRepository) DeactivateMechanic(ctx context.Context, mechanicID string, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoDeactivateMechanic")
	defer span.End()

	update := bson.M{
		"$set": bson.M{"isActive": false, "availability": Offline, "updatedAt": at},
		"$inc": bson.M{"version": 1},
	}
	res, err := r.MechanicCollection.UpdateOne(ctx, bson.M{"_id": mechanicID}, update)
	if err != nil {
		fail(span, err, "Failed to deactivate mechanic")
		return fmt.Errorf("failed to deactivate mechanic: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrMechanicNotFound
	}
	return nil
}

// GetRequest retrieves a service request by variant and ID
func (r *MongoRepository) GetRequest(ctx context.Context, taskType TaskType, id string) (*ServiceRequest, error) {
	ctx, span := startSpan(ctx, "MongoGetRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("taskID", id),
		attribute.String("taskType", string(taskType)),
	)

	c, err := r.requests(taskType)
	if err != nil {
		return nil, err
	}
	var req ServiceRequest
	err = c.FindOne(ctx, bson.M{"_id": id}).Decode(&req)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		fail(span, err, "Failed to find request")
		return nil, fmt.Errorf("failed to find %s: %w", taskType, err)
	}
	req.Type = taskType
	return &req, nil
}

// CreateRequest inserts a service request
func (r *MongoRepository) CreateRequest(ctx context.Context, req *ServiceRequest) error {
	ctx, span := startSpan(ctx, "MongoCreateRequest")
	defer span.End()

	c, err := r.requests(req.Type)
	if err != nil {
		return err
	}
	if _, err := c.InsertOne(ctx, req); err != nil {
		fail(span, err, "Failed to insert request")
		return fmt.Errorf("failed to insert %s: %w", req.Type, err)
	}
	return nil
}

// ClaimRequest binds an unassigned request to a mechanic
func (r *MongoRepository) ClaimRequest(ctx context.Context, taskType TaskType, id, mechanicID string, status RequestStatus, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "MongoClaimRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("taskID", id),
		attribute.String("mechanicID", mechanicID),
	)

	c, err := r.requests(taskType)
	if err != nil {
		return false, err
	}
	filter := bson.M{
		"_id":              id,
		"assignedMechanic": bson.M{"$in": bson.A{nil, ""}},
		"status":           taskType.InitialStatus(),
	}
	update := bson.M{"$set": bson.M{
		"assignedMechanic": mechanicID,
		"status":           status,
		"assignedAt":       at,
		"updatedAt":        at,
	}}
	res, err := c.UpdateOne(ctx, filter, update)
	if err != nil {
		fail(span, err, "Failed to claim request")
		return false, fmt.Errorf("failed to claim %s: %w", taskType, err)
	}
	return res.MatchedCount > 0, nil
}

// TransitionRequest applies a guarded status change
func (r *MongoRepository) TransitionRequest(ctx context.Context, taskType TaskType, id string, t Transition) (bool, error) {
	ctx, span := startSpan(ctx, "MongoTransitionRequest")
	defer span.End()
	span.SetAttributes(
		attribute.String("taskID", id),
		attribute.String("from", string(t.From)),
		attribute.String("to", string(t.To)),
	)

	c, err := r.requests(taskType)
	if err != nil {
		return false, err
	}
	set := bson.M{"status": t.To, "updatedAt": t.At}
	if t.Notes != nil {
		set["mechanicNotes"] = *t.Notes
	}
	if ts, ok := taskType.TaskStatusOf(t.To); ok && t.From != t.To {
		switch {
		case ts == TaskInProgress:
			set["startedAt"] = t.At
		case ts.Terminal():
			set["completedAt"] = t.At
		}
	}
	filter := bson.M{"_id": id, "assignedMechanic": t.MechanicID, "status": t.From}
	res, err := c.UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		fail(span, err, "Failed to transition request")
		return false, fmt.Errorf("failed to update %s status: %w", taskType, err)
	}
	return res.MatchedCount > 0, nil
}

// ListRequestsByMechanic returns every request of one variant assigned to the mechanic
func (r *MongoRepository) ListRequestsByMechanic(ctx context.Context, taskType TaskType, mechanicID string) ([]*ServiceRequest, error) {
	ctx, span := startSpan(ctx, "MongoListRequestsByMechanic")
	defer span.End()

	c, err := r.requests(taskType)
	if err != nil {
		return nil, err
	}
	cursor, err := c.Find(ctx, bson.M{"assignedMechanic": mechanicID})
	if err != nil {
		fail(span, err, "Failed to find requests")
		return nil, fmt.Errorf("failed to find %s requests: %w", taskType, err)
	}
	defer cursor.Close(ctx)

	var out []*ServiceRequest
	for cursor.Next(ctx) {
		var req ServiceRequest
		if err := cursor.Decode(&req); err != nil {
			fail(span, err, "Failed to decode request")
			return nil, fmt.Errorf("failed to decode %s: %w", taskType, err)
		}
		req.Type = taskType
		out = append(out, &req)
	}
	if err := cursor.Err(); err != nil {
		fail(span, err, "Cursor error")
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	span.SetAttributes(attribute.Int("requestCount", len(out)))
	return out, nil
}

// CountActiveTasks counts assigned and in-progress requests across all variants
func (r *MongoRepository) CountActiveTasks(ctx context.Context, mechanicID string) (int64, error) {
	ctx, span := startSpan(ctx, "MongoCountActiveTasks")
	defer span.End()

	var total int64
	for _, t := range TaskTypes {
		n, err := r.requestCollections[t].CountDocuments(ctx, bson.M{
			"assignedMechanic": mechanicID,
			"status":           bson.M{"$in": t.ActiveStatuses()},
		})
		if err != nil {
			fail(span, err, "Failed to count active tasks")
			return 0, fmt.Errorf("failed to count active %s tasks: %w", t, err)
		}
		total += n
	}
	span.SetAttributes(attribute.Int64("activeTasks", total))
	return total, nil
}

// CountByStatus groups one variant's requests by status
func (r *MongoRepository) CountByStatus(ctx context.Context, taskType TaskType, mechanicID string) (map[RequestStatus]int64, error) {
	ctx, span := startSpan(ctx, "MongoCountByStatus")
	defer span.End()

	c, err := r.requests(taskType)
	if err != nil {
		return nil, err
	}
	match := bson.M{}
	if mechanicID != "" {
		match["assignedMechanic"] = mechanicID
	}
	rows, err := groupCount(ctx, c, match, "$status")
	if err != nil {
		fail(span, err, "Failed to count requests")
		return nil, fmt.Errorf("failed to count %s requests: %w", taskType, err)
	}
	counts := make(map[RequestStatus]int64, len(rows))
	for k, v := range rows {
		counts[RequestStatus(k)] = v
	}
	return counts, nil
}

// RateRequest stores a rating on a finished request exactly once
func (r *MongoRepository) RateRequest(ctx context.Context, taskType TaskType, id string, rating int, at time.Time) (bool, error) {
	ctx, span := startSpan(ctx, "MongoRateRequest")
	defer span.End()

	c, err := r.requests(taskType)
	if err != nil {
		return false, err
	}
	filter := bson.M{
		"_id":              id,
		"status":           taskType.RequestStatusFor(TaskCompleted),
		"assignedMechanic": bson.M{"$nin": bson.A{nil, ""}},
		"rating":           bson.M{"$exists": false},
	}
	res, err := c.UpdateOne(ctx, filter, bson.M{"$set": bson.M{"rating": rating, "updatedAt": at}})
	if err != nil {
		fail(span, err, "Failed to rate request")
		return false, fmt.Errorf("failed to rate %s: %w", taskType, err)
	}
	return res.MatchedCount > 0, nil
}

// WatchTasks sets up a MongoDB change stream over all request collections
func (r *MongoRepository) WatchTasks(ctx context.Context, mechanicID string) (<-chan TaskChange, error) {
	_, span := startSpan(ctx, "MongoWatchTasks")
	defer span.End()

	collections := make(bson.A, 0, len(TaskTypes))
	byName := make(map[string]TaskType, len(TaskTypes))
	for _, t := range TaskTypes {
		collections = append(collections, t.Collection())
		byName[t.Collection()] = t
	}
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.M{
			"operationType":                 bson.M{"$in": bson.A{"insert", "update", "replace"}},
			"ns.coll":                       bson.M{"$in": collections},
			"fullDocument.assignedMechanic": mechanicID,
		}}},
	}
	db := r.MechanicCollection.Database()
	stream, err := db.Watch(ctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		fail(span, err, "Failed to open change stream")
		return nil, fmt.Errorf("failed to open change stream: %w", err)
	}

	out := make(chan TaskChange)
	go func() {
		defer close(out)
		defer stream.Close(context.Background())
		for stream.Next(ctx) {
			var doc struct {
				OperationType string `bson:"operationType"`
				NS            struct {
					Coll string `bson:"coll"`
				} `bson:"ns"`
				FullDocument ServiceRequest `bson:"fullDocument"`
			}
			if err := stream.Decode(&doc); err != nil {
				return
			}
			task := doc.FullDocument
			task.Type = byName[doc.NS.Coll]
			select {
			case out <- TaskChange{Operation: doc.OperationType, Task: &task}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// SaveOutboxEvent saves an event to the outbox collection
func (r *MongoRepository) SaveOutboxEvent(ctx context.Context, event *OutboxEvent) error {
	ctx, span := startSpan(ctx, "MongoSaveOutboxEvent")
	defer span.End()

	if _, err := r.OutboxCollection.InsertOne(ctx, event); err != nil {
		fail(span, err, "Failed to save outbox event")
		return fmt.Errorf("failed to save outbox event: %w", err)
	}
	span.SetAttributes(
		attribute.String("eventID", event.ID),
		attribute.String("eventType", event.EventType),
	)
	return nil
}

// GetUnprocessedOutboxEvents retrieves unprocessed outbox events, oldest first
func (r *MongoRepository) GetUnprocessedOutboxEvents(ctx context.Context, limit int64) ([]*OutboxEvent, error) {
	ctx, span := startSpan(ctx, "MongoGetUnprocessedOutboxEvents")
	defer span.End()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}).SetLimit(limit)
	cursor, err := r.OutboxCollection.Find(ctx, bson.M{"processed": false}, opts)
	if err != nil {
		fail(span, err, "Failed to find unprocessed outbox events")
		return nil, fmt.Errorf("failed to find unprocessed outbox events: %w", err)
	}
	defer cursor.Close(ctx)

	var events []*OutboxEvent
	if err := cursor.All(ctx, &events); err != nil {
		fail(span, err, "Failed to decode outbox events")
		return nil, fmt.Errorf("failed to decode outbox events: %w", err)
	}
	span.SetAttributes(attribute.Int("eventCount", len(events)))
	return events, nil
}

// MarkOutboxEventProcessed marks an outbox event as processed
func (r *MongoRepository) MarkOutboxEventProcessed(ctx context.Context, eventID string) error {
	ctx, span := startSpan(ctx, "MongoMarkOutboxEventProcessed")
	defer span.End()

	now := time.Now()
	_, err := r.OutboxCollection.UpdateOne(ctx, bson.M{"_id": eventID}, bson.M{
		"$set": bson.M{
			"processed":    true,
			"processed_at": now,
		},
	})
	if err != nil {
		fail(span, err, "Failed to mark outbox event as processed")
		return fmt.Errorf("failed to mark outbox event as processed: %w", err)
	}
	return nil
}

// SaveCompensation records a compensating action before it is attempted
func (r *MongoRepository) SaveCompensation(ctx context.Context, c *Compensation) error {
	ctx, span := startSpan(ctx, "MongoSaveCompensation")
	defer span.End()

	if _, err := r.CompensationCollection.InsertOne(ctx, c); err != nil {
		fail(span, err, "Failed to save compensation")
		return fmt.Errorf("failed to save compensation: %w", err)
	}
	return nil
}

// ResolveCompensation records the outcome of a compensating action
func (r *MongoRepository) ResolveCompensation(ctx context.Context, id string, state CompensationState, errMsg string, at time.Time) error {
	ctx, span := startSpan(ctx, "MongoResolveCompensation")
	defer span.End()

	set := bson.M{"state": state, "resolvedAt": at}
	if errMsg != "" {
		set["error"] = errMsg
	}
	if _, err := r.CompensationCollection.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		fail(span, err, "Failed to resolve compensation")
		return fmt.Errorf("failed to resolve compensation: %w", err)
	}
	return nil
}

// ListCompensations returns compensation records in the given state, newest first
func (r *MongoRepository) ListCompensations(ctx context.Context, state CompensationState) ([]*Compensation, error) {
	ctx, span := startSpan(ctx, "MongoListCompensations")
	defer span.End()

	filter := bson.M{}
	if state != "" {
		filter["state"] = state
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	cursor, err := r.CompensationCollection.Find(ctx, filter, opts)
	if err != nil {
		fail(span, err, "Failed to find compensations")
		return nil, fmt.Errorf("failed to find compensations: %w", err)
	}
	defer cursor.Close(ctx)

	var out []*Compensation
	if err := cursor.All(ctx, &out); err != nil {
		fail(span, err, "Failed to decode compensations")
		return nil, fmt.Errorf("failed to decode compensations: %w", err)
	}
	return out, nil
}

func groupCount(ctx context.Context, c *mongo.Collection, match bson.M, field string) (map[string]int64, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: match}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: field},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := c.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var rows []struct {
		ID    string `bson:"_id"`
		Count int64  `bson:"count"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.ID] = row.Count
	}
	return out, nil
}
