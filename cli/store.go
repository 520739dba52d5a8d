package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"task-service/config"
	"task-service/domain"
	"task-service/domain/memstore"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func connectToMongoDB(ctx context.Context, uri string, retries int, delay time.Duration, logger *slog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	var err error

	for i := range retries {
		attemptCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		client, err = mongo.Connect(attemptCtx, options.Client().ApplyURI(uri))
		if err == nil {
			err = client.Ping(attemptCtx, nil)
			if err == nil {
				cancel()
				logger.Info("Connected to MongoDB", "app", "task-service")
				return client, nil
			}
			client.Disconnect(context.Background())
		}
		cancel()
		logger.Error("Failed to connect to MongoDB", "attempt", i+1, "max_attempts", retries, "error", err, "app", "task-service")
		if i < retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return nil, fmt.Errorf("failed to connect to MongoDB after %d retries: %w", retries, err)
}

// openStore builds the configured store. The returned cleanup is always safe
// to call.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.Store, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("Using in-memory store, data is lost on exit", "app", "task-service")
		return memstore.New(), func() {}, nil
	}

	client, err := connectToMongoDB(ctx, cfg.Mongo.URI, 5, 2*time.Second, logger)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Error("Failed to disconnect from MongoDB", "error", err, "app", "task-service")
		}
	}

	var transactions bool
	switch cfg.Mongo.Transactions {
	case "on":
		transactions = true
	case "off":
		transactions = false
	default:
		transactions = domain.DetectTransactions(ctx, client)
	}
	if !transactions {
		logger.Warn("MongoDB transactions disabled, assignments use compensation", "mode", cfg.Mongo.Transactions, "app", "task-service")
	}

	repo := domain.NewMongoRepository(client, cfg.Mongo.Database, transactions)
	if err := repo.EnsureIndexes(ctx); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create indexes: %w", err)
	}
	logger.Info("MongoDB store ready", "database", cfg.Mongo.Database, "transactions", transactions, "app", "task-service")
	return repo, cleanup, nil
}
