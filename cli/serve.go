package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"task-service/auth"
	"task-service/config"
	"task-service/discovery"
	"task-service/domain"
	"task-service/handlers"
	"task-service/kafka"
	"task-service/lock"
	"task-service/service"
	"task-service/tracing"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const shutdownTimeout = 15 * time.Second

func buildServeCommand() *cobra.Command {
	var store string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and gRPC servers with the outbox publisher and reconciler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, closer, err := setup(store)
			if err != nil {
				return err
			}
			defer closer.Close()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&store, "store", "", "Store backend: mongo or memory (overrides STORE)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting task-service", "app", "task-service", "timestamp", time.Now().Unix())

	if cfg.Tracing.Enabled {
		shutdown, err := tracing.InitTracer(ctx, cfg.Server.Name, cfg.Tracing.Endpoint, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	store, cleanup, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := []service.Option{service.WithAdmin(service.AdminCredentials{
		Email:        cfg.Admin.Email,
		PasswordHash: cfg.Admin.PasswordHash,
	})}
	if cfg.Admin.PasswordHash == "" {
		logger.Warn("ADMIN_PASSWORD_HASH is not set, admin login is disabled", "app", "task-service")
	}
	if cfg.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, assignment lock degrades to conditional writes", "error", err, "app", "task-service")
		}
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(rdb, "task-service:")))
	}
	svc, err := service.New(store, logger, opts...)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Kafka.BootstrapServers != "" {
		producer, err := kafka.NewProducer(cfg.Kafka.BootstrapServers, cfg.Kafka.SchemaRegistryURL, cfg.Kafka.Topic, logger)
		if err != nil {
			return err
		}
		defer producer.Close()
		processor := kafka.NewOutboxProcessor(store, producer, cfg.Kafka.OutboxInterval, logger)
		g.Go(func() error { return ignoreCanceled(processor.Start(gctx)) })
	} else {
		logger.Warn("KAFKA_BOOTSTRAP_SERVERS is not set, outbox events stay unpublished", "app", "task-service")
	}

	if cfg.ReconcileInterval > 0 {
		reconciler := service.NewReconciler(svc, cfg.ReconcileInterval, logger)
		g.Go(func() error { return ignoreCanceled(reconciler.Start(gctx)) })
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}
	g.Go(func() error {
		logger.Info("Starting gRPC server", "port", cfg.Server.GRPCPort, "app", "task-service")
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		watchStoreHealth(gctx, store, healthServer, cfg.Server.Name, logger)
		return nil
	})

	issuer := auth.NewIssuer(cfg.JWT.Secret, cfg.JWT.TTL)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           handlers.NewRouter(handlers.NewTaskHandler(svc, issuer, logger)),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	g.Go(func() error {
		logger.Info("Starting HTTP server", "port", cfg.Server.Port, "app", "task-service")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	if cfg.Consul.Enabled {
		deregister, err := discovery.Register(discovery.Registration{
			ConsulAddress: cfg.Consul.Address,
			ServiceName:   cfg.Server.Name,
			Host:          cfg.Server.Host,
			Port:          cfg.Server.Port,
		}, logger)
		if err != nil {
			logger.Error("Consul registration failed, continuing unregistered", "error", err, "app", "task-service")
		} else {
			defer deregister()
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down task-service", "app", "task-service")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("task-service stopped with error", "error", err, "app", "task-service")
		return err
	}
	logger.Info("task-service stopped", "app", "task-service")
	return nil
}

// watchStoreHealth mirrors store reachability into the gRPC health service.
func watchStoreHealth(ctx context.Context, store domain.Store, hs *health.Server, name string, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	last := grpc_health_v1.HealthCheckResponse_UNKNOWN
	for {
		status := grpc_health_v1.HealthCheckResponse_SERVING
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := store.Ping(pingCtx); err != nil && ctx.Err() == nil {
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
			logger.Warn("Store ping failed", "error", err, "app", "task-service")
		}
		cancel()
		if status != last {
			hs.SetServingStatus("", status)
			hs.SetServingStatus(name, status)
			last = status
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
