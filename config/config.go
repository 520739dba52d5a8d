package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type ServerConfig struct {
	Name     string `validate:"required"`
	Host     string `validate:"required"`
	Port     int    `validate:"required,min=1,max=65535"`
	GRPCPort int    `validate:"required,min=1,max=65535"`
}

type MongoConfig struct {
	URI      string `validate:"required"`
	Database string `validate:"required"`
	// Transactions is auto, on or off. auto probes replSetGetStatus.
	Transactions string `validate:"oneof=auto on off"`
}

type KafkaConfig struct {
	// BootstrapServers empty disables the outbox publisher.
	BootstrapServers  string
	SchemaRegistryURL string `validate:"required_with=BootstrapServers"`
	Topic             string `validate:"required"`
	OutboxInterval    time.Duration
}

type ConsulConfig struct {
	Enabled bool
	Address string `validate:"required_if=Enabled true"`
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string `validate:"required_if=Enabled true"`
}

type JWTConfig struct {
	Secret string        `validate:"required,min=16"`
	TTL    time.Duration `validate:"gt=0"`
}

type AdminConfig struct {
	Email        string `validate:"required,email"`
	PasswordHash string
}

type LogConfig struct {
	File  string
	Level string `validate:"oneof=debug info warn error"`
}

type Config struct {
	Store             string `validate:"oneof=mongo memory"`
	Server            ServerConfig
	Mongo             MongoConfig
	RedisAddress      string
	Kafka             KafkaConfig
	Consul            ConsulConfig
	Tracing           TracingConfig
	JWT               JWTConfig
	Admin             AdminConfig
	Log               LogConfig
	ReconcileInterval time.Duration `validate:"gte=0"`
}

// Load reads an optional .env file and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var errs []error
	cfg := &Config{
		Store: getEnv("STORE", "mongo"),
		Server: ServerConfig{
			Name:     getEnv("SERVICE_NAME", "task-service"),
			Host:     getEnv("SERVICE_HOST", "task-service"),
			Port:     getInt("SERVICE_PORT", 8084, &errs),
			GRPCPort: getInt("GRPC_PORT", 50054, &errs),
		},
		Mongo: MongoConfig{
			URI:          getEnv("MONGO_URI", "mongodb://mongodb:27017/?replicaSet=rs0"),
			Database:     getEnv("MONGO_DATABASE", "roadride"),
			Transactions: getEnv("MONGO_TRANSACTIONS", "auto"),
		},
		RedisAddress: getEnv("REDIS_ADDRESS", ""),
		Kafka: KafkaConfig{
			BootstrapServers:  getEnv("KAFKA_BOOTSTRAP_SERVERS", ""),
			SchemaRegistryURL: getEnv("SCHEMA_REGISTRY_URL", "http://schema-registry:8081"),
			Topic:             getEnv("KAFKA_TOPIC", "task-events"),
			OutboxInterval:    getDuration("OUTBOX_INTERVAL", 5*time.Second, &errs),
		},
		Consul: ConsulConfig{
			Enabled: getBool("CONSUL_ENABLED", false, &errs),
			Address: getEnv("CONSUL_ADDRESS", "consul:8500"),
		},
		Tracing: TracingConfig{
			Enabled:  getBool("TRACING_ENABLED", false, &errs),
			Endpoint: getEnv("OTEL_ENDPOINT", "jaeger:4318"),
		},
		JWT: JWTConfig{
			Secret: getEnv("JWT_SECRET", ""),
			TTL:    getDuration("JWT_TTL", 24*time.Hour, &errs),
		},
		Admin: AdminConfig{
			Email:        getEnv("ADMIN_EMAIL", "admin@roadride.local"),
			PasswordHash: getEnv("ADMIN_PASSWORD_HASH", ""),
		},
		Log: LogConfig{
			File:  getEnv("LOG_FILE", ""),
			Level: getEnv("LOG_LEVEL", "info"),
		},
		ReconcileInterval: getDuration("RECONCILE_INTERVAL", 5*time.Minute, &errs),
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int, errs *[]error) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return n
}

func getBool(key string, fallback bool, errs *[]error) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration, errs *[]error) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return fallback
	}
	return d
}
