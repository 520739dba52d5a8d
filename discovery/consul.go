// Package discovery registers the service with Consul.
package discovery

import (
	"fmt"
	"log/slog"

	"github.com/hashicorp/consul/api"
)

type Registration struct {
	ConsulAddress string
	ServiceName   string
	Host          string
	Port          int
}

// Register adds the service with an HTTP health check on /health and returns
// a function that deregisters it.
func Register(reg Registration, logger *slog.Logger) (func(), error) {
	consulConfig := api.DefaultConfig()
	consulConfig.Address = reg.ConsulAddress
	consulClient, err := api.NewClient(consulConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Consul client: %w", err)
	}

	serviceID := fmt.Sprintf("%s-%d", reg.ServiceName, reg.Port)
	registration := &api.AgentServiceRegistration{
		ID:      serviceID,
		Name:    reg.ServiceName,
		Port:    reg.Port,
		Address: reg.Host,
		Tags:    []string{"http", "tasks"},
		Check: &api.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d/health", reg.Host, reg.Port),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}
	if err := consulClient.Agent().ServiceRegister(registration); err != nil {
		return nil, fmt.Errorf("failed to register with Consul: %w", err)
	}
	logger.Info("Registered with Consul", "serviceID", serviceID, "app", reg.ServiceName)

	return func() {
		if err := consulClient.Agent().ServiceDeregister(serviceID); err != nil {
			logger.Error("Failed to deregister from Consul", "serviceID", serviceID, "error", err, "app", reg.ServiceName)
		}
	}, nil
}
