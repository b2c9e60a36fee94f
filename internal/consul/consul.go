// Package consul registers the service with a Consul agent so other
// services can discover it.
package consul

import (
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

type Registration struct {
	Name string
	Host string
	Port int
	// HealthPath is polled over HTTP by the agent.
	HealthPath string
}

func (r Registration) id() string {
	return fmt.Sprintf("%s-%s-%d", r.Name, r.Host, r.Port)
}

type Registry struct {
	client *consulapi.Client
	reg    Registration
}

func NewRegistry(addr string, reg Registration) (*Registry, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	if reg.HealthPath == "" {
		reg.HealthPath = "/ping"
	}
	return &Registry{client: client, reg: reg}, nil
}

// Register adds the service to the agent with an HTTP health check.
func (r *Registry) Register() error {
	err := r.client.Agent().ServiceRegister(&consulapi.AgentServiceRegistration{
		ID:      r.reg.id(),
		Name:    r.reg.Name,
		Address: r.reg.Host,
		Port:    r.reg.Port,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s:%d%s", r.reg.Host, r.reg.Port, r.reg.HealthPath),
			Interval:                       (10 * time.Second).String(),
			Timeout:                        (2 * time.Second).String(),
			DeregisterCriticalServiceAfter: time.Minute.String(),
		},
	})
	if err != nil {
		return fmt.Errorf("register %s: %w", r.reg.Name, err)
	}
	return nil
}

func (r *Registry) Deregister() error {
	if err := r.client.Agent().ServiceDeregister(r.reg.id()); err != nil {
		return fmt.Errorf("deregister %s: %w", r.reg.Name, err)
	}
	return nil
}
