// Package service defines the control surface the gateway exposes over
// backend domain services. Services register here at startup; the admin
// endpoint issues lifecycle commands through the registry.
package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status is a service's lifecycle state as reported by Status().
type Status string

const (
	StatusRunning      Status = "running"
	StatusStopped      Status = "stopped"
	StatusRestarting   Status = "restarting"
	StatusCircuitOpen  Status = "circuit_open"
	StatusInitializing Status = "initializing"
	StatusError        Status = "error"
)

// Command names accepted by the admin control plane.
const (
	CommandStart               = "start"
	CommandStop                = "stop"
	CommandRestart             = "restart"
	CommandResetCircuitBreaker = "reset_circuit_breaker"
)

// ValidCommand reports whether cmd is one of the accepted commands.
func ValidCommand(cmd string) bool {
	switch cmd {
	case CommandStart, CommandStop, CommandRestart, CommandResetCircuitBreaker:
		return true
	}
	return false
}

// Controllable is the per-service control interface. Implementations
// must be safe for concurrent use; the registry serializes nothing.
type Controllable interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	ResetCircuitBreaker() error
	Status() Status
	Metrics() map[string]any
}

// Snapshot is a point-in-time view of one service for status frames.
type Snapshot struct {
	Name    string         `json:"name"`
	Status  Status         `json:"status"`
	Metrics map[string]any `json:"metrics,omitempty"`
	At      time.Time      `json:"at"`
}

// Registry is the process-wide index of controllable services.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Controllable
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Controllable)}
}

// Register adds a service. Registering the same name twice is an error;
// service names are the admin-plane addressing scheme.
func (r *Registry) Register(s Controllable) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := s.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("service %q already registered", name)
	}
	r.services[name] = s
	return nil
}

// GetService returns the named service, or false when unknown.
func (r *Registry) GetService(name string) (Controllable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[name]
	return s, ok
}

// GetAllServices returns every registered service, sorted by name.
func (r *Registry) GetAllServices() []Controllable {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Controllable, 0, len(r.services))
	for _, s := range r.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Snapshots returns a status snapshot for every registered service.
func (r *Registry) Snapshots() []Snapshot {
	services := r.GetAllServices()
	now := time.Now().UTC()
	out := make([]Snapshot, 0, len(services))
	for _, s := range services {
		out = append(out, Snapshot{
			Name:    s.Name(),
			Status:  s.Status(),
			Metrics: s.Metrics(),
			At:      now,
		})
	}
	return out
}

// Execute dispatches one admin command against the named service and
// returns the post-command snapshot.
func (r *Registry) Execute(ctx context.Context, name, cmd string) (Snapshot, error) {
	s, ok := r.GetService(name)
	if !ok {
		return Snapshot{}, fmt.Errorf("unknown service %q", name)
	}

	var err error
	switch cmd {
	case CommandStart:
		err = s.Start(ctx)
	case CommandStop:
		err = s.Stop(ctx)
	case CommandRestart:
		err = s.Restart(ctx)
	case CommandResetCircuitBreaker:
		err = s.ResetCircuitBreaker()
	default:
		return Snapshot{}, fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("%s %s: %w", cmd, name, err)
	}

	return Snapshot{
		Name:    s.Name(),
		Status:  s.Status(),
		Metrics: s.Metrics(),
		At:      time.Now().UTC(),
	}, nil
}
