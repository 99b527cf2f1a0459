// Package system coordinates the lifecycle of the application's
// long-running services: start in registration order, stop in reverse.
package system

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Manager drives registered services through start and stop. Registration
// is only allowed while the manager is stopped.
type Manager struct {
	mu       sync.Mutex
	services []Service
	names    map[string]bool
	running  bool
}

// NewManager returns an empty manager.
func NewManager() *Manager {
	return &Manager{names: make(map[string]bool)}
}

// Register appends a service to the start order. Service names must be
// unique.
func (m *Manager) Register(svc Service) error {
	if svc == nil {
		return errors.New("service is nil")
	}
	name := svc.Name()
	if name == "" {
		return errors.New("service name is empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("register %s: manager already started", name)
	}
	if m.names[name] {
		return fmt.Errorf("register %s: duplicate service name", name)
	}
	m.names[name] = true
	m.services = append(m.services, svc)
	return nil
}

// Names lists the registered services in start order.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.services))
	for i, svc := range m.services {
		out[i] = svc.Name()
	}
	return out
}

// Running reports whether Start succeeded without a matching Stop.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Start starts every service in registration order. If one fails, the
// already-started services are stopped in reverse and the failure is
// returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	for i, svc := range m.services {
		if err := svc.Start(ctx); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = m.services[j].Stop(ctx)
			}
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
	}
	m.running = true
	return nil
}

// Stop stops every service in reverse registration order, attempting all of
// them and joining any errors.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}

	var errs []error
	for i := len(m.services) - 1; i >= 0; i-- {
		svc := m.services[i]
		if err := svc.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	m.running = false
	return errors.Join(errs...)
}
