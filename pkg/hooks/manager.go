package hooks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Config configures a hook Manager.
type Config struct {
	Logger zerolog.Logger
}

// Manager fans lifecycle events out to registered listeners.
type Manager struct {
	logger zerolog.Logger

	mu        sync.RWMutex
	listeners []Listener
}

// NewManager creates a hook manager.
func NewManager(cfg Config) *Manager {
	return &Manager{
		logger: cfg.Logger.With().Str("component", "hooks").Logger(),
	}
}

// Register adds a listener. Listeners are notified in registration order.
func (m *Manager) Register(listener Listener) {
	if listener == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, listener)
	m.mu.Unlock()
}

// BeforeAgentStart notifies listeners and merges their prepend context in
// registration order. Listener errors are joined and returned alongside
// whatever context was collected so callers can log them as warnings
// without losing the successful contributions.
func (m *Manager) BeforeAgentStart(ctx context.Context, event BeforeAgentStartEvent) (BeforeAgentStartResult, error) {
	if m == nil {
		return BeforeAgentStartResult{}, nil
	}

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	var parts []string
	var errs []error
	for _, listener := range listeners {
		result, err := listener.BeforeAgentStart(ctx, event)
		if err != nil {
			errs = append(errs, fmt.Errorf("listener %s: %w", listener.Name(), err))
			continue
		}
		if result != nil && strings.TrimSpace(result.PrependContext) != "" {
			parts = append(parts, result.PrependContext)
		}
	}

	return BeforeAgentStartResult{PrependContext: strings.Join(parts, "\n\n")}, errors.Join(errs...)
}

// AgentEnd notifies listeners of a finished turn. Errors are joined; every
// listener is notified even when an earlier one fails.
func (m *Manager) AgentEnd(ctx context.Context, event AgentEndEvent) error {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	var errs []error
	for _, listener := range listeners {
		if err := listener.AgentEnd(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("listener %s: %w", listener.Name(), err))
		}
	}

	return errors.Join(errs...)
}
