// Package resilience isolates repeated failures of external collaborators
// (GraphStore, ThreatIntel, Timeseries, Effectors) behind named circuit
// breakers, so one degraded backend does not pay a full timeout on every
// subsequent call once it is reliably failing.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jordigilh/sentryscope/pkg/metrics"
)

const (
	stateClosed  = 0
	stateHalfOpen = 1
	stateOpen    = 2
)

// Settings configures a named breaker.
type Settings struct {
	MaxFailures      uint32
	Interval         time.Duration
	OpenStateTimeout time.Duration
}

// Manager holds one circuit breaker per named backend.
type Manager struct {
	breakers map[string]*gobreaker.CircuitBreaker
	settings Settings
}

// NewManager creates a Manager that lazily creates a breaker per name using settings.
func NewManager(settings Settings) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		settings: settings,
	}
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	if b, ok := m.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    m.settings.Interval,
		Timeout:     m.settings.OpenStateTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.settings.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordCircuitBreakerState(name, stateValue(to))
		},
	})
	m.breakers[name] = b
	return b
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateClosed:
		return stateClosed
	case gobreaker.StateHalfOpen:
		return stateHalfOpen
	default:
		return stateOpen
	}
}

// Call invokes fn through the named breaker, returning gobreaker.ErrOpenState
// when the breaker is open without invoking fn.
func Call[T any](m *Manager, ctx context.Context, name string, fn func(ctx context.Context) (T, error)) (T, error) {
	b := m.breaker(name)
	result, err := b.Execute(func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}
