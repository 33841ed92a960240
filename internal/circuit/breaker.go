// Package circuit wraps the live PriceSource/FundamentalsSource calls in a
// gobreaker circuit breaker so a struggling vendor doesn't get hammered by
// every worker in the pool simultaneously.
package circuit

import (
	"sync"

	"github.com/sony/gobreaker"

	"github.com/kestrelquant/portfolio-engine/internal/config"
)

// Manager owns one circuit breaker per data source ("prices",
// "fundamentals", or a specific vendor name).
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      config.CircuitConfig
}

// NewManager builds a circuit manager. Breakers are created lazily on first
// use of a given source name.
func NewManager(cfg config.CircuitConfig) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
	}
}

func (m *Manager) breaker(source string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	b, ok := m.breakers[source]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[source]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        source,
		MaxRequests: m.cfg.MaxRequests,
		Interval:    m.cfg.Interval,
		Timeout:     m.cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= m.cfg.ConsecutiveFailures
		},
	}
	b = gobreaker.NewCircuitBreaker(settings)
	m.breakers[source] = b
	return b
}

// Execute runs fn through the circuit breaker for source. When the circuit
// is open, fn is not called and gobreaker.ErrOpenState is returned.
func Execute[T any](m *Manager, source string, fn func() (T, error)) (T, error) {
	b := m.breaker(source)
	result, err := b.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result.(T), nil
}

// State reports the current state and failure counts for a source, for
// health/telemetry surfaces.
func (m *Manager) State(source string) (string, gobreaker.Counts) {
	b := m.breaker(source)
	return b.State().String(), b.Counts()
}

// Healthy reports whether every breaker seen so far is currently closed.
func (m *Manager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, b := range m.breakers {
		if b.State() != gobreaker.StateClosed {
			return false
		}
	}
	return true
}
