// Package breaker guards outbound gateway calls with per-gateway circuit
// breakers so an unhealthy gateway fails fast instead of cascading.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold uint32        `envconfig:"BREAKER_FAILURE_THRESHOLD" default:"5"`
	Cooldown         time.Duration `envconfig:"BREAKER_COOLDOWN" default:"30s"`
	Window           time.Duration `envconfig:"BREAKER_WINDOW" default:"60s"`
}

// State mirrors the breaker state machine for the status API.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when the breaker rejects a call without attempting the
// gateway. Callers arriving while a half-open trial is in flight receive the
// same error; the trial slot is exclusive.
var ErrOpen = errors.New("circuit breaker open")

// Registry holds one breaker per gateway, shared across all concurrent
// callers of that gateway.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
	cfg      Config
	logger   *slog.Logger
}

// NewRegistry creates a breaker registry.
func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Registry{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

func (r *Registry) breakerFor(gateway string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[gateway]; ok {
		return cb
	}

	threshold := r.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: gateway,
		// One trial call in half-open; concurrent callers are rejected.
		MaxRequests: 1,
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("circuit breaker state change",
				"gateway", name,
				"from", mapState(from),
				"to", mapState(to),
			)
		},
	})
	r.breakers[gateway] = cb
	return cb
}

// Do runs fn under the gateway's breaker. When the breaker is open, or a
// half-open trial is already in flight elsewhere, Do returns ErrOpen without
// touching the network. A context deadline expiry inside fn counts as a
// failure like any other error.
func (r *Registry) Do(ctx context.Context, gateway string, fn func(ctx context.Context) error) error {
	cb := r.breakerFor(gateway)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State reports the breaker state for a gateway. Gateways never called are
// closed.
func (r *Registry) State(gateway string) State {
	r.mu.Lock()
	cb, ok := r.breakers[gateway]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return mapState(cb.State())
}

// States reports the state of every known gateway breaker.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()

	states := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = mapState(cb.State())
	}
	return states
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
