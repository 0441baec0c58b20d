package circuitbreaker

import (
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// ServiceType identifies external services for circuit breaker isolation.
type ServiceType string

const (
	// ServiceLedgerAPI guards the backend ledger calls (register-pending,
	// purchase-event, verify-purchase).
	ServiceLedgerAPI ServiceType = "ledger_api"

	// ServiceStoreAPI guards platform store calls (product fetch, purchase
	// history listing).
	ServiceStoreAPI ServiceType = "store_api"
)

// Manager manages circuit breakers for external services. Each service gets
// its own breaker so a flapping ledger backend cannot poison store calls.
type Manager struct {
	breakers map[ServiceType]*gobreaker.CircuitBreaker
	config   Config
}

// Config holds circuit breaker configuration for all services.
type Config struct {
	Enabled   bool
	LedgerAPI BreakerConfig
	StoreAPI  BreakerConfig
}

// BreakerConfig configures a single circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32

	// Interval is the cyclic period in closed state to clear internal counts.
	Interval time.Duration

	// Timeout is how long the breaker stays open before probing.
	Timeout time.Duration

	// Trip thresholds: consecutive failures, or failure ratio over a minimum
	// request count.
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32
}

// NewManager creates a circuit breaker manager with the given configuration.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		breakers: make(map[ServiceType]*gobreaker.CircuitBreaker),
		config:   cfg,
	}

	if !cfg.Enabled {
		return m
	}

	m.breakers[ServiceLedgerAPI] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceLedgerAPI), cfg.LedgerAPI))
	m.breakers[ServiceStoreAPI] = gobreaker.NewCircuitBreaker(toSettings(string(ServiceStoreAPI), cfg.StoreAPI))

	return m
}

// Execute wraps a call with circuit breaker protection. Disabled or
// unconfigured services pass through directly.
func (m *Manager) Execute(service ServiceType, fn func() (any, error)) (any, error) {
	if !m.config.Enabled {
		return fn()
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return fn()
	}
	return breaker.Execute(fn)
}

// State returns the current state of a service's breaker.
func (m *Manager) State(service ServiceType) string {
	if !m.config.Enabled {
		return "disabled"
	}
	breaker, ok := m.breakers[service]
	if !ok {
		return "not_configured"
	}
	return breaker.State().String()
}

func toSettings(name string, cfg BreakerConfig) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailures > 0 && counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}
			if cfg.FailureRatio > 0 && cfg.MinRequests > 0 && counts.Requests >= cfg.MinRequests {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				if failureRate >= cfg.FailureRatio {
					return true
				}
			}
			return false
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuitbreaker.state_changed")
		},
	}
}

// DefaultConfig returns sensible breaker defaults.
func DefaultConfig() Config {
	return Config{
		Enabled: true,
		LedgerAPI: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
		StoreAPI: BreakerConfig{
			MaxRequests:         3,
			Interval:            60 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
			FailureRatio:        0.5,
			MinRequests:         10,
		},
	}
}
