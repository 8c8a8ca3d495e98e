package errors

import (
	"context"
	"sync"
	"time"

	"foreman/internal/logging"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed - normal operation, requests allowed
	StateClosed CircuitState = iota
	// StateOpen - failing, requests blocked
	StateOpen
	// StateHalfOpen - testing if the downstream recovered
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int                                      // consecutive classified failures to open (default 5)
	Cooldown         time.Duration                            // wait before probing in half-open (default 60s)
	HalfOpenMax      int                                      // concurrent probes admitted in half-open (default 1)
	Classifier       func(error) bool                         // which errors count as failures; default IsOutboundFailure
	OnStateChange    func(from, to CircuitState, name string) // optional callback
}

// DefaultCircuitBreakerConfig returns the operational defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		HalfOpenMax:      1,
	}
}

func (c CircuitBreakerConfig) withDefaults() CircuitBreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	if c.Classifier == nil {
		c.Classifier = IsOutboundFailure
	}
	return c
}

// CircuitBreaker fail-fasts outbound calls for one named scope.
//
// CLOSED forwards calls and counts consecutive classified failures; reaching
// the threshold opens the circuit. OPEN rejects with KindCircuitOpen until
// the cooldown elapses, then admits up to HalfOpenMax concurrent probes. The
// first successful probe closes the circuit; a failed probe, or more
// concurrent probes than allowed, reopens it with a fresh opened_at.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	logger logging.Logger

	mu               sync.RWMutex
	state            CircuitState
	failureCount     int
	openedAt         time.Time
	halfOpenInFlight int
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a circuit breaker for one scope.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		name:            name,
		config:          config.withDefaults(),
		logger:          logging.NewComponentLogger("circuit-breaker"),
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under circuit protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.Mark(err)
	return err
}

// Allow checks whether a call can proceed. Callers that need the result of
// the downstream call pair Allow with Mark.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(cb.openedAt) >= cb.config.Cooldown {
			cb.setState(StateHalfOpen)
			cb.halfOpenInFlight = 1
			cb.logger.Info("[%s] circuit half-open, probing recovery", cb.name)
			return nil
		}
		remaining := cb.config.Cooldown - time.Since(cb.openedAt)
		return Newf(KindCircuitOpen, "circuit open for scope %q, retry in %s", cb.name, remaining.Round(time.Millisecond)).
			WithHint("the downstream agent is failing repeatedly; wait for the cooldown or check the agent installation")

	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.config.HalfOpenMax {
			// Excess probes indicate load the recovering downstream cannot
			// absorb yet; back off for another cooldown.
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
			cb.halfOpenInFlight = 0
			cb.logger.Warn("[%s] circuit reopened (probe allowance exceeded)", cb.name)
			return Newf(KindCircuitOpen, "circuit open for scope %q (probe in flight)", cb.name)
		}
		cb.halfOpenInFlight++
		return nil

	default:
		return Newf(KindInternal, "unknown circuit state %v for scope %q", cb.state, cb.name)
	}
}

// Mark records the outcome of a call previously admitted by Allow. Errors
// the classifier does not count as failures are treated as successes for
// state purposes but do not reset the failure count.
func (cb *CircuitBreaker) Mark(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	failed := err != nil && cb.config.Classifier(err)

	switch cb.state {
	case StateClosed:
		if failed {
			cb.failureCount++
			cb.logger.Debug("[%s] failure %d/%d", cb.name, cb.failureCount, cb.config.FailureThreshold)
			if cb.failureCount >= cb.config.FailureThreshold {
				cb.setState(StateOpen)
				cb.openedAt = time.Now()
				cb.logger.Warn("[%s] circuit opened after %d consecutive failures", cb.name, cb.failureCount)
			}
			return
		}
		if err == nil && cb.failureCount > 0 {
			cb.failureCount = 0
		}

	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		if failed {
			cb.setState(StateOpen)
			cb.openedAt = time.Now()
			cb.halfOpenInFlight = 0
			cb.logger.Warn("[%s] circuit reopened (probe failed)", cb.name)
			return
		}
		if err == nil {
			cb.setState(StateClosed)
			cb.failureCount = 0
			cb.halfOpenInFlight = 0
			cb.logger.Info("[%s] circuit closed (probe succeeded)", cb.name)
		}

	case StateOpen:
		// Late Mark from a call admitted before the circuit opened.
		cb.logger.Debug("[%s] outcome recorded while open (failed=%v)", cb.name, failed)
	}
}

// setState transitions to a new state. Callers hold cb.mu.
func (cb *CircuitBreaker) setState(newState CircuitState) {
	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(oldState, newState, cb.name)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Snapshot returns current circuit statistics.
func (cb *CircuitBreaker) Snapshot() CircuitSnapshot {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return CircuitSnapshot{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		OpenedAt:        cb.openedAt,
		LastStateChange: cb.lastStateChange,
	}
}

// Reset manually returns the breaker to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	old := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.halfOpenInFlight = 0
	cb.lastStateChange = time.Now()
	cb.logger.Info("[%s] circuit manually reset from %s to closed", cb.name, old)
}

// CircuitSnapshot contains circuit breaker statistics for health reporting.
type CircuitSnapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	OpenedAt        time.Time `json:"opened_at,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
}

// CircuitBreakerManager hands out one breaker per scope.
type CircuitBreakerManager struct {
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
	mu       sync.RWMutex
	logger   logging.Logger
}

// NewCircuitBreakerManager creates a manager applying config to new scopes.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		breakers: make(map[string]*CircuitBreaker),
		config:   config.withDefaults(),
		logger:   logging.NewComponentLogger("circuit-breaker-manager"),
	}
}

// Get returns the circuit breaker for the scope, creating it on first use.
func (m *CircuitBreakerManager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	if breaker, ok := m.breakers[name]; ok {
		m.mu.RUnlock()
		return breaker
	}
	m.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, ok := m.breakers[name]; ok {
		return breaker
	}

	breaker := NewCircuitBreaker(name, m.config)
	m.breakers[name] = breaker
	m.logger.Debug("created circuit breaker for scope: %s", name)
	return breaker
}

// Configure installs a breaker with scope-specific settings, replacing any
// existing one.
func (m *CircuitBreakerManager) Configure(name string, config CircuitBreakerConfig) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	breaker := NewCircuitBreaker(name, config)
	m.breakers[name] = breaker
	return breaker
}

// Snapshots returns statistics for every known scope.
func (m *CircuitBreakerManager) Snapshots() []CircuitSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CircuitSnapshot, 0, len(m.breakers))
	for _, breaker := range m.breakers {
		out = append(out, breaker.Snapshot())
	}
	return out
}

// ResetAll resets every breaker to closed.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, breaker := range m.breakers {
		breaker.Reset()
	}
}
