package failure

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState is the breaker state machine position.
type CircuitState int

const (
	// CircuitClosed permits execution.
	CircuitClosed CircuitState = iota
	// CircuitOpen denies execution until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen permits probe executions after the timeout.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes the per-node breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the consecutive failure count that opens the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before probing.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes bounds concurrent probes in half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThreshold is how many half-open successes close the breaker.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig returns the shipped defaults: five failures
// open the breaker, one half-open success closes it.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   60 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// CircuitBreakerEvent describes a state transition.
type CircuitBreakerEvent struct {
	NodeID    string       `json:"node_id"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives state transition events.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// CircuitBreaker guards one node against repeated failures.
type CircuitBreaker struct {
	nodeID          string
	config          CircuitBreakerConfig
	state           CircuitState
	failures        int
	successes       int
	probeCount      int
	lastFailureTime time.Time
	eventHandler    CircuitBreakerEventHandler
	logger          *zap.Logger

	// now is replaceable so tests can simulate elapsed recovery timeouts.
	now func() time.Time

	mu sync.RWMutex
}

// NewCircuitBreaker creates a breaker in the closed state.
func NewCircuitBreaker(nodeID string, config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		nodeID:       nodeID,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("node_id", nodeID)),
		now:          time.Now,
	}
}

// AllowRequest reports whether a request may proceed. Polling an open
// breaker after the recovery timeout moves it to half-open.
func (cb *CircuitBreaker) AllowRequest() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return true, nil

	case CircuitOpen:
		if cb.now().Sub(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker open for node %s: %d consecutive failures, retry after %v",
			cb.nodeID, cb.failures, cb.config.RecoveryTimeout-cb.now().Sub(cb.lastFailureTime))

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return true, nil
		}
		return false, fmt.Errorf("circuit breaker half-open for node %s: max probes (%d) reached",
			cb.nodeID, cb.config.HalfOpenMaxProbes)

	default:
		return false, fmt.Errorf("unknown circuit breaker state: %d", cb.state)
	}
}

// RecordSuccess notes a successful execution.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, fmt.Sprintf("%d successes in half-open", cb.successes))
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure notes a failed execution.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.transitionTo(CircuitOpen, fmt.Sprintf("%d consecutive failures", cb.failures))
		}

	case CircuitHalfOpen:
		cb.successes = 0
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Failures returns the consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.failures
}

// Reset forces the breaker back to closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent must be called with the lock held.
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler != nil {
		event := CircuitBreakerEvent{
			NodeID:    cb.nodeID,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: cb.now(),
			Reason:    reason,
			Failures:  cb.failures,
		}
		// Delivered asynchronously so handlers cannot deadlock against the
		// breaker lock.
		go cb.eventHandler.OnStateChange(event)
	}
}

// BreakerRegistry lazily creates and tracks one breaker per node.
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(config CircuitBreakerConfig, eventHandler CircuitBreakerEventHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate returns the node's breaker, creating it on first use.
func (r *BreakerRegistry) GetOrCreate(nodeID string) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[nodeID]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[nodeID]; ok {
		return cb
	}
	cb := NewCircuitBreaker(nodeID, r.config, r.eventHandler, r.logger)
	r.breakers[nodeID] = cb
	return cb
}

// Get returns the node's breaker if one exists.
func (r *BreakerRegistry) Get(nodeID string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[nodeID]
	return cb, ok
}

// States returns a snapshot of every breaker's state.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for id, cb := range r.breakers {
		states[id] = cb.State()
	}
	return states
}

// ResetAll resets every breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
