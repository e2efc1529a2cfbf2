package failure

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EscalationHandler is notified when a failure is escalated to a human or
// an outer system.
type EscalationHandler func(nodeID string, action RecoveryAction)

// HandlerConfig tunes the failure handler.
type HandlerConfig struct {
	// CircuitBreakerFailureLimit short-circuits pattern matching: a node
	// with at least this many recorded failures gets the circuit-breaker
	// strategy regardless of patterns.
	CircuitBreakerFailureLimit int `json:"circuit_breaker_failure_limit" yaml:"circuit_breaker_failure_limit"`
	// Breaker configures the per-node circuit breakers.
	Breaker CircuitBreakerConfig `json:"breaker" yaml:"breaker"`
	// CaptureStacks controls whether HandleFailure records a stack trace.
	CaptureStacks bool `json:"capture_stacks" yaml:"capture_stacks"`
}

// DefaultHandlerConfig returns the shipped defaults.
func DefaultHandlerConfig() HandlerConfig {
	return HandlerConfig{
		CircuitBreakerFailureLimit: 5,
		Breaker:                    DefaultCircuitBreakerConfig(),
		CaptureStacks:              true,
	}
}

// Handler classifies failures, matches recovery patterns and executes
// recovery actions with a per-node circuit breaker.
type Handler struct {
	config   HandlerConfig
	patterns []*Pattern
	history  map[string][]*FailureContext
	breakers *BreakerRegistry

	builtin    map[RecoveryStrategy]StrategyExecutor
	registered map[RecoveryStrategy]StrategyExecutor

	escalations []EscalationHandler
	logger      *zap.Logger
	mu          sync.RWMutex
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// WithBreakerEvents registers a circuit-breaker event handler.
func WithBreakerEvents(eh CircuitBreakerEventHandler) HandlerOption {
	return func(h *Handler) {
		h.breakers = NewBreakerRegistry(h.config.Breaker, eh, h.logger)
	}
}

// WithPatterns replaces the default pattern set.
func WithPatterns(patterns []*Pattern) HandlerOption {
	return func(h *Handler) { h.patterns = patterns }
}

// NewHandler creates a handler with the default pattern set.
func NewHandler(config HandlerConfig, opts ...HandlerOption) *Handler {
	if config.CircuitBreakerFailureLimit <= 0 {
		config.CircuitBreakerFailureLimit = 5
	}
	if config.Breaker.FailureThreshold <= 0 {
		config.Breaker = DefaultCircuitBreakerConfig()
	}

	h := &Handler{
		config:     config,
		patterns:   DefaultPatterns(),
		history:    make(map[string][]*FailureContext),
		registered: make(map[RecoveryStrategy]StrategyExecutor),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(zap.String("component", "failure_handler"))
	if h.breakers == nil {
		h.breakers = NewBreakerRegistry(config.Breaker, nil, h.logger)
	}
	h.sortPatterns()

	h.builtin = map[RecoveryStrategy]StrategyExecutor{
		StrategyRetry:            retryExecutor{},
		StrategyRetryWithBackoff: backoffExecutor{},
		StrategySkip:             skipExecutor{},
		StrategyEscalate:         escalateExecutor{notify: h.notifyEscalation},
		StrategyFailFast:         failFastExecutor{},
		StrategyCircuitBreaker:   circuitBreakerExecutor{},
	}
	return h
}

// AddPattern registers an additional recovery pattern.
func (h *Handler) AddPattern(p *Pattern) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.patterns = append(h.patterns, p)
	h.sortPatterns()
}

// sortPatterns must be called with the lock held (or before concurrency).
func (h *Handler) sortPatterns() {
	sort.SliceStable(h.patterns, func(i, j int) bool {
		return h.patterns[i].Priority > h.patterns[j].Priority
	})
}

// RegisterStrategy installs an executor for the ROLLBACK/COMPENSATE
// extension points or a caller-defined strategy. Built-in strategies cannot
// be overridden.
func (h *Handler) RegisterStrategy(s RecoveryStrategy, exec StrategyExecutor) error {
	if _, ok := h.builtin[s]; ok {
		return fmt.Errorf("strategy %s is built in and cannot be overridden", s)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.registered[s] = exec
	return nil
}

// OnEscalation registers an escalation listener.
func (h *Handler) OnEscalation(fn EscalationHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.escalations = append(h.escalations, fn)
}

func (h *Handler) notifyEscalation(nodeID string, action RecoveryAction) {
	h.mu.RLock()
	handlers := make([]EscalationHandler, len(h.escalations))
	copy(handlers, h.escalations)
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(nodeID, action)
	}
}

// HandleFailure classifies the error, records it against the node and
// returns the recovery action to take for the given attempt number.
func (h *Handler) HandleFailure(nodeID string, err error, attempt int) (*FailureContext, RecoveryAction) {
	fc := &FailureContext{
		NodeID:    nodeID,
		Type:      ClassifyError(err),
		Message:   err.Error(),
		Timestamp: time.Now(),
		Attempt:   attempt,
	}
	if h.config.CaptureStacks {
		fc.StackTrace = string(debug.Stack())
	}

	h.mu.Lock()
	fc.History = append([]*FailureContext(nil), h.history[nodeID]...)
	h.history[nodeID] = append(h.history[nodeID], fc)
	failureCount := len(h.history[nodeID])
	patterns := make([]*Pattern, len(h.patterns))
	copy(patterns, h.patterns)
	h.mu.Unlock()

	h.breakers.GetOrCreate(nodeID).RecordFailure()

	h.logger.Warn("task failure recorded",
		zap.String("node_id", nodeID),
		zap.String("failure_type", string(fc.Type)),
		zap.Int("attempt", attempt),
		zap.Int("node_failures", failureCount),
	)

	if failureCount >= h.config.CircuitBreakerFailureLimit {
		return fc, RecoveryAction{Strategy: StrategyCircuitBreaker}
	}

	for _, p := range patterns {
		if !p.Matches(fc.Type, fc.Message) {
			continue
		}
		action := p.Action
		if action.MaxAttempts > 0 && attempt > action.MaxAttempts {
			// Pattern budget exhausted: escalate instead of retrying again.
			return fc, RecoveryAction{Strategy: StrategyEscalate, Params: map[string]any{"pattern": p.Name}}
		}
		return fc, action
	}

	return fc, RecoveryAction{Strategy: StrategyRetry, MaxAttempts: 1}
}

// ExecuteRecovery dispatches the action's strategy. A successful recovery
// resets the node's circuit breaker; an exhausted one records a breaker
// failure.
func (h *Handler) ExecuteRecovery(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	exec, ok := h.builtin[action.Strategy]
	if !ok {
		h.mu.RLock()
		exec, ok = h.registered[action.Strategy]
		h.mu.RUnlock()
	}
	if !ok {
		return &Outcome{}, fmt.Errorf("%w: %s", ErrNoStrategyExecutor, action.Strategy)
	}

	outcome, err := exec.Execute(ctx, nodeID, action, task)
	breaker := h.breakers.GetOrCreate(nodeID)
	if err == nil && outcome.Success {
		breaker.Reset()
	} else {
		breaker.RecordFailure()
	}

	h.logger.Info("recovery executed",
		zap.String("node_id", nodeID),
		zap.String("strategy", string(action.Strategy)),
		zap.Bool("success", outcome != nil && outcome.Success),
		zap.Int("attempts", outcome.Attempts),
	)
	return outcome, err
}

// Breaker returns the node's circuit breaker, creating it on first use.
func (h *Handler) Breaker(nodeID string) *CircuitBreaker {
	return h.breakers.GetOrCreate(nodeID)
}

// ResetCircuitBreaker forces the node's breaker back to closed. It reports
// whether a breaker existed.
func (h *Handler) ResetCircuitBreaker(nodeID string) bool {
	cb, ok := h.breakers.Get(nodeID)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

// ClearHistory removes recorded failures. Empty nodeID clears all nodes;
// maxAge zero clears regardless of age. Returns how many entries were
// removed.
func (h *Handler) ClearHistory(nodeID string, maxAge time.Duration) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	cutoff := time.Time{}
	if maxAge > 0 {
		cutoff = time.Now().Add(-maxAge)
	}

	removed := 0
	clearNode := func(id string) {
		kept := h.history[id][:0]
		for _, fc := range h.history[id] {
			if !cutoff.IsZero() && fc.Timestamp.After(cutoff) {
				kept = append(kept, fc)
			} else {
				removed++
			}
		}
		if len(kept) == 0 {
			delete(h.history, id)
		} else {
			h.history[id] = kept
		}
	}

	if nodeID != "" {
		if _, ok := h.history[nodeID]; ok {
			clearNode(nodeID)
		}
		return removed
	}
	for id := range h.history {
		clearNode(id)
	}
	return removed
}

// NodeFailureCount pairs a node with its failure count.
type NodeFailureCount struct {
	NodeID   string `json:"node_id"`
	Failures int    `json:"failures"`
}

// Statistics aggregates recorded failures.
type Statistics struct {
	TotalFailures    int                     `json:"total_failures"`
	ByType           map[FailureType]int     `json:"by_type"`
	ByNode           map[string]int          `json:"by_node"`
	ByHour           map[string]int          `json:"by_hour"`
	MostFailingNodes []NodeFailureCount      `json:"most_failing_nodes"`
	BreakerStates    map[string]CircuitState `json:"breaker_states"`
}

// GetStatistics aggregates failure counts by type, node and hour and flags
// the most failure-prone nodes.
func (h *Handler) GetStatistics() Statistics {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := Statistics{
		ByType: make(map[FailureType]int),
		ByNode: make(map[string]int),
		ByHour: make(map[string]int),
	}
	for nodeID, failures := range h.history {
		stats.ByNode[nodeID] = len(failures)
		stats.TotalFailures += len(failures)
		for _, fc := range failures {
			stats.ByType[fc.Type]++
			stats.ByHour[fc.Timestamp.Format("2006-01-02T15")]++
		}
	}
	for nodeID, count := range stats.ByNode {
		stats.MostFailingNodes = append(stats.MostFailingNodes, NodeFailureCount{NodeID: nodeID, Failures: count})
	}
	sort.Slice(stats.MostFailingNodes, func(i, j int) bool {
		if stats.MostFailingNodes[i].Failures != stats.MostFailingNodes[j].Failures {
			return stats.MostFailingNodes[i].Failures > stats.MostFailingNodes[j].Failures
		}
		return stats.MostFailingNodes[i].NodeID < stats.MostFailingNodes[j].NodeID
	})
	if len(stats.MostFailingNodes) > 5 {
		stats.MostFailingNodes = stats.MostFailingNodes[:5]
	}
	stats.BreakerStates = h.breakers.States()
	return stats
}

// GetRecommendations derives operator-facing remediation suggestions from
// the recorded failure mix.
func (h *Handler) GetRecommendations() []string {
	stats := h.GetStatistics()

	var recs []string
	if stats.TotalFailures >= 20 {
		recs = append(recs, fmt.Sprintf(
			"high failure volume (%d recorded): review task implementations and input data quality", stats.TotalFailures))
	}
	if len(stats.MostFailingNodes) > 0 && stats.TotalFailures > 0 {
		top := stats.MostFailingNodes[0]
		if float64(top.Failures)/float64(stats.TotalFailures) > 0.3 {
			recs = append(recs, fmt.Sprintf(
				"node %s accounts for %d of %d failures: inspect its task and dependencies", top.NodeID, top.Failures, stats.TotalFailures))
		}
	}
	var open []string
	for nodeID, state := range stats.BreakerStates {
		if state == CircuitOpen {
			open = append(open, nodeID)
		}
	}
	if len(open) > 0 {
		sort.Strings(open)
		recs = append(recs, fmt.Sprintf("open circuit breakers: %v; fix the underlying tasks, then reset", open))
	}
	if stats.TotalFailures > 0 {
		if float64(stats.ByType[TypeTimeout])/float64(stats.TotalFailures) > 0.4 {
			recs = append(recs, "timeout-heavy failure mix: raise node timeouts or reduce task scope")
		}
	}
	return recs
}

// History returns a copy of the node's failure history, oldest first.
func (h *Handler) History(nodeID string) []*FailureContext {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*FailureContext(nil), h.history[nodeID]...)
}
