package failure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrCircuitOpen is returned when the circuit-breaker strategy rejects a
// recovery without invoking the task.
var ErrCircuitOpen = errors.New("circuit breaker open")

// ErrEscalated is returned after escalation handlers have been notified.
var ErrEscalated = errors.New("failure escalated")

// ErrNoStrategyExecutor is returned when an action names a strategy with no
// registered executor.
var ErrNoStrategyExecutor = errors.New("no executor registered for strategy")

// TaskFunc is the unit of work a recovery strategy may re-invoke.
type TaskFunc func(ctx context.Context) (any, error)

// Outcome is the result of executing a recovery action.
type Outcome struct {
	Success  bool `json:"success"`
	Skipped  bool `json:"skipped"`
	Value    any  `json:"value,omitempty"`
	Attempts int  `json:"attempts"`
}

// StrategyExecutor executes one recovery strategy variant. Implementations
// registered via Handler.RegisterStrategy extend the closed built-in set.
type StrategyExecutor interface {
	Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error)
}

// defaultMaxBackoffDelay caps exponential backoff when the action does not
// set its own cap.
const defaultMaxBackoffDelay = 5 * time.Minute

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func maxAttempts(action RecoveryAction) int {
	if action.MaxAttempts < 1 {
		return 1
	}
	return action.MaxAttempts
}

// retryExecutor re-invokes the task with a fixed delay between attempts.
type retryExecutor struct{}

func (retryExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	attempts := maxAttempts(action)
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := task(ctx)
		if err == nil {
			return &Outcome{Success: true, Value: value, Attempts: attempt}, nil
		}
		lastErr = err
		if attempt < attempts {
			if err := sleepCtx(ctx, action.Delay); err != nil {
				return &Outcome{Attempts: attempt}, err
			}
		}
	}
	return &Outcome{Attempts: attempts}, fmt.Errorf("retry exhausted after %d attempts for node %s: %w", attempts, nodeID, lastErr)
}

// backoffExecutor re-invokes the task with exponentially increasing delays:
// delay * 2^(attempt-1), capped at the action's MaxDelay.
type backoffExecutor struct{}

func (backoffExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	attempts := maxAttempts(action)
	maxDelay := action.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxBackoffDelay
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = action.Delay
	bo.Multiplier = 2
	bo.MaxInterval = maxDelay
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		value, err := task(ctx)
		if err == nil {
			return &Outcome{Success: true, Value: value, Attempts: attempt}, nil
		}
		lastErr = err
		if attempt < attempts {
			if err := sleepCtx(ctx, bo.NextBackOff()); err != nil {
				return &Outcome{Attempts: attempt}, err
			}
		}
	}
	return &Outcome{Attempts: attempts}, fmt.Errorf("backoff retry exhausted after %d attempts for node %s: %w", attempts, nodeID, lastErr)
}

// skipExecutor returns a synthetic success without invoking the task.
type skipExecutor struct{}

func (skipExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	return &Outcome{Success: true, Skipped: true, Attempts: 0}, nil
}

// escalateExecutor notifies the handler's escalation listeners, then fails.
type escalateExecutor struct {
	notify func(nodeID string, action RecoveryAction)
}

func (e escalateExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	if e.notify != nil {
		e.notify(nodeID, action)
	}
	return &Outcome{Attempts: 0}, fmt.Errorf("node %s: %w", nodeID, ErrEscalated)
}

// failFastExecutor fails without invoking the task.
type failFastExecutor struct{}

func (failFastExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	return &Outcome{Attempts: 0}, fmt.Errorf("node %s: fail fast, no recovery attempted", nodeID)
}

// circuitBreakerExecutor fails immediately; the breaker denied the work.
type circuitBreakerExecutor struct{}

func (circuitBreakerExecutor) Execute(ctx context.Context, nodeID string, action RecoveryAction, task TaskFunc) (*Outcome, error) {
	return &Outcome{Attempts: 0}, fmt.Errorf("node %s: %w", nodeID, ErrCircuitOpen)
}
