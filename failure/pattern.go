package failure

import (
	"fmt"
	"regexp"
	"time"
)

// RecoveryStrategy is the closed set of recovery behaviors.
type RecoveryStrategy string

const (
	StrategyRetry            RecoveryStrategy = "retry"
	StrategyRetryWithBackoff RecoveryStrategy = "retry_with_backoff"
	StrategySkip             RecoveryStrategy = "skip"
	StrategyRollback         RecoveryStrategy = "rollback"
	StrategyCompensate       RecoveryStrategy = "compensate"
	StrategyEscalate         RecoveryStrategy = "escalate"
	StrategyFailFast         RecoveryStrategy = "fail_fast"
	StrategyCircuitBreaker   RecoveryStrategy = "circuit_breaker"
)

// RecoveryAction describes what to do about a classified failure.
type RecoveryAction struct {
	Strategy    RecoveryStrategy `json:"strategy"`
	Delay       time.Duration    `json:"delay"`
	MaxAttempts int              `json:"max_attempts"`
	// MaxDelay caps the backoff delay; zero means the handler default.
	MaxDelay time.Duration  `json:"max_delay,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// Pattern matches classified failures and binds them to a recovery action.
// Higher priority patterns are consulted first.
type Pattern struct {
	Name     string
	Type     FailureType
	Action   RecoveryAction
	Priority int

	matchers []*regexp.Regexp
}

// NewPattern compiles the given message regexps into a pattern. A pattern
// with no expressions matches on failure type alone.
func NewPattern(name string, ftype FailureType, exprs []string, action RecoveryAction, priority int) (*Pattern, error) {
	p := &Pattern{Name: name, Type: ftype, Action: action, Priority: priority}
	for _, expr := range exprs {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %s: compile %q: %w", name, expr, err)
		}
		p.matchers = append(p.matchers, re)
	}
	return p, nil
}

// Matches reports whether the pattern applies to a failure of the given type
// and message.
func (p *Pattern) Matches(ftype FailureType, message string) bool {
	if p.Type != ftype {
		return false
	}
	if len(p.matchers) == 0 {
		return true
	}
	for _, re := range p.matchers {
		if re.MatchString(message) {
			return true
		}
	}
	return false
}

// DefaultPatterns returns the shipped pattern set: backoff for transient
// failure classes, escalation for auth failures, skip for validation
// failures.
func DefaultPatterns() []*Pattern {
	mk := func(name string, ftype FailureType, action RecoveryAction, priority int) *Pattern {
		p, _ := NewPattern(name, ftype, nil, action, priority)
		return p
	}
	return []*Pattern{
		mk("auth_escalate", TypeAuthenticationError, RecoveryAction{
			Strategy: StrategyEscalate,
		}, 90),
		mk("timeout_backoff", TypeTimeout, RecoveryAction{
			Strategy:    StrategyRetryWithBackoff,
			Delay:       5 * time.Second,
			MaxAttempts: 3,
		}, 80),
		mk("network_backoff", TypeNetworkError, RecoveryAction{
			Strategy:    StrategyRetryWithBackoff,
			Delay:       2 * time.Second,
			MaxAttempts: 5,
		}, 75),
		mk("resource_backoff", TypeResourceExhaustion, RecoveryAction{
			Strategy:    StrategyRetryWithBackoff,
			Delay:       30 * time.Second,
			MaxAttempts: 3,
		}, 70),
		mk("validation_skip", TypeValidationError, RecoveryAction{
			Strategy: StrategySkip,
		}, 60),
	}
}
