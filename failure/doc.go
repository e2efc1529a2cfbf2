/*
Package failure classifies task failures and drives recovery.

# Core types

  - FailureType     : taxonomy of classified failures (timeout, network, auth, ...)
  - FailureContext  : one classified failure with its per-node history
  - Pattern         : prioritized matcher (failure type + message regexps) bound to a RecoveryAction
  - RecoveryAction  : what to do: retry, retry with backoff, skip, escalate, ...
  - CircuitBreaker  : per-node closed/open/half_open failure guard
  - Handler         : ties classification, patterns, breakers and recovery execution together

# Flow

HandleFailure classifies the error, appends it to the node's failure history,
records a breaker failure, then selects a RecoveryAction: the circuit-breaker
strategy when the node has accumulated too many failures, otherwise the
highest-priority matching Pattern (escalated when the attempt count exceeds
the pattern's budget), otherwise a single plain retry. ExecuteRecovery then
dispatches the action through a closed set of strategy executors; callers may
register executors for the ROLLBACK/COMPENSATE extension points.

Classification is a pure function of (error kind, message) so it is testable
without raising anything; see Classify and ClassifyError.
*/
package failure
