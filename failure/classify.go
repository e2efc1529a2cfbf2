package failure

import (
	"context"
	"errors"
	"strings"
	"time"
)

// FailureType classifies what went wrong with a task.
type FailureType string

const (
	TypeTimeout             FailureType = "timeout"
	TypeResourceExhaustion  FailureType = "resource_exhaustion"
	TypeDependencyFailure   FailureType = "dependency_failure"
	TypeValidationError     FailureType = "validation_error"
	TypeNetworkError        FailureType = "network_error"
	TypeAuthenticationError FailureType = "authentication_error"
	TypePermissionError     FailureType = "permission_error"
	TypeDataError           FailureType = "data_error"
	TypeSystemError         FailureType = "system_error"
	TypeUnknown             FailureType = "unknown"
)

// Kind is a coarse error-kind hint carried alongside the message. It decides
// classification only when no message keyword matches.
type Kind int

const (
	KindNone Kind = iota
	// KindData marks value/type conversion errors.
	KindData
	// KindSystem marks process or OS level errors.
	KindSystem
	// KindDependency marks failures caused by an upstream node.
	KindDependency
)

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// WithKind attaches a Kind hint to an error so ClassifyError can fall back
// to it when the message carries no recognizable keyword.
func WithKind(err error, kind Kind) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: kind, err: err}
}

// keywordRule maps message substrings to a failure type. Order matters:
// rules are evaluated top to bottom against the lower-cased message.
type keywordRule struct {
	keywords []string
	ftype    FailureType
}

var keywordRules = []keywordRule{
	{[]string{"timeout", "timed out"}, TypeTimeout},
	{[]string{"memory", "disk", "insufficient resource"}, TypeResourceExhaustion},
	{[]string{"connection", "network"}, TypeNetworkError},
	{[]string{"unauthorized", "authentication"}, TypeAuthenticationError},
	{[]string{"permission", "forbidden"}, TypePermissionError},
	{[]string{"validation", "invalid"}, TypeValidationError},
}

// Classify maps an error kind and message to a FailureType. It is pure:
// keyword scan over the lower-cased message first, then the kind hint,
// then TypeUnknown.
func Classify(kind Kind, message string) FailureType {
	lower := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, kw := range rule.keywords {
			if strings.Contains(lower, kw) {
				return rule.ftype
			}
		}
	}
	switch kind {
	case KindData:
		return TypeDataError
	case KindSystem:
		return TypeSystemError
	case KindDependency:
		return TypeDependencyFailure
	}
	return TypeUnknown
}

// ClassifyError classifies a Go error. Context deadline errors are timeouts
// regardless of message; otherwise the Kind attached via WithKind (if any)
// and the message decide.
func ClassifyError(err error) FailureType {
	if err == nil {
		return TypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TypeTimeout
	}
	kind := KindNone
	var ke *kindError
	if errors.As(err, &ke) {
		kind = ke.kind
	}
	return Classify(kind, err.Error())
}

// FailureContext captures one classified failure for a node.
type FailureContext struct {
	NodeID     string      `json:"node_id"`
	Type       FailureType `json:"failure_type"`
	Message    string      `json:"message"`
	StackTrace string      `json:"stack_trace,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Attempt    int         `json:"attempt"`
	// History holds the node's prior failures, oldest first, not including
	// this one.
	History []*FailureContext `json:"-"`
}
