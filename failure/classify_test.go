package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Keywords(t *testing.T) {
	tests := []struct {
		message string
		want    FailureType
	}{
		{"connection refused", TypeNetworkError},
		{"timed out waiting for scanner", TypeTimeout},
		{"operation Timeout after 30s", TypeTimeout},
		{"out of memory", TypeResourceExhaustion},
		{"disk quota exceeded", TypeResourceExhaustion},
		{"network unreachable", TypeNetworkError},
		{"401 Unauthorized", TypeAuthenticationError},
		{"authentication token expired", TypeAuthenticationError},
		{"permission denied", TypePermissionError},
		{"403 Forbidden", TypePermissionError},
		{"validation failed for field x", TypeValidationError},
		{"invalid parameter set", TypeValidationError},
		{"nonsense error xyz", TypeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(KindNone, tt.message))
		})
	}
}

func TestClassify_KeywordOrderWins(t *testing.T) {
	// "timed out" is checked before "connection": timeout rules are first.
	assert.Equal(t, TypeTimeout, Classify(KindNone, "connection timed out"))
}

func TestClassify_KindFallback(t *testing.T) {
	assert.Equal(t, TypeDataError, Classify(KindData, "could not parse payload"))
	assert.Equal(t, TypeSystemError, Classify(KindSystem, "sigsegv"))
	assert.Equal(t, TypeDependencyFailure, Classify(KindDependency, "upstream gave up"))
	assert.Equal(t, TypeUnknown, Classify(KindNone, "something odd"))
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, TypeTimeout, ClassifyError(context.DeadlineExceeded))
	assert.Equal(t, TypeTimeout, ClassifyError(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, TypeDataError, ClassifyError(WithKind(errors.New("bad shape"), KindData)))
	assert.Equal(t, TypeNetworkError, ClassifyError(errors.New("connection reset by peer")))
	assert.Equal(t, TypeUnknown, ClassifyError(nil))
}

func TestWithKind_PreservesMessageAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := WithKind(base, KindSystem)
	assert.EqualError(t, wrapped, "boom")
	assert.True(t, errors.Is(wrapped, base))
	assert.Nil(t, WithKind(nil, KindSystem))
}
