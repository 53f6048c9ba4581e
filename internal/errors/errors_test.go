package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTypeWalksWrappedChain(t *testing.T) {
	root := IndexUnavailable(stderrors.New("connection refused"), "embed query")
	wrapped := fmt.Errorf("classify: %w", root)
	outer := InternalErrorf("pipeline").WithContext("stage", "classify")
	outer.Cause = wrapped

	assert.True(t, IsIndexUnavailable(wrapped))
	assert.True(t, IsIndexUnavailable(outer))
	assert.False(t, IsUnclassifiable(outer))
	assert.Equal(t, ErrorTypeInternal, GetType(outer))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, ErrorTypeDatabase, SeverityHigh, "noop"))
}

func TestParseErrorIsRecoverable(t *testing.T) {
	err := ParseError(stderrors.New("unbalanced braces"), "lib/home.dart")
	require.True(t, IsParse(err))
	assert.False(t, IsFatal(err))
	assert.Equal(t, SeverityLow, GetSeverity(err))
	assert.Contains(t, err.Error(), "lib/home.dart")
	assert.Contains(t, err.Error(), "unbalanced braces")
}

func TestAmbiguousCarriesPatterns(t *testing.T) {
	err := Ambiguous([]string{"kyc_enhancement", "transaction_limits"})
	assert.Equal(t, ErrorTypeAmbiguous, err.Type)
	assert.Equal(t, []string{"kyc_enhancement", "transaction_limits"}, err.Context["patterns"])
	assert.Contains(t, err.DetailedString(), "[LOW] [AMBIGUOUS]")
}

func TestIsMatchesByType(t *testing.T) {
	err := fmt.Errorf("outer: %w", Unclassifiable("empty change request"))
	assert.True(t, stderrors.Is(err, &Error{Type: ErrorTypeUnclassifiable}))
	assert.False(t, stderrors.Is(err, &Error{Type: ErrorTypeParse}))
}
