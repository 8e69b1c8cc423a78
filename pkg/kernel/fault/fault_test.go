package fault

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrappedChain(t *testing.T) {
	cause := errors.New("disk full")
	f := Wrap(KindTransient, cause, "persist job")
	wrapped := fmt.Errorf("scheduler: %w", f)

	assert.Equal(t, KindTransient, KindOf(wrapped))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestIsMatchesSameKind(t *testing.T) {
	err := New(KindAlreadyFated, "petition p-1 already fated")
	assert.True(t, errors.Is(err, New(KindAlreadyFated, "")))
	assert.False(t, errors.Is(err, New(KindNotFound, "")))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[Kind]int{
		KindSystemHalted:           http.StatusServiceUnavailable,
		KindNotFound:               http.StatusNotFound,
		KindInvalidStateTransition: http.StatusConflict,
		KindAlreadyFated:           http.StatusConflict,
		KindConcurrentModification: http.StatusConflict,
		KindConflict:               http.StatusConflict,
		KindValidation:             http.StatusBadRequest,
		KindUnauthorized:           http.StatusUnauthorized,
		KindForbidden:              http.StatusForbidden,
		KindEventEmissionFailed:    http.StatusInternalServerError,
		KindConfiguration:          http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), string(kind))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "io")))
	assert.True(t, Retryable(New(KindEventEmissionFailed, "ledger down")))
	assert.False(t, Retryable(New(KindConcurrentModification, "cas lost")))
	assert.False(t, Retryable(New(KindSystemHalted, "halted")))
}

func TestWithDetail(t *testing.T) {
	f := New(KindValidation, "dwell not elapsed").WithDetail("remaining_seconds", 12)
	require.NotNil(t, f.Details)
	assert.Equal(t, 12, f.Details["remaining_seconds"])
}
