package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := New(KindValidation, "bad lat %f", 91.0)
	require.Equal(t, KindValidation, KindOf(err))
	require.Equal(t, "validation: bad lat 91.000000", err.Error())

	// Untagged errors bucket as internal.
	require.Equal(t, KindInternal, KindOf(stderrors.New("boom")))
}

func TestWrapPreservesKindThroughChain(t *testing.T) {
	t.Parallel()

	cause := New(KindNotFound, "event ev-1")
	wrapped := fmt.Errorf("loading event: %w", cause)
	require.Equal(t, KindNotFound, KindOf(wrapped))
	require.True(t, Is(wrapped, KindNotFound))

	tagged := Wrap(KindTransient, stderrors.New("connection reset"), "fetching segment")
	require.Equal(t, KindTransient, KindOf(tagged))
	require.ErrorContains(t, tagged, "connection reset")
	require.ErrorContains(t, tagged, "fetching segment")
}

func TestRetryable(t *testing.T) {
	t.Parallel()

	require.True(t, Retryable(New(KindTransient, "timeout")))
	require.True(t, Retryable(New(KindRateLimited, "429")))
	require.False(t, Retryable(New(KindValidation, "bad input")))
	require.False(t, Retryable(New(KindCorruption, "bad crc")))
	require.False(t, Retryable(stderrors.New("untagged")))
}

func TestHTTPStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, http.StatusBadRequest, HTTPStatus(KindValidation))
	require.Equal(t, http.StatusNotFound, HTTPStatus(KindNotFound))
	require.Equal(t, http.StatusTooManyRequests, HTTPStatus(KindRateLimited))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindUnavailable))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(KindDeadlineExceeded))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindCorruption))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(KindInternal))
}
