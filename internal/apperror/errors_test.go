package apperror_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/apperror"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := apperror.Transient("pool.nearby", errors.New("connection refused"))
	wrapped := fmt.Errorf("dispatch: %w", base)

	require.Equal(t, apperror.KindTransient, apperror.KindOf(wrapped))
	require.True(t, apperror.Retryable(wrapped))
	require.Equal(t, http.StatusServiceUnavailable, apperror.HTTPStatus(wrapped))
}

func TestConsistencyCarriesState(t *testing.T) {
	err := apperror.Consistency("escrow.release", errors.New("transition not permitted"), "cancelled")
	require.Contains(t, err.Error(), "current state cancelled")
	require.False(t, apperror.Retryable(err))
	require.Equal(t, http.StatusConflict, apperror.HTTPStatus(err))
}

func TestRetryAfterRoundsUp(t *testing.T) {
	now := time.Unix(1000, 0)
	err := apperror.RateLimited("ratelimit", now.Add(300*time.Millisecond))

	wait, ok := apperror.RetryAfter(err, now)
	require.True(t, ok)
	require.Equal(t, time.Second, wait)

	_, ok = apperror.RetryAfter(errors.New("plain"), now)
	require.False(t, ok)
}

func TestUnknownErrorsMapToInternal(t *testing.T) {
	require.Equal(t, apperror.KindUnknown, apperror.KindOf(errors.New("boom")))
	require.Equal(t, http.StatusInternalServerError, apperror.HTTPStatus(errors.New("boom")))
}
