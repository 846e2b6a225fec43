package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorIsMatchesKindAndReason(t *testing.T) {
	err := fmt.Errorf("allocate: %w", E(KindConflict, ReasonNoCapacity, "resource is full"))

	require.True(t, errors.Is(err, &Error{Kind: KindConflict}))
	require.True(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonNoCapacity}))
	require.False(t, errors.Is(err, &Error{Kind: KindConflict, Reason: ReasonAlreadyAssigned}))
	require.False(t, errors.Is(err, &Error{Kind: KindNotFound}))
}

func TestKindOfUntypedIsInternal(t *testing.T) {
	require.Equal(t, KindInternal, KindOf(errors.New("boom")))
	require.Equal(t, "internal", ReasonOf(errors.New("boom")))
	require.Equal(t, "expired", ReasonOf(E(KindExpired, "", "")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("lock wait timeout")
	err := Wrap(KindUnavailable, ReasonStoreUnavailable, "store unavailable", cause)

	require.ErrorIs(t, err, cause)
	require.True(t, Retryable(err))
	require.False(t, Retryable(E(KindConflict, ReasonNoCapacity, "full")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindUnauthenticated: http.StatusUnauthorized,
		KindUnauthorized:    http.StatusForbidden,
		KindNotFound:        http.StatusNotFound,
		KindExpired:         http.StatusGone,
		KindConflict:        http.StatusConflict,
		KindValidation:      http.StatusBadRequest,
		KindUnavailable:     http.StatusServiceUnavailable,
		KindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		require.Equal(t, want, HTTPStatus(E(kind, "", "x")), kind)
	}
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("raw")))
	require.Equal(t, http.StatusOK, HTTPStatus(nil))
}
