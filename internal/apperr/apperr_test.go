package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("append: %w", Forbidden("not a chat member"))

	assert.True(t, errors.Is(err, ErrForbidden))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindForbidden, KindOf(err))
	assert.Equal(t, "not a chat member", MessageOf(err))
}

func TestInternalErrorsDoNotLeakCause(t *testing.T) {
	err := Wrap(KindInternal, "db exploded", errors.New("pq: connection refused"))

	assert.Equal(t, "internal error", MessageOf(err))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err))
	assert.Equal(t, "internal error", MessageOf(errors.New("plain")))
}

func TestHTTPStatusRoundTrip(t *testing.T) {
	for _, kind := range []Kind{KindNotFound, KindUnauthenticated, KindForbidden, KindValidation, KindConflict, KindTransport} {
		status := HTTPStatus(New(kind, "x"))
		assert.Equal(t, kind, FromHTTPStatus(status), "kind %s", kind)
	}
}
