package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHasCode(t *testing.T) {
	t.Run("matches wrapped domain error", func(t *testing.T) {
		err := fmt.Errorf("outer: %w", New(CodeSessionNotFound, "session not found"))
		assert.True(t, HasCode(err, CodeSessionNotFound))
		assert.False(t, HasCode(err, CodeNotFound))
	})

	t.Run("plain errors carry no code", func(t *testing.T) {
		_, ok := CodeOf(errors.New("boom"))
		assert.False(t, ok)
	})

	t.Run("wrap keeps the cause reachable", func(t *testing.T) {
		cause := errors.New("redis down")
		err := Wrap(cause, CodeInternal, "failed to list sessions")
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, "failed to list sessions: redis down", err.Error())
	})
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(CodeSessionNotFound))
	assert.Equal(t, http.StatusUnauthorized, HTTPStatus(CodeUnauthorized))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(CodeForbidden))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(CodeUnavailable))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(Code("unknown")))
}
