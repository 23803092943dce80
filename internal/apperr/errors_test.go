package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeForbidden, CodeOf(Forbidden("no")))
	assert.Equal(t, CodeNotFound, CodeOf(fmt.Errorf("wrapped: %w", NotFound("gone"))))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("db down")
	err := Internal("store message", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "store message: db down", err.Error())
	assert.True(t, Is(err, CodeInternal))
	assert.False(t, Is(err, CodeExpired))
}
