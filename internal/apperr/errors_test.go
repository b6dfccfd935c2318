package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := New(CodeNotFound, "file not found")

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrForbidden))
}

func TestError_IsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("lookup failed: %w", NotFound("file abc not found"))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.Equal(t, "file abc not found", Message(err))
}

func TestError_WithCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Store("put failed", cause)

	assert.True(t, errors.Is(err, ErrStore))
	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, "put failed: connection reset", err.Error())
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeConflict, CodeOf(ErrConflict))
	assert.Equal(t, CodeInvalidArgument, CodeOf(InvalidArgument("bad ttl")))
}

func TestMessage_Plain(t *testing.T) {
	assert.Equal(t, "Internal server error", Message(errors.New("secret detail")))
}
