package interrupt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInterruptee_NotInterrupted(t *testing.T) {
	scope := NewScope()
	handle := scope.Begin()

	assert.False(t, handle.Interrupted())
	require.NoError(t, handle.Err())
}

func TestInterruptee_Interrupted(t *testing.T) {
	scope := NewScope()
	handle := scope.Begin()

	scope.Interrupt()

	assert.True(t, handle.Interrupted())
	assert.ErrorIs(t, handle.Err(), ErrInterrupted)
}

func TestInterruptee_HandleAfterInterruptIsLive(t *testing.T) {
	scope := NewScope()

	// Хэндлы, выданные до отмены, становятся недействительными
	old := scope.Begin()
	scope.Interrupt()

	// Хэндл, выданный после отмены, живой
	fresh := scope.Begin()

	assert.True(t, old.Interrupted())
	assert.False(t, fresh.Interrupted())
}

func TestInterruptee_NilHandle(t *testing.T) {
	// nil хэндл трактуется как "без отмены"
	var handle *Interruptee
	assert.False(t, handle.Interrupted())
	require.NoError(t, handle.Err())
}
