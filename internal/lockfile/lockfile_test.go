package lockfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireLock_ExclusiveWithinProcess(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 10)

	h1, ok, err := m.TryAcquireLock(3)
	require.NoError(t, err)
	require.True(t, ok)
	defer h1.Release()

	// A second attempt at the same slot, even from the same process,
	// must observe contention rather than error — flock is per-file-
	// description, and a fresh open+lock from this Manager instance
	// models a distinct process attempting the same slot.
	h2, ok2, err2 := m.TryAcquireLock(3)
	require.NoError(t, err2)
	assert.False(t, ok2)
	assert.Nil(t, h2)
}

func TestTryAcquireLock_OutOfRange(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 5)

	_, _, err := m.TryAcquireLock(0)
	assert.Error(t, err)

	_, _, err = m.TryAcquireLock(6)
	assert.Error(t, err)
}

func TestTryAcquireUnusedLock_LowestFirst(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 5)

	held3, ok, err := m.TryAcquireLock(3)
	require.NoError(t, err)
	require.True(t, ok)
	defer held3.Release()

	h, ok, err := m.TryAcquireUnusedLock()
	require.NoError(t, err)
	require.True(t, ok)
	defer h.Release()

	assert.Equal(t, 1, h.Slot())
}

func TestRelease_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 5)

	h, ok, err := m.TryAcquireLock(1)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, h.Release())
	require.NoError(t, h.Release())

	// Releasing frees the slot for a fresh acquire.
	h2, ok2, err2 := m.TryAcquireLock(1)
	require.NoError(t, err2)
	require.True(t, ok2)
	defer h2.Release()
}

func TestSetStatus_PersistsAcrossObservers(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, 5)

	h, ok, err := m.TryAcquireLock(2)
	require.NoError(t, err)
	require.True(t, ok)
	defer h.Release()

	require.NoError(t, h.SetStatus(StateInUseLocal))

	state, err := Status(dir, 2)
	require.NoError(t, err)
	assert.Equal(t, StateInUseLocal, state)
}

func TestStatus_UnknownSlotIsNotInUse(t *testing.T) {
	dir := t.TempDir()
	state, err := Status(dir, 7)
	require.NoError(t, err)
	assert.Equal(t, StateNotInUse, state)
}
