package socket

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryIndexes(t *testing.T) {
	registered := newHarness(t, true)
	fresh := newHarness(t, false)
	r := NewRegistry(nil)

	require.NoError(t, r.Add(registered.handler))
	require.NoError(t, r.Add(fresh.handler))
	assert.Equal(t, 2, r.Len())

	id := registered.handler.Session().Store.UUID
	h, ok := r.ByUUID(id)
	require.True(t, ok)
	assert.Same(t, registered.handler, h)

	h, ok = r.ByPhone(testOwnJID.User)
	require.True(t, ok)
	assert.Same(t, registered.handler, h)

	_, ok = r.ByUUID(uuid.New())
	assert.False(t, ok)
	assert.Len(t, r.Handlers(), 2)

	stats := r.Stats()
	assert.Equal(t, 2, stats["sessions"])
	assert.Equal(t, 1, stats["phones"])
	assert.Equal(t, 2, stats[StateWaiting.String()])

	r.Remove(registered.handler)
	_, ok = r.ByPhone(testOwnJID.User)
	assert.False(t, ok)
	_, ok = r.ByUUID(id)
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryClose(t *testing.T) {
	th := newHarness(t, true)
	r := NewRegistry(nil)
	require.NoError(t, r.Add(th.handler))

	require.NoError(t, r.Close())
	assert.Equal(t, StateDisconnected, th.handler.State())

	if err := r.Close(); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("second Close() error = %v, want %v", err, ErrRegistryClosed)
	}
	if err := r.Add(newHarness(t, false).handler); !errors.Is(err, ErrRegistryClosed) {
		t.Errorf("Add() after Close error = %v, want %v", err, ErrRegistryClosed)
	}
}
