package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaderyang/voidrun/internal/backend"
	"github.com/vaderyang/voidrun/internal/ports"
)

func TestRegistryInsertGetRemove(t *testing.T) {
	alloc := ports.NewAllocator(9100, 9101)
	reg := NewRegistry(alloc)

	rec := newRecord("abc", Spec{Mode: ModeOneShot}, backend.Handle{ID: "c1"}, 0)
	reg.Insert(rec)

	got, ok := reg.Get("abc")
	require.True(t, ok)
	assert.Equal(t, rec, got)
	assert.Equal(t, 1, reg.Len())

	_, ok = reg.Get("missing")
	assert.False(t, ok)

	removed, ok := reg.Remove("abc")
	require.True(t, ok)
	assert.Equal(t, rec, removed)
	assert.Equal(t, 0, reg.Len())

	_, ok = reg.Remove("abc")
	assert.False(t, ok)
}

func TestRegistryRemoveReleasesPort(t *testing.T) {
	alloc := ports.NewAllocator(9100, 9100)
	reg := NewRegistry(alloc)

	port, err := alloc.Allocate()
	require.NoError(t, err)

	rec := newRecord("abc", Spec{Mode: ModePersistent, DevServer: true}, backend.Handle{ID: "c1"}, port)
	reg.Insert(rec)
	assert.Equal(t, 1, alloc.InUse())

	reg.Remove("abc")
	assert.Equal(t, 0, alloc.InUse())

	// The port is reusable immediately.
	again, err := alloc.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestStateDestroyedAbsorbing(t *testing.T) {
	rec := newRecord("abc", Spec{Mode: ModeOneShot}, backend.Handle{ID: "c1"}, 0)
	rec.setState(StateDestroyed)
	rec.setState(StateRunning)
	assert.Equal(t, StateDestroyed, rec.State())
}
