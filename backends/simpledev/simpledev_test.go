package simpledev

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-lang/loom/backends"
	"github.com/loom-lang/loom/types/buffers"
)

func TestRegistered(t *testing.T) {
	assert.Contains(t, backends.List(), Name)
	iface := backends.NewWithConfig(Name)
	assert.Equal(t, Name, iface.Name())
}

func TestMallocFree(t *testing.T) {
	dev := New("").(*Device)
	buf := buffers.New(4, 8, 8)

	require.NoError(t, dev.Malloc(buf))
	assert.NotZero(t, buf.Dev)
	assert.Equal(t, 1, dev.NumAllocations())

	storage, err := dev.DeviceBytes(buf.Dev)
	require.NoError(t, err)
	assert.Len(t, storage, 8*8*4)

	// Double allocation is rejected.
	assert.Error(t, dev.Malloc(buf))

	require.NoError(t, dev.Free(buf))
	assert.Zero(t, buf.Dev)
	assert.Equal(t, 0, dev.NumAllocations())

	// Freeing an unbound buffer is a no-op.
	require.NoError(t, dev.Free(buf))
}

func TestHandlesUniqueAcrossDevices(t *testing.T) {
	devA := New("").(*Device)
	devB := New("").(*Device)
	seen := make(map[uint64]bool)
	for i := 0; i < 10; i++ {
		for _, dev := range []*Device{devA, devB} {
			buf := buffers.New(1, 16)
			require.NoError(t, dev.Malloc(buf))
			assert.NotZero(t, buf.Dev)
			assert.False(t, seen[buf.Dev], "handle %d reused", buf.Dev)
			seen[buf.Dev] = true
		}
	}
}

func TestTransfers(t *testing.T) {
	dev := New("").(*Device)
	buf := buffers.New(1, 16)
	for i := range buf.Host {
		buf.Host[i] = byte(i)
	}
	require.NoError(t, dev.Malloc(buf))
	require.NoError(t, dev.CopyToDevice(buf))

	storage, err := dev.DeviceBytes(buf.Dev)
	require.NoError(t, err)
	assert.Equal(t, buf.Host, storage)

	// Simulated device-side write is visible after CopyToHost.
	storage[3] = 0xAA
	require.NoError(t, dev.CopyToHost(buf))
	assert.Equal(t, byte(0xAA), buf.Host[3])

	require.NoError(t, dev.Sync(buf))
	require.NoError(t, dev.ReleaseAll())
	assert.Equal(t, 0, dev.NumAllocations())
	_, err = dev.DeviceBytes(buf.Dev)
	assert.Error(t, err)
}
