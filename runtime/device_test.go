package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-lang/loom/backends/simpledev"
	"github.com/loom-lang/loom/types/buffers"
)

func newDevice() *simpledev.Device {
	return simpledev.New("").(*simpledev.Device)
}

func TestDeviceRoundTrip(t *testing.T) {
	ctx := Default()
	dev := newDevice()

	// 4x4 image of 4-byte elements: 64-byte footprint.
	buf := buffers.New(4, 4, 4, 1, 1)
	require.Equal(t, int64(64), buf.FootprintBytes())
	flat, err := buffers.HostSlice[int32](buf)
	require.NoError(t, err)
	for i := range flat {
		flat[i] = int32(i)
	}
	buf.HostDirty = true

	require.Equal(t, StatusOK, ctx.CopyToDevice(buf, dev))
	assert.False(t, buf.HostDirty, "successful transfer clears host-dirty")
	assert.NotZero(t, buf.Dev, "copy-to-device allocates lazily")

	// With no intervening device write, copy-to-host is a no-op that keeps
	// host data unchanged.
	require.Equal(t, StatusOK, ctx.CopyToHost(buf))
	assert.Equal(t, int32(5), flat[5])

	// Simulate a device-side write.
	storage, err := dev.DeviceBytes(buf.Dev)
	require.NoError(t, err)
	for i := range storage {
		storage[i] = 0xFF
	}
	buf.DevDirty = true

	require.Equal(t, StatusOK, ctx.CopyToHost(buf))
	assert.False(t, buf.DevDirty)
	assert.Equal(t, int32(-1), flat[5], "host reflects the device write")

	require.Equal(t, StatusOK, ctx.DeviceSync(buf))
	require.Equal(t, StatusOK, ctx.DeviceFree(buf))
	assert.Zero(t, buf.Dev)
	require.Equal(t, StatusOK, ctx.DeviceFree(buf), "free is a no-op when unbound")
}

func TestDeviceMallocBinding(t *testing.T) {
	ctx := Default()
	devA, devB := newDevice(), newDevice()

	buf := buffers.New(2, 8)
	assert.Equal(t, CodeBinding, ctx.DeviceMalloc(buf, nil))

	require.Equal(t, StatusOK, ctx.DeviceMalloc(buf, devA))
	require.Equal(t, StatusOK, ctx.DeviceMalloc(buf, devA), "re-malloc on the same interface is a no-op")

	// Bound to a different interface: binding error until freed.
	assert.Equal(t, CodeBinding, ctx.DeviceMalloc(buf, devB))
	assert.Equal(t, CodeBinding, ctx.CopyToDevice(buf, devB))

	require.Equal(t, StatusOK, ctx.DeviceFree(buf))
	require.Equal(t, StatusOK, ctx.DeviceMalloc(buf, devB), "rebinding allowed after free")
	require.Equal(t, StatusOK, ctx.DeviceFree(buf))
}

func TestCopyToDeviceResolvesBoundInterface(t *testing.T) {
	ctx := Default()
	dev := newDevice()

	buf := buffers.New(1, 32)
	buf.HostDirty = true

	// Unbound and no interface given: binding error.
	assert.Equal(t, CodeBinding, ctx.CopyToDevice(buf, nil))

	require.Equal(t, StatusOK, ctx.DeviceMalloc(buf, dev))
	assert.Equal(t, StatusOK, ctx.CopyToDevice(buf, nil), "bound buffer needs no explicit interface")
	assert.False(t, buf.HostDirty)
	require.Equal(t, StatusOK, ctx.DeviceFree(buf))
}

func TestCopyToHostUnbound(t *testing.T) {
	ctx := Default()
	buf := buffers.New(1, 8)
	assert.Equal(t, CodeState, ctx.CopyToHost(buf))
	assert.Equal(t, StatusOK, ctx.DeviceSync(buf), "sync on unbound buffer is a no-op")
}

func TestDeviceRelease(t *testing.T) {
	ctx := Default()
	devA, devB := newDevice(), newDevice()

	bufs := make([]*buffers.Buffer, 3)
	for i := range bufs {
		bufs[i] = buffers.New(1, 16)
		require.Equal(t, StatusOK, ctx.DeviceMalloc(bufs[i], devA))
	}
	other := buffers.New(1, 16)
	require.Equal(t, StatusOK, ctx.DeviceMalloc(other, devB))

	ctx.DeviceRelease(devA)
	assert.Equal(t, 0, devA.NumAllocations())
	assert.Equal(t, 1, devB.NumAllocations(), "release-all must not touch other interfaces")

	// devA's handles are gone from the registry: descriptors still carrying
	// them are stale now.
	assert.Equal(t, CodeBinding, ctx.CopyToHost(bufs[0]))

	ctx.DeviceRelease(devB)
	ctx.DeviceRelease(devA) // No allocations left: no-op.
}

func TestDirtyFlagsAtRest(t *testing.T) {
	ctx := Default()
	dev := newDevice()

	buf := buffers.New(1, 8)
	buf.HostDirty = true
	require.Equal(t, StatusOK, ctx.CopyToDevice(buf, dev))
	assert.False(t, buf.HostDirty && buf.DevDirty, "both dirty flags set at rest")

	buf.DevDirty = true
	require.Equal(t, StatusOK, ctx.CopyToHost(buf))
	assert.False(t, buf.HostDirty && buf.DevDirty)
	require.Equal(t, StatusOK, ctx.DeviceFree(buf))
}
