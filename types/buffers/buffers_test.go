package buffers

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFootprintBytes(t *testing.T) {
	// 4x4 image of 4-byte elements: 64-byte footprint.
	b := New(4, 4, 4, 1, 1)
	assert.Equal(t, int64(64), b.FootprintBytes())
	assert.Len(t, b.Host, 64)

	// A transposed view spans the same memory.
	b.Stride[0], b.Stride[1] = b.Stride[1], b.Stride[0]
	assert.Equal(t, int64(64), b.FootprintBytes())

	// A cropped view spans less.
	crop := New(4, 4, 4)
	crop.Extent[0] = 2
	crop.Extent[1] = 2
	assert.Equal(t, int64((1+1*1+1*4)*4), crop.FootprintBytes())

	// Degenerate descriptors.
	var zero Buffer
	assert.Equal(t, int64(0), zero.FootprintBytes())
}

func TestHostSlice(t *testing.T) {
	b := New(4, 3, 2)
	flat, err := HostSlice[float32](b)
	require.NoError(t, err)
	require.Len(t, flat, 6)
	flat[5] = 42
	bits := binary.LittleEndian.Uint32(b.Host[5*4:])
	assert.Equal(t, float32(42), math.Float32frombits(bits))

	_, err = HostSlice[float64](b)
	assert.Error(t, err, "element size mismatch must be rejected")

	var noHost Buffer
	noHost.ElemSize = 4
	_, err = HostSlice[int32](&noHost)
	assert.Error(t, err)
}

func TestWireRoundTrip(t *testing.T) {
	b := New(2, 7, 3, 2)
	b.Dev = 0xdeadbeefcafe
	b.Min = [MaxDims]int32{-1, 5, 0, 0}
	b.HostDirty = true

	data, err := b.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, EncodedSize)
	assert.Equal(t, 72, EncodedSize)

	var got Buffer
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, b.Dev, got.Dev)
	assert.Equal(t, b.HostAddress(), got.HostAddr)
	assert.Equal(t, b.Extent, got.Extent)
	assert.Equal(t, b.Stride, got.Stride)
	assert.Equal(t, b.Min, got.Min)
	assert.Equal(t, b.ElemSize, got.ElemSize)
	assert.True(t, got.HostDirty)
	assert.False(t, got.DevDirty)

	// Re-encoding the decoded descriptor reproduces the bytes exactly.
	again := got.AppendBinary(nil)
	assert.Equal(t, data, again)

	var short Buffer
	assert.Error(t, short.UnmarshalBinary(data[:EncodedSize-1]))
}

func TestWireRoundTrip_DegenerateDescriptor(t *testing.T) {
	// Zero element size means an empty (non-nil) host slice; marshaling must
	// still produce a full record, not panic.
	deg := New(0, 4, 4)
	require.Equal(t, int64(0), deg.FootprintBytes())
	require.NotNil(t, deg.Host)
	require.Empty(t, deg.Host)

	data, err := deg.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, data, EncodedSize)

	var got Buffer
	require.NoError(t, got.UnmarshalBinary(data))
	assert.Equal(t, uint64(0), got.HostAddr)
	assert.Equal(t, deg.Extent, got.Extent)
	assert.Equal(t, int32(0), got.ElemSize)
}

func TestTypeCodeString(t *testing.T) {
	assert.Equal(t, "float", Float.String())
	assert.Equal(t, "handle", Handle.String())
	assert.Equal(t, "invalid", TypeCode(9).String())
}
