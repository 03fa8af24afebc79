// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers defines the buffer descriptor passed between generated
// pipeline code and the Loom runtime.
//
// A Buffer is an N-dimensional (up to 4) strided view over memory. The host
// memory is always owned by the caller; the device handle, while non-zero, is
// owned by the device interface it was allocated from. The two dirty flags
// track which side holds the authoritative copy: outside the duration of a
// single transfer, at most one of them is set.
package buffers

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// MaxDims is the maximum number of dimensions a Buffer describes.
const MaxDims = 4

// TypeCode describes the scalar kind of the elements a buffer (or a traced
// value) holds. The bit width is carried separately.
type TypeCode int32

const (
	// Int are signed integers.
	Int TypeCode = 0
	// Uint are unsigned integers.
	Uint TypeCode = 1
	// Float are IEEE floating point numbers.
	Float TypeCode = 2
	// Handle is an opaque pointer-sized value.
	Handle TypeCode = 3
)

// String implements fmt.Stringer.
func (c TypeCode) String() string {
	switch c {
	case Int:
		return "int"
	case Uint:
		return "uint"
	case Float:
		return "float"
	case Handle:
		return "handle"
	}
	return "invalid"
}

// Buffer is the raw descriptor of an image/array passed around by generated
// pipeline code. It includes the bookkeeping to track whether the data
// currently lives in host memory, on a device (GPU or other accelerator),
// or both.
type Buffer struct {
	// Dev is the device handle backing this buffer, or 0 if the buffer has no
	// device allocation. While non-zero it is owned by the device interface
	// that produced it.
	Dev uint64

	// Host is the caller-owned host memory backing this buffer. It may be nil
	// for descriptors that only exist on the device side.
	Host []byte

	// HostAddr carries the raw host address across the wire codec for
	// descriptors whose memory is not addressable as a Go slice (e.g. decoded
	// from another process). When Host is non-nil it is ignored.
	HostAddr uint64

	// Extent is the size of the buffer in each dimension.
	Extent [MaxDims]int32

	// Stride gives the spacing, in elements, between adjacent entries of the
	// given dimension. The memory offset of position (x, y, z, w) is
	// (x*Stride[0] + y*Stride[1] + z*Stride[2] + w*Stride[3]) * ElemSize.
	// By manipulating strides and extents a buffer can be cropped, transposed
	// or flipped without touching the data.
	Stride [MaxDims]int32

	// Min encodes the top-left corner of the region this buffer realizes.
	Min [MaxDims]int32

	// ElemSize is how many bytes each element takes.
	ElemSize int32

	// HostDirty is set when the host copy has been modified and a mirroring
	// device allocation exists that has not seen the modification yet.
	HostDirty bool

	// DevDirty is set when the device copy has been modified and the host
	// side has not seen the modification yet.
	DevDirty bool
}

// New returns a densely-strided buffer over the given extents, with host
// memory allocated to hold it. Dimensions beyond the given extents get
// extent 1 and the stride of the last real dimension.
func New(elemSize int32, extents ...int32) *Buffer {
	if len(extents) > MaxDims {
		panic(errors.Errorf("buffers.New: %d dimensions given, max is %d", len(extents), MaxDims))
	}
	b := &Buffer{ElemSize: elemSize}
	stride := int32(1)
	for d := 0; d < MaxDims; d++ {
		extent := int32(1)
		if d < len(extents) {
			extent = extents[d]
		}
		b.Extent[d] = extent
		b.Stride[d] = stride
		stride *= extent
	}
	b.Host = make([]byte, b.FootprintBytes())
	return b
}

// FootprintBytes returns the number of bytes spanned by the buffer: the
// offset of the last addressable element plus one element. Dimensions with
// extent <= 0 do not contribute.
func (b *Buffer) FootprintBytes() int64 {
	if b.ElemSize <= 0 {
		return 0
	}
	elems := int64(1)
	for d := 0; d < MaxDims; d++ {
		if b.Extent[d] <= 0 {
			continue
		}
		elems += int64(b.Extent[d]-1) * int64(b.Stride[d])
	}
	return elems * int64(b.ElemSize)
}

// HostAddress returns the address of the host memory, for descriptors crossing
// the packed-layout boundary. A buffer with no host memory — nil or empty, as
// a degenerate footprint produces — reports its recorded HostAddr, zero if
// none.
func (b *Buffer) HostAddress() uint64 {
	if len(b.Host) > 0 {
		return uint64(uintptr(unsafe.Pointer(&b.Host[0])))
	}
	return b.HostAddr
}

// Scalar is the constraint for element types host memory can be viewed as.
type Scalar interface {
	constraints.Integer | constraints.Float
}

// HostSlice reinterprets the buffer's host memory as a flat slice of T,
// spanning the buffer's footprint. It errors if the buffer has no host memory
// or T's size disagrees with the buffer's element size.
func HostSlice[T Scalar](b *Buffer) ([]T, error) {
	var zero T
	if int32(unsafe.Sizeof(zero)) != b.ElemSize {
		return nil, errors.Errorf("HostSlice: element type is %d bytes, buffer elements are %d",
			unsafe.Sizeof(zero), b.ElemSize)
	}
	if len(b.Host) == 0 {
		return nil, errors.New("HostSlice: buffer has no host memory")
	}
	n := b.FootprintBytes() / int64(b.ElemSize)
	if int64(len(b.Host)) < n*int64(b.ElemSize) {
		return nil, errors.Errorf("HostSlice: host memory holds %d bytes, footprint is %d",
			len(b.Host), n*int64(b.ElemSize))
	}
	return unsafe.Slice((*T)(unsafe.Pointer(&b.Host[0])), n), nil
}
