// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// EncodedSize is the exact size of a descriptor on the wire. The layout is
// packed little-endian with no compiler-inserted slack:
//
//	device handle  8 bytes
//	host address   8 bytes
//	extent         4 × int32
//	stride         4 × int32
//	min            4 × int32
//	elem size      int32
//	host dirty     1 byte
//	device dirty   1 byte
//	padding        2 bytes (explicit, always zero)
const EncodedSize = 8 + 8 + 3*4*4 + 4 + 1 + 1 + 2

// AppendBinary appends the packed descriptor to dst and returns the extended
// slice.
func (b *Buffer) AppendBinary(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, b.Dev)
	dst = binary.LittleEndian.AppendUint64(dst, b.HostAddress())
	for d := 0; d < MaxDims; d++ {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(b.Extent[d]))
	}
	for d := 0; d < MaxDims; d++ {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(b.Stride[d]))
	}
	for d := 0; d < MaxDims; d++ {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(b.Min[d]))
	}
	dst = binary.LittleEndian.AppendUint32(dst, uint32(b.ElemSize))
	dst = append(dst, boolByte(b.HostDirty), boolByte(b.DevDirty), 0, 0)
	return dst
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (b *Buffer) MarshalBinary() ([]byte, error) {
	return b.AppendBinary(make([]byte, 0, EncodedSize)), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
//
// The host address is restored into HostAddr; attaching Go-addressable host
// memory (Host) is up to the caller, since the runtime never owns it.
func (b *Buffer) UnmarshalBinary(data []byte) error {
	if len(data) < EncodedSize {
		return errors.Errorf("buffer descriptor needs %d bytes, got %d", EncodedSize, len(data))
	}
	b.Dev = binary.LittleEndian.Uint64(data[0:])
	b.HostAddr = binary.LittleEndian.Uint64(data[8:])
	b.Host = nil
	pos := 16
	for d := 0; d < MaxDims; d++ {
		b.Extent[d] = int32(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}
	for d := 0; d < MaxDims; d++ {
		b.Stride[d] = int32(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}
	for d := 0; d < MaxDims; d++ {
		b.Min[d] = int32(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
	}
	b.ElemSize = int32(binary.LittleEndian.Uint32(data[pos:]))
	pos += 4
	b.HostDirty = data[pos] != 0
	b.DevDirty = data[pos+1] != 0
	return nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}
