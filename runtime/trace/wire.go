// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

package trace

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/loom-lang/loom/types/buffers"
)

// Binary record layout, packed little-endian:
//
//	id            int32
//	parent id     int32
//	kind          int32
//	type code     int32
//	bits          int32
//	vector width  int32
//	value index   int32
//	dimensions    int32  (number of coordinates)
//	name length   int32
//	value length  int32
//	name          name-length bytes
//	coordinates   dimensions × int32
//	value         value-length bytes
const recordHeaderSize = 10 * 4

// maxRecordSlice caps the variable-length parts a reader will allocate for,
// to keep a truncated or corrupt stream from requesting absurd buffers.
const maxRecordSlice = 1 << 20

// writeRecord appends one packed record to w.
func writeRecord(w io.Writer, id int32, ev *Event) error {
	buf := make([]byte, 0, recordHeaderSize+len(ev.Func)+4*len(ev.Coordinates)+len(ev.Value))
	for _, v := range []int32{
		id, ev.ParentID, int32(ev.Kind), int32(ev.Type), ev.Bits, ev.VectorWidth,
		ev.ValueIndex, int32(len(ev.Coordinates)), int32(len(ev.Func)), int32(len(ev.Value)),
	} {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
	}
	buf = append(buf, ev.Func...)
	for _, c := range ev.Coordinates {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(c))
	}
	buf = append(buf, ev.Value...)
	_, err := w.Write(buf)
	return errors.Wrap(err, "writing trace record")
}

// Record is one decoded binary trace record.
type Record struct {
	ID int32
	Event
}

// ReadRecord decodes the next packed record from r. It returns io.EOF when
// the stream ends cleanly at a record boundary.
func ReadRecord(r io.Reader) (*Record, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading trace record header")
	}
	field := func(i int) int32 {
		return int32(binary.LittleEndian.Uint32(header[i*4:]))
	}
	rec := &Record{
		ID: field(0),
		Event: Event{
			ParentID:    field(1),
			Kind:        Kind(field(2)),
			Type:        buffers.TypeCode(field(3)),
			Bits:        field(4),
			VectorWidth: field(5),
			ValueIndex:  field(6),
		},
	}
	dims, nameLen, valueLen := field(7), field(8), field(9)
	if dims < 0 || nameLen < 0 || valueLen < 0 ||
		nameLen > maxRecordSlice || valueLen > maxRecordSlice || dims > maxRecordSlice/4 {
		return nil, errors.Errorf("corrupt trace record: dims=%d name=%d value=%d", dims, nameLen, valueLen)
	}

	rest := make([]byte, int(nameLen)+4*int(dims)+int(valueLen))
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, errors.Wrap(err, "reading trace record body")
	}
	rec.Func = string(rest[:nameLen])
	rest = rest[nameLen:]
	if dims > 0 {
		rec.Coordinates = make([]int32, dims)
		for i := range rec.Coordinates {
			rec.Coordinates[i] = int32(binary.LittleEndian.Uint32(rest[i*4:]))
		}
		rest = rest[4*dims:]
	}
	if valueLen > 0 {
		rec.Value = append([]byte(nil), rest...)
	}
	return rec, nil
}
