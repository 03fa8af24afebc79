// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package trace implements the execution-trace channel generated pipeline
// code reports into.
//
// Every emitted event gets a fresh, session-unique, non-zero id. Causality is
// caller-maintained: the code that emits a BeginRealization or Produce event
// passes the returned id as ParentID on the events logically nested under it.
// The emitter records that link but never validates the nesting grammar --
// many realizations of the same or different computations may be open at once
// across threads, and only the ordering within one realization's stream is
// meaningful.
//
// Events go to a human-readable text stream (stdout by default) unless a
// binary sink is configured, in which case packed records are appended to it.
// The sink is picked once per session; switching it mid-session is not
// race-free against in-flight Emit calls.
package trace

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/loom-lang/loom/internal/metrics"
	"github.com/loom-lang/loom/types/buffers"
	"github.com/loom-lang/loom/types/xsync"
)

// Kind is the trace event kind. The wire codes are fixed.
type Kind int32

const (
	Load             Kind = 0
	Store            Kind = 1
	BeginRealization Kind = 2
	EndRealization   Kind = 3
	Produce          Kind = 4
	Update           Kind = 5
	Consume          Kind = 6
	EndConsume       Kind = 7
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Load:
		return "Load"
	case Store:
		return "Store"
	case BeginRealization:
		return "Begin realization"
	case EndRealization:
		return "End realization"
	case Produce:
		return "Produce"
	case Update:
		return "Update"
	case Consume:
		return "Consume"
	case EndConsume:
		return "End consume"
	}
	return "Unknown"
}

// Event is one instrumentation record. It is immutable once emitted.
type Event struct {
	// Func is the name of the pipeline stage the event belongs to.
	Func string

	Kind     Kind
	ParentID int32

	// Type, Bits and VectorWidth describe the traced value: VectorWidth lanes
	// of a Type scalar of Bits width each.
	Type        buffers.TypeCode
	Bits        int32
	VectorWidth int32

	// ValueIndex distinguishes the outputs of a stage realizing a tuple.
	ValueIndex int32

	// Value is the packed payload, VectorWidth times Bits/8 bytes; may be nil
	// for events that carry no value (realization markers).
	Value []byte

	// Coordinates locate the event in the stage's domain.
	Coordinates []int32
}

// Tracer assigns ids and records events. The zero value is ready to use and
// writes human-readable lines to stdout.
type Tracer struct {
	// lastID is the last assigned id; ids start at 1 and are never reused
	// within a session.
	lastID atomic.Int32

	mu      xsync.Mutex
	text    io.Writer
	binary  *bufio.Writer
	file    *os.File
	sinkFD  int32
	session string
}

// lockedInit finishes lazy setup. Must be called with mu held.
func (t *Tracer) lockedInit() {
	if t.text == nil {
		t.text = os.Stdout
	}
	if t.session == "" {
		t.session = uuid.NewString()
		klog.V(1).Infof("trace: session %s started", t.session)
	}
}

// Emit records the event and returns its fresh non-zero id. Safe under
// concurrent invocation.
func (t *Tracer) Emit(ev *Event) int32 {
	id := t.lastID.Add(1)
	metrics.TraceEventsTotal.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedInit()
	var err error
	if t.binary != nil {
		err = writeRecord(t.binary, id, ev)
	} else {
		_, err = fmt.Fprintln(t.text, formatEvent(id, ev))
	}
	if err != nil {
		klog.Errorf("trace: failed to record event %d: %v", id, err)
	}
	return id
}

// SetSinkFD selects the binary sink by file descriptor. fd > 0 appends packed
// records to that descriptor; fd == 0 reverts to the human-readable text
// stream. Not race-free against in-flight Emit calls.
func (t *Tracer) SetSinkFD(fd int32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedInit()
	t.lockedCloseSink()
	if fd > 0 {
		t.file = os.NewFile(uintptr(fd), "loom-trace")
		t.binary = bufio.NewWriter(t.file)
	}
	t.sinkFD = fd
}

// SetBinaryWriter selects w as the binary sink directly, for embedders that
// do not deal in file descriptors. A nil w reverts to the text stream.
func (t *Tracer) SetBinaryWriter(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedInit()
	t.lockedCloseSink()
	if w != nil {
		t.binary = bufio.NewWriter(w)
	}
}

// SetTextWriter redirects the human-readable stream (default stdout).
func (t *Tracer) SetTextWriter(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lockedInit()
	t.text = w
}

// SinkFD returns the configured binary sink descriptor, 0 when the tracer is
// writing human-readable text.
func (t *Tracer) SinkFD() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sinkFD
}

// lockedCloseSink flushes and closes the current binary sink, if any.
func (t *Tracer) lockedCloseSink() {
	if t.binary != nil {
		if err := t.binary.Flush(); err != nil {
			klog.Errorf("trace: flushing binary sink: %v", err)
		}
		t.binary = nil
	}
	if t.file != nil {
		if err := t.file.Close(); err != nil {
			klog.Errorf("trace: closing binary sink: %v", err)
		}
		t.file = nil
	}
	t.sinkFD = 0
}

// Shutdown flushes and closes the sink. Returns 0 on success.
func (t *Tracer) Shutdown() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.binary != nil {
		if err := t.binary.Flush(); err != nil {
			klog.Errorf("trace: flushing on shutdown: %v", err)
			t.lockedCloseSink()
			return 1
		}
	}
	t.lockedCloseSink()
	return 0
}

// formatEvent renders one human-readable line, e.g.:
//
//	Store blur.0(12, 3) = 42 id=7 parent=2
func formatEvent(id int32, ev *Event) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s", ev.Kind, ev.Func)
	if ev.ValueIndex > 0 {
		fmt.Fprintf(&sb, ".%d", ev.ValueIndex)
	}
	sb.WriteByte('(')
	for i, c := range ev.Coordinates {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%d", c)
	}
	sb.WriteByte(')')
	if len(ev.Value) > 0 {
		sb.WriteString(" = ")
		sb.WriteString(formatValue(ev))
	}
	fmt.Fprintf(&sb, " id=%d parent=%d", id, ev.ParentID)
	return sb.String()
}

// formatValue decodes the packed payload according to the event's type code,
// bit width and vector width.
func formatValue(ev *Event) string {
	lanes := int(ev.VectorWidth)
	if lanes < 1 {
		lanes = 1
	}
	laneBytes := int(ev.Bits) / 8
	if laneBytes <= 0 || len(ev.Value) < lanes*laneBytes {
		return fmt.Sprintf("%x", ev.Value)
	}
	parts := make([]string, 0, lanes)
	for lane := 0; lane < lanes; lane++ {
		parts = append(parts, formatLane(ev, ev.Value[lane*laneBytes:(lane+1)*laneBytes]))
	}
	if lanes == 1 {
		return parts[0]
	}
	return "<" + strings.Join(parts, ", ") + ">"
}

func formatLane(ev *Event, lane []byte) string {
	switch ev.Type {
	case buffers.Int:
		return fmt.Sprintf("%d", int64(leUint(lane))<<(64-ev.Bits)>>(64-ev.Bits))
	case buffers.Uint:
		return fmt.Sprintf("%d", leUint(lane))
	case buffers.Float:
		switch ev.Bits {
		case 16:
			return fmt.Sprintf("%g", float16.Frombits(uint16(leUint(lane))).Float32())
		case 32:
			return fmt.Sprintf("%g", math.Float32frombits(uint32(leUint(lane))))
		case 64:
			return fmt.Sprintf("%g", math.Float64frombits(leUint(lane)))
		}
	case buffers.Handle:
		return fmt.Sprintf("0x%x", leUint(lane))
	}
	return fmt.Sprintf("%x", lane)
}

// leUint reads up to 8 little-endian bytes.
func leUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
