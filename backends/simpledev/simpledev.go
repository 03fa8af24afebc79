// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package simpledev implements a pure-Go device backend for the Loom runtime.
//
// Device memory is simulated by a per-backend arena of byte slices keyed by
// handle, so pipelines scheduled for an accelerator can run, and be tested,
// on machines with none. DeviceBytes exposes the device-side storage of a
// handle, which is how tests (and embedders implementing device-side stages
// in Go) mutate data "on device".
//
// To use it, import it as:
//
//	import _ "github.com/loom-lang/loom/backends/simpledev"
package simpledev

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-lang/loom/backends"
	"github.com/loom-lang/loom/types/buffers"
	"github.com/loom-lang/loom/types/xsync"
)

// Name of the backend in the registry.
const Name = "simpledev"

func init() {
	backends.Register(Name, New)
}

// nextHandle is process-global so handles are unique across Device instances:
// a handle identifies its allocation unambiguously, and is never zero and
// never reused within a process.
var nextHandle atomic.Uint64

// Device is a simulated accelerator whose memory lives in the host heap.
type Device struct {
	mu     xsync.Mutex
	allocs map[uint64][]byte
}

// Compile-time check:
var _ backends.DeviceInterface = (*Device)(nil)

// New constructs a Device. The config string is accepted for registry
// compatibility and ignored.
func New(_ string) backends.DeviceInterface {
	return &Device{allocs: make(map[uint64][]byte)}
}

// Name implements backends.DeviceInterface.
func (d *Device) Name() string { return Name }

// Description implements backends.DeviceInterface.
func (d *Device) Description() string {
	return "simpledev: pure-Go simulated device memory (host heap arena)"
}

// Malloc implements backends.DeviceInterface.
func (d *Device) Malloc(buf *buffers.Buffer) error {
	if buf.Dev != 0 {
		return errors.Errorf("simpledev.Malloc: buffer already has device handle %d", buf.Dev)
	}
	size := buf.FootprintBytes()
	if size <= 0 {
		return errors.Errorf("simpledev.Malloc: buffer has degenerate footprint %d bytes", size)
	}
	handle := nextHandle.Add(1)
	d.mu.Lock()
	d.allocs[handle] = make([]byte, size)
	d.mu.Unlock()
	buf.Dev = handle
	return nil
}

// Free implements backends.DeviceInterface.
func (d *Device) Free(buf *buffers.Buffer) error {
	if buf.Dev == 0 {
		return nil
	}
	d.mu.Lock()
	_, found := d.allocs[buf.Dev]
	delete(d.allocs, buf.Dev)
	d.mu.Unlock()
	if !found {
		return errors.Errorf("simpledev.Free: handle %d not allocated here", buf.Dev)
	}
	buf.Dev = 0
	return nil
}

// CopyToDevice implements backends.DeviceInterface.
func (d *Device) CopyToDevice(buf *buffers.Buffer) error {
	storage, err := d.DeviceBytes(buf.Dev)
	if err != nil {
		return errors.WithMessage(err, "simpledev.CopyToDevice")
	}
	span := buf.FootprintBytes()
	if int64(len(buf.Host)) < span {
		return errors.Errorf("simpledev.CopyToDevice: host memory holds %d bytes, footprint is %d",
			len(buf.Host), span)
	}
	copy(storage, buf.Host[:span])
	return nil
}

// CopyToHost implements backends.DeviceInterface.
func (d *Device) CopyToHost(buf *buffers.Buffer) error {
	storage, err := d.DeviceBytes(buf.Dev)
	if err != nil {
		return errors.WithMessage(err, "simpledev.CopyToHost")
	}
	span := buf.FootprintBytes()
	if int64(len(buf.Host)) < span {
		return errors.Errorf("simpledev.CopyToHost: host memory holds %d bytes, footprint is %d",
			len(buf.Host), span)
	}
	copy(buf.Host[:span], storage)
	return nil
}

// Sync implements backends.DeviceInterface. Transfers here are synchronous,
// so there is never anything outstanding to wait for.
func (d *Device) Sync(buf *buffers.Buffer) error {
	if buf.Dev == 0 {
		return nil
	}
	_, err := d.DeviceBytes(buf.Dev)
	return err
}

// ReleaseAll implements backends.DeviceInterface.
func (d *Device) ReleaseAll() error {
	d.mu.Lock()
	n := len(d.allocs)
	d.allocs = make(map[uint64][]byte)
	d.mu.Unlock()
	if n > 0 {
		klog.V(1).Infof("simpledev: released %d outstanding allocations", n)
	}
	return nil
}

// DeviceBytes returns the device-side storage behind a handle.
//
// The returned slice aliases the live device memory: writing to it simulates
// a device-side write (the caller is responsible for setting the buffer's
// DevDirty flag, as generated device code would).
func (d *Device) DeviceBytes(handle uint64) ([]byte, error) {
	if handle == 0 {
		return nil, errors.New("buffer has no device allocation")
	}
	d.mu.Lock()
	storage, found := d.allocs[handle]
	d.mu.Unlock()
	if !found {
		return nil, errors.Errorf("handle %d not allocated on this device", handle)
	}
	return storage, nil
}

// NumAllocations returns how many device allocations are currently live.
func (d *Device) NumAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.allocs)
}
