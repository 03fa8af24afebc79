// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/loom-lang/loom/backends"
	"github.com/loom-lang/loom/types/buffers"
	"github.com/loom-lang/loom/types/xsync"
)

// The binding registry records which device interface owns each live device
// handle. Handles are globally unique (backends draw them from process-wide
// counters), so the registry is process-wide too: it is what makes
// CopyToDevice with no explicit interface, and DeviceRelease, resolvable.
var (
	bindMu   xsync.Mutex
	bindings map[uint64]backends.DeviceInterface
)

func bind(handle uint64, iface backends.DeviceInterface) {
	bindMu.Lock()
	if bindings == nil {
		bindings = make(map[uint64]backends.DeviceInterface)
	}
	bindings[handle] = iface
	bindMu.Unlock()
}

func unbind(handle uint64) {
	bindMu.Lock()
	delete(bindings, handle)
	bindMu.Unlock()
}

func boundInterface(handle uint64) backends.DeviceInterface {
	bindMu.Lock()
	defer bindMu.Unlock()
	return bindings[handle]
}

// DeviceMalloc allocates device storage for the buffer on iface, sized from
// its extents, strides and element size, and binds the resulting handle. A
// buffer already allocated on iface is left alone; one allocated on a
// different interface is a binding error (free it first to rebind).
func (ctx *Context) DeviceMalloc(buf *buffers.Buffer, iface backends.DeviceInterface) int32 {
	return CodeOf(deviceMalloc(buf, iface))
}

func deviceMalloc(buf *buffers.Buffer, iface backends.DeviceInterface) error {
	if iface == nil {
		return errors.WithMessage(ErrBinding, "DeviceMalloc needs a device interface")
	}
	if buf.Dev != 0 {
		if boundInterface(buf.Dev) == iface {
			return nil
		}
		return errors.WithMessagef(ErrBinding,
			"buffer's device handle %d is bound to a different interface", buf.Dev)
	}
	if err := iface.Malloc(buf); err != nil {
		return errors.WithMessagef(ErrResource, "allocating on %q: %v", iface.Name(), err)
	}
	bind(buf.Dev, iface)
	klog.V(2).Infof("device: allocated handle %d (%d bytes) on %q", buf.Dev, buf.FootprintBytes(), iface.Name())
	return nil
}

// CopyToDevice makes the device copy of the buffer current. The interface may
// be nil if the buffer is already bound; device storage is allocated lazily
// if the buffer has none. The transfer itself only happens when the host copy
// is dirty, and clears the flag on success.
func (ctx *Context) CopyToDevice(buf *buffers.Buffer, iface backends.DeviceInterface) int32 {
	return CodeOf(copyToDevice(buf, iface))
}

func copyToDevice(buf *buffers.Buffer, iface backends.DeviceInterface) error {
	if buf.Dev != 0 {
		bound := boundInterface(buf.Dev)
		if bound == nil {
			return errors.WithMessagef(ErrBinding, "device handle %d has no registered interface", buf.Dev)
		}
		if iface != nil && bound != iface {
			return errors.WithMessagef(ErrBinding,
				"buffer's device handle %d is bound to a different interface", buf.Dev)
		}
		iface = bound
	} else {
		if iface == nil {
			return errors.WithMessage(ErrBinding, "buffer has no device allocation and no interface was given")
		}
		if err := deviceMalloc(buf, iface); err != nil {
			return err
		}
	}
	if !buf.HostDirty {
		return nil
	}
	if err := iface.CopyToDevice(buf); err != nil {
		return errors.Wrap(err, "copy to device")
	}
	buf.HostDirty = false
	return nil
}

// CopyToHost makes the host copy of the buffer current. The buffer must have
// a device allocation. The transfer only happens when the device copy is
// dirty, and clears the flag on success.
func (ctx *Context) CopyToHost(buf *buffers.Buffer) int32 {
	return CodeOf(copyToHost(buf))
}

func copyToHost(buf *buffers.Buffer) error {
	if buf.Dev == 0 {
		return errors.WithMessage(ErrState, "CopyToHost on a buffer with no device allocation")
	}
	iface := boundInterface(buf.Dev)
	if iface == nil {
		return errors.WithMessagef(ErrBinding, "device handle %d has no registered interface", buf.Dev)
	}
	if !buf.DevDirty {
		return nil
	}
	if err := iface.CopyToHost(buf); err != nil {
		return errors.Wrap(err, "copy to host")
	}
	buf.DevDirty = false
	return nil
}

// DeviceSync blocks until outstanding device operations touching the buffer
// have finished. A buffer with no device allocation is a no-op.
func (ctx *Context) DeviceSync(buf *buffers.Buffer) int32 {
	if buf.Dev == 0 {
		return StatusOK
	}
	iface := boundInterface(buf.Dev)
	if iface == nil {
		return CodeOf(errors.WithMessagef(ErrBinding, "device handle %d has no registered interface", buf.Dev))
	}
	if err := iface.Sync(buf); err != nil {
		return CodeOf(errors.Wrap(err, "device sync"))
	}
	return StatusOK
}

// DeviceFree releases the buffer's device allocation, clears the handle and
// both dirty flags. A buffer with no device allocation is a no-op.
func (ctx *Context) DeviceFree(buf *buffers.Buffer) int32 {
	return CodeOf(deviceFree(buf))
}

func deviceFree(buf *buffers.Buffer) error {
	if buf.Dev == 0 {
		return nil
	}
	handle := buf.Dev
	iface := boundInterface(handle)
	if iface == nil {
		return errors.WithMessagef(ErrBinding, "device handle %d has no registered interface", handle)
	}
	if err := iface.Free(buf); err != nil {
		return errors.Wrap(err, "device free")
	}
	unbind(handle)
	buf.Dev = 0
	buf.HostDirty = false
	buf.DevDirty = false
	return nil
}

// DeviceRelease frees every outstanding allocation owned by iface and drops
// its bindings. Buffers still carrying one of those handles are left with a
// dangling descriptor, as after any release-all; it is the caller's
// responsibility not to use them. No-op when iface owns nothing.
func (ctx *Context) DeviceRelease(iface backends.DeviceInterface) {
	if iface == nil {
		return
	}
	bindMu.Lock()
	n := 0
	for handle, bound := range bindings {
		if bound == iface {
			delete(bindings, handle)
			n++
		}
	}
	bindMu.Unlock()
	if err := iface.ReleaseAll(); err != nil {
		klog.Errorf("device: releasing all allocations of %q: %v", iface.Name(), err)
	}
	if n > 0 {
		klog.V(1).Infof("device: released %d bindings of %q", n, iface.Name())
	}
}
