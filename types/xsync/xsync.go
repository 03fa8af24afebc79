// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package xsync implements the synchronization tools shared by the Loom runtime.
//
// The central piece is Mutex, a statically zero-initializable lock whose internal
// state is built lazily on first use. Every other runtime component guards its
// process-wide state with it, so no component depends on package initialization
// order to have run.
package xsync

import (
	"sync"
	"sync/atomic"
)

// Mutex is a lock whose zero value is ready to use.
//
// The internal state is allocated on first Lock, exactly once even when the very
// first acquisitions race with each other. Lock blocks until the mutex is held
// and never times out.
//
// Destroy releases the internal state. The caller must guarantee no concurrent
// or later use: locking a destroyed Mutex, or destroying it twice, is undefined.
//
// Mutex implements sync.Locker, so it can back a sync.Cond.
type Mutex struct {
	impl atomic.Pointer[mutexImpl]
}

var _ sync.Locker = (*Mutex)(nil)

// mutexImpl holds the lazily created state: a one-slot semaphore channel.
type mutexImpl struct {
	sem chan struct{}
}

// get returns the mutex state, initializing it on first use.
//
// Double-checked: the losing initializer of a race discards its allocation and
// adopts the published one.
func (m *Mutex) get() *mutexImpl {
	impl := m.impl.Load()
	if impl != nil {
		return impl
	}
	fresh := &mutexImpl{sem: make(chan struct{}, 1)}
	if m.impl.CompareAndSwap(nil, fresh) {
		return fresh
	}
	return m.impl.Load()
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	m.get().sem <- struct{}{}
}

// Unlock releases the mutex. It must be held by the caller.
func (m *Mutex) Unlock() {
	impl := m.impl.Load()
	if impl == nil {
		panic("xsync: Unlock of never-locked Mutex")
	}
	<-impl.sem
}

// Destroy frees the mutex's internal state.
//
// The caller guarantees the mutex is not held and no goroutine will use it again.
func (m *Mutex) Destroy() {
	impl := m.impl.Swap(nil)
	if impl != nil {
		close(impl.sem)
	}
}

// Latch is a one-shot completion signal: it can be waited on until triggered,
// and once triggered it stays triggered forever.
//
// Its main consumers are the runtime's concurrency tests, which select on
// WaitChan against a timeout to bound waits on pool and cache operations.
type Latch struct {
	muTrigger sync.Mutex
	wait      chan struct{}
}

// NewLatch returns an un-triggered latch.
func NewLatch() *Latch {
	return &Latch{
		wait: make(chan struct{}),
	}
}

// Trigger fires the latch. Triggering an already-fired latch is a no-op.
func (l *Latch) Trigger() {
	l.muTrigger.Lock()
	defer l.muTrigger.Unlock()

	if l.Test() {
		return
	}
	close(l.wait)
}

// Wait blocks until the latch has been triggered.
func (l *Latch) Wait() {
	<-l.wait
}

// Test reports whether the latch has been triggered, without blocking.
func (l *Latch) Test() bool {
	select {
	case <-l.wait:
		return true
	default:
		return false
	}
}

// WaitChan exposes the latch as a channel for use in a `select`; it is closed
// when the latch triggers.
func (l *Latch) WaitChan() <-chan struct{} {
	return l.wait
}
