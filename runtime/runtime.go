// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package runtime is the support library generated Loom pipeline code calls
// into while executing: parallel loop execution, host/device buffer
// synchronization, memoization and execution tracing.
//
// Every entry point hangs off a Context, the per-call capability set. The
// Context a pipeline is invoked with decides which scheduler, cache and
// tracer serve it, so an embedding application can override any of them per
// invocation without a process-global dispatch table. Default() returns the
// shared instance used when no override is needed; a nil *Context receiver
// resolves to it, so generated code can always pass whatever context it was
// handed, including none.
//
// All components are safe for concurrent use from any goroutine, including
// pool workers, and none of them allocates OS resources before first use.
package runtime

import (
	"github.com/loom-lang/loom/runtime/memocache"
	"github.com/loom-lang/loom/runtime/scheduler"
	"github.com/loom-lang/loom/runtime/trace"
	"github.com/loom-lang/loom/types/buffers"
)

// Context is the capability set resolved once per pipeline invocation. Nil
// fields fall back to the Default() instance's component, so a Context
// overriding only the scheduler still shares the process-wide cache and
// tracer.
//
// UserData is carried through untouched for the embedding application's own
// callbacks.
type Context struct {
	Scheduler *scheduler.Pool
	Cache     *memocache.Cache
	Tracer    *trace.Tracer
	UserData  any
}

// defaultContext is built from zero values: every component initializes
// itself lazily on first use, so no package-initialization order matters
// here.
var defaultContext = &Context{
	Scheduler: &scheduler.Pool{},
	Cache:     &memocache.Cache{},
	Tracer:    &trace.Tracer{},
}

// Default returns the process-wide Context used by embeddings that need no
// per-call override.
func Default() *Context {
	return defaultContext
}

func (ctx *Context) scheduler() *scheduler.Pool {
	if ctx != nil && ctx.Scheduler != nil {
		return ctx.Scheduler
	}
	return defaultContext.Scheduler
}

func (ctx *Context) cache() *memocache.Cache {
	if ctx != nil && ctx.Cache != nil {
		return ctx.Cache
	}
	return defaultContext.Cache
}

func (ctx *Context) tracer() *trace.Tracer {
	if ctx != nil && ctx.Tracer != nil {
		return ctx.Tracer
	}
	return defaultContext.Tracer
}

// ParFor executes task over the half-open range [min, min+extent) on the
// context's thread pool, blocking until every sub-range completed. It returns
// 0 iff every invocation returned 0, else some non-zero code one of them
// produced; sub-ranges are never cancelled early. extent <= 0 is a no-op.
func (ctx *Context) ParFor(task scheduler.Task, min, extent int32, closure []byte) int32 {
	return ctx.scheduler().Execute(task, closure, min, extent)
}

// SetWorkerCount changes the thread pool's worker count; after first use the
// pool drains, tears down and relaunches with the new count. n <= 0 selects
// the number of CPUs.
func (ctx *Context) SetWorkerCount(n int32) {
	ctx.scheduler().SetWorkerCount(int(n))
}

// ShutdownPool stops the pool's workers and frees its resources. Safe on a
// pool that never ran.
func (ctx *Context) ShutdownPool() {
	ctx.scheduler().Shutdown()
}

// CacheSetSize adjusts the memoization cache's soft byte budget, enforced on
// the next store.
func (ctx *Context) CacheSetSize(bytes int64) {
	ctx.cache().SetSize(bytes)
}

// CacheLookup fills the caller-shaped output buffers from the entry stored
// under key and reports a hit. On a miss — including any internal failure,
// which is deliberately folded into "miss" — the outputs are untouched.
//
// Note the polarity: the result is true on a HIT. Code ported from runtimes
// whose lookup returns a "was a miss" flag must invert the test.
func (ctx *Context) CacheLookup(key []byte, region *buffers.Buffer, out []*buffers.Buffer) (hit bool) {
	return ctx.cache().Lookup(key, region, out)
}

// CacheStore copies the tuple realized over region into the cache under key,
// replacing any prior entry for it and evicting least-recently-used entries
// as needed to respect the budget.
func (ctx *Context) CacheStore(key []byte, region *buffers.Buffer, in []*buffers.Buffer) {
	ctx.cache().Store(key, region, in)
}

// CacheCleanup drops every cache entry. The caller guarantees no concurrent
// lookup or store.
func (ctx *Context) CacheCleanup() {
	ctx.cache().Cleanup()
}

// Trace records one execution event and returns its fresh non-zero id, which
// callers pass as ParentID on the events nested under it.
func (ctx *Context) Trace(ev *trace.Event) int32 {
	return ctx.tracer().Emit(ev)
}

// SetTraceSinkFD selects the binary trace sink by file descriptor; 0 reverts
// to human-readable text.
func (ctx *Context) SetTraceSinkFD(fd int32) {
	ctx.tracer().SetSinkFD(fd)
}

// TraceSinkFD returns the binary trace sink descriptor, 0 when tracing is
// human-readable.
func (ctx *Context) TraceSinkFD() int32 {
	return ctx.tracer().SinkFD()
}

// ShutdownTrace flushes and closes the trace sink. Returns 0 on success.
func (ctx *Context) ShutdownTrace() int32 {
	return ctx.tracer().Shutdown()
}
