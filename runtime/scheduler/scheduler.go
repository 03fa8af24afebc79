// Copyright 2025-2026 The Loom Authors. SPDX-License-Identifier: Apache-2.0

// Package scheduler implements the thread pool that executes the parallel
// loop nests of generated pipeline code.
//
// A call to Execute splits its half-open range into sub-ranges and blocks
// until all of them ran on the pool. The calling goroutine does not idle
// while blocked: it re-enters the scheduling loop and works on whatever job
// has unclaimed sub-ranges, its own first. Pool workers that submit nested
// Execute calls therefore keep making progress instead of starving the pool,
// which is what makes nested parallelism safe.
package scheduler

import (
	"runtime"
	"sync"

	"k8s.io/klog/v2"

	"github.com/loom-lang/loom/internal/metrics"
	"github.com/loom-lang/loom/types/xsync"
)

// Task is one callback invocation covering the sub-range
// [min, min+extent) of a parallel loop. A non-zero return marks the
// whole job as failed.
type Task func(min, extent int32, closure []byte) int32

// panicCode is reported for a job whose callback panicked instead of
// returning. It is indistinguishable from a user code on purpose: the
// aggregate contract only promises "some non-zero code".
const panicCode = -1

// job is one Execute call: a task, its closure and the range still to be
// claimed. It exists only for the duration of the call.
type job struct {
	task    Task
	closure []byte

	// next..end is the unclaimed part of the range; grain is how much one
	// worker claims at a time.
	next, end, grain int32

	// outstanding counts claimed sub-ranges still running.
	outstanding int

	// result holds the first non-zero code a sub-range returned.
	result int32

	done bool
}

// hasWork reports whether there are unclaimed sub-ranges left.
func (j *job) hasWork() bool { return j.next < j.end }

// Pool executes jobs across a fixed set of worker goroutines. The zero value
// is ready to use: workers are launched on the first Execute.
//
// All state below mu is guarded by it.
type Pool struct {
	mu   xsync.Mutex
	cond *sync.Cond

	// numWorkers is the configured worker count; <= 0 means runtime.NumCPU()
	// resolved at launch.
	numWorkers int

	started  bool
	running  int // workers currently alive
	gen      int // bumped on teardown so workers of older generations exit
	inflight int // jobs submitted and not yet done

	// active holds the jobs that still have unclaimed sub-ranges.
	active []*job
}

// lockedInit finishes lazy setup. Must be called with mu held.
func (p *Pool) lockedInit() {
	if p.cond == nil {
		p.cond = sync.NewCond(&p.mu)
	}
}

// lockedEnsureStarted launches the workers if they are not running yet.
func (p *Pool) lockedEnsureStarted() {
	if p.started {
		return
	}
	n := p.numWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p.started = true
	p.running = n
	gen := p.gen
	for i := 0; i < n; i++ {
		go p.workerLoop(gen)
	}
	klog.V(1).Infof("scheduler: launched %d pool workers", n)
}

// lockedFindRunnable returns a job with unclaimed work, preferring the given
// one, or nil.
func (p *Pool) lockedFindRunnable(preferred *job) *job {
	if preferred != nil && preferred.hasWork() {
		return preferred
	}
	if len(p.active) > 0 {
		return p.active[0]
	}
	return nil
}

// lockedRunOne claims one sub-range of j, releases the lock while the
// callback runs, and reacquires it to record the outcome.
func (p *Pool) lockedRunOne(j *job) {
	min := j.next
	extent := j.grain
	if rest := j.end - j.next; extent > rest {
		extent = rest
	}
	j.next += extent
	if !j.hasWork() {
		p.lockedRemoveActive(j)
	}
	j.outstanding++

	p.mu.Unlock()
	metrics.ParallelTasksTotal.Inc()
	code := runTask(j.task, min, extent, j.closure)
	p.mu.Lock()

	j.outstanding--
	if code != 0 && j.result == 0 {
		j.result = code
	}
	if !j.hasWork() && j.outstanding == 0 && !j.done {
		j.done = true
		p.cond.Broadcast()
	}
}

func (p *Pool) lockedRemoveActive(j *job) {
	for i, candidate := range p.active {
		if candidate == j {
			p.active = append(p.active[:i], p.active[i+1:]...)
			return
		}
	}
}

// runTask invokes the callback, converting a panic into a failure code so one
// bad sub-range cannot take the pool down.
func runTask(task Task, min, extent int32, closure []byte) (code int32) {
	defer func() {
		if r := recover(); r != nil {
			klog.Errorf("scheduler: parallel task for [%d, %d) panicked: %v", min, min+extent, r)
			code = panicCode
		}
	}()
	return task(min, extent, closure)
}

// workerLoop is the body of one pool worker goroutine.
func (p *Pool) workerLoop(gen int) {
	p.mu.Lock()
	for p.gen == gen {
		j := p.lockedFindRunnable(nil)
		if j == nil {
			p.cond.Wait()
			continue
		}
		p.lockedRunOne(j)
	}
	p.running--
	if p.running == 0 {
		p.cond.Broadcast()
	}
	p.mu.Unlock()
}

// Execute runs task over the half-open range [min, min+extent) on the pool,
// blocking until every sub-range finished.
//
// extent <= 0 does no work and returns 0. The dispatched sub-ranges cover the
// range exactly, with no gaps or overlaps, in no particular order. The result
// is 0 iff every invocation returned 0; otherwise it is one of the non-zero
// codes actually returned. Failure does not cancel sub-ranges already
// dispatched or still unclaimed: everything runs to completion before the
// aggregate result is reported.
//
// Execute may be called from a pool worker (i.e. from inside a task); the
// nested call participates in scheduling instead of idling a worker.
func (p *Pool) Execute(task Task, closure []byte, min, extent int32) int32 {
	if extent <= 0 {
		return 0
	}
	metrics.ParallelJobsTotal.Inc()

	p.mu.Lock()
	p.lockedInit()
	p.lockedEnsureStarted()

	j := &job{
		task:    task,
		closure: closure,
		next:    min,
		end:     min + extent,
		grain:   grainFor(extent, p.running),
	}
	p.active = append(p.active, j)
	p.inflight++
	p.cond.Broadcast()

	// The caller works too, its own job first, until that job completes.
	for !j.done {
		runnable := p.lockedFindRunnable(j)
		if runnable == nil {
			p.cond.Wait()
			continue
		}
		p.lockedRunOne(runnable)
	}
	p.inflight--
	if p.inflight == 0 {
		p.cond.Broadcast()
	}
	result := j.result
	p.mu.Unlock()

	if result != 0 {
		metrics.ParallelFailuresTotal.Inc()
	}
	return result
}

// grainFor picks the sub-range size workers claim at a time: small enough to
// balance across workers and to leave stealable work for nested calls, never
// below one.
func grainFor(extent int32, workers int) int32 {
	if workers < 1 {
		workers = 1
	}
	grain := extent / int32(8*workers)
	if grain < 1 {
		grain = 1
	}
	return grain
}

// SetWorkerCount changes the number of pool workers. n <= 0 selects
// runtime.NumCPU().
//
// Before the pool ever ran, it only records the count. After that it drains
// the in-flight jobs, tears the pool down, and the next Execute relaunches it
// with the new count.
func (p *Pool) SetWorkerCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lockedInit()
	if p.started {
		p.lockedTeardown()
	}
	p.numWorkers = n
}

// Shutdown drains in-flight jobs and stops all workers. It is safe to call on
// a pool that never started, and idempotent. The pool restarts on a later
// Execute.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return
	}
	p.lockedInit()
	p.lockedTeardown()
}

// lockedTeardown waits out in-flight jobs, then retires the current worker
// generation and waits for the goroutines to exit.
func (p *Pool) lockedTeardown() {
	for p.inflight > 0 {
		p.cond.Wait()
	}
	p.gen++
	p.cond.Broadcast()
	for p.running > 0 {
		p.cond.Wait()
	}
	p.started = false
	klog.V(1).Info("scheduler: pool torn down")
}

// WorkerCount returns the currently configured worker count; 0 means
// runtime.NumCPU() will be used at launch.
func (p *Pool) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.numWorkers < 0 {
		return 0
	}
	return p.numWorkers
}
