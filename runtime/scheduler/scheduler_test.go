package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-lang/loom/types/xsync"
)

func TestExecute_EmptyRange(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()
	invoked := atomic.Int32{}
	for _, extent := range []int32{0, -1, -100} {
		code := pool.Execute(func(min, extent int32, closure []byte) int32 {
			invoked.Add(1)
			return 0
		}, nil, 0, extent)
		assert.Zero(t, code)
	}
	assert.Zero(t, invoked.Load(), "no callback may run for extent <= 0")
}

// coverage records, per index, how many sub-ranges claimed it.
func coverageTask(counts []atomic.Int32, base int32) Task {
	return func(min, extent int32, closure []byte) int32 {
		for i := min; i < min+extent; i++ {
			counts[i-base].Add(1)
		}
		return 0
	}
}

func TestExecute_ExactPartition(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()
	pool.SetWorkerCount(3)

	counts := make([]atomic.Int32, 7)
	var total atomic.Int32
	code := pool.Execute(func(min, extent int32, closure []byte) int32 {
		total.Add(extent)
		return coverageTask(counts, 0)(min, extent, closure)
	}, nil, 0, 7)
	require.Zero(t, code)
	assert.Equal(t, int32(7), total.Load(), "sub-range sizes must sum to the extent")
	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load(), "index %d covered %d times", i, counts[i].Load())
	}
}

func TestExecute_NonZeroMin(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()

	counts := make([]atomic.Int32, 5)
	code := pool.Execute(coverageTask(counts, 10), nil, 10, 5)
	require.Zero(t, code)
	for i := range counts {
		assert.Equal(t, int32(1), counts[i].Load())
	}
}

func TestExecute_ClosureIsPassedThrough(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()

	closure := []byte{1, 2, 3}
	code := pool.Execute(func(min, extent int32, got []byte) int32 {
		if len(got) != 3 || got[0] != 1 {
			return 7
		}
		return 0
	}, closure, 0, 100)
	assert.Zero(t, code)
}

func TestExecute_FailureAggregation(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()
	pool.SetWorkerCount(4)

	var ran atomic.Int32
	code := pool.Execute(func(min, extent int32, closure []byte) int32 {
		ran.Add(extent)
		if min >= 512 {
			return min // Non-zero, identifies the failing sub-range.
		}
		return 0
	}, nil, 0, 1024)
	assert.NotZero(t, code, "a failing sub-range must fail the job")
	assert.GreaterOrEqual(t, code, int32(512), "the code must come from a failing invocation")
	assert.Equal(t, int32(1024), ran.Load(), "failure must not cancel the remaining sub-ranges")
}

func TestExecute_PanicBecomesFailure(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()

	var ran atomic.Int32
	code := pool.Execute(func(min, extent int32, closure []byte) int32 {
		ran.Add(extent)
		if min == 0 {
			panic("boom")
		}
		return 0
	}, nil, 0, 64)
	assert.NotZero(t, code)
	assert.Equal(t, int32(64), ran.Load())
}

func TestExecute_Nested(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()
	pool.SetWorkerCount(2) // Fewer workers than nested jobs: requires stealing.

	const outer, inner = 4, 16
	var total atomic.Int32
	done := xsync.NewLatch()
	go func() {
		code := pool.Execute(func(min, extent int32, _ []byte) int32 {
			for i := min; i < min+extent; i++ {
				if nested := pool.Execute(func(nmin, nextent int32, _ []byte) int32 {
					total.Add(nextent)
					return 0
				}, nil, 0, inner); nested != 0 {
					return nested
				}
			}
			return 0
		}, nil, 0, outer)
		assert.Zero(t, code)
		done.Trigger()
	}()

	select {
	case <-done.WaitChan():
	case <-time.After(10 * time.Second):
		t.Fatal("nested parallel-for deadlocked")
	}
	assert.Equal(t, int32(outer*inner), total.Load())
}

func TestExecute_ConcurrentJobs(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()
	pool.SetWorkerCount(3)

	const jobs = 8
	var total atomic.Int32
	doneAll := xsync.NewLatch()
	var pending atomic.Int32
	pending.Store(jobs)
	for g := 0; g < jobs; g++ {
		go func() {
			code := pool.Execute(func(min, extent int32, _ []byte) int32 {
				total.Add(extent)
				return 0
			}, nil, 0, 100)
			assert.Zero(t, code)
			if pending.Add(-1) == 0 {
				doneAll.Trigger()
			}
		}()
	}
	select {
	case <-doneAll.WaitChan():
	case <-time.After(10 * time.Second):
		t.Fatal("concurrent jobs never finished")
	}
	assert.Equal(t, int32(jobs*100), total.Load())
}

func TestSetWorkerCount_RelaunchesAfterUse(t *testing.T) {
	var pool Pool
	defer pool.Shutdown()

	run := func() int32 {
		var total atomic.Int32
		code := pool.Execute(func(min, extent int32, _ []byte) int32 {
			total.Add(extent)
			return 0
		}, nil, 0, 50)
		require.Zero(t, code)
		return total.Load()
	}

	pool.SetWorkerCount(2)
	assert.Equal(t, int32(50), run())
	assert.Equal(t, 2, pool.WorkerCount())

	// Changing the count after first use drains and relaunches.
	pool.SetWorkerCount(5)
	assert.Equal(t, int32(50), run())
	assert.Equal(t, 5, pool.WorkerCount())
}

func TestShutdown(t *testing.T) {
	var pool Pool
	pool.Shutdown() // Never started: still safe.

	var total atomic.Int32
	require.Zero(t, pool.Execute(func(min, extent int32, _ []byte) int32 {
		total.Add(extent)
		return 0
	}, nil, 0, 10))
	pool.Shutdown()
	pool.Shutdown() // Idempotent.

	// The pool restarts transparently on the next Execute.
	require.Zero(t, pool.Execute(func(min, extent int32, _ []byte) int32 {
		total.Add(extent)
		return 0
	}, nil, 0, 10))
	assert.Equal(t, int32(20), total.Load())
	pool.Shutdown()
}
