package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/snapshot"
)

func rawStack(tid uint64, functions ...string) callstack.RawStack {
	frames := make([]callstack.Frame, len(functions))
	for i, fn := range functions {
		frames[i] = callstack.Frame{Function: fn, File: "app.py", Line: i + 1}
	}
	return callstack.RawStack{Frames: frames, ThreadID: tid}
}

func newTestTracker(t *testing.T) (*Tracker, *snapshot.Store) {
	t.Helper()
	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	peaks := snapshot.NewStore()
	tr := New(c, peaks)
	require.NoError(t, tr.Start())
	return tr, peaks
}

func TestTracker_MassBalance(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x2000, 250, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x3000, 50, rawStack(1, "main", "bar"))
	tr.OnFree(0x2000)

	// allocated 400, freed 250
	assert.Equal(t, uint64(150), tr.TotalCurrentBytes())
	assert.Equal(t, uint64(400), tr.TotalPeakBytes())
	assert.Equal(t, 2, tr.LiveRecords())
}

func TestTracker_FreeUnknownAddressIsNoOp(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))
	tr.OnFree(0xdead) // predates tracking

	assert.Equal(t, uint64(100), tr.TotalCurrentBytes())
	assert.Equal(t, 1, tr.LiveRecords())
}

func TestTracker_DoubleFreeIsNoOp(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))
	tr.OnFree(0x1000)
	tr.OnFree(0x1000)

	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())
}

func TestTracker_PeakSnapshotMonotonic(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	first := peaks.Get()
	require.NotNil(t, first)
	assert.Equal(t, uint64(100), first.TotalBytes)

	// dropping below the peak must not touch the stored snapshot
	tr.OnFree(0x1000)
	assert.Same(t, first, peaks.Get())

	// climbing back to exactly the old peak is a tie; ties never replace
	tr.OnAlloc(0x2000, 100, rawStack(1, "main", "bar"))
	assert.Same(t, first, peaks.Get())

	// a strict increase does replace
	tr.OnAlloc(0x3000, 1, rawStack(1, "main", "bar"))
	replaced := peaks.Get()
	require.NotSame(t, first, replaced)
	assert.Equal(t, uint64(101), replaced.TotalBytes)
}

func TestTracker_PeakExample(t *testing.T) {
	// thread T1 allocates 100 bytes at [main, foo]; thread T2 allocates 300
	// bytes at [main, bar]
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x2000, 300, rawStack(2, "main", "bar"))

	assert.Equal(t, uint64(400), tr.TotalCurrentBytes())

	snap := peaks.Get()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(400), snap.TotalBytes)

	byLeaf := map[string]uint64{}
	for _, st := range snap.Stacks() {
		require.NotEmpty(t, st.Frames)
		byLeaf[st.Frames[len(st.Frames)-1].Function] = st.Bytes
	}
	assert.Equal(t, uint64(100), byLeaf["foo"])
	assert.Equal(t, uint64(300), byLeaf["bar"])

	// T1 frees its 100 bytes; the retained snapshot's total stays 400
	tr.OnFree(0x1000)
	assert.Equal(t, uint64(300), tr.TotalCurrentBytes())
	assert.Equal(t, uint64(400), peaks.Get().TotalBytes)
}

func TestTracker_SnapshotIsIndependentOfLiveTrie(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	snap := peaks.Get()
	require.NotNil(t, snap)

	// keep mutating the live trie along the same and new paths
	tr.OnFree(0x1000)
	tr.OnAlloc(0x2000, 10, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x3000, 10, rawStack(1, "main", "baz"))

	assert.Equal(t, uint64(100), snap.TotalBytes)
	assert.Equal(t, uint64(100), snap.Root().Bytes)
	var total uint64
	for _, st := range snap.Stacks() {
		total += st.Bytes
	}
	assert.Equal(t, uint64(100), total)
}

func TestTracker_InPlaceReallocSameSize(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	before := tr.TotalCurrentBytes()

	tr.OnRealloc(0x1000, 0x1000, 100, rawStack(1, "main", "foo"))

	assert.Equal(t, before, tr.TotalCurrentBytes())
	assert.Equal(t, 1, tr.LiveRecords())
	assert.Equal(t, uint64(100), tr.TotalPeakBytes())
}

func TestTracker_ReallocGrowsAndMoves(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnRealloc(0x1000, 0x2000, 175, rawStack(1, "main", "resize"))

	assert.Equal(t, uint64(175), tr.TotalCurrentBytes())
	assert.Equal(t, 1, tr.LiveRecords())

	// the old address is gone, the new one is live
	tr.OnFree(0x1000)
	assert.Equal(t, uint64(175), tr.TotalCurrentBytes())
	tr.OnFree(0x2000)
	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())
}

func TestTracker_ReallocAttributesToResizeCallStack(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnRealloc(0x1000, 0x1000, 200, rawStack(1, "main", "resize"))

	snap := peaks.Get()
	require.NotNil(t, snap)

	byLeaf := map[string]uint64{}
	for _, st := range snap.Stacks() {
		byLeaf[st.Frames[len(st.Frames)-1].Function] = st.Bytes
	}
	assert.Equal(t, uint64(200), byLeaf["resize"])
	assert.Zero(t, byLeaf["foo"])
}

func TestTracker_ReallocNoPhantomPeak(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	// shrink in place; peak must remain at 100, not record 150 or dip to 0
	tr.OnRealloc(0x1000, 0x1000, 50, rawStack(1, "main", "foo"))

	assert.Equal(t, uint64(50), tr.TotalCurrentBytes())
	assert.Equal(t, uint64(100), tr.TotalPeakBytes())
	assert.Equal(t, uint64(100), peaks.Get().TotalBytes)
}

func TestTracker_StaleRecordRetired(t *testing.T) {
	tr, _ := newTestTracker(t)

	// the free of 0x1000 was never observed; the allocator reused the address
	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x1000, 60, rawStack(1, "main", "bar"))

	assert.Equal(t, uint64(60), tr.TotalCurrentBytes())
	assert.Equal(t, 1, tr.LiveRecords())
}

func TestTracker_ConcurrentAllocFree(t *testing.T) {
	tr, _ := newTestTracker(t)

	const (
		threads    = 8
		perThread  = 200
		allocSize  = 64
	)

	baseline := tr.TotalCurrentBytes()

	var wg sync.WaitGroup
	for n := 0; n < threads; n++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			tid := uint64(n + 1)
			base := uintptr(0x100000 * (n + 1))
			for i := 0; i < perThread; i++ {
				tr.OnAlloc(base+uintptr(i)*16, allocSize, rawStack(tid, "main", "worker"))
			}
			for i := 0; i < perThread; i++ {
				tr.OnFree(base + uintptr(i)*16)
			}
		}(n)
	}
	wg.Wait()

	assert.Equal(t, baseline, tr.TotalCurrentBytes())
	assert.Equal(t, 0, tr.LiveRecords())
	assert.LessOrEqual(t, tr.TotalPeakBytes(), uint64(threads*perThread*allocSize))
}

func TestTracker_StateTransitions(t *testing.T) {
	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	tr := New(c, snapshot.NewStore())

	assert.Equal(t, StateIdle, tr.State())
	assert.Error(t, tr.Stop()) // stop before start

	require.NoError(t, tr.Start())
	assert.True(t, tr.Tracking())
	assert.Error(t, tr.Start()) // double start

	require.NoError(t, tr.Stop())
	assert.Equal(t, StateDisabled, tr.State())
	assert.Error(t, tr.Stop())  // double stop
	assert.Error(t, tr.Start()) // disabled is terminal until reset
}

func TestTracker_EventsIgnoredWhenNotTracking(t *testing.T) {
	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	tr := New(c, snapshot.NewStore())

	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))
	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())

	require.NoError(t, tr.Start())
	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))
	require.NoError(t, tr.Stop())

	tr.OnAlloc(0x2000, 50, rawStack(1, "main"))
	tr.OnFree(0x1000)
	assert.Equal(t, uint64(100), tr.TotalCurrentBytes())
}

func TestTracker_StopFinalizesTerminalSnapshot(t *testing.T) {
	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	peaks := snapshot.NewStore()
	tr := New(c, peaks)

	require.NoError(t, tr.Start())
	require.NoError(t, tr.Stop())

	// no allocation ever happened, yet a report must still be producible
	snap := peaks.Get()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(0), snap.TotalBytes)
}

func TestTracker_Reset(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	require.NoError(t, tr.Stop())

	tr.Reset()
	assert.Equal(t, StateIdle, tr.State())
	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())
	assert.Equal(t, uint64(0), tr.TotalPeakBytes())
	assert.Nil(t, peaks.Get())

	// reusable after reset
	require.NoError(t, tr.Start())
	tr.OnAlloc(0x2000, 10, rawStack(1, "main"))
	assert.Equal(t, uint64(10), tr.TotalCurrentBytes())
}

func TestTracker_OnForkChild(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))

	tr.OnForkChild(true)
	assert.True(t, tr.Tracking())
	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())

	// lock usable again in the child, and tracking carries on
	tr.OnAlloc(0x2000, 10, rawStack(1, "main"))
	assert.Equal(t, uint64(10), tr.TotalCurrentBytes())
}

func TestTracker_ResetWhileTracking(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 4096, rawStack(1, "main", "foo"))
	require.NotNil(t, peaks.Get())

	tr.Reset()
	assert.True(t, tr.Tracking())
	assert.Equal(t, uint64(0), tr.TotalCurrentBytes())
	assert.Nil(t, peaks.Get())

	// allocations after the reset start a fresh peak history
	tr.OnAlloc(0x2000, 128, rawStack(1, "main", "bar"))
	assert.Equal(t, uint64(128), tr.TotalCurrentBytes())
	assert.Equal(t, uint64(128), tr.TotalPeakBytes())

	snap := peaks.Get()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(128), snap.TotalBytes)
}

func TestTracker_OnForkChildKeepState(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))

	tr.OnForkChild(false)
	assert.Equal(t, uint64(100), tr.TotalCurrentBytes())
}

func TestTracker_MarkDegraded(t *testing.T) {
	tr, peaks := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main"))
	tr.MarkDegraded()

	assert.True(t, tr.Degraded())
	assert.True(t, peaks.Get().Degraded)

	// later snapshots carry the flag too
	tr.OnAlloc(0x2000, 100, rawStack(1, "main"))
	assert.True(t, peaks.Get().Degraded)
}

func TestTracker_PeakGreaterOrEqualCurrentPerNode(t *testing.T) {
	tr, _ := newTestTracker(t)

	tr.OnAlloc(0x1000, 100, rawStack(1, "main", "foo"))
	tr.OnAlloc(0x2000, 50, rawStack(1, "main", "foo"))
	tr.OnFree(0x1000)
	tr.OnAlloc(0x3000, 25, rawStack(1, "main", "bar"))

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for i := range tr.trie.nodes {
		n := &tr.trie.nodes[i]
		assert.GreaterOrEqual(t, n.peakBytes, n.currentBytes)
	}
}
