package shim

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/snapshot"
	"github.com/pythonspeed/memtrail/internal/tracker"
)

// partialLoader fails resolution for selected entry points.
type partialLoader struct {
	base    Loader
	missing map[string]bool
}

func (p *partialLoader) Lookup(entry string) (any, error) {
	if p.missing[entry] {
		return nil, assert.AnError
	}
	return p.base.Lookup(entry)
}

// wrongTypeLoader returns a value that does not match the entry signature.
type wrongTypeLoader struct{}

func (wrongTypeLoader) Lookup(entry string) (any, error) {
	return "not a function", nil
}

func newTestShim(t *testing.T, loader Loader) (*Shim, *tracker.Tracker, *snapshot.Store) {
	t.Helper()

	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	peaks := snapshot.NewStore()
	trk := tracker.New(c, peaks)

	s, err := New(loader, trk, c, Options{})
	require.NoError(t, err)
	require.NoError(t, trk.Start())
	return s, trk, peaks
}

func TestNew_RequiresCollaborators(t *testing.T) {
	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	trk := tracker.New(c, snapshot.NewStore())

	_, err := New(nil, trk, c, Options{})
	assert.Error(t, err)

	_, err = New(NewSimHeap(), nil, c, Options{})
	assert.Error(t, err)

	_, err = New(NewSimHeap(), trk, nil, Options{})
	assert.Error(t, err)
}

func TestThreadState_MallocForwardsAndReports(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	ts.StartCall("main", "app.py", 1)

	addr := ts.Malloc(128)
	require.NotZero(t, addr)

	assert.Equal(t, uint64(128), heap.LiveBytes())
	assert.Equal(t, uint64(128), trk.TotalCurrentBytes())

	ts.Free(addr)
	assert.Equal(t, uint64(0), heap.LiveBytes())
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())
}

func TestThreadState_FailureForwardedWithoutEvent(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	heap.FailNext(1)
	ts := s.NewThread()

	addr := ts.Malloc(128)
	assert.Zero(t, addr)
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())
	assert.Equal(t, 0, trk.LiveRecords())
}

func TestThreadState_CallocReportsFullAmount(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	addr := ts.Calloc(10, 32)
	require.NotZero(t, addr)

	assert.Equal(t, uint64(320), trk.TotalCurrentBytes())
}

func TestThreadState_ReallocAtomicUpdate(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	addr := ts.Malloc(100)
	require.NotZero(t, addr)

	grown := ts.Realloc(addr, 300)
	require.NotZero(t, grown)

	assert.Equal(t, uint64(300), trk.TotalCurrentBytes())
	assert.Equal(t, 1, trk.LiveRecords())
	assert.Equal(t, heap.LiveBytes(), trk.TotalCurrentBytes())
}

func TestThreadState_ReallocFailureKeepsOldAllocation(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	addr := ts.Malloc(100)
	require.NotZero(t, addr)

	heap.FailNext(1)
	grown := ts.Realloc(addr, 4096)
	assert.Zero(t, grown)

	// the old allocation still stands, tracked
	assert.Equal(t, uint64(100), trk.TotalCurrentBytes())
}

func TestThreadState_MmapMunmap(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	addr := ts.Mmap(1 << 20)
	require.NotZero(t, addr)
	assert.Equal(t, uint64(1<<20), trk.TotalCurrentBytes())

	ts.Munmap(addr, 1<<20)
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())
}

func TestThreadState_ReentrantAllocationsPassThrough(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	ts.enter() // simulate being inside tracking bookkeeping
	addr := ts.Malloc(64)
	ts.exit()

	require.NotZero(t, addr) // forwarded to the real allocator
	assert.Equal(t, uint64(64), heap.LiveBytes())
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes()) // but not reported
}

func TestThreadState_AttributionFollowsCallChain(t *testing.T) {
	heap := NewSimHeap()
	s, _, peaks := newTestShim(t, heap)

	ts := s.NewThread()
	ts.StartCall("main", "app.py", 1)
	ts.StartCall("foo", "app.py", 10)
	a := ts.Malloc(100)
	ts.FinishCall()
	ts.StartCall("bar", "app.py", 20)
	b := ts.Malloc(300)
	ts.FinishCall()

	require.NotZero(t, a)
	require.NotZero(t, b)

	snap := peaks.Get()
	require.NotNil(t, snap)
	assert.Equal(t, uint64(400), snap.TotalBytes)

	byLeaf := map[string]uint64{}
	for _, st := range snap.Stacks() {
		byLeaf[st.Frames[len(st.Frames)-1].Function] = st.Bytes
	}
	assert.Equal(t, uint64(100), byLeaf["foo"])
	assert.Equal(t, uint64(300), byLeaf["bar"])
}

func TestThreadState_SetLineRefinesAttribution(t *testing.T) {
	heap := NewSimHeap()
	s, _, peaks := newTestShim(t, heap)

	ts := s.NewThread()
	ts.StartCall("main", "app.py", 1)
	ts.SetLine(7)
	require.NotZero(t, ts.Malloc(10))

	snap := peaks.Get()
	require.NotNil(t, snap)
	stacks := snap.Stacks()
	require.Len(t, stacks, 1)
	assert.Equal(t, 7, stacks[0].Frames[0].Line)
}

func TestThreadState_SpawnInheritsChain(t *testing.T) {
	heap := NewSimHeap()
	s, _, peaks := newTestShim(t, heap)

	parent := s.NewThread()
	parent.StartCall("main", "app.py", 1)
	parent.StartCall("spawn_worker", "app.py", 20)

	child := parent.Spawn()
	assert.NotEqual(t, parent.ID(), child.ID())

	require.NotZero(t, child.Malloc(50))

	snap := peaks.Get()
	require.NotNil(t, snap)
	stacks := snap.Stacks()
	require.Len(t, stacks, 1)
	require.Len(t, stacks[0].Frames, 2)
	assert.Equal(t, "spawn_worker", stacks[0].Frames[1].Function)
}

func TestShim_DegradedEntryPoint(t *testing.T) {
	heap := NewSimHeap()
	loader := &partialLoader{
		base:    heap,
		missing: map[string]bool{EntryAlignedAlloc: true},
	}
	s, trk, _ := newTestShim(t, loader)

	ts := s.NewThread()

	// the degraded entry is served through the resolved allocate call, so
	// the host never sees a failure, but the bytes pass through untracked
	addr := ts.AlignedAlloc(64, 256)
	require.NotZero(t, addr)
	assert.True(t, trk.Degraded())
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())
	assert.Equal(t, uint64(256), heap.LiveBytes())

	// other entry points keep working tracked
	require.NotZero(t, ts.Malloc(100))
	assert.Equal(t, uint64(100), trk.TotalCurrentBytes())
}

func TestShim_DegradedEntriesComposeOverResolvedOnes(t *testing.T) {
	heap := NewSimHeap()
	loader := &partialLoader{
		base: heap,
		missing: map[string]bool{
			EntryCalloc: true,
			EntryMmap:   true,
			EntryMunmap: true,
		},
	}
	s, trk, _ := newTestShim(t, loader)

	ts := s.NewThread()

	// calloc falls back to allocating the full n*size amount
	callocAddr := ts.Calloc(8, 32)
	require.NotZero(t, callocAddr)
	assert.Equal(t, uint64(256), heap.LiveBytes())

	// mmap falls back to the allocate call; munmap to the free call
	mmapAddr := ts.Mmap(4096)
	require.NotZero(t, mmapAddr)
	assert.Equal(t, uint64(4352), heap.LiveBytes())
	ts.Munmap(mmapAddr, 4096)
	assert.Equal(t, uint64(256), heap.LiveBytes())

	// every fallback call passed through untracked
	assert.True(t, trk.Degraded())
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())
}

func TestShim_MallocUnresolvableForwardsFailure(t *testing.T) {
	loader := &partialLoader{
		base:    NewSimHeap(),
		missing: map[string]bool{EntryMalloc: true, EntryCalloc: true},
	}
	s, trk, _ := newTestShim(t, loader)

	ts := s.NewThread()

	// with no allocate call to compose over there is nothing to fall back to
	assert.Zero(t, ts.Malloc(100))
	assert.Zero(t, ts.Calloc(4, 25))
	assert.True(t, trk.Degraded())
}

func TestShim_WrongTypeResolutionDegrades(t *testing.T) {
	s, trk, _ := newTestShim(t, wrongTypeLoader{})

	ts := s.NewThread()
	assert.Zero(t, ts.Malloc(100))
	assert.True(t, trk.Degraded())
}

func TestShim_ResolutionHappensOnce(t *testing.T) {
	counting := &countingLoader{base: NewSimHeap()}
	s, _, _ := newTestShim(t, counting)

	ts := s.NewThread()
	for i := 0; i < 10; i++ {
		addr := ts.Malloc(8)
		require.NotZero(t, addr)
		ts.Free(addr)
	}

	assert.Equal(t, 1, counting.lookups[EntryMalloc])
	assert.Equal(t, 1, counting.lookups[EntryFree])
}

type countingLoader struct {
	base    Loader
	lookups map[string]int
}

func (c *countingLoader) Lookup(entry string) (any, error) {
	if c.lookups == nil {
		c.lookups = make(map[string]int)
	}
	c.lookups[entry]++
	return c.base.Lookup(entry)
}

func TestShim_ForkChildResetsAndNotifies(t *testing.T) {
	heap := NewSimHeap()

	c := callstack.NewCollector(callstack.DefaultMaxDepth)
	c.MarkInterpreterReady()
	peaks := snapshot.NewStore()
	trk := tracker.New(c, peaks)

	s, err := New(heap, trk, c, Options{ResetStateOnFork: true})
	require.NoError(t, err)
	require.NoError(t, trk.Start())

	ts := s.NewThread()
	require.NotZero(t, ts.Malloc(100))

	notified := false
	s.RegisterForkHandler(func() { notified = true })
	s.OnForkChild()

	assert.True(t, notified)
	assert.Equal(t, uint64(0), trk.TotalCurrentBytes())

	// the child can track again after a fresh start
	require.NoError(t, trk.Start())
	require.NotZero(t, ts.Malloc(10))
	assert.Equal(t, uint64(10), trk.TotalCurrentBytes())
}

func TestShim_EventsStopAfterTrackerStops(t *testing.T) {
	heap := NewSimHeap()
	s, trk, _ := newTestShim(t, heap)

	ts := s.NewThread()
	require.NotZero(t, ts.Malloc(100))
	require.NoError(t, trk.Stop())

	// pass through unreported, but still forwarded
	addr := ts.Malloc(50)
	require.NotZero(t, addr)
	assert.Equal(t, uint64(150), heap.LiveBytes())
	assert.Equal(t, uint64(100), trk.TotalCurrentBytes())
}
