package shim

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/tracker"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

// Entry point names of the intercepted allocation family.
const (
	EntryMalloc       = "malloc"
	EntryCalloc       = "calloc"
	EntryRealloc      = "realloc"
	EntryFree         = "free"
	EntryAlignedAlloc = "aligned_alloc"
	EntryMmap         = "mmap"
	EntryMunmap       = "munmap"
)

// Typed signatures of the real implementations behind each entry point. A
// failed allocation is reported as address zero, which the shim forwards
// untouched.
type (
	MallocFunc       func(size uint64) uintptr
	CallocFunc       func(n, size uint64) uintptr
	ReallocFunc      func(addr uintptr, size uint64) uintptr
	FreeFunc         func(addr uintptr)
	AlignedAllocFunc func(alignment, size uint64) uintptr
	MmapFunc         func(length uint64) uintptr
	MunmapFunc       func(addr uintptr, length uint64)
)

// Loader resolves the real implementation behind an intercepted allocation
// entry point. It is the dynamic-loading collaborator: implementations
// typically wrap the host runtime's own allocator.
type Loader interface {
	// Lookup returns the real implementation for the named entry point. The
	// returned value must have the entry point's typed signature above.
	Lookup(entry string) (any, error)
}

// Shim substitutes for the process's allocation entry points. Every call is
// forwarded unmodified to the real implementation and the real result is
// returned untouched; on success the shim synchronously reports an event to
// the tracker. The shim never changes allocation behavior, only observes it.
//
// Notes:
//   - Real implementations are resolved and cached once, lazily, guarded by a
//     per-entry sync.Once, so resolution can never recurse into itself.
//   - The shim is the one piece of process-wide state in the system: the
//     entry points it substitutes cannot carry an explicit context argument.
//     It is constructed explicitly once, installed, and reset only on fork.
type Shim struct {
	loader    Loader
	trk       *tracker.Tracker
	collector *callstack.Collector

	mallocOnce  sync.Once
	callocOnce  sync.Once
	reallocOnce sync.Once
	freeOnce    sync.Once
	alignedOnce sync.Once
	mmapOnce    sync.Once
	munmapOnce  sync.Once

	realMalloc  MallocFunc
	realCalloc  CallocFunc
	realRealloc ReallocFunc
	realFree    FreeFunc
	realAligned AlignedAllocFunc
	realMmap    MmapFunc
	realMunmap  MunmapFunc

	threadSeq atomic.Uint64

	forkMu       sync.Mutex
	forkHandlers []func()
	resetOnFork  bool
}

// Options configures shim construction.
type Options struct {
	// ResetStateOnFork drops the accumulated trie and records in a forked
	// child instead of only re-arming the lock.
	ResetStateOnFork bool
}

// New creates a shim forwarding to implementations resolved through the
// loader and reporting events to the tracker.
func New(loader Loader, trk *tracker.Tracker, collector *callstack.Collector, opts Options) (*Shim, error) {
	if loader == nil {
		return nil, errors.New("shim requires a loader")
	}
	if trk == nil {
		return nil, errors.New("shim requires a tracker")
	}
	if collector == nil {
		return nil, errors.New("shim requires a collector")
	}

	return &Shim{
		loader:      loader,
		trk:         trk,
		collector:   collector,
		resetOnFork: opts.ResetStateOnFork,
	}, nil
}

// Tracker returns the tracker the shim reports to.
func (s *Shim) Tracker() *tracker.Tracker {
	return s.trk
}

// Collector returns the call-stack collector used at allocation events.
func (s *Shim) Collector() *callstack.Collector {
	return s.collector
}

// NewThread registers a fresh thread with the shim. The returned ThreadState
// carries the thread's reentrancy flag and interpreted frame chain and is the
// handle through which that thread's allocation calls are made.
func (s *Shim) NewThread() *ThreadState {
	return &ThreadState{
		shim:  s,
		id:    s.threadSeq.Add(1),
		chain: callstack.NewThreadChain(),
	}
}

// RegisterForkHandler adds a callback run in the child after a fork, after
// the shim has reset shared tracking state. Mirrors an atfork registration.
func (s *Shim) RegisterForkHandler(f func()) {
	if f == nil {
		return
	}
	s.forkMu.Lock()
	defer s.forkMu.Unlock()
	s.forkHandlers = append(s.forkHandlers, f)
}

// OnForkChild resets shared tracking state in a forked child. A lock held by
// a vanished parent thread would otherwise deadlock the child forever, so the
// tracker's lock is replaced before anything else runs.
func (s *Shim) OnForkChild() {
	s.trk.OnForkChild(s.resetOnFork)

	s.forkMu.Lock()
	handlers := make([]func(), len(s.forkHandlers))
	copy(handlers, s.forkHandlers)
	s.forkMu.Unlock()

	for _, f := range handlers {
		f()
	}

	logx.As().Debug().Bool("state_reset", s.resetOnFork).Msg("Shim re-armed after fork")
}

// resolve runs one lazy entry-point resolution. On failure the entry is left
// nil, the tracker is marked degraded, and the caller falls back; calls
// through a fallback pass through untracked.
func resolve[T any](s *Shim, entry string, target *T) {
	v, err := s.loader.Lookup(entry)
	if err == nil {
		if fn, ok := v.(T); ok {
			*target = fn
			return
		}
		err = errors.Errorf("loader returned wrong type for %q", entry)
	}

	s.trk.MarkDegraded()
	logx.As().Warn().
		Str("entry_point", entry).
		Err(err).
		Msg("Failed to resolve allocation entry point; its calls pass through untracked")
}

func (s *Shim) malloc() MallocFunc {
	s.mallocOnce.Do(func() { resolve(s, EntryMalloc, &s.realMalloc) })
	return s.realMalloc
}

func (s *Shim) calloc() CallocFunc {
	s.callocOnce.Do(func() { resolve(s, EntryCalloc, &s.realCalloc) })
	return s.realCalloc
}

func (s *Shim) realloc() ReallocFunc {
	s.reallocOnce.Do(func() { resolve(s, EntryRealloc, &s.realRealloc) })
	return s.realRealloc
}

func (s *Shim) free() FreeFunc {
	s.freeOnce.Do(func() { resolve(s, EntryFree, &s.realFree) })
	return s.realFree
}

func (s *Shim) alignedAlloc() AlignedAllocFunc {
	s.alignedOnce.Do(func() { resolve(s, EntryAlignedAlloc, &s.realAligned) })
	return s.realAligned
}

func (s *Shim) mmap() MmapFunc {
	s.mmapOnce.Do(func() { resolve(s, EntryMmap, &s.realMmap) })
	return s.realMmap
}

func (s *Shim) munmap() MunmapFunc {
	s.munmapOnce.Do(func() { resolve(s, EntryMunmap, &s.realMunmap) })
	return s.realMunmap
}
