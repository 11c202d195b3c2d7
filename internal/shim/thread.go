package shim

import (
	"runtime"

	"github.com/pythonspeed/memtrail/internal/callstack"
)

// ThreadState is one thread's view of the shim: its reentrancy flag, its
// interpreted frame chain, and its identifier. All allocation calls of a
// thread go through its own ThreadState.
//
// Notes:
//   - The reentrancy depth is deliberately ambient, thread-confined state:
//     the intercepted entry points must remain transparent drop-in
//     substitutes and cannot thread an explicit context through the host.
//     It never leaves the shim layer.
//   - While the depth is non-zero the thread is inside tracking bookkeeping,
//     and its allocations pass through unreported. That is what prevents the
//     tracker's own allocations from re-entering accounting and
//     self-deadlocking.
type ThreadState struct {
	shim       *Shim
	id         uint64
	reentrancy uint64
	chain      *callstack.ThreadChain
}

// ID returns the shim-assigned thread identifier.
func (ts *ThreadState) ID() uint64 {
	return ts.id
}

// Chain exposes the thread's interpreted frame chain to the interpreter
// collaborator.
func (ts *ThreadState) Chain() *callstack.ThreadChain {
	return ts.chain
}

// Spawn registers a new thread that inherits this thread's current
// interpreted frame chain, so allocations on the new thread are attributed
// under the call chain that created it.
func (ts *ThreadState) Spawn() *ThreadState {
	return &ThreadState{
		shim:  ts.shim,
		id:    ts.shim.threadSeq.Add(1),
		chain: ts.chain.Inherit(),
	}
}

func (ts *ThreadState) enter() { ts.reentrancy++ }
func (ts *ThreadState) exit()  { ts.reentrancy-- }

// shouldTrack reports whether an event on this thread should reach the
// tracker: tracking must be active and the thread must not already be inside
// tracking bookkeeping.
func (ts *ThreadState) shouldTrack() bool {
	return ts.reentrancy == 0 && ts.shim.trk.Tracking()
}

// capture collects the thread's call chain for one allocation event. The
// call-site program counter is only resolved when there are no interpreted
// frames to attribute to.
func (ts *ThreadState) capture() callstack.RawStack {
	var pc uintptr
	if !ts.shim.collector.InterpreterReady() || ts.chain.Depth() == 0 {
		pc, _, _, _ = runtime.Caller(2)
	}
	return ts.shim.collector.Capture(ts.chain, pc, ts.id)
}

// Malloc forwards an allocate call and reports it on success.
func (ts *ThreadState) Malloc(size uint64) uintptr {
	real := ts.shim.malloc()
	if real == nil {
		return 0
	}

	ts.enter()
	addr := real(size)
	ts.exit()

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnAlloc(addr, size, ts.capture())
		ts.exit()
	}
	return addr
}

// fallbackAlloc serves a degraded allocation entry point by composing it over
// the resolved allocate call, so the host never observes an allocation
// failure it did not cause. The result passes through untracked.
func (ts *ThreadState) fallbackAlloc(size uint64) uintptr {
	m := ts.shim.malloc()
	if m == nil {
		return 0
	}

	ts.enter()
	addr := m(size)
	ts.exit()
	return addr
}

// Calloc forwards a zero-allocate call and reports the full n*size amount on
// success. A degraded calloc is composed over the resolved allocate call; the
// zeroing guarantee then rests with that implementation.
func (ts *ThreadState) Calloc(n, size uint64) uintptr {
	real := ts.shim.calloc()
	if real == nil {
		return ts.fallbackAlloc(n * size)
	}

	ts.enter()
	addr := real(n, size)
	ts.exit()

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnAlloc(addr, n*size, ts.capture())
		ts.exit()
	}
	return addr
}

// Realloc forwards a resize call. On success the tracker applies it as one
// atomic free-then-alloc, attributing the full resized amount to this call's
// chain; on failure nothing is reported and the old allocation stands.
func (ts *ThreadState) Realloc(addr uintptr, size uint64) uintptr {
	real := ts.shim.realloc()
	if real == nil {
		return 0
	}

	ts.enter()
	newAddr := real(addr, size)
	ts.exit()

	if newAddr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnRealloc(addr, newAddr, size, ts.capture())
		ts.exit()
	}
	return newAddr
}

// Free reports the deallocation first and then forwards it. Doing the
// bookkeeping before the real free means a concurrent thread that is handed
// the same address by the allocator cannot race the record removal.
func (ts *ThreadState) Free(addr uintptr) {
	real := ts.shim.free()
	if real == nil {
		return
	}

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnFree(addr)
		ts.exit()
	}

	ts.enter()
	real(addr)
	ts.exit()
}

// AlignedAlloc forwards an aligned allocation and reports it on success. A
// degraded aligned_alloc is composed over the resolved allocate call, whose
// natural alignment then applies.
func (ts *ThreadState) AlignedAlloc(alignment, size uint64) uintptr {
	real := ts.shim.alignedAlloc()
	if real == nil {
		return ts.fallbackAlloc(size)
	}

	ts.enter()
	addr := real(alignment, size)
	ts.exit()

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnAlloc(addr, size, ts.capture())
		ts.exit()
	}
	return addr
}

// Mmap forwards an anonymous mapped-memory allocation and reports it on
// success. A degraded mmap is composed over the resolved allocate call.
func (ts *ThreadState) Mmap(length uint64) uintptr {
	real := ts.shim.mmap()
	if real == nil {
		return ts.fallbackAlloc(length)
	}

	ts.enter()
	addr := real(length)
	ts.exit()

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnAlloc(addr, length, ts.capture())
		ts.exit()
	}
	return addr
}

// Munmap reports the unmapping first and then forwards it, for the same
// address-reuse reason as Free. The whole mapping's record is retired. A
// degraded munmap is composed over the resolved free call, untracked.
func (ts *ThreadState) Munmap(addr uintptr, length uint64) {
	real := ts.shim.munmap()
	if real == nil {
		if f := ts.shim.free(); f != nil && addr != 0 {
			ts.enter()
			f(addr)
			ts.exit()
		}
		return
	}

	if addr != 0 && ts.shouldTrack() {
		ts.enter()
		ts.shim.trk.OnFree(addr)
		ts.exit()
	}

	ts.enter()
	real(addr, length)
	ts.exit()
}

// StartCall records entry into an interpreted function on this thread. Part
// of the call-stack source contract: it must not itself trigger tracked
// allocation, so it runs under the reentrancy exemption.
func (ts *ThreadState) StartCall(function, file string, line int) {
	ts.enter()
	ts.chain.PushCall(function, file, line)
	ts.exit()
}

// FinishCall records return from the innermost interpreted function.
func (ts *ThreadState) FinishCall() {
	ts.enter()
	ts.chain.PopCall()
	ts.exit()
}

// SetLine updates the innermost frame's current line.
func (ts *ThreadState) SetLine(line int) {
	ts.enter()
	ts.chain.SetLine(line)
	ts.exit()
}
