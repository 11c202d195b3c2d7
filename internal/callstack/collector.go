package callstack

import (
	"runtime"
	"sync/atomic"
)

// DefaultMaxDepth bounds how many frames of a call chain are retained. Chains
// deeper than the bound keep their leaf-most frames and gain a truncation
// marker at the root.
const DefaultMaxDepth = 100

// RawStack is a captured but not yet interned call chain, root-to-leaf.
// Capturing and interning are split so capture can run without any lock while
// interning runs inside the tracker's critical section.
type RawStack struct {
	Frames    []Frame
	Truncated bool
	ThreadID  uint64
}

// Collector captures the call chain active at an allocation event.
//
// Notes:
//   - Until MarkInterpreterReady is called, every capture yields the single
//     "<process startup>" sentinel, because walking a half-initialized
//     interpreter is not safe.
//   - Capture performs no formatting for interpreted frames; the one-time
//     formatting cost of a frame is paid by the interner on first sight.
type Collector struct {
	maxDepth int
	ready    atomic.Bool
}

// NewCollector creates a collector with the given depth bound. A non-positive
// depth falls back to DefaultMaxDepth.
func NewCollector(maxDepth int) *Collector {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Collector{maxDepth: maxDepth}
}

// MarkInterpreterReady records that the interpreter finished initializing and
// thread chains can be trusted.
func (c *Collector) MarkInterpreterReady() {
	c.ready.Store(true)
}

// InterpreterReady reports whether the interpreter finished initializing.
func (c *Collector) InterpreterReady() bool {
	return c.ready.Load()
}

// Capture walks the thread's live interpreted frame chain and produces the
// raw call chain for one allocation event.
//
// Parameters:
//   - chain: The calling thread's interpreted frame chain. May be nil for a
//     pure native thread.
//   - callerPC: Program counter of the intercepted call site, used to build a
//     synthetic native frame when no interpreted frames exist.
//   - threadID: Identifier of the calling thread.
//
// Behavior:
//   - Interpreter not initialized: a single "<process startup>" frame.
//   - No interpreted frames: a single synthetic native frame resolved from
//     callerPC.
//   - Chain deeper than the bound: the leaf-most frames are kept and the stack
//     is marked truncated.
func (c *Collector) Capture(chain *ThreadChain, callerPC uintptr, threadID uint64) RawStack {
	if !c.ready.Load() {
		return RawStack{Frames: []Frame{StartupFrame()}, ThreadID: threadID}
	}

	var frames []Frame
	if chain != nil {
		frames = chain.Snapshot()
	}

	if len(frames) == 0 {
		return RawStack{Frames: []Frame{nativeFrameForPC(callerPC)}, ThreadID: threadID}
	}

	truncated := false
	if len(frames) > c.maxDepth {
		frames = frames[len(frames)-c.maxDepth:]
		truncated = true
	}

	return RawStack{Frames: frames, Truncated: truncated, ThreadID: threadID}
}

// Intern converts a raw stack into an interned CallStack. Must be called with
// the tracker's lock held; the interner is guarded by that lock.
func (c *Collector) Intern(in *Interner, raw RawStack) CallStack {
	size := len(raw.Frames)
	if raw.Truncated {
		size++
	}

	ids := make([]FrameID, 0, size)
	if raw.Truncated {
		ids = append(ids, in.Intern(TruncatedFrame()))
	}
	for _, f := range raw.Frames {
		ids = append(ids, in.Intern(f))
	}

	return CallStack{Frames: ids, Truncated: raw.Truncated}
}

// nativeFrameForPC resolves a program counter into a native frame. Unresolvable
// counters still yield a distinct, stable label.
func nativeFrameForPC(pc uintptr) Frame {
	if fn := runtime.FuncForPC(pc); fn != nil {
		file, line := fn.FileLine(pc)
		return NativeFrame(fn.Name(), file, line)
	}
	return NativeFrame("", "", 0)
}
