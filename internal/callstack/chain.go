package callstack

// ThreadChain maintains one thread's live interpreted call chain. The host's
// interpreter collaborator drives it with call/return/line events; the
// collector reads it at allocation time.
//
// Notes:
//   - A ThreadChain is confined to the thread it belongs to and is therefore
//     unlocked. Sharing one chain across threads is a caller bug.
//   - Reading it from an allocation-sensitive context is safe: Snapshot only
//     copies a slice and never formats or resolves anything.
type ThreadChain struct {
	frames []Frame // root-to-leaf
}

// NewThreadChain creates an empty chain for a fresh thread.
func NewThreadChain() *ThreadChain {
	return &ThreadChain{}
}

// PushCall records entry into an interpreted function.
func (tc *ThreadChain) PushCall(function string, file string, line int) {
	tc.frames = append(tc.frames, Frame{Function: function, File: file, Line: line})
}

// PopCall records return from the innermost interpreted function. Popping an
// empty chain is a no-op: the host may have entered frames before tracking
// started.
func (tc *ThreadChain) PopCall() {
	if len(tc.frames) == 0 {
		return
	}
	tc.frames = tc.frames[:len(tc.frames)-1]
}

// SetLine updates the line number of the innermost frame, so an allocation is
// attributed to the line active at that instant rather than the line of the
// call that opened the frame.
func (tc *ThreadChain) SetLine(line int) {
	if len(tc.frames) == 0 {
		return
	}
	tc.frames[len(tc.frames)-1].Line = line
}

// Depth returns the number of live frames.
func (tc *ThreadChain) Depth() int {
	return len(tc.frames)
}

// Snapshot returns a copy of the chain, root-to-leaf. The copy is detached
// from later pushes and pops.
func (tc *ThreadChain) Snapshot() []Frame {
	if len(tc.frames) == 0 {
		return nil
	}
	out := make([]Frame, len(tc.frames))
	copy(out, tc.frames)
	return out
}

// Inherit creates a chain for a newly spawned thread seeded with the parent's
// current frames. New threads observe allocations under the call chain that
// created them until their own interpreted frames arrive.
func (tc *ThreadChain) Inherit() *ThreadChain {
	return &ThreadChain{frames: tc.Snapshot()}
}

// Reset drops all frames, used when a thread re-registers as a fresh
// interpreter thread.
func (tc *ThreadChain) Reset() {
	tc.frames = tc.frames[:0]
}
