package callstack

import "fmt"

// FrameID is the interned identity of a Frame. Comparing and storing frame ids
// is O(1) regardless of how long the underlying names are.
type FrameID uint32

// Frame identifies one level of a call chain. Interpreted frames carry a
// function name, file and line; native frames carry a resolved symbol (or a
// formatted address when no symbol is available). Frames are immutable values
// and are deduplicated by the Interner.
type Frame struct {
	Function string
	File     string
	Line     int
	Native   bool
}

// Label renders the frame the way it appears in reports and flamegraph stacks.
func (f Frame) Label() string {
	if f.File == "" {
		return f.Function
	}
	return fmt.Sprintf("%s (%s:%d)", f.Function, f.File, f.Line)
}

// StartupFrame is the sentinel emitted while the interpreter has not finished
// initializing, so early allocations still have an attributable origin.
func StartupFrame() Frame {
	return Frame{Function: "<process startup>", Native: true}
}

// TruncatedFrame marks a call chain that was cut at the collector's depth
// bound. It is placed at the root so the retained leaf frames stay intact.
func TruncatedFrame() Frame {
	return Frame{Function: "<truncated>"}
}

// NativeFrame builds the synthetic frame used when an allocation did not
// originate from interpreted code.
func NativeFrame(symbol string, file string, line int) Frame {
	if symbol == "" {
		symbol = "<native>"
	}
	return Frame{Function: symbol, File: file, Line: line, Native: true}
}

// CallStack is one dynamic call chain, root-to-leaf, expressed as interned
// frame ids. It is used as a trie path key by the tracker.
type CallStack struct {
	Frames    []FrameID
	Truncated bool
}

// Depth returns the number of frames in the call chain.
func (cs CallStack) Depth() int {
	return len(cs.Frames)
}
