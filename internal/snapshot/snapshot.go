package snapshot

import (
	"time"

	"github.com/pythonspeed/memtrail/internal/callstack"
)

// Node is one frozen trie node. Children reference other nodes by index into
// the snapshot's node array, mirroring the live trie's arena layout so a
// snapshot is a plain structural copy.
type Node struct {
	Frame           callstack.FrameID
	Children        map[callstack.FrameID]int32
	Bytes           uint64
	AllocationCount uint64
}

// Snapshot is an immutable, self-contained copy of the tracking state taken at
// the instant a new global peak was observed. It carries its own frame table,
// so it stays valid after the live interner is reset.
type Snapshot struct {
	// Nodes holds the frozen trie; index 0 is the root. Node weights are each
	// node's live bytes at the capture instant.
	Nodes []Node
	// Frames resolves FrameIDs referenced by Nodes.
	Frames []callstack.Frame
	// TotalBytes is the process-wide live byte total at the capture instant.
	TotalBytes uint64
	// Timestamp records when the peak was observed.
	Timestamp time.Time
	// Incomplete is set when a tracking event had to be dropped, so the
	// snapshot undercounts.
	Incomplete bool
	// Degraded is set when one or more allocation entry points could not be
	// intercepted.
	Degraded bool
}

// Frame resolves an interned id against the snapshot's own frame table.
func (s *Snapshot) Frame(id callstack.FrameID) (callstack.Frame, bool) {
	if int(id) >= len(s.Frames) {
		return callstack.Frame{}, false
	}
	return s.Frames[id], true
}

// Root returns the frozen root node. A snapshot always has at least the root.
func (s *Snapshot) Root() *Node {
	return &s.Nodes[0]
}

// Stack is one distinct call chain with its byte weight, flattened out of the
// frozen trie for export.
type Stack struct {
	Frames []callstack.Frame
	Bytes  uint64
}

// Stacks flattens the trie into one entry per node that holds weight of its
// own (a node whose bytes exceed the sum of its children). The returned
// entries are order-insensitive and sum to TotalBytes.
func (s *Snapshot) Stacks() []Stack {
	var out []Stack
	var walk func(idx int32, prefix []callstack.Frame)

	walk = func(idx int32, prefix []callstack.Frame) {
		node := &s.Nodes[idx]

		var childBytes uint64
		for _, ci := range node.Children {
			childBytes += s.Nodes[ci].Bytes
		}

		// Bytes attributed to this node directly rather than via a deeper
		// call. For the root this covers allocations with no recorded frames.
		if own := node.Bytes - childBytes; own > 0 {
			frames := make([]callstack.Frame, len(prefix))
			copy(frames, prefix)
			out = append(out, Stack{Frames: frames, Bytes: own})
		}

		for _, ci := range node.Children {
			child := &s.Nodes[ci]
			if f, ok := s.Frame(child.Frame); ok {
				walk(ci, append(prefix, f))
			}
		}
	}

	walk(0, nil)
	return out
}
