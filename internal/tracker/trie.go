package tracker

import (
	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/snapshot"
)

// node is one trie node. Child links are arena indexes rather than pointers,
// so freezing the trie into a snapshot is a flat structural copy.
type node struct {
	frame           callstack.FrameID
	children        map[callstack.FrameID]int32
	currentBytes    uint64
	peakBytes       uint64
	allocationCount uint64
}

// trie is the call-stack trie, stored as an arena. Index 0 is the root.
// Nodes are never removed; a path that drops to zero bytes keeps its nodes
// for the next allocation through the same chain.
type trie struct {
	nodes []node
}

func newTrie() *trie {
	t := &trie{}
	t.reset()
	return t
}

func (t *trie) reset() {
	t.nodes = t.nodes[:0]
	t.nodes = append(t.nodes, node{}) // root
}

// child returns the index of the parent's child for the given frame, creating
// the node on first sight.
func (t *trie) child(parent int32, frame callstack.FrameID) int32 {
	p := &t.nodes[parent]
	if p.children == nil {
		p.children = make(map[callstack.FrameID]int32, 1)
	} else if idx, ok := p.children[frame]; ok {
		return idx
	}

	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, node{frame: frame})
	// re-read the parent: the append above may have moved the arena
	t.nodes[parent].children[frame] = idx
	return idx
}

// pathFor resolves (creating as needed) the node indexes along a call stack,
// root first. The root itself is part of every path.
func (t *trie) pathFor(cs callstack.CallStack) []int32 {
	path := make([]int32, 0, len(cs.Frames)+1)
	idx := int32(0)
	path = append(path, idx)
	for _, f := range cs.Frames {
		idx = t.child(idx, f)
		path = append(path, idx)
	}
	return path
}

// add attributes size bytes (and one allocation) to every node along the path.
func (t *trie) add(path []int32, size uint64) {
	for _, idx := range path {
		n := &t.nodes[idx]
		n.currentBytes += size
		n.allocationCount++
		if n.currentBytes > n.peakBytes {
			n.peakBytes = n.currentBytes
		}
	}
}

// remove subtracts size bytes from every node along the path.
func (t *trie) remove(path []int32, size uint64) {
	for _, idx := range path {
		n := &t.nodes[idx]
		if n.currentBytes < size {
			// never underflow; an inconsistency here means an event was
			// dropped, which the tracker reports as incomplete
			n.currentBytes = 0
			continue
		}
		n.currentBytes -= size
	}
}

// freeze copies the trie into snapshot nodes, weights taken from each node's
// live bytes at this instant.
func (t *trie) freeze() []snapshot.Node {
	out := make([]snapshot.Node, len(t.nodes))
	for i := range t.nodes {
		n := &t.nodes[i]
		var children map[callstack.FrameID]int32
		if len(n.children) > 0 {
			children = make(map[callstack.FrameID]int32, len(n.children))
			for f, idx := range n.children {
				children[f] = idx
			}
		}
		out[i] = snapshot.Node{
			Frame:           n.frame,
			Children:        children,
			Bytes:           n.currentBytes,
			AllocationCount: n.allocationCount,
		}
	}
	return out
}

// size returns the number of nodes in the arena, root included.
func (t *trie) size() int {
	return len(t.nodes)
}
