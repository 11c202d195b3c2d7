package callstack

// Interner deduplicates Frames into small integer ids. First sight of a frame
// pays the map-insert cost once; every later sight is a single hash lookup.
//
// Notes:
//   - The Interner carries no lock of its own. All interning happens inside the
//     tracker's critical section, which keeps the set of guarded structures
//     small and auditable.
type Interner struct {
	ids    map[Frame]FrameID
	frames []Frame
}

// NewInterner creates an empty interning table.
func NewInterner() *Interner {
	return &Interner{
		ids: make(map[Frame]FrameID),
	}
}

// Intern returns the id for the frame, assigning a new one on first sight.
func (in *Interner) Intern(f Frame) FrameID {
	if id, ok := in.ids[f]; ok {
		return id
	}

	id := FrameID(len(in.frames))
	in.ids[f] = id
	in.frames = append(in.frames, f)
	return id
}

// Lookup resolves an id back to its frame. Ids are never reused, so a frame
// obtained here stays valid for the lifetime of the interner.
func (in *Interner) Lookup(id FrameID) (Frame, bool) {
	if int(id) >= len(in.frames) {
		return Frame{}, false
	}
	return in.frames[id], true
}

// Frames returns a copy of the frame table, indexed by FrameID. Snapshots
// carry this copy so they outlive interner resets.
func (in *Interner) Frames() []Frame {
	out := make([]Frame, len(in.frames))
	copy(out, in.frames)
	return out
}

// Len returns the number of distinct frames seen so far.
func (in *Interner) Len() int {
	return len(in.frames)
}

// Reset drops all interned frames. Used between sessions and after a fork.
func (in *Interner) Reset() {
	in.ids = make(map[Frame]FrameID)
	in.frames = in.frames[:0]
}
