package tracker

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/pythonspeed/memtrail/internal/callstack"
	"github.com/pythonspeed/memtrail/internal/snapshot"
	"github.com/pythonspeed/memtrail/pkg/logx"
)

// Tracking states.
const (
	StateIdle int32 = iota
	StateTracking
	StateDisabled
)

// record maps a live address to the size it holds and the trie path it was
// attributed to. Free and realloc calls carry no size or origin of their own;
// this record supplies both.
type record struct {
	size uint64
	path []int32
}

// Tracker is the central allocation-accounting state machine: a call-stack
// trie with current and peak byte counts, an address-to-record table, and
// global counters. It detects new process-wide peaks and hands a frozen copy
// of the trie to the peak store at each one.
//
// Notes:
//   - One mutex serializes all mutation. The frame interner and the record
//     table are guarded by the same mutex to keep the critical section simple
//     and auditable.
//   - The mutex is never re-acquired recursively; the shim's reentrancy flag
//     guarantees the tracker's own bookkeeping never re-enters these methods.
//   - The Tracker is purely explicit state: it is constructed directly and is
//     fully testable without going through the shim.
type Tracker struct {
	mu    *sync.Mutex
	state atomic.Int32

	collector *callstack.Collector
	interner  *callstack.Interner
	trie      *trie
	records   map[uintptr]record

	totalCurrentBytes uint64
	totalPeakBytes    uint64

	peaks *snapshot.Store

	degraded   atomic.Bool
	incomplete atomic.Bool
}

// New creates an idle tracker feeding the given peak store.
func New(collector *callstack.Collector, peaks *snapshot.Store) *Tracker {
	return &Tracker{
		mu:        &sync.Mutex{},
		collector: collector,
		interner:  callstack.NewInterner(),
		trie:      newTrie(),
		records:   make(map[uintptr]record),
		peaks:     peaks,
	}
}

// State returns the current tracking state.
func (t *Tracker) State() int32 {
	return t.state.Load()
}

// Tracking reports whether allocation events are currently being applied.
// Safe to call on the allocation hot path without taking the lock.
func (t *Tracker) Tracking() bool {
	return t.state.Load() == StateTracking
}

// Start transitions Idle -> Tracking.
func (t *Tracker) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state.Load() {
	case StateTracking:
		return errors.New("tracker is already tracking")
	case StateDisabled:
		return errors.New("tracker is disabled; reset before starting again")
	}

	t.state.Store(StateTracking)
	return nil
}

// Stop transitions Tracking -> Disabled and finalizes a terminal snapshot: if
// no peak was ever recorded (a process that never allocated under tracking),
// the state at this instant is captured so a report can still be produced.
// Safe to call from any thread concurrently with in-flight allocation events.
func (t *Tracker) Stop() error {
	t.mu.Lock()

	if t.state.Load() != StateTracking {
		t.mu.Unlock()
		return errors.New("tracker is not tracking")
	}

	t.state.Store(StateDisabled)
	var terminal *snapshot.Snapshot
	if t.peaks.Get() == nil {
		terminal = t.captureLocked(time.Now())
	}
	t.mu.Unlock()

	if terminal != nil {
		t.peaks.Record(terminal)
	}

	logx.As().Debug().
		Uint64("total_peak_bytes", t.TotalPeakBytes()).
		Msg("Tracker stopped")
	return nil
}

// Reset drops all accumulated state: empty trie, empty record table, empty
// interner, zeroed counters, empty peak store. A tracker that is actively
// tracking keeps tracking, so subsequent allocations start a fresh peak
// history; a stopped or idle tracker returns to Idle and can be started
// again. Used mid-session, between sessions, and by the fork-child handler.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Tracker) resetLocked() {
	if t.state.Load() != StateTracking {
		t.state.Store(StateIdle)
	}
	t.trie.reset()
	t.interner.Reset()
	t.records = make(map[uintptr]record)
	t.totalCurrentBytes = 0
	t.totalPeakBytes = 0
	t.peaks.Reset()
	t.degraded.Store(false)
	t.incomplete.Store(false)
}

// OnForkChild re-arms the tracker in a forked child. The previous mutex may
// have been held by a parent thread that does not exist in the child, so it
// is replaced outright rather than unlocked. When resetState is set the
// accumulated trie and records are dropped as well.
func (t *Tracker) OnForkChild(resetState bool) {
	t.mu = &sync.Mutex{}
	if resetState {
		t.resetLocked()
	}
}

// OnAlloc applies a successful allocation event.
//
// Under the lock it interns the captured call chain, walks (creating as
// needed) the trie nodes along it, adds the size to every node on the path
// and to the global counter, records the address, and, if the global total
// set a new all-time maximum, freezes the trie into the peak store.
func (t *Tracker) OnAlloc(address uintptr, size uint64, raw callstack.RawStack) {
	if address == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Load() != StateTracking {
		return
	}

	t.applyLocked(func() {
		t.allocLocked(address, size, raw)
	})
}

// OnFree applies a deallocation event. An address with no record predates
// tracking and is ignored.
func (t *Tracker) OnFree(address uintptr) {
	if address == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Load() != StateTracking {
		return
	}

	t.applyLocked(func() {
		t.freeLocked(address)
	})
}

// OnRealloc applies a resize event as an atomic free-then-alloc under a
// single lock acquisition, including the in-place case, so no concurrent
// observer sees a transient phantom peak or trough. The full resized amount
// is attributed to the reallocation's own call chain.
func (t *Tracker) OnRealloc(oldAddress, newAddress uintptr, newSize uint64, raw callstack.RawStack) {
	if newAddress == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state.Load() != StateTracking {
		return
	}

	t.applyLocked(func() {
		// Remove the old record before inserting the new one: with an
		// in-place realloc both share the address, and insert-then-remove
		// would erase the fresh record.
		if oldAddress != 0 {
			t.freeLocked(oldAddress)
		}
		t.allocLocked(newAddress, newSize, raw)
	})
}

// applyLocked runs one bookkeeping mutation, degrading instead of propagating
// if the mutation itself fails. Correctness of the host's memory management
// strictly dominates completeness of tracking data.
func (t *Tracker) applyLocked(mutate func()) {
	defer func() {
		if r := recover(); r != nil {
			t.incomplete.Store(true)
			t.peaks.MarkIncomplete()
		}
	}()
	mutate()
}

func (t *Tracker) allocLocked(address uintptr, size uint64, raw callstack.RawStack) {
	if prev, ok := t.records[address]; ok {
		// A live address reappearing means its free was never observed.
		// Retire the stale record so the mass balance holds.
		t.trie.remove(prev.path, prev.size)
		t.totalCurrentBytes -= prev.size
		delete(t.records, address)
	}

	cs := t.collector.Intern(t.interner, raw)
	path := t.trie.pathFor(cs)
	t.trie.add(path, size)
	t.records[address] = record{size: size, path: path}

	t.totalCurrentBytes += size
	if t.totalCurrentBytes > t.totalPeakBytes {
		t.totalPeakBytes = t.totalCurrentBytes
		t.peaks.Record(t.captureLocked(time.Now()))
	}
}

func (t *Tracker) freeLocked(address uintptr) {
	rec, ok := t.records[address]
	if !ok {
		return
	}

	t.trie.remove(rec.path, rec.size)
	t.totalCurrentBytes -= rec.size
	delete(t.records, address)
}

// captureLocked freezes the trie, the interner's frame table, and the global
// total into an independent snapshot.
func (t *Tracker) captureLocked(now time.Time) *snapshot.Snapshot {
	return &snapshot.Snapshot{
		Nodes:      t.trie.freeze(),
		Frames:     t.interner.Frames(),
		TotalBytes: t.totalCurrentBytes,
		Timestamp:  now,
		Incomplete: t.incomplete.Load(),
		Degraded:   t.degraded.Load(),
	}
}

// MarkDegraded records that at least one allocation entry point is passing
// through untracked, so reports can say so.
func (t *Tracker) MarkDegraded() {
	t.degraded.Store(true)
	t.peaks.MarkDegraded()
}

// Degraded reports whether any entry point passed through untracked.
func (t *Tracker) Degraded() bool {
	return t.degraded.Load()
}

// Incomplete reports whether any tracking event was dropped.
func (t *Tracker) Incomplete() bool {
	return t.incomplete.Load()
}

// TotalCurrentBytes returns the live byte total.
func (t *Tracker) TotalCurrentBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCurrentBytes
}

// TotalPeakBytes returns the all-time maximum of the live byte total.
func (t *Tracker) TotalPeakBytes() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalPeakBytes
}

// LiveRecords returns the number of live allocation records.
func (t *Tracker) LiveRecords() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
