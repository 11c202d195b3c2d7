package snapshot

import (
	"sync"
)

// Store holds the single most recent peak snapshot.
//
// Notes:
//   - Record keeps the store monotonic: a candidate whose total does not
//     strictly exceed the held snapshot's total is discarded. The tracker
//     enforces the same rule before building a candidate; the store's guard
//     keeps the invariant local and testable.
//   - Get is safe to call concurrently with ongoing tracking. A returned
//     snapshot's trie and totals are never mutated afterwards; only the
//     Incomplete/Degraded flags may still flip.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{}
}

// Record replaces the held snapshot if the candidate's total strictly exceeds
// the held total. Returns whether the candidate was accepted.
func (s *Store) Record(snap *Snapshot) bool {
	if snap == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.snap != nil && snap.TotalBytes <= s.snap.TotalBytes {
		return false
	}

	s.snap = snap
	return true
}

// Get returns the held snapshot, or nil if no peak has been recorded yet.
func (s *Store) Get() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// MarkIncomplete flags the held snapshot as undercounting. Called when a
// tracking event is dropped after the snapshot was taken.
func (s *Store) MarkIncomplete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		s.snap.Incomplete = true
	}
}

// MarkDegraded flags the held snapshot as captured with one or more entry
// points passing through untracked.
func (s *Store) MarkDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		s.snap.Degraded = true
	}
}

// Reset drops the held snapshot. Used between sessions and after a fork.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = nil
}
