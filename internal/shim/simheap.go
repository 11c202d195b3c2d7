package shim

import (
	"sync"

	"github.com/pkg/errors"
)

// SimHeap is a simulated allocator implementing the Loader interface. It
// hands out unique, stable addresses and remembers live sizes without backing
// real memory. The demo workload and tests run the full interception path
// against it.
type SimHeap struct {
	mu       sync.Mutex
	next     uintptr
	live     map[uintptr]uint64
	failures int
}

// NewSimHeap creates an empty simulated heap. Addresses start away from zero
// so a returned address is never mistaken for failure.
func NewSimHeap() *SimHeap {
	return &SimHeap{
		next: 0x10000,
		live: make(map[uintptr]uint64),
	}
}

// FailNext makes the next n allocation calls fail, to exercise the shim's
// failure forwarding.
func (h *SimHeap) FailNext(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures = n
}

// LiveBytes returns the total bytes currently allocated from the heap.
func (h *SimHeap) LiveBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, size := range h.live {
		total += size
	}
	return total
}

// LiveObjects returns the number of live allocations.
func (h *SimHeap) LiveObjects() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

func (h *SimHeap) allocate(size uint64) uintptr {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.failures > 0 {
		h.failures--
		return 0
	}

	addr := h.next
	// keep addresses 16-byte aligned like a real allocator would
	step := (size + 15) &^ 15
	if step == 0 {
		step = 16
	}
	h.next += uintptr(step)
	h.live[addr] = size
	return addr
}

func (h *SimHeap) release(addr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.live, addr)
}

func (h *SimHeap) reallocate(addr uintptr, size uint64) uintptr {
	h.mu.Lock()

	if h.failures > 0 {
		h.failures--
		h.mu.Unlock()
		return 0
	}

	old, ok := h.live[addr]
	if ok && size <= old {
		// shrink in place
		h.live[addr] = size
		h.mu.Unlock()
		return addr
	}
	delete(h.live, addr)
	h.mu.Unlock()

	return h.allocate(size)
}

// Lookup implements Loader for the full allocation family.
func (h *SimHeap) Lookup(entry string) (any, error) {
	switch entry {
	case EntryMalloc:
		return MallocFunc(func(size uint64) uintptr {
			return h.allocate(size)
		}), nil
	case EntryCalloc:
		return CallocFunc(func(n, size uint64) uintptr {
			return h.allocate(n * size)
		}), nil
	case EntryRealloc:
		return ReallocFunc(func(addr uintptr, size uint64) uintptr {
			return h.reallocate(addr, size)
		}), nil
	case EntryFree:
		return FreeFunc(func(addr uintptr) {
			h.release(addr)
		}), nil
	case EntryAlignedAlloc:
		return AlignedAllocFunc(func(alignment, size uint64) uintptr {
			return h.allocate(size)
		}), nil
	case EntryMmap:
		return MmapFunc(func(length uint64) uintptr {
			return h.allocate(length)
		}), nil
	case EntryMunmap:
		return MunmapFunc(func(addr uintptr, length uint64) {
			h.release(addr)
		}), nil
	default:
		return nil, errors.Errorf("unknown allocation entry point %q", entry)
	}
}
