package tpclsm

import (
	"container/heap"
	"sync"
)

// logNumberHeap is a min-heap of WAL numbers. No third-party heap
// implementation appears anywhere in the retrieval pack, and
// container/heap is the idiomatic Go way to get one; see DESIGN.md.
type logNumberHeap []uint64

func (h logNumberHeap) Len() int            { return len(h) }
func (h logNumberHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h logNumberHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *logNumberHeap) Push(x interface{}) { *h = append(*h, x.(uint64)) }
func (h *logNumberHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// PreparedLogTracker tracks which WAL files still hold outstanding
// two-phase-commit prepare sections (a transaction prepared but not yet
// committed or rolled back). A WAL cannot be deleted or recycled while
// any prepare section inside it is outstanding, even if every key it
// wrote has long since been flushed to an SSTable.
//
// It uses lazy deletion: MarkLogAsHavingPrepSectionFlushed doesn't remove
// the log number from the heap (removing an arbitrary element from a
// binary heap is awkward); instead it increments a completion count, and
// FindMinLogContainingOutstandingPrep pops completed entries off the top
// until it finds one that's still outstanding.
type PreparedLogTracker struct {
	mu sync.Mutex

	enabled bool

	minHeap     logNumberHeap
	prepSection map[uint64]int // log number -> count of prepare sections recorded against it
}

// NewPreparedLogTracker creates a tracker. When enabled is false (two-phase
// commit is not in use), every query returns 0 immediately, matching the
// original's allow_2pc() early-return placement rather than requiring
// every caller to re-check a flag.
func NewPreparedLogTracker(enabled bool) *PreparedLogTracker {
	return &PreparedLogTracker{
		enabled:     enabled,
		prepSection: make(map[uint64]int),
	}
}

// MarkLogAsContainingPrepSection records that logNum holds a newly
// prepared (but not yet resolved) transaction.
func (t *PreparedLogTracker) MarkLogAsContainingPrepSection(logNum uint64) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.prepSection[logNum] == 0 {
		heap.Push(&t.minHeap, logNum)
	}
	t.prepSection[logNum]++
}

// MarkLogAsHavingPrepSectionFlushed records that one prepare section
// previously recorded against logNum has now been committed or rolled
// back and its effects flushed.
func (t *PreparedLogTracker) MarkLogAsHavingPrepSectionFlushed(logNum uint64) {
	if !t.enabled {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.prepSection[logNum] <= 0 {
		invariantf("log %d: prep section flushed count would go negative", logNum)
	}
	t.prepSection[logNum]--
}

// FindMinLogContainingOutstandingPrep returns the smallest WAL number
// that still has at least one outstanding prepare section, or 0 if there
// is none. It lazily discards heap entries whose count has dropped to
// zero before returning.
func (t *PreparedLogTracker) FindMinLogContainingOutstandingPrep() uint64 {
	if !t.enabled {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	for t.minHeap.Len() > 0 {
		candidate := t.minHeap[0]
		if t.prepSection[candidate] > 0 {
			return candidate
		}
		heap.Pop(&t.minHeap)
		delete(t.prepSection, candidate)
	}
	return 0
}

// MinLogNumberToKeep computes the floor below which no WAL file may be
// deleted or recycled: the smaller of the oldest log still referenced by
// an unflushed memtable and the oldest log still holding an outstanding
// prepare section. The heap is consulted before the memtable floor is
// asked for on purpose — FindMinLogContainingOutstandingPrep's lazy
// cleanup must run regardless of whether its answer ends up being the
// overall minimum, or stale heap entries accumulate forever.
func (t *PreparedLogTracker) MinLogNumberToKeep(minLogReferencedByMemtable uint64) uint64 {
	prepFloor := t.FindMinLogContainingOutstandingPrep()
	if prepFloor == 0 {
		return minLogReferencedByMemtable
	}
	if minLogReferencedByMemtable == 0 {
		return prepFloor
	}
	if prepFloor < minLogReferencedByMemtable {
		return prepFloor
	}
	return minLogReferencedByMemtable
}

// Enabled reports whether this tracker is actively tracking prepare
// sections (i.e. two-phase commit is in use).
func (t *PreparedLogTracker) Enabled() bool {
	return t.enabled
}
