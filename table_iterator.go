package tpclsm

import (
	"github.com/fslice/tpclsm/keys"
	"github.com/fslice/tpclsm/sstable"
)

// tableIteratorAdapter wraps an *sstable.SSTableIterator — which only
// supports forward movement — behind the richer TableIterator interface a
// FileSlice requires. Prev and SeekForPrev are implemented by replaying
// from the start of the block range each time; SSTables visited by a
// merge task are bounded in size, so the replay cost is acceptable and
// avoids adding reverse-iteration machinery to the block format itself.
type tableIteratorAdapter struct {
	inner *sstable.SSTableIterator
	mgr   *PinnedItersMgr
}

// newTableIteratorAdapter wraps inner for use as a TableIterator.
func newTableIteratorAdapter(inner *sstable.SSTableIterator) *tableIteratorAdapter {
	return &tableIteratorAdapter{inner: inner}
}

func (a *tableIteratorAdapter) Valid() bool            { return a.inner.Valid() }
func (a *tableIteratorAdapter) Key() keys.EncodedKey   { return a.inner.Key() }
func (a *tableIteratorAdapter) Value() []byte          { return a.inner.Value() }
func (a *tableIteratorAdapter) Next()                  { a.inner.Next() }
func (a *tableIteratorAdapter) Seek(t keys.EncodedKey)  { a.inner.Seek(t) }
func (a *tableIteratorAdapter) SeekToFirst()           { a.inner.SeekToFirst() }
func (a *tableIteratorAdapter) SeekToLast()            { a.inner.SeekToLast() }
func (a *tableIteratorAdapter) Error() error           { return a.inner.Error() }

// Prev repositions to the entry immediately before the current one by
// replaying from the first entry.
func (a *tableIteratorAdapter) Prev() {
	if !a.inner.Valid() {
		return
	}
	current := a.inner.Key()
	a.inner.SeekToFirst()

	var lastBefore keys.EncodedKey
	found := false
	for a.inner.Valid() {
		k := a.inner.Key()
		if k.Compare(current) >= 0 {
			break
		}
		lastBefore = append(lastBefore[:0:0], k...)
		found = true
		a.inner.Next()
	}

	if !found {
		a.inner.Seek(current)
		a.inner.Next() // force invalid if current was first entry
		a.inner.Seek(current)
		for a.inner.Valid() && a.inner.Key().Compare(current) >= 0 {
			// no predecessor: leave positioned at an invalid/past state
			a.inner.Next()
		}
		return
	}
	a.inner.Seek(lastBefore)
}

// SeekForPrev positions at the last entry with key <= target.
func (a *tableIteratorAdapter) SeekForPrev(target keys.EncodedKey) {
	a.inner.SeekToFirst()

	var lastAtOrBefore keys.EncodedKey
	found := false
	for a.inner.Valid() {
		k := a.inner.Key()
		if k.Compare(target) > 0 {
			break
		}
		lastAtOrBefore = append(lastAtOrBefore[:0:0], k...)
		found = true
		a.inner.Next()
	}

	if !found {
		a.inner.Seek(target)
		for a.inner.Valid() {
			a.inner.Next()
		}
		return
	}
	a.inner.Seek(lastAtOrBefore)
}

func (a *tableIteratorAdapter) IsKeyPinned() bool   { return false }
func (a *tableIteratorAdapter) IsValuePinned() bool { return false }
func (a *tableIteratorAdapter) SetPinnedItersMgr(mgr *PinnedItersMgr) {
	a.mgr = mgr
	if mgr != nil {
		mgr.StartPinning()
	}
}
