package tpclsm

import (
	"sync/atomic"

	"github.com/fslice/tpclsm/keys"
)

// compactionInputBytes is a process-wide counter of key+value bytes that
// have been pulled through a FileSliceIterator's Next(). It exists purely
// as an observability aggregate (how much a two-phase-commit merge task
// actually read), not as a control input to any decision in this package.
var compactionInputBytes int64

// CompactionInputBytes returns the cumulative number of key+value bytes
// read through file slice iterators since process start.
func CompactionInputBytes() int64 {
	return atomic.LoadInt64(&compactionInputBytes)
}

// TableIterator is the capability interface a FileSlice requires from the
// underlying table reader's cursor. It intentionally exposes bidirectional
// movement and pin-awareness even though the iterator consumed by this
// package in practice wraps a forward-only SSTable iterator: the richer
// interface is the boundary the out-of-scope table format is required to
// satisfy, not an artifact of any one implementation.
type TableIterator interface {
	Valid() bool
	Key() keys.EncodedKey
	Value() []byte
	Next()
	Prev()
	Seek(target keys.EncodedKey)
	SeekToFirst()
	SeekToLast()
	SeekForPrev(target keys.EncodedKey)
	Error() error
	IsKeyPinned() bool
	IsValuePinned() bool
	SetPinnedItersMgr(mgr *PinnedItersMgr)
}

// PinnedItersMgr tracks whether keys/values returned by an iterator need
// to remain valid past the iterator's next positioning call. A table
// reader that can guarantee backing memory stays alive registers itself
// so callers can skip defensive copies.
type PinnedItersMgr struct {
	pinning bool
}

func NewPinnedItersMgr() *PinnedItersMgr { return &PinnedItersMgr{} }

func (m *PinnedItersMgr) StartPinning() { m.pinning = true }
func (m *PinnedItersMgr) PinningEnabled() bool {
	return m != nil && m.pinning
}

// FileSlice describes a bounded view into a table file: the portion of
// its keyspace from smallest to largest that a merge task is responsible
// for. Largest is inclusive; smallest is included only when
// IsContainSmallest is set. A single file can have multiple live slices (e.g.
// one per concurrent two-phase-commit merge task); the file is kept alive
// via FileMetadata.sliceRefs until every slice referencing it is released.
type FileSlice struct {
	File              *FileMetadata
	Smallest          keys.EncodedKey
	Largest           keys.EncodedKey
	IsContainSmallest bool
}

// NewFileSlice creates a slice over file and increments its slice-reference
// count. Release must be called exactly once when the slice is no longer
// needed.
func NewFileSlice(file *FileMetadata, smallest, largest keys.EncodedKey, isContainSmallest bool) *FileSlice {
	file.RefSlice()
	return &FileSlice{
		File:              file,
		Smallest:          smallest,
		Largest:           largest,
		IsContainSmallest: isContainSmallest,
	}
}

// Release drops this slice's reference on its underlying file and reports
// whether the file has become fully unreferenced (refs and sliceRefs both
// zero), in which case the caller is responsible for scheduling it for
// physical deletion.
func (fs *FileSlice) Release() bool {
	return fs.File.UnrefSlice()
}

// NewIterator wraps table with a FileSliceIterator bounded to this slice.
func (fs *FileSlice) NewIterator(table TableIterator) *FileSliceIterator {
	return newFileSliceIterator(fs, table)
}

// FileSliceIterator bounds a TableIterator to a FileSlice's [smallest,
// largest] range and enforces strictly-increasing keys as it is advanced
// forward, on the assumption that the underlying table iterator itself
// returns keys in sorted order.
type FileSliceIterator struct {
	slice   *FileSlice
	iter    TableIterator
	prevKey keys.EncodedKey // not set; Next() keeps the previous key in a local variable
}

func newFileSliceIterator(slice *FileSlice, iter TableIterator) *FileSliceIterator {
	it := &FileSliceIterator{slice: slice, iter: iter}
	it.SeekToFirst()
	return it
}

// Valid reports whether the iterator sits on a key within the slice's
// bounds. A key equal to Smallest is only valid when the slice is marked
// as containing its smallest key — otherwise the slice's lower bound is
// exclusive and belongs to whichever slice precedes this one.
func (it *FileSliceIterator) Valid() bool {
	if !it.iter.Valid() {
		return false
	}
	key := it.iter.Key()
	if key.Compare(it.slice.Smallest) < 0 {
		return false
	}
	if key.Compare(it.slice.Smallest) == 0 && !it.slice.IsContainSmallest {
		return false
	}
	if key.Compare(it.slice.Largest) > 0 {
		return false
	}
	return true
}

func (it *FileSliceIterator) Key() keys.EncodedKey { return it.iter.Key() }
func (it *FileSliceIterator) Value() []byte        { return it.iter.Value() }
func (it *FileSliceIterator) Error() error         { return it.iter.Error() }

// Next advances the iterator, accounts the just-consumed entry's bytes
// into the process-wide compaction-input counter, and asserts that the
// new key (if the iterator remains valid) compares strictly greater than
// the one just consumed.
func (it *FileSliceIterator) Next() {
	if !it.iter.Valid() {
		return
	}
	prevKey := it.iter.Key()
	atomic.AddInt64(&compactionInputBytes, int64(len(prevKey)+len(it.iter.Value())))

	it.iter.Next()

	if it.iter.Valid() {
		if it.iter.Key().Compare(prevKey) <= 0 {
			invariantf("file slice iterator: key did not advance past %x", []byte(prevKey))
		}
	}
}

// Prev moves backward only while still valid; it delegates directly to
// the underlying iterator, which is responsible for its own bounds
// (Valid() re-checks the slice bounds on the caller's next call).
func (it *FileSliceIterator) Prev() {
	if it.Valid() {
		it.iter.Prev()
	}
}

func (it *FileSliceIterator) Seek(target keys.EncodedKey) { it.iter.Seek(target) }

func (it *FileSliceIterator) SeekForPrev(target keys.EncodedKey) { it.iter.SeekForPrev(target) }

// SeekToFirst positions the iterator at the slice's first visible key: it
// seeks to Smallest and, if the slice excludes its smallest key and the
// iterator landed exactly on it, advances once more.
func (it *FileSliceIterator) SeekToFirst() {
	it.iter.Seek(it.slice.Smallest)
	if it.iter.Valid() && !it.slice.IsContainSmallest && it.iter.Key().Compare(it.slice.Smallest) == 0 {
		it.iter.Next()
	}
}

// SeekToLast positions the iterator at the slice's largest key. Largest
// is always inclusive by construction, so no adjustment is needed beyond
// finding the last key at or before it.
func (it *FileSliceIterator) SeekToLast() {
	it.iter.SeekForPrev(it.slice.Largest)
}

func (it *FileSliceIterator) IsKeyPinned() bool   { return it.iter.IsKeyPinned() }
func (it *FileSliceIterator) IsValuePinned() bool { return it.iter.IsValuePinned() }
func (it *FileSliceIterator) SetPinnedItersMgr(mgr *PinnedItersMgr) {
	it.iter.SetPinnedItersMgr(mgr)
}

// GetProperty always reports that table properties are not retrievable
// through a bounded slice view; the caller must go to the underlying
// table reader for that.
func (it *FileSliceIterator) GetProperty(string) ([]byte, error) {
	return nil, ErrNotSupported
}
