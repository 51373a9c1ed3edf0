package tpclsm

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/fslice/tpclsm/keys"
)

// pendingFileSlice is a not-yet-attached FileSlice specification carried by
// a VersionEdit: the slice's bounds, plus the file number it attaches to
// once that file is located among the base version's files or this edit's
// own added files.
type pendingFileSlice struct {
	FileNum           uint64
	Smallest          keys.EncodedKey
	Largest           keys.EncodedKey
	IsContainSmallest bool
}

// MergeTask names a two-phase-commit merge job: a file has accumulated
// more live FileSlices than CompactionOptionsTwoPC.MergeThreshold allows,
// so its slices should be folded back together. One task is enqueued per
// file, not per slice attachment.
type MergeTask struct {
	Level    int
	Smallest keys.EncodedKey
	Largest  keys.EncodedKey
}

// AddMovedFile records that fileNum, currently at level, should be moved
// out of the normal level hierarchy into the frozen set.
func (ve *VersionEdit) AddMovedFile(level int, fileNum uint64) {
	if ve.movedFiles == nil {
		ve.movedFiles = make(map[int][]uint64)
	}
	ve.movedFiles[level] = append(ve.movedFiles[level], fileNum)
}

// AddFileSlice records a FileSlice to be attached to fileNum once that
// file is resolved during version assembly.
func (ve *VersionEdit) AddFileSlice(fileNum uint64, smallest, largest keys.EncodedKey, isContainSmallest bool) {
	ve.newFileSlices = append(ve.newFileSlices, pendingFileSlice{
		FileNum:           fileNum,
		Smallest:          smallest,
		Largest:           largest,
		IsContainSmallest: isContainSmallest,
	})
}

// levelState accumulates one level's worth of pending changes while a
// VersionBuilder walks a sequence of VersionEdits, mirroring RocksDB's
// VersionBuilder::Rep::LevelState.
type levelState struct {
	deletedFiles map[uint64]bool
	addedFiles   map[uint64]*FileMetadata
}

func newLevelState() *levelState {
	return &levelState{
		deletedFiles: make(map[uint64]bool),
		addedFiles:   make(map[uint64]*FileMetadata),
	}
}

// VersionBuilder accumulates a sequence of VersionEdits against a base
// Version and produces a new Version via SaveTo. It owns reference
// counting for every file it touches: files it adds are Ref'd immediately
// so a concurrent cleanup cannot collect them before SaveTo runs, and
// Close releases those references if SaveTo is never reached (e.g. a
// manifest write failed mid-batch).
type VersionBuilder struct {
	base            *Version
	numLevels       int
	levels          []*levelState
	frozenAdded     []*FileMetadata
	pendingSlices   []pendingFileSlice
	mergeThreshold  int
	mergeCandidates map[uint64]*FileMetadata
	mergeTasks      []*MergeTask
	cmp             KeyComparator

	hasInvalidLevels bool
	invalidLevels    map[int]*levelState

	saved bool
}

// KeyComparator is the opaque ordering authority this package consumes
// for smallest/largest-key comparisons. The keys package's EncodedKey
// comparator is the concrete default; callers may substitute their own.
type KeyComparator interface {
	Compare(a, b keys.EncodedKey) int
}

type defaultKeyComparator struct{}

func (defaultKeyComparator) Compare(a, b keys.EncodedKey) int { return a.Compare(b) }

// NewVersionBuilder creates a builder seeded from base, ready to accept
// VersionEdits via Apply.
func NewVersionBuilder(base *Version, numLevels int, mergeThreshold int, cmp KeyComparator) *VersionBuilder {
	if cmp == nil {
		cmp = defaultKeyComparator{}
	}
	vb := &VersionBuilder{
		base:           base,
		numLevels:      numLevels,
		levels:         make([]*levelState, numLevels),
		mergeThreshold: mergeThreshold,
		invalidLevels:  make(map[int]*levelState),
		cmp:            cmp,
	}
	for i := range vb.levels {
		vb.levels[i] = newLevelState()
	}
	return vb
}

func (vb *VersionBuilder) levelState(level int) *levelState {
	if level < vb.numLevels {
		return vb.levels[level]
	}
	vb.hasInvalidLevels = true
	ls, ok := vb.invalidLevels[level]
	if !ok {
		ls = newLevelState()
		vb.invalidLevels[level] = ls
	}
	return ls
}

// Apply folds edit into this builder's pending state in four fixed
// phases — moves, then slices, then deletes, then adds — so that a file
// moved to frozen in this same edit can still receive a slice, and a
// slice attachment never races a delete of its target within one edit.
func (vb *VersionBuilder) Apply(edit *VersionEdit) {
	vb.applyMoves(edit)
	vb.applySlices(edit)
	vb.applyDeletes(edit)
	vb.applyAdds(edit)
}

func (vb *VersionBuilder) applyMoves(edit *VersionEdit) {
	for level, fileNums := range edit.movedFiles {
		ls := vb.levelState(level)
		for _, fileNum := range fileNums {
			file := vb.findFile(level, fileNum)
			if file == nil {
				continue
			}
			ls.deletedFiles[fileNum] = true
			delete(ls.addedFiles, fileNum)
			file.Moved = true
			vb.frozenAdded = append(vb.frozenAdded, file)
		}
	}
}

func (vb *VersionBuilder) applySlices(edit *VersionEdit) {
	for _, pending := range edit.newFileSlices {
		file := vb.findFileAnyLevel(pending.FileNum)
		if file == nil {
			// Record it; SaveTo will retry against the base version's
			// files once all edits in this batch have been folded in.
			vb.pendingSlices = append(vb.pendingSlices, pending)
			continue
		}
		vb.attachSlice(file, pending)
	}
}

func (vb *VersionBuilder) attachSlice(file *FileMetadata, pending pendingFileSlice) {
	slice := NewFileSlice(file, pending.Smallest, pending.Largest, pending.IsContainSmallest)
	file.FileSlices = append(file.FileSlices, slice)
	if int(file.SliceRefs()) > vb.mergeThreshold {
		if vb.mergeCandidates == nil {
			vb.mergeCandidates = make(map[uint64]*FileMetadata)
		}
		vb.mergeCandidates[file.FileNum] = file
	}
}

func (vb *VersionBuilder) applyDeletes(edit *VersionEdit) {
	for level, fileNums := range edit.removeFiles {
		ls := vb.levelState(level)
		for _, fileNum := range fileNums {
			if !vb.CheckConsistencyForDeletes(level, fileNum) {
				invariantf("version edit removes file %d at level %d, but it isn't present in the base version or any pending add", fileNum, level)
			}
			ls.deletedFiles[fileNum] = true
			if existing, ok := ls.addedFiles[fileNum]; ok {
				delete(ls.addedFiles, fileNum)
				vb.unrefFile(existing)
			}
		}
	}
}

func (vb *VersionBuilder) applyAdds(edit *VersionEdit) {
	for level, files := range edit.addFiles {
		ls := vb.levelState(level)
		for _, file := range files {
			file.Ref()
			ls.addedFiles[file.FileNum] = file
		}
	}
}

// findFile looks for fileNum first among this level's pending additions,
// then in the base version's files at that level.
func (vb *VersionBuilder) findFile(level int, fileNum uint64) *FileMetadata {
	if level < vb.numLevels {
		if f, ok := vb.levels[level].addedFiles[fileNum]; ok {
			return f
		}
	}
	if vb.base == nil || level >= len(vb.base.files) {
		return nil
	}
	for _, f := range vb.base.files[level] {
		if f.FileNum == fileNum {
			return f
		}
	}
	return nil
}

// findFileAnyLevel searches three places in turn: this builder's added
// files at any level, then the files it has frozen in this batch, then the
// base version's files at any level.
func (vb *VersionBuilder) findFileAnyLevel(fileNum uint64) *FileMetadata {
	for level := range vb.levels {
		if f, ok := vb.levels[level].addedFiles[fileNum]; ok {
			return f
		}
	}
	for _, f := range vb.frozenAdded {
		if f.FileNum == fileNum {
			return f
		}
	}
	if vb.base != nil {
		for _, level := range vb.base.files {
			for _, f := range level {
				if f.FileNum == fileNum {
					return f
				}
			}
		}
	}
	return nil
}

// unrefFile drops a version reference on file and, if it has reached zero
// total references, has nothing further to do here — physical deletion
// is the obsolete-file purger's job, triggered once the file stops
// appearing in any live version.
func (vb *VersionBuilder) unrefFile(file *FileMetadata) {
	file.Unref()
}

// Close releases every reference this builder has taken on added files
// without ever calling SaveTo. Safe to call after SaveTo (no-op).
func (vb *VersionBuilder) Close() {
	if vb.saved {
		return
	}
	for _, ls := range vb.levels {
		for _, f := range ls.addedFiles {
			vb.unrefFile(f)
		}
	}
	for _, ls := range vb.invalidLevels {
		for _, f := range ls.addedFiles {
			vb.unrefFile(f)
		}
	}
}

// CheckConsistencyForNumLevels reports whether any edit this builder
// applied touched a level outside [0, numLevels), which is always a bug
// in the caller (manifest replay found a level the configured LSM shape
// doesn't have).
func (vb *VersionBuilder) CheckConsistencyForNumLevels() error {
	if !vb.hasInvalidLevels {
		return nil
	}
	for level, ls := range vb.invalidLevels {
		if len(ls.addedFiles) > 0 || len(ls.deletedFiles) > 0 {
			return fmt.Errorf("%w: level %d exceeds configured %d levels", ErrConsistencyViolation, level, vb.numLevels)
		}
	}
	return nil
}

// CheckConsistencyForDeletes verifies that a file being deleted at level
// actually exists somewhere this builder or its base version can see it:
// in the base version at any level, in this builder's own added files at
// a higher (shallower) level it was added to before being moved down, or
// in this level's own added files.
func (vb *VersionBuilder) CheckConsistencyForDeletes(level int, fileNum uint64) bool {
	if vb.base != nil {
		for _, lvl := range vb.base.files {
			for _, f := range lvl {
				if f.FileNum == fileNum {
					return true
				}
			}
		}
	}
	for lvl := 0; lvl < level && lvl < len(vb.levels); lvl++ {
		if _, ok := vb.levels[lvl].addedFiles[fileNum]; ok {
			return true
		}
	}
	if level < len(vb.levels) {
		if _, ok := vb.levels[level].addedFiles[fileNum]; ok {
			return true
		}
	}
	return false
}

// SaveTo merges this builder's pending state onto base and returns a new
// Version. The merge at each level walks base's existing files and this
// level's sorted added files in lockstep (a classic two-way merge),
// skipping anything marked deleted, then appends frozen files (moved out
// of the hierarchy but still carrying live slices) carried forward from
// base plus any newly frozen in this batch.
func (vb *VersionBuilder) SaveTo() (*Version, error) {
	newVersion := NewVersion(vb.numLevels)
	if vb.base != nil {
		newVersion.number = vb.base.number + 1
	}

	for level := 0; level < vb.numLevels; level++ {
		ls := vb.levels[level]

		var baseFiles []*FileMetadata
		if vb.base != nil && level < len(vb.base.files) {
			baseFiles = vb.base.files[level]
		}

		added := make([]*FileMetadata, 0, len(ls.addedFiles))
		for _, f := range ls.addedFiles {
			added = append(added, f)
		}
		sortFilesForLevel(added, level, vb.cmp)

		merged := twoWayMergeLevel(baseFiles, added, ls.deletedFiles, level, vb.cmp)
		for _, f := range merged {
			vb.maybeAddFile(newVersion, level, f)
		}
	}

	vb.carryForwardFrozenFiles(newVersion)
	vb.retryPendingSlices(newVersion)
	vb.flushMergeTasks(newVersion)

	if err := vb.CheckConsistency(newVersion); err != nil {
		vb.Close()
		return nil, err
	}
	if err := vb.CheckConsistencyForNumLevels(); err != nil {
		vb.Close()
		return nil, err
	}

	vb.saved = true
	return newVersion, nil
}

// maybeAddFile adds file to newVersion at level unless it was deleted in
// this batch. Slices this batch attached to a deleted file are left
// attached; their slice-refs are not given back here.
func (vb *VersionBuilder) maybeAddFile(newVersion *Version, level int, file *FileMetadata) {
	if vb.levels[level].deletedFiles[file.FileNum] {
		return
	}
	newVersion.AddFile(level, file)
}

// carryForwardFrozenFiles appends to newVersion's frozen bookkeeping every
// file that was already frozen in base and still has live slice
// references, plus every file newly frozen by this batch. Each carried
// file gets an additional version reference: one new version, one new
// reference.
func (vb *VersionBuilder) carryForwardFrozenFiles(newVersion *Version) {
	seen := make(map[uint64]bool)
	for _, f := range vb.frozenAdded {
		if seen[f.FileNum] {
			continue
		}
		seen[f.FileNum] = true
		f.Ref()
		newVersion.frozenFiles = append(newVersion.frozenFiles, f)
	}
	if vb.base != nil {
		for _, f := range vb.base.frozenFiles {
			if seen[f.FileNum] {
				continue
			}
			if f.SliceRefs() > 0 {
				f.Ref()
				newVersion.frozenFiles = append(newVersion.frozenFiles, f)
				seen[f.FileNum] = true
			}
		}
	}
}

// retryPendingSlices attaches any slice whose target file wasn't yet
// visible during applySlices (because it arrived via a later edit, or
// only exists in the base version's frozen set) now that newVersion's
// full file set is known.
func (vb *VersionBuilder) retryPendingSlices(newVersion *Version) {
	for _, pending := range vb.pendingSlices {
		file := vb.findInVersion(newVersion, pending.FileNum)
		if file == nil {
			continue
		}
		vb.attachSlice(file, pending)
	}
	vb.pendingSlices = nil
}

func (vb *VersionBuilder) findInVersion(v *Version, fileNum uint64) *FileMetadata {
	for _, level := range v.files {
		for _, f := range level {
			if f.FileNum == fileNum {
				return f
			}
		}
	}
	for _, f := range v.frozenFiles {
		if f.FileNum == fileNum {
			return f
		}
	}
	return nil
}

// flushMergeTasks resolves every merge candidate accumulated across both
// applySlices and retryPendingSlices against newVersion's fully assembled
// file set and enqueues exactly one MergeTask per file, using the file's
// own [smallest, largest] bounds. A candidate that no longer resolves to
// a level (e.g. it was frozen out of the hierarchy) is skipped.
func (vb *VersionBuilder) flushMergeTasks(newVersion *Version) {
	for _, file := range vb.mergeCandidates {
		level := vb.levelOfFileInVersion(newVersion, file.FileNum)
		if level < 0 {
			continue
		}
		vb.mergeTasks = append(vb.mergeTasks, &MergeTask{
			Level:    level,
			Smallest: file.SmallestKey,
			Largest:  file.LargestKey,
		})
	}
	vb.mergeCandidates = nil
}

// levelOfFileInVersion returns the level fileNum was placed at in v, or -1
// if it isn't present in any level (including if it ended up frozen).
func (vb *VersionBuilder) levelOfFileInVersion(v *Version, fileNum uint64) int {
	for level, files := range v.files {
		for _, f := range files {
			if f.FileNum == fileNum {
				return level
			}
		}
	}
	return -1
}

// TakeMergeTasks drains and returns the merge tasks this builder's slice
// attachments have queued, for the caller to hand off to a compaction
// scheduler.
func (vb *VersionBuilder) TakeMergeTasks() []*MergeTask {
	tasks := vb.mergeTasks
	vb.mergeTasks = nil
	return tasks
}

// l0Less orders two non-externally-ingested L0 files newest first: by
// largest sequence number descending, then smallest sequence number
// descending, then file number descending, matching CheckConsistency's
// tiebreak so the two never disagree about order.
func l0Less(a, b *FileMetadata) bool {
	if a.LargestSeq != b.LargestSeq {
		return a.LargestSeq > b.LargestSeq
	}
	if a.SmallestSeq != b.SmallestSeq {
		return a.SmallestSeq > b.SmallestSeq
	}
	return a.FileNum > b.FileNum
}

// sortFilesForLevel orders files the way the level requires for the
// two-way merge and for CheckConsistency: L0 newest-first by largest
// sequence number (externally ingested files, which carry no sequence
// number, sort last and amongst themselves in file-number order so the
// ordering stays deterministic); L>0 ascending by smallest key.
func sortFilesForLevel(files []*FileMetadata, level int, cmp KeyComparator) {
	if level == 0 {
		sort.SliceStable(files, func(i, j int) bool {
			fi, fj := files[i], files[j]
			if fi.isExternallyIngested() != fj.isExternallyIngested() {
				return !fi.isExternallyIngested()
			}
			if fi.isExternallyIngested() {
				return fi.FileNum < fj.FileNum
			}
			return l0Less(fi, fj)
		})
		return
	}
	sort.SliceStable(files, func(i, j int) bool {
		return cmp.Compare(files[i].SmallestKey, files[j].SmallestKey) < 0
	})
}

// twoWayMergeLevel merges base (already in level order) with added
// (already sorted the same way) in a single forward pass, batching runs
// of added files ahead of each base file the way RocksDB's upper_bound
// batching does, and dropping anything named in deleted.
func twoWayMergeLevel(base, added []*FileMetadata, deleted map[uint64]bool, level int, cmp KeyComparator) []*FileMetadata {
	result := make([]*FileMetadata, 0, len(base)+len(added))
	bi, ai := 0, 0

	less := func(a, b *FileMetadata) bool {
		if level == 0 {
			if a.isExternallyIngested() != b.isExternallyIngested() {
				return !a.isExternallyIngested()
			}
			if a.isExternallyIngested() {
				return a.FileNum < b.FileNum
			}
			return l0Less(a, b)
		}
		return cmp.Compare(a.SmallestKey, b.SmallestKey) < 0
	}

	for bi < len(base) || ai < len(added) {
		switch {
		case bi >= len(base):
			if !deleted[added[ai].FileNum] {
				result = append(result, added[ai])
			}
			ai++
		case ai >= len(added):
			if !deleted[base[bi].FileNum] {
				result = append(result, base[bi])
			}
			bi++
		case less(added[ai], base[bi]):
			if !deleted[added[ai].FileNum] {
				result = append(result, added[ai])
			}
			ai++
		default:
			if !deleted[base[bi].FileNum] {
				result = append(result, base[bi])
			}
			bi++
		}
	}
	return result
}

// CheckConsistency validates the ordering and non-overlap invariants a
// fully assembled Version must hold: L0 files are ordered newest-first by
// largest sequence number (externally ingested files are exempt from
// participating in that relative order), and every level above L0 is
// sorted by smallest key with no two files' [smallest, largest] ranges
// overlapping.
func (vb *VersionBuilder) CheckConsistency(v *Version) error {
	if len(v.files) > 0 {
		l0 := v.files[0]
		for i := 1; i < len(l0); i++ {
			prev, cur := l0[i-1], l0[i]
			if prev.isExternallyIngested() || cur.isExternallyIngested() {
				continue
			}
			if prev.LargestSeq < cur.LargestSeq {
				return fmt.Errorf("%w: L0 file %d (seq %d) precedes newer file %d (seq %d)",
					ErrConsistencyViolation, prev.FileNum, prev.LargestSeq, cur.FileNum, cur.LargestSeq)
			}
			if prev.LargestSeq == cur.LargestSeq {
				if prev.SmallestSeq < cur.SmallestSeq {
					return fmt.Errorf("%w: L0 file %d precedes newer file %d on smallest-seqno tiebreak",
						ErrConsistencyViolation, prev.FileNum, cur.FileNum)
				}
				if prev.SmallestSeq == cur.SmallestSeq && prev.FileNum < cur.FileNum {
					return fmt.Errorf("%w: L0 file %d precedes newer file %d on file-number tiebreak",
						ErrConsistencyViolation, prev.FileNum, cur.FileNum)
				}
			}
		}
	}

	for level := 1; level < len(v.files); level++ {
		files := v.files[level]
		for i := 1; i < len(files); i++ {
			prev, cur := files[i-1], files[i]
			if vb.cmp.Compare(prev.SmallestKey, cur.SmallestKey) >= 0 {
				return fmt.Errorf("%w: level %d files %d and %d are not strictly ordered",
					ErrConsistencyViolation, level, prev.FileNum, cur.FileNum)
			}
			if vb.cmp.Compare(prev.LargestKey, cur.SmallestKey) >= 0 {
				return fmt.Errorf("%w: level %d files %d and %d overlap",
					ErrConsistencyViolation, level, prev.FileNum, cur.FileNum)
			}
		}
	}
	return nil
}

// TableCacheProvider is the opaque table-cache collaborator
// LoadTableHandlers warms up: given a file, it is expected to open (or
// reuse a cached) table reader for it so later reads don't pay file-open
// latency on the hot path.
type TableCacheProvider interface {
	FindTable(file *FileMetadata) error
}

// LoadTableHandlers walks every file this builder will place into the new
// version and asks provider to warm its table-cache entry, spreading the
// work across up to maxThreads goroutines via a shared atomic cursor so
// idle workers steal from whichever slice of the list is left, rather
// than each owning a fixed static partition.
func (vb *VersionBuilder) LoadTableHandlers(provider TableCacheProvider, maxThreads int) error {
	var files []*FileMetadata
	for _, ls := range vb.levels {
		for _, f := range ls.addedFiles {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil
	}
	if maxThreads <= 1 {
		for _, f := range files {
			if err := provider.FindTable(f); err != nil {
				return err
			}
		}
		return nil
	}

	var cursor int64
	errs := make(chan error, maxThreads)
	workers := min(maxThreads, len(files))
	for i := 0; i < workers; i++ {
		go func() {
			for {
				idx := atomic.AddInt64(&cursor, 1) - 1
				if idx >= int64(len(files)) {
					errs <- nil
					return
				}
				if err := provider.FindTable(files[idx]); err != nil {
					errs <- err
					return
				}
			}
		}()
	}

	var firstErr error
	for i := 0; i < workers; i++ {
		if err := <-errs; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
