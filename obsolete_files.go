package tpclsm

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// defaultRetainedInfoLogFiles is the fallback retention count used only
// when Options.KeepLogFileNum is unset (zero); the finder's opts field is
// the normal source of truth.
const defaultRetainedInfoLogFiles = 10

// AliveLogFile describes one WAL file the version set considers part of
// its write path: either the log currently being written to, or an older
// one kept around only because something still references it.
type AliveLogFile struct {
	Number uint64
	Size   int64
	// Flushed reports whether every memtable that could contain data
	// from this log has already been flushed to an SSTable.
	Flushed bool
}

// JobContext carries the inputs and accumulated outputs of one obsolete-
// file sweep: which files are alive (so the purger can tell what ISN'T),
// and which files the sweep decided should go.
type JobContext struct {
	JobID int

	// SSTLive is the set of table file numbers referenced by any live
	// version or frozen file across the whole database.
	SSTLive map[uint64]bool

	// ManifestLive is the set of manifest numbers still needed (normally
	// just the current one, but rotation can briefly leave more than one
	// alive while a new manifest is being written).
	ManifestLive map[uint64]bool

	// LogsToFree is the set of WAL numbers the finder determined are no
	// longer needed by either an unflushed memtable or an outstanding
	// two-phase-commit prepare section.
	LogsToFree map[uint64]bool

	// InfoLogsToFree is the set of rotated LOG.old.{timestamp} numbers
	// pruneInfoLogs determined are beyond KeepLogFileNum's retention cap.
	// The live LOG file is never a member (it parses as number 0).
	InfoLogsToFree map[uint64]bool

	// FilesToDelete accumulates the fully resolved candidates a purge
	// pass decided to remove, for the caller to inspect or log.
	FilesToDelete []candidateFile
}

func newJobContext(jobID int) *JobContext {
	return &JobContext{
		JobID:          jobID,
		SSTLive:        make(map[uint64]bool),
		ManifestLive:   make(map[uint64]bool),
		LogsToFree:     make(map[uint64]bool),
		InfoLogsToFree: make(map[uint64]bool),
	}
}

// candidateFile is one file the purger found on disk and classified,
// before deciding whether it should be kept or removed.
type candidateFile struct {
	Kind FileKind
	Num  uint64
	Name string
	Path string
}

// ObsoleteFileFinder determines which WAL files have fallen below the
// retention floor and hands candidates for physical deletion to an
// ObsoleteFilePurger. It owns the alive-log-file bookkeeping that the
// rest of the write path (flush, WAL rotation) must keep up to date.
type ObsoleteFileFinder struct {
	mu sync.Mutex

	dir    string
	walDir string
	opts   *Options
	logger *slog.Logger

	prepTracker *PreparedLogTracker

	// aliveLogFiles is ordered oldest-first; index 0 is the oldest log
	// the write path might still need. The very last entry is always the
	// log currently being written to and is never eligible for removal.
	aliveLogFiles []*AliveLogFile

	// logRecycleFiles holds WAL numbers whose files are no longer needed
	// logically but are being kept on disk, pre-allocated, for reuse as
	// the next WAL rather than being deleted and recreated.
	logRecycleFiles []uint64

	minPendingOutput uint64
	lastFullScan     time.Time

	manifestFileNumber uint64

	// pendingManifestFileNumber is the number of a manifest currently
	// being written by a rotation or initial-creation in progress, set
	// before the file is created and cleared once it's either installed
	// as manifestFileNumber or abandoned. A TempFile candidate matching
	// it is protected the same way a live manifest's number is.
	pendingManifestFileNumber uint64

	pendingDeletes []candidateFile
}

// NewObsoleteFileFinder creates a finder rooted at dir (for SSTables and
// manifests) and walDir (for WAL files; pass dir again if they are not
// split across separate paths).
func NewObsoleteFileFinder(dir, walDir string, opts *Options, prepTracker *PreparedLogTracker) *ObsoleteFileFinder {
	logger := opts.Logger
	if logger == nil {
		logger = DefaultLogger()
	}
	return &ObsoleteFileFinder{
		dir:         dir,
		walDir:      walDir,
		opts:        opts,
		logger:      logger,
		prepTracker: prepTracker,
	}
}

// SetAliveLogFiles replaces the finder's view of which WAL files the
// write path currently considers live, oldest first. Called by the
// component owning WAL rotation whenever that set changes.
func (f *ObsoleteFileFinder) SetAliveLogFiles(files []*AliveLogFile) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliveLogFiles = files
}

// SetManifestFileNumber records the currently active manifest number so
// the purger never deletes it.
func (f *ObsoleteFileFinder) SetManifestFileNumber(num uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifestFileNumber = num
}

// SetPendingManifestFileNumber records the number of a manifest file
// currently being created or rotated into, protecting it from deletion
// while it's still a TempFile (or otherwise not yet the live manifest).
// Pass 0 once the rotation/creation has settled one way or the other.
func (f *ObsoleteFileFinder) SetPendingManifestFileNumber(num uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pendingManifestFileNumber = num
}

// SetMinPendingOutput records the smallest file number an in-flight
// flush or compaction is currently writing. Any file numbered at or above
// this is protected from deletion even if it doesn't yet appear in any
// live version, since a concurrent job is actively producing it.
func (f *ObsoleteFileFinder) SetMinPendingOutput(num uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minPendingOutput = num
}

// shouldFullScan reports whether enough time has passed since the last
// full directory scan to justify doing another one, per
// DeleteObsoleteFilesPeriod. A force sweep always scans.
func (f *ObsoleteFileFinder) shouldFullScan(force bool) bool {
	if force || f.opts.DeleteObsoleteFilesPeriod <= 0 {
		return true
	}
	return time.Since(f.lastFullScan) >= f.opts.DeleteObsoleteFilesPeriod
}

// FindObsoleteFiles computes the WAL retention floor and graduates any
// alive log below it into either the recycle list or jc.LogsToFree. It
// never removes the last entry in aliveLogFiles — that log is always the
// one currently being written to.
func (f *ObsoleteFileFinder) FindObsoleteFiles(jc *JobContext, force bool, minLogReferencedByMemtable uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.shouldFullScan(force) {
		return false
	}
	f.lastFullScan = time.Now()

	floor := f.prepTracker.MinLogNumberToKeep(minLogReferencedByMemtable)

	kept := f.aliveLogFiles[:0:0]
	for i, log := range f.aliveLogFiles {
		isLast := i == len(f.aliveLogFiles)-1
		if isLast || (floor != 0 && log.Number >= floor) || !log.Flushed {
			kept = append(kept, log)
			continue
		}

		if f.opts.RecycleLogFileNum > 0 && len(f.logRecycleFiles) < f.opts.RecycleLogFileNum {
			f.logRecycleFiles = append(f.logRecycleFiles, log.Number)
		} else {
			jc.LogsToFree[log.Number] = true
		}
	}
	f.aliveLogFiles = kept

	return true
}

// RecycledLogNumber pops and returns a WAL number set aside for reuse, or
// (0, false) if none is available. The caller is expected to reuse the
// file in place rather than creating a new one, following
// RecycleLogFileNum.
func (f *ObsoleteFileFinder) RecycledLogNumber() (uint64, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.logRecycleFiles) == 0 {
		return 0, false
	}
	num := f.logRecycleFiles[0]
	f.logRecycleFiles = f.logRecycleFiles[1:]
	return num, true
}

// ObsoleteFilePurger turns a JobContext's resolved decisions into actual
// filesystem changes: deleting or archiving the files nobody needs
// anymore, while scanning the directory itself to catch files that
// predate the current JobContext's bookkeeping (e.g. left over from a
// crash).
type ObsoleteFilePurger struct {
	finder *ObsoleteFileFinder
}

func NewObsoleteFilePurger(finder *ObsoleteFileFinder) *ObsoleteFilePurger {
	return &ObsoleteFilePurger{finder: finder}
}

// PurgeObsoleteFiles scans the database directory, classifies every file
// it finds, decides which are obsolete using jc plus this purger's own
// per-kind keep rules, and either deletes them immediately or — if
// scheduleOnly is true — queues them for a later DeleteScheduledFiles
// call. WAL files subject to TTL/size-limit retention are archived
// instead of deleted when they still fall inside that budget.
func (p *ObsoleteFilePurger) PurgeObsoleteFiles(jc *JobContext, scheduleOnly bool) error {
	f := p.finder
	f.mu.Lock()
	defer f.mu.Unlock()

	candidates, err := p.collectCandidates()
	if err != nil {
		return err
	}
	candidates = dedupeSortedCandidates(candidates)

	for _, c := range p.pruneInfoLogs(f.dir) {
		jc.InfoLogsToFree[c.Num] = true
	}

	for _, c := range candidates {
		keep := p.shouldKeep(jc, c)
		if keep {
			continue
		}

		if c.Kind == LogFile && (f.opts.WALTTLSeconds > 0 || f.opts.WALSizeLimitMB > 0) {
			if archived, err := p.maybeArchiveWAL(c); err != nil {
				f.logger.Error("failed to archive WAL file", "path", c.Path, "error", err)
			} else if archived {
				continue
			}
		}

		jc.FilesToDelete = append(jc.FilesToDelete, c)
		if scheduleOnly {
			f.pendingDeletes = append(f.pendingDeletes, c)
			continue
		}
		p.deleteOne(c)
	}

	return nil
}

// DeleteScheduledFiles physically removes every file previously queued by
// a schedule_only PurgeObsoleteFiles pass.
func (p *ObsoleteFilePurger) DeleteScheduledFiles() {
	f := p.finder
	f.mu.Lock()
	pending := f.pendingDeletes
	f.pendingDeletes = nil
	f.mu.Unlock()

	for _, c := range pending {
		p.deleteOne(c)
	}
}

func (p *ObsoleteFilePurger) shouldKeep(jc *JobContext, c candidateFile) bool {
	f := p.finder
	switch c.Kind {
	case TableFile:
		if jc.SSTLive[c.Num] {
			return true
		}
		return c.Num >= f.minPendingOutput && f.minPendingOutput != 0
	case DescriptorFile:
		if c.Num == f.manifestFileNumber {
			return true
		}
		return len(jc.ManifestLive) > 0 && jc.ManifestLive[c.Num]
	case LogFile:
		return !jc.LogsToFree[c.Num]
	case TempFile:
		if jc.SSTLive[c.Num] {
			return true
		}
		if f.pendingManifestFileNumber != 0 && c.Num == f.pendingManifestFileNumber {
			return true
		}
		return strings.HasPrefix(c.Name, "OPTIONS-")
	case InfoLogFile:
		if c.Num == 0 {
			return true // live LOG file
		}
		return !jc.InfoLogsToFree[c.Num]
	case CurrentFile, LockFile, IdentityFile, OptionsFile:
		return true
	default:
		return true
	}
}

// collectCandidates lists the database and WAL directories and classifies
// every entry it recognizes. Unrecognized names are silently skipped —
// never collected as delete candidates — per this package's policy of
// never touching a file it cannot parse.
func (p *ObsoleteFilePurger) collectCandidates() ([]candidateFile, error) {
	var out []candidateFile
	dirs := map[string]bool{p.finder.dir: true}
	if p.finder.walDir != "" {
		dirs[p.finder.walDir] = true
	}
	if p.finder.opts.DBLogDir != "" {
		dirs[p.finder.opts.DBLogDir] = true
	}
	for _, path := range p.finder.opts.DBPaths {
		if path != "" {
			dirs[path] = true
		}
	}

	for dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("listing %s: %w", dir, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			kind, num, ok := ParseFileName(entry.Name())
			if !ok {
				continue
			}
			out = append(out, candidateFile{
				Kind: kind,
				Num:  num,
				Name: entry.Name(),
				Path: filepath.Join(dir, entry.Name()),
			})
		}
	}

	return out, nil
}

// pruneInfoLogs returns the rotated LOG.old.* files beyond the newest
// Options.KeepLogFileNum, newest first, as delete candidates. They are
// returned with Kind InfoLogFile and a nonzero Num (their rotation
// timestamp), distinguishing them from the always-kept live LOG file.
func (p *ObsoleteFilePurger) pruneInfoLogs(dir string) []candidateFile {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	keep := p.finder.opts.KeepLogFileNum
	if keep <= 0 {
		keep = defaultRetainedInfoLogFiles
	}
	var rotated []candidateFile
	for _, entry := range entries {
		kind, num, ok := ParseFileName(entry.Name())
		if !ok || kind != InfoLogFile || num == 0 {
			continue
		}
		rotated = append(rotated, candidateFile{
			Kind: InfoLogFile,
			Num:  num,
			Name: entry.Name(),
			Path: filepath.Join(dir, entry.Name()),
		})
	}
	sort.Slice(rotated, func(i, j int) bool { return rotated[i].Num > rotated[j].Num })
	if len(rotated) <= keep {
		return nil
	}
	return rotated[keep:]
}

// maybeArchiveWAL moves a WAL file that's within its TTL/size retention
// budget into an archive subdirectory instead of deleting it outright.
// Returns false (no error) when the file is outside the budget and
// should simply be deleted by the caller.
func (p *ObsoleteFilePurger) maybeArchiveWAL(c candidateFile) (bool, error) {
	f := p.finder

	info, err := os.Stat(c.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil // already gone, nothing to archive
		}
		return false, err
	}

	if f.opts.WALTTLSeconds > 0 {
		age := time.Since(info.ModTime())
		if age > time.Duration(f.opts.WALTTLSeconds)*time.Second {
			return false, nil
		}
	}

	archiveDir := filepath.Join(f.walDir, "archive")
	if f.opts.WALSizeLimitMB > 0 {
		size, err := archiveDirSize(archiveDir)
		if err == nil && size+info.Size() > int64(f.opts.WALSizeLimitMB)*MiB {
			return false, nil
		}
	}

	if err := os.MkdirAll(archiveDir, 0755); err != nil {
		return false, err
	}
	dest := filepath.Join(archiveDir, c.Name)
	if err := os.Rename(c.Path, dest); err != nil {
		return false, err
	}
	f.logger.Debug("archived WAL file", "path", c.Path, "dest", dest)
	return true, nil
}

func archiveDirSize(dir string) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		total += info.Size()
	}
	return total, nil
}

// deleteOne removes a single candidate file and logs the outcome,
// mirroring the classification RocksDB's DeleteObsoleteFileImpl uses:
// success is routine (Debug), the file already being gone is merely
// notable (Info, since it suggests a concurrent purge pass raced this
// one), and any other error is a real problem (Error) but is not
// propagated — a best-effort cleanup pass should not abort the rest of
// the batch over one file.
func (p *ObsoleteFilePurger) deleteOne(c candidateFile) {
	logger := p.finder.logger
	err := os.Remove(c.Path)
	switch {
	case err == nil:
		logger.Debug("deleted obsolete file", "path", c.Path, "kind", c.Kind.String())
	case os.IsNotExist(err):
		logger.Info("obsolete file already removed", "path", c.Path, "kind", c.Kind.String())
	default:
		logger.Error("failed to delete obsolete file", "path", c.Path, "kind", c.Kind.String(), "error", err)
	}
}

// dedupeSortedCandidates sorts candidates by (name desc, path desc) so that
// duplicate entries with the same name and path sit next to each other,
// and removes those adjacent duplicates.
func dedupeSortedCandidates(candidates []candidateFile) []candidateFile {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Name != candidates[j].Name {
			return candidates[i].Name > candidates[j].Name
		}
		return candidates[i].Path > candidates[j].Path
	})

	out := candidates[:0:0]
	for i, c := range candidates {
		if i > 0 && c.Name == candidates[i-1].Name && c.Path == candidates[i-1].Path {
			continue
		}
		out = append(out, c)
	}
	return out
}
