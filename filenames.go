package tpclsm

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// FileKind identifies the role a file on disk plays in the database.
type FileKind int

const (
	UnknownFile FileKind = iota
	LogFile              // write-ahead log, *.log
	TableFile             // SSTable data file, *.sst
	DescriptorFile        // manifest, MANIFEST-{number}
	CurrentFile           // CURRENT pointer file
	TempFile              // *.dbtmp, written and then renamed into place
	InfoLogFile           // LOG / LOG.old.{timestamp}
	IdentityFile          // IDENTITY file
	LockFile              // LOCK file
	OptionsFile           // OPTIONS-{number} file
)

func (k FileKind) String() string {
	switch k {
	case LogFile:
		return "log"
	case TableFile:
		return "table"
	case DescriptorFile:
		return "descriptor"
	case CurrentFile:
		return "current"
	case TempFile:
		return "temp"
	case InfoLogFile:
		return "info-log"
	case IdentityFile:
		return "identity"
	case LockFile:
		return "lock"
	case OptionsFile:
		return "options"
	default:
		return "unknown"
	}
}

// MakeTableFileName returns the name of the SSTable file with the given number.
func MakeTableFileName(number uint64) string {
	return fmt.Sprintf("%06d.sst", number)
}

// LogFileName returns the name of the WAL file with the given number.
func LogFileName(number uint64) string {
	return fmt.Sprintf("%06d.log", number)
}

// DescriptorFileName returns the name of the manifest file with the given number.
func DescriptorFileName(number uint64) string {
	return fmt.Sprintf("MANIFEST-%06d", number)
}

// CurrentFileName returns the name of the CURRENT pointer file.
func CurrentFileName() string {
	return "CURRENT"
}

// LockFileName returns the name of the database lock file.
func LockFileName() string {
	return "LOCK"
}

// IdentityFileName returns the name of the database identity file.
func IdentityFileName() string {
	return "IDENTITY"
}

// OptionsFileName returns the name of the options dump file with the given number.
func OptionsFileName(number uint64) string {
	return fmt.Sprintf("OPTIONS-%06d", number)
}

// TempFileName returns the name of a temp file staged under the given
// target number, to be renamed into place once fully written.
func TempFileName(number uint64) string {
	return fmt.Sprintf("%06d.dbtmp", number)
}

// InfoLogFileName returns the name of the live info log file.
func InfoLogFileName() string {
	return "LOG"
}

// OldInfoLogFileName returns the name of a rotated info log file stamped
// with the given timestamp (seconds since epoch).
func OldInfoLogFileName(timestamp uint64) string {
	return fmt.Sprintf("LOG.old.%d", timestamp)
}

// ParseFileName classifies a bare file name (no directory component) and,
// where applicable, extracts its file number. The returned number has no
// meaning for CurrentFile, LockFile, IdentityFile and the live InfoLogFile
// (which parses as number 0 — only rotated LOG.old.{timestamp} files carry
// a meaningful number, used for retention pruning). A file name this
// function does not recognize returns ok=false; callers must never delete
// a file they can't parse.
func ParseFileName(name string) (kind FileKind, number uint64, ok bool) {
	switch name {
	case "CURRENT":
		return CurrentFile, 0, true
	case "LOCK":
		return LockFile, 0, true
	case "IDENTITY":
		return IdentityFile, 0, true
	case "LOG":
		return InfoLogFile, 0, true
	}

	if rest, found := strings.CutPrefix(name, "LOG.old."); found {
		ts, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return UnknownFile, 0, false
		}
		return InfoLogFile, ts, true
	}

	if rest, found := strings.CutPrefix(name, "OPTIONS-"); found {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return UnknownFile, 0, false
		}
		return OptionsFile, n, true
	}

	if rest, found := strings.CutPrefix(name, "MANIFEST-"); found {
		n, err := strconv.ParseUint(rest, 10, 64)
		if err != nil {
			return UnknownFile, 0, false
		}
		return DescriptorFile, n, true
	}

	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	n, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return UnknownFile, 0, false
	}

	switch ext {
	case ".sst":
		return TableFile, n, true
	case ".log":
		return LogFile, n, true
	case ".dbtmp":
		return TempFile, n, true
	default:
		return UnknownFile, 0, false
	}
}
