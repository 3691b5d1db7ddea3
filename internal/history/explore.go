package history

import (
	"strings"

	"github.com/xonecas/coda/internal/cmdparse"
)

// ExploreStatus is the lifecycle state of one explore entry.
type ExploreStatus int

const (
	// ExploreRunning is still in flight.
	ExploreRunning ExploreStatus = iota
	// ExploreSuccess completed cleanly.
	ExploreSuccess
	// ExploreNotFound is a read or search that matched nothing (exit 1).
	ExploreNotFound
	// ExploreError carries a non-trivial exit code.
	ExploreError
)

// ExploreEntry is one coalesced read-like command.
type ExploreEntry struct {
	Action  cmdparse.ExecAction
	Summary string
	// Path is the merge key for read entries.
	Path string
	// RangeStart/RangeEnd track the widest line range read from Path;
	// HasRange false means a whole-file read.
	RangeStart uint32
	RangeEnd   uint32
	HasRange   bool
	Status     ExploreStatus
	ExitCode   int
}

// ExploreRecord is an ordered list of coalesced non-mutating commands. It
// stays "trailing" (open for further coalescing) until a mutating command or
// a stream boundary finalizes it.
type ExploreRecord struct {
	Entries  []ExploreEntry
	Trailing bool
}

// Header returns the block title for the current aggregate state.
func (r *ExploreRecord) Header() string {
	if r.Trailing || r.anyRunning() {
		return "Exploring..."
	}
	return "Explored"
}

func (r *ExploreRecord) anyRunning() bool {
	for _, e := range r.Entries {
		if e.Status == ExploreRunning {
			return true
		}
	}
	return false
}

// Push appends an entry derived from a parsed command, merging repeated reads
// of the same path by widening the retained line range. Returns the entry
// index for later status updates.
func (r *ExploreRecord) Push(parsed []cmdparse.ParsedCommand, status ExploreStatus) int {
	entry := entryFromParsed(parsed)
	entry.Status = status

	if entry.Action == cmdparse.ActionRead && entry.Path != "" {
		for i := len(r.Entries) - 1; i >= 0; i-- {
			existing := &r.Entries[i]
			if existing.Action != cmdparse.ActionRead || existing.Path != entry.Path {
				continue
			}
			mergeReadEntry(existing, entry)
			existing.Status = status
			return i
		}
	}

	r.Entries = append(r.Entries, entry)
	return len(r.Entries) - 1
}

// UpdateStatus sets the lifecycle state of one entry.
func (r *ExploreRecord) UpdateStatus(idx int, status ExploreStatus, exitCode int) {
	if idx < 0 || idx >= len(r.Entries) {
		return
	}
	r.Entries[idx].Status = status
	r.Entries[idx].ExitCode = exitCode
	if r.Entries[idx].Action == cmdparse.ActionRead {
		r.Entries[idx].Summary = readSummary(&r.Entries[idx])
	}
}

// mergeReadEntry widens existing's retained range to enclose next's. When the
// ranges are disjoint the widest enclosing range is kept; the annotation is
// regenerated either way.
func mergeReadEntry(existing *ExploreEntry, next ExploreEntry) {
	switch {
	case !next.HasRange:
		// Whole-file read subsumes any range.
		existing.HasRange = false
	case !existing.HasRange:
		// Keep the whole-file read.
	default:
		if next.RangeStart < existing.RangeStart {
			existing.RangeStart = next.RangeStart
		}
		if next.RangeEnd == cmdparse.ReadRangeEnd || existing.RangeEnd == cmdparse.ReadRangeEnd {
			existing.RangeEnd = cmdparse.ReadRangeEnd
		} else if next.RangeEnd > existing.RangeEnd {
			existing.RangeEnd = next.RangeEnd
		}
	}
	existing.Summary = readSummary(existing)
}

func entryFromParsed(parsed []cmdparse.ParsedCommand) ExploreEntry {
	action := cmdparse.Action(parsed)
	entry := ExploreEntry{Action: action}
	switch action {
	case cmdparse.ActionRead:
		for _, p := range parsed {
			if p.Kind == cmdparse.KindRead {
				entry.Path = p.Name
				if start, end, ok := cmdparse.ReadRange(p.Cmd); ok {
					entry.RangeStart, entry.RangeEnd, entry.HasRange = start, end, true
				}
				break
			}
		}
		entry.Summary = readSummary(&entry)
	case cmdparse.ActionSearch:
		for _, p := range parsed {
			if p.Kind == cmdparse.KindSearch {
				var b strings.Builder
				if p.Query != "" {
					b.WriteString(p.Query)
				} else {
					b.WriteString("files")
				}
				if p.Path != "" {
					b.WriteString(" in ")
					b.WriteString(p.Path)
				}
				entry.Summary = b.String()
				break
			}
		}
	case cmdparse.ActionList:
		entry.Summary = "./"
		for _, p := range parsed {
			if p.Kind == cmdparse.KindList && p.Path != "" {
				entry.Summary = p.Path + "/"
				break
			}
		}
	default:
		for _, p := range parsed {
			if len(p.Cmd) > 0 {
				entry.Summary = strings.Join(p.Cmd, " ")
				break
			}
		}
	}
	return entry
}

func readSummary(e *ExploreEntry) string {
	if !e.HasRange {
		return e.Path
	}
	return e.Path + " " + cmdparse.AnnotateRange(e.RangeStart, e.RangeEnd)
}
