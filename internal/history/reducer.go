package history

import (
	"time"

	"github.com/xonecas/coda/internal/cmdparse"
	"github.com/xonecas/coda/internal/protocol"
)

// Reducer is the sole owner of the transcript. It runs on the UI task; all
// other tasks deliver events through channels.
type Reducer struct {
	records []Record
	nextID  ID
	byID    map[ID]int

	// execByCall maps in-flight exec call ids to their record.
	execByCall map[string]ID
	// exploreEntries maps call ids coalesced into an explore block to the
	// (record, entry) pair to update on completion.
	exploreEntries map[string]exploreRef
	// seenCallOutputs dedupes function call outputs by call id.
	seenCallOutputs map[string]bool
	// cancelled call ids whose late completions are dropped.
	cancelled map[string]bool

	// openExplore is the trailing explore record accepting new entries.
	openExplore ID

	// epoch increments on every mutation; the render cache keys on it.
	epoch uint64
}

type exploreRef struct {
	record ID
	entry  int
}

// NewReducer creates an empty transcript.
func NewReducer() *Reducer {
	return &Reducer{
		nextID:          1,
		byID:            make(map[ID]int),
		execByCall:      make(map[string]ID),
		exploreEntries:  make(map[string]exploreRef),
		seenCallOutputs: make(map[string]bool),
		cancelled:       make(map[string]bool),
	}
}

// Records returns the ordered transcript. The slice is owned by the reducer;
// callers must not mutate it.
func (r *Reducer) Records() []Record {
	return r.records
}

// Epoch returns the mutation counter for cache invalidation.
func (r *Reducer) Epoch() uint64 {
	return r.epoch
}

// Get returns the record with the given id.
func (r *Reducer) Get(id ID) (Record, bool) {
	idx, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}
	return r.records[idx], true
}

// Insert places a record by its order key and returns its id. Records
// without a key attach after the most recent keyed record sharing the same
// (request, output) stream, or at the tail.
func (r *Reducer) Insert(rec Record) ID {
	rec.ID = r.nextID
	r.nextID++

	pos := len(r.records)
	if rec.HasKey {
		pos = r.keyedPosition(rec.Key)
	} else if rec.Key.Request != protocol.Unset {
		// Keyless within a known request: attach to the nearest keyed
		// neighbor in the same stream.
		pos = r.streamPosition(rec.Key)
	}

	r.records = append(r.records, Record{})
	copy(r.records[pos+1:], r.records[pos:])
	r.records[pos] = rec
	r.reindex(pos)
	r.epoch++
	return rec.ID
}

// keyedPosition finds the slot after the largest existing key <= key,
// skipping the keyless records attached to that keyed neighbor.
func (r *Reducer) keyedPosition(key protocol.OrderKey) int {
	anchor := -1
	for i := len(r.records) - 1; i >= 0; i-- {
		if !r.records[i].HasKey {
			continue
		}
		if r.records[i].Key.Compare(key) <= 0 {
			anchor = i
			break
		}
	}
	if anchor == -1 {
		// No smaller key: insert before the first keyed record, after any
		// leading keyless prefix.
		for i, rec := range r.records {
			if rec.HasKey {
				return i
			}
		}
		return len(r.records)
	}
	pos := anchor + 1
	for pos < len(r.records) && !r.records[pos].HasKey {
		pos++
	}
	return pos
}

func (r *Reducer) streamPosition(key protocol.OrderKey) int {
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].HasKey && r.records[i].Key.SameStream(key) {
			pos := i + 1
			for pos < len(r.records) && !r.records[pos].HasKey {
				pos++
			}
			return pos
		}
	}
	return len(r.records)
}

func (r *Reducer) reindex(from int) {
	for i := from; i < len(r.records); i++ {
		r.byID[r.records[i].ID] = i
	}
}

// Replace swaps the payload of an existing record in place, keeping its id
// and position. Used to turn Running records into their completed variants.
func (r *Reducer) Replace(id ID, rec Record) bool {
	idx, ok := r.byID[id]
	if !ok {
		return false
	}
	rec.ID = id
	if !rec.HasKey {
		rec.Key = r.records[idx].Key
		rec.HasKey = r.records[idx].HasKey
	}
	r.records[idx] = rec
	r.epoch++
	return true
}

// Remove deletes a record.
func (r *Reducer) Remove(id ID) bool {
	idx, ok := r.byID[id]
	if !ok {
		return false
	}
	r.records = append(r.records[:idx], r.records[idx+1:]...)
	delete(r.byID, id)
	r.reindex(idx)
	r.epoch++
	return true
}

// --- exec coalescing -------------------------------------------------------

// BeginExec records an exec start. Read-like commands append to the open
// trailing explore block; anything else finalizes it and gets its own cell.
func (r *Reducer) BeginExec(callID string, command []string, key protocol.OrderKey, hasKey bool) {
	parsed := cmdparse.Parse(command)
	action := cmdparse.Action(parsed)

	if action.IsReadLike() {
		rec, id := r.trailingExplore(key, hasKey)
		idx := rec.Push(parsed, ExploreRunning)
		r.exploreEntries[callID] = exploreRef{record: id, entry: idx}
		r.epoch++
		return
	}

	r.FinalizeExplore()
	id := r.Insert(Record{
		Kind:   KindExec,
		Key:    key,
		HasKey: hasKey,
		Exec: &ExecCell{
			CallID:    callID,
			Command:   command,
			Parsed:    parsed,
			Action:    action,
			Status:    ExecRunning,
			StartTime: time.Now(),
		},
	})
	r.execByCall[callID] = id
}

// trailingExplore returns the open explore record, creating one when absent.
func (r *Reducer) trailingExplore(key protocol.OrderKey, hasKey bool) (*ExploreRecord, ID) {
	if r.openExplore != 0 {
		if idx, ok := r.byID[r.openExplore]; ok {
			return r.records[idx].Explore, r.openExplore
		}
	}
	explore := &ExploreRecord{Trailing: true}
	id := r.Insert(Record{
		Kind:    KindExplore,
		Key:     key,
		HasKey:  hasKey,
		Explore: explore,
	})
	r.openExplore = id
	return explore, id
}

// InsertCompletedExec appends an already-completed exec cell, merging it into
// an adjacent completed cell or run of the same read-like action. Used when
// replaying resumed sessions.
func (r *Reducer) InsertCompletedExec(cell ExecCell) ID {
	id := r.Insert(Record{Kind: KindExec, Exec: &cell})
	if survivor := r.tryMergeExec(r.byID[id]); survivor != 0 {
		return survivor
	}
	return id
}

// EndExec completes an exec cell or explore entry. Late completions for
// cancelled call ids are no-ops.
func (r *Reducer) EndExec(callID string, output ExecOutput, duration time.Duration) {
	if r.cancelled[callID] {
		return
	}
	if ref, ok := r.exploreEntries[callID]; ok {
		if idx, found := r.byID[ref.record]; found {
			r.records[idx].Explore.UpdateStatus(ref.entry, exploreStatusFor(r.records[idx].Explore.Entries[ref.entry].Action, output.ExitCode), output.ExitCode)
			r.epoch++
		}
		delete(r.exploreEntries, callID)
		return
	}

	id, ok := r.execByCall[callID]
	if !ok {
		return
	}
	idx, found := r.byID[id]
	if !found {
		return
	}
	cell := r.records[idx].Exec
	cell.Output = &output
	cell.Duration = duration
	if output.ExitCode == 0 {
		cell.Status = ExecSuccess
	} else {
		cell.Status = ExecFailed
	}
	delete(r.execByCall, callID)
	r.epoch++
	r.tryMergeExec(idx)
}

// CancelExec synthetically completes an in-flight exec after an interrupt.
// The call id is remembered so a late real completion is dropped.
func (r *Reducer) CancelExec(callID string) {
	if r.cancelled[callID] {
		return
	}
	r.cancelled[callID] = true

	if ref, ok := r.exploreEntries[callID]; ok {
		if idx, found := r.byID[ref.record]; found {
			r.records[idx].Explore.UpdateStatus(ref.entry, ExploreError, 130)
			r.epoch++
		}
		delete(r.exploreEntries, callID)
		return
	}
	if id, ok := r.execByCall[callID]; ok {
		if idx, found := r.byID[id]; found {
			cell := r.records[idx].Exec
			cell.Status = ExecCancelled
			cell.Output = &ExecOutput{ExitCode: 130, Stderr: "Cancelled by user."}
			r.epoch++
		}
		delete(r.execByCall, callID)
	}
}

// FinalizeExplore closes the trailing explore block so subsequent read-like
// commands start a fresh one.
func (r *Reducer) FinalizeExplore() {
	if r.openExplore == 0 {
		return
	}
	if idx, ok := r.byID[r.openExplore]; ok {
		r.records[idx].Explore.Trailing = false
		r.epoch++
	}
	r.openExplore = 0
}

// tryMergeExec merges the completed cell at idx with an adjacent completed
// cell or merged run of the same read-like action. Returns the surviving
// record id, or zero when no merge happened.
func (r *Reducer) tryMergeExec(idx int) ID {
	rec := r.records[idx]
	if rec.Kind != KindExec || rec.Exec.Status != ExecSuccess || !rec.Exec.Action.IsReadLike() {
		return 0
	}
	if idx == 0 {
		return 0
	}
	prev := r.records[idx-1]
	switch {
	case prev.Kind == KindMergedExec && prev.Merged.Action == rec.Exec.Action:
		prev.Merged.Cells = append(prev.Merged.Cells, *rec.Exec)
		r.Remove(rec.ID)
		return prev.ID
	case prev.Kind == KindExec && prev.Exec.Status == ExecSuccess && prev.Exec.Action == rec.Exec.Action:
		merged := &MergedExecCell{
			Action: rec.Exec.Action,
			Cells:  []ExecCell{*prev.Exec, *rec.Exec},
		}
		r.Replace(prev.ID, Record{Kind: KindMergedExec, Merged: merged})
		r.Remove(rec.ID)
		return prev.ID
	}
	return 0
}

func exploreStatusFor(action cmdparse.ExecAction, exitCode int) ExploreStatus {
	switch {
	case exitCode == 0:
		return ExploreSuccess
	case exitCode == 1 && (action == cmdparse.ActionSearch || action == cmdparse.ActionRead):
		return ExploreNotFound
	default:
		return ExploreError
	}
}

// --- stream and item handling ----------------------------------------------

// InsertCallOutput records a function call output, dropping duplicates by
// call id.
func (r *Reducer) InsertCallOutput(item protocol.ResponseItem) (ID, bool) {
	if r.seenCallOutputs[item.CallID] {
		return 0, false
	}
	r.seenCallOutputs[item.CallID] = true
	id := r.Insert(Record{Kind: KindBackgroundEvent, Text: item.Output.Text()})
	return id, true
}

// UpsertAssistantStream appends streamed answer text for an item, creating
// the stream record on first delta.
func (r *Reducer) UpsertAssistantStream(itemID, delta string, key protocol.OrderKey, hasKey bool) ID {
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Kind == KindAssistantStream && r.records[i].ItemID == itemID {
			r.records[i].Text += delta
			r.epoch++
			return r.records[i].ID
		}
	}
	return r.Insert(Record{
		Kind:   KindAssistantStream,
		ItemID: itemID,
		Text:   delta,
		Key:    key,
		HasKey: hasKey,
	})
}

// FinalizeAssistantMessage replaces any in-progress stream record for the
// item with the final text, or inserts a fresh message record.
func (r *Reducer) FinalizeAssistantMessage(itemID, text string, key protocol.OrderKey, hasKey bool) ID {
	for i := len(r.records) - 1; i >= 0; i-- {
		if r.records[i].Kind == KindAssistantStream && r.records[i].ItemID == itemID {
			id := r.records[i].ID
			r.Replace(id, Record{Kind: KindAssistantMessage, ItemID: itemID, Text: text})
			return id
		}
	}
	return r.Insert(Record{Kind: KindAssistantMessage, ItemID: itemID, Text: text, Key: key, HasKey: hasKey})
}

// BeginTool inserts a running tool record.
func (r *Reducer) BeginTool(callID, tool string) ID {
	id := r.Insert(Record{
		Kind: KindRunningTool,
		Tool: &ToolCell{CallID: callID, Tool: tool},
	})
	r.execByCall[callID] = id
	return id
}

// CompleteTool replaces a running tool record with its completed variant.
// Late completions for cancelled call ids are dropped.
func (r *Reducer) CompleteTool(callID, query string, isErr bool, duration time.Duration) {
	if r.cancelled[callID] {
		return
	}
	id, ok := r.execByCall[callID]
	if !ok {
		return
	}
	delete(r.execByCall, callID)
	idx, found := r.byID[id]
	if !found {
		return
	}
	cell := r.records[idx].Tool
	cell.Done = true
	cell.Query = query
	cell.IsErr = isErr
	cell.Duration = duration
	r.records[idx].Kind = KindCompletedTool
	r.epoch++
}

// CancelTool finalizes a running tool record after an interrupt.
func (r *Reducer) CancelTool(callID string) {
	if r.cancelled[callID] {
		return
	}
	r.cancelled[callID] = true
	if id, ok := r.execByCall[callID]; ok {
		if idx, found := r.byID[id]; found {
			r.records[idx].Tool.Done = true
			r.records[idx].Tool.IsErr = true
			r.records[idx].Kind = KindCompletedTool
			r.epoch++
		}
		delete(r.execByCall, callID)
	}
}

// SetRateLimits updates the single rate limit record in place, creating it
// on first snapshot.
func (r *Reducer) SetRateLimits(snapshot *protocol.RateLimitSnapshot) {
	for i := range r.records {
		if r.records[i].Kind == KindRateLimits {
			r.records[i].RateLimits = snapshot
			r.epoch++
			return
		}
	}
	r.Insert(Record{Kind: KindRateLimits, RateLimits: snapshot})
}
