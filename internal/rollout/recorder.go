// Package rollout persists every session item as JSONL plus a pretty JSON
// snapshot so sessions can be replayed, inspected, and resumed.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/protocol"
)

// SessionMeta is the first line of every rollout JSONL file.
type SessionMeta struct {
	ID           string   `json:"id"`
	Timestamp    string   `json:"timestamp"`
	Instructions string   `json:"instructions,omitempty"`
	Git          *GitInfo `json:"git,omitempty"`
}

// GitInfo captures repository state at session start.
type GitInfo struct {
	Branch string `json:"branch,omitempty"`
	Commit string `json:"commit,omitempty"`
	Dirty  bool   `json:"dirty,omitempty"`
}

// StateSnapshot is an opaque session state record interleaved with items.
type StateSnapshot struct {
	RecordType       string   `json:"record_type"`
	ApprovedCommands []string `json:"approved_commands,omitempty"`
}

// SavedSession is the result of resuming a rollout file.
type SavedSession struct {
	Session SessionMeta
	Items   []protocol.ResponseItem
	State   StateSnapshot
}

// snapshotDoc is the pretty JSON sidecar document.
type snapshotDoc struct {
	Session struct {
		Timestamp    string `json:"timestamp"`
		ID           string `json:"id"`
		Instructions string `json:"instructions"`
	} `json:"session"`
	Items []protocol.ResponseItem `json:"items"`
}

type cmdKind int

const (
	cmdAddItems cmdKind = iota
	cmdUpdateState
	cmdShutdown
)

type command struct {
	kind  cmdKind
	items []protocol.ResponseItem
	state StateSnapshot
	ack   chan struct{}
}

// Recorder fans session items out to two background writers: an append-only
// JSONL log and an atomically rewritten JSON snapshot.
type Recorder struct {
	txs []chan command
	// Path of the JSONL file, exposed for the session index.
	Path string
}

const timestampFormat = "2006-01-02T15:04:05.000Z"
const filenameTimestamp = "2006-01-02T15-04-05"

// New creates the rollout files for a fresh session under
// <root>/YYYY/MM/DD/ and starts both writers.
func New(root string, id uuid.UUID, instructions string, git *GitInfo) (*Recorder, error) {
	now := time.Now().UTC()
	dir := filepath.Join(root, now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	base := fmt.Sprintf("rollout-%s-%s", now.Format(filenameTimestamp), id)
	jsonlPath := filepath.Join(dir, base+".jsonl")
	file, err := os.OpenFile(jsonlPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("create rollout file: %w", err)
	}

	meta := SessionMeta{
		ID:           id.String(),
		Timestamp:    now.Format(timestampFormat),
		Instructions: instructions,
		Git:          git,
	}

	snapshotPath := filepath.Join(dir, fmt.Sprintf("rollout-%s-%s.json", now.Format("2006-01-02"), id))

	r := &Recorder{Path: jsonlPath}
	r.start(file, &meta, snapshotPath, meta, nil)
	return r, nil
}

func (r *Recorder) start(jsonl *os.File, meta *SessionMeta, snapshotPath string, snapshotMeta SessionMeta, existing []protocol.ResponseItem) {
	jsonlCh := make(chan command, 256)
	snapCh := make(chan command, 256)
	r.txs = []chan command{jsonlCh, snapCh}
	go jsonlWriter(jsonl, jsonlCh, meta)
	go snapshotWriter(snapshotPath, snapCh, snapshotMeta, existing)
}

// RecordItems queues items for both writers. ItemOther variants are filtered
// out; they are never serialized.
func (r *Recorder) RecordItems(items []protocol.ResponseItem) error {
	filtered := make([]protocol.ResponseItem, 0, len(items))
	for _, it := range items {
		if it.IsSerializable() {
			filtered = append(filtered, it)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return r.send(command{kind: cmdAddItems, items: filtered})
}

// RecordState queues a state snapshot line.
func (r *Recorder) RecordState(state StateSnapshot) error {
	state.RecordType = "state"
	return r.send(command{kind: cmdUpdateState, state: state})
}

func (r *Recorder) send(cmd command) error {
	for _, tx := range r.txs {
		tx <- cmd
	}
	return nil
}

// Shutdown flushes and stops both writers, returning once each has acked.
func (r *Recorder) Shutdown() {
	acks := make([]chan struct{}, 0, len(r.txs))
	for _, tx := range r.txs {
		ack := make(chan struct{})
		tx <- command{kind: cmdShutdown, ack: ack}
		acks = append(acks, ack)
	}
	for _, ack := range acks {
		<-ack
	}
	for _, tx := range r.txs {
		close(tx)
	}
}

// jsonlWriter owns the JSONL file handle. When meta is non-nil it is written
// as the first line before any items.
func jsonlWriter(file *os.File, rx <-chan command, meta *SessionMeta) {
	w := bufio.NewWriter(file)
	writeLine := func(v any) {
		b, err := json.Marshal(v)
		if err != nil {
			log.Warn().Err(err).Msg("rollout: failed to marshal line")
			return
		}
		w.Write(b)
		w.WriteByte('\n')
	}
	if meta != nil {
		writeLine(*meta)
		w.Flush()
	}

	for cmd := range rx {
		switch cmd.kind {
		case cmdAddItems:
			for _, it := range cmd.items {
				writeLine(it)
			}
			w.Flush()
		case cmdUpdateState:
			writeLine(cmd.state)
			w.Flush()
		case cmdShutdown:
			w.Flush()
			file.Close()
			close(cmd.ack)
			return
		}
	}
}

// snapshotWriter maintains the pretty JSON sidecar, rewriting it atomically
// (temp file + rename) after each batch.
func snapshotWriter(path string, rx <-chan command, meta SessionMeta, items []protocol.ResponseItem) {
	doc := snapshotDoc{Items: items}
	doc.Session.Timestamp = meta.Timestamp
	doc.Session.ID = meta.ID
	doc.Session.Instructions = meta.Instructions
	if doc.Items == nil {
		doc.Items = []protocol.ResponseItem{}
	}

	rewrite := func() {
		b, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			log.Warn().Err(err).Msg("rollout: failed to marshal snapshot")
			return
		}
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, b, 0644); err != nil {
			log.Warn().Err(err).Msg("rollout: failed to write snapshot temp")
			return
		}
		if err := os.Rename(tmp, path); err != nil {
			log.Warn().Err(err).Msg("rollout: failed to rename snapshot")
		}
	}

	for cmd := range rx {
		switch cmd.kind {
		case cmdAddItems:
			doc.Items = append(doc.Items, cmd.items...)
			if doc.Session.Instructions == "" {
				for _, it := range cmd.items {
					if it.Type == protocol.ItemMessage && it.Role == protocol.RoleUser {
						doc.Session.Instructions = it.MessageText()
						break
					}
				}
			}
			rewrite()
		case cmdUpdateState:
			rewrite()
		case cmdShutdown:
			rewrite()
			close(cmd.ack)
			return
		}
	}
}
