package rollout

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/xonecas/coda/internal/protocol"
)

func newTestRecorder(t *testing.T) (*Recorder, string) {
	t.Helper()
	root := t.TempDir()
	r, err := New(root, uuid.New(), "be helpful", nil)
	if err != nil {
		t.Fatal(err)
	}
	return r, root
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func TestRecorderWritesMetaAndItems(t *testing.T) {
	r, _ := newTestRecorder(t)
	items := []protocol.ResponseItem{
		protocol.UserMessage("hello"),
		protocol.AssistantMessage("hi there"),
	}
	if err := r.RecordItems(items); err != nil {
		t.Fatal(err)
	}
	r.Shutdown()

	lines := readLines(t, r.Path)
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3", len(lines))
	}
	var meta SessionMeta
	if err := json.Unmarshal([]byte(lines[0]), &meta); err != nil {
		t.Fatalf("meta line: %v", err)
	}
	if meta.Instructions != "be helpful" {
		t.Errorf("instructions = %q", meta.Instructions)
	}
	var item protocol.ResponseItem
	if err := json.Unmarshal([]byte(lines[1]), &item); err != nil {
		t.Fatal(err)
	}
	if item.Type != protocol.ItemMessage || item.MessageText() != "hello" {
		t.Errorf("item = %+v", item)
	}
}

func TestRecorderFiltersOtherItems(t *testing.T) {
	r, _ := newTestRecorder(t)
	var other protocol.ResponseItem
	if err := json.Unmarshal([]byte(`{"type":"mystery_event","id":"x"}`), &other); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordItems([]protocol.ResponseItem{other}); err != nil {
		t.Fatal(err)
	}
	r.Shutdown()

	lines := readLines(t, r.Path)
	if len(lines) != 1 {
		t.Fatalf("ItemOther leaked into rollout: %v", lines)
	}
}

func TestSnapshotIsPrettyAndAtomic(t *testing.T) {
	r, _ := newTestRecorder(t)
	if err := r.RecordItems([]protocol.ResponseItem{protocol.UserMessage("first prompt")}); err != nil {
		t.Fatal(err)
	}
	r.Shutdown()

	snapPath := strings.TrimSuffix(r.Path, filepath.Ext(r.Path))
	// Snapshot name carries the date, not the full timestamp.
	matches, err := filepath.Glob(filepath.Join(filepath.Dir(r.Path), "*.json"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("snapshot glob = %v, err %v (jsonl %s)", matches, err, snapPath)
	}
	b, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Session struct {
			ID           string `json:"id"`
			Instructions string `json:"instructions"`
		} `json:"session"`
		Items []protocol.ResponseItem `json:"items"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatal(err)
	}
	if len(doc.Items) != 1 {
		t.Errorf("snapshot items = %d", len(doc.Items))
	}
	if !strings.Contains(string(b), "\n  ") {
		t.Error("snapshot is not pretty printed")
	}
	if _, err := os.Stat(matches[0] + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}
}

func TestResumeRoundTrip(t *testing.T) {
	r, _ := newTestRecorder(t)
	if err := r.RecordItems([]protocol.ResponseItem{
		protocol.UserMessage("hello"),
		protocol.CallOutput("call-1", "ok", true),
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordState(StateSnapshot{ApprovedCommands: []string{"git status"}}); err != nil {
		t.Fatal(err)
	}
	r.Shutdown()

	resumed, saved, err := Resume(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Items) != 2 {
		t.Fatalf("resumed items = %d, want 2", len(saved.Items))
	}
	if saved.Items[1].CallID != "call-1" {
		t.Errorf("resumed call id = %q", saved.Items[1].CallID)
	}
	if len(saved.State.ApprovedCommands) != 1 {
		t.Errorf("resumed state = %+v", saved.State)
	}

	// Continue appending after resume.
	if err := resumed.RecordItems([]protocol.ResponseItem{protocol.AssistantMessage("again")}); err != nil {
		t.Fatal(err)
	}
	resumed.Shutdown()

	_, saved2, err := Resume(r.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved2.Items) != 3 {
		t.Errorf("items after continued append = %d, want 3", len(saved2.Items))
	}
}
