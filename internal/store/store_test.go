package store

import (
	"path/filepath"
	"strings"
	"testing"
)

func openTest(t *testing.T) *Index {
	t.Helper()
	x, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { x.Close() })
	return x
}

func TestCreateLookupLatest(t *testing.T) {
	x := openTest(t)
	if err := x.Create("s1", "/tmp/rollout-1.jsonl"); err != nil {
		t.Fatal(err)
	}
	if err := x.Create("s2", "/tmp/rollout-2.jsonl"); err != nil {
		t.Fatal(err)
	}

	path, ok := x.Lookup("s1")
	if !ok || path != "/tmp/rollout-1.jsonl" {
		t.Errorf("Lookup = %q, %v", path, ok)
	}
	if _, ok := x.Lookup("missing"); ok {
		t.Error("missing session should not resolve")
	}

	latest, ok := x.Latest()
	if !ok || latest.ID != "s2" {
		t.Errorf("Latest = %+v, %v", latest, ok)
	}

	sessions, err := x.List()
	if err != nil || len(sessions) != 2 {
		t.Fatalf("List = %v, %v", sessions, err)
	}
	if sessions[0].ID != "s2" {
		t.Errorf("list order = %v", sessions)
	}
}

func TestPreviewNormalization(t *testing.T) {
	x := openTest(t)
	if err := x.Create("s1", "/p"); err != nil {
		t.Fatal(err)
	}
	x.SetPreview("s1", "multi\nline\n"+strings.Repeat("x", 300))

	sessions, err := x.List()
	if err != nil {
		t.Fatal(err)
	}
	p := sessions[0].Preview
	if strings.Contains(p, "\n") {
		t.Error("preview must be single line")
	}
	if len(p) > 200 {
		t.Errorf("preview len = %d", len(p))
	}
}

func TestNilReceiverIsSafe(t *testing.T) {
	var x *Index
	if err := x.Create("a", "b"); err != nil {
		t.Error(err)
	}
	if _, ok := x.Lookup("a"); ok {
		t.Error("nil index should miss")
	}
	if err := x.Close(); err != nil {
		t.Error(err)
	}
}
