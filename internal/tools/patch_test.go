package tools

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParsePatch(t *testing.T) {
	patch := `*** Begin Patch
*** Add File: hello.txt
+hello
+world
*** Update File: main.go
@@ func main
-	old()
+	new()
*** Delete File: junk.txt
*** End Patch`

	ops, err := ParsePatch(patch)
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) != 3 {
		t.Fatalf("ops = %d, want 3", len(ops))
	}
	if ops[0].Kind != "add" || ops[0].Content != "hello\nworld\n" {
		t.Errorf("add op = %+v", ops[0])
	}
	if ops[1].Kind != "update" || len(ops[1].Hunks) != 1 {
		t.Errorf("update op = %+v", ops[1])
	}
	if ops[2].Kind != "delete" || ops[2].Path != "junk.txt" {
		t.Errorf("delete op = %+v", ops[2])
	}
}

func TestParsePatchRejectsMalformed(t *testing.T) {
	tests := []struct {
		name  string
		patch string
	}{
		{"no begin", "*** Update File: x\n*** End Patch"},
		{"no end", "*** Begin Patch\n*** Add File: x\n+hi"},
		{"content outside op", "*** Begin Patch\n+stray\n*** End Patch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePatch(tt.patch); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestApplyPatchRoundTrip(t *testing.T) {
	root := t.TempDir()
	orig := "package main\n\nfunc main() {\n\told()\n}\n"
	if err := os.WriteFile(filepath.Join(root, "main.go"), []byte(orig), 0644); err != nil {
		t.Fatal(err)
	}

	patch := `*** Begin Patch
*** Add File: docs/new.md
+# New
*** Update File: main.go
@@ func main
-	old()
+	replacement()
*** End Patch`

	ops, err := ParsePatch(patch)
	if err != nil {
		t.Fatal(err)
	}
	changes, err := ApplyPatch(root, ops)
	if err != nil {
		t.Fatal(err)
	}
	if len(changes) != 2 {
		t.Fatalf("changes = %d, want 2", len(changes))
	}

	added, err := os.ReadFile(filepath.Join(root, "docs", "new.md"))
	if err != nil || string(added) != "# New\n" {
		t.Errorf("added file = %q, err %v", added, err)
	}
	updated, err := os.ReadFile(filepath.Join(root, "main.go"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(updated), "replacement()") || strings.Contains(string(updated), "old()") {
		t.Errorf("updated file = %q", updated)
	}

	if changes[1].Kind != "update" || !strings.Contains(changes[1].UnifiedDiff, "-\told()") {
		t.Errorf("diff = %q", changes[1].UnifiedDiff)
	}
}

func TestApplyPatchMissingContextFails(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.txt"), []byte("one\ntwo\n"), 0644); err != nil {
		t.Fatal(err)
	}
	ops := []FileOp{{
		Kind: "update",
		Path: "a.txt",
		Hunks: []Hunk{{
			Lines: []HunkLine{{Op: '-', Text: "missing"}, {Op: '+', Text: "new"}},
		}},
	}}
	if _, err := ApplyPatch(root, ops); err == nil {
		t.Error("expected failure for missing context")
	}
}
