package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
)

// Patch envelope markers.
const (
	patchBegin      = "*** Begin Patch"
	patchEnd        = "*** End Patch"
	patchAddFile    = "*** Add File: "
	patchDeleteFile = "*** Delete File: "
	patchUpdateFile = "*** Update File: "
	patchMoveTo     = "*** Move to: "
)

// FileOp is one parsed file operation of an apply_patch call.
type FileOp struct {
	Kind   string // add | delete | update
	Path   string
	MoveTo string
	// Content is the full new file body for add operations.
	Content string
	// Hunks apply in order for update operations.
	Hunks []Hunk
}

// Hunk is one @@ block of context, removals, and additions.
type Hunk struct {
	Context string
	Lines   []HunkLine
}

// HunkLine is a single patch body line.
type HunkLine struct {
	// Op is ' ', '-', or '+'.
	Op   byte
	Text string
}

// ParsePatch decodes the apply_patch envelope into file operations.
func ParsePatch(patch string) ([]FileOp, error) {
	lines := strings.Split(strings.TrimRight(patch, "\n"), "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != patchBegin {
		return nil, fmt.Errorf("patch must start with %q", patchBegin)
	}
	var ops []FileOp
	var cur *FileOp
	flush := func() {
		if cur != nil {
			ops = append(ops, *cur)
			cur = nil
		}
	}

	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.TrimSpace(line) == patchEnd:
			flush()
			return ops, nil
		case strings.HasPrefix(line, patchAddFile):
			flush()
			cur = &FileOp{Kind: "add", Path: strings.TrimPrefix(line, patchAddFile)}
		case strings.HasPrefix(line, patchDeleteFile):
			flush()
			cur = &FileOp{Kind: "delete", Path: strings.TrimPrefix(line, patchDeleteFile)}
		case strings.HasPrefix(line, patchUpdateFile):
			flush()
			cur = &FileOp{Kind: "update", Path: strings.TrimPrefix(line, patchUpdateFile)}
		case strings.HasPrefix(line, patchMoveTo):
			if cur == nil || cur.Kind != "update" {
				return nil, fmt.Errorf("line %d: move without update", i+1)
			}
			cur.MoveTo = strings.TrimPrefix(line, patchMoveTo)
		case strings.HasPrefix(line, "@@"):
			if cur == nil || cur.Kind != "update" {
				return nil, fmt.Errorf("line %d: hunk outside update", i+1)
			}
			cur.Hunks = append(cur.Hunks, Hunk{Context: strings.TrimSpace(strings.TrimPrefix(line, "@@"))})
		default:
			if cur == nil {
				return nil, fmt.Errorf("line %d: content outside file operation", i+1)
			}
			switch cur.Kind {
			case "add":
				if !strings.HasPrefix(line, "+") {
					return nil, fmt.Errorf("line %d: add file lines must start with '+'", i+1)
				}
				cur.Content += strings.TrimPrefix(line, "+") + "\n"
			case "update":
				if len(cur.Hunks) == 0 {
					cur.Hunks = append(cur.Hunks, Hunk{})
				}
				if line == "" {
					cur.Hunks[len(cur.Hunks)-1].Lines = append(cur.Hunks[len(cur.Hunks)-1].Lines, HunkLine{Op: ' '})
					continue
				}
				op := line[0]
				if op != ' ' && op != '-' && op != '+' {
					return nil, fmt.Errorf("line %d: unexpected hunk line %q", i+1, line)
				}
				cur.Hunks[len(cur.Hunks)-1].Lines = append(cur.Hunks[len(cur.Hunks)-1].Lines, HunkLine{Op: op, Text: line[1:]})
			case "delete":
				return nil, fmt.Errorf("line %d: delete file takes no body", i+1)
			}
		}
	}
	return nil, fmt.Errorf("patch missing %q", patchEnd)
}

// ApplyPatch applies the parsed operations under root and returns the
// resulting per-file changes with rendered diffs.
func ApplyPatch(root string, ops []FileOp) ([]FileChange, error) {
	changes := make([]FileChange, 0, len(ops))
	for _, op := range ops {
		path := op.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		switch op.Kind {
		case "add":
			if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
				return changes, fmt.Errorf("add %s: %w", op.Path, err)
			}
			if err := os.WriteFile(path, []byte(op.Content), 0644); err != nil {
				return changes, fmt.Errorf("add %s: %w", op.Path, err)
			}
			changes = append(changes, FileChange{
				Path:        op.Path,
				Kind:        "add",
				UnifiedDiff: unifiedDiff(op.Path, "", op.Content),
			})
		case "delete":
			before, err := os.ReadFile(path)
			if err != nil {
				return changes, fmt.Errorf("delete %s: %w", op.Path, err)
			}
			if err := os.Remove(path); err != nil {
				return changes, fmt.Errorf("delete %s: %w", op.Path, err)
			}
			changes = append(changes, FileChange{
				Path:        op.Path,
				Kind:        "delete",
				UnifiedDiff: unifiedDiff(op.Path, string(before), ""),
			})
		case "update":
			before, err := os.ReadFile(path)
			if err != nil {
				return changes, fmt.Errorf("update %s: %w", op.Path, err)
			}
			after, err := applyHunks(string(before), op.Hunks)
			if err != nil {
				return changes, fmt.Errorf("update %s: %w", op.Path, err)
			}
			target := path
			displayPath := op.Path
			if op.MoveTo != "" {
				target = op.MoveTo
				if !filepath.IsAbs(target) {
					target = filepath.Join(root, op.MoveTo)
				}
				displayPath = op.MoveTo
				if err := os.Remove(path); err != nil {
					return changes, fmt.Errorf("move %s: %w", op.Path, err)
				}
				if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
					return changes, fmt.Errorf("move %s: %w", op.Path, err)
				}
			}
			if err := os.WriteFile(target, []byte(after), 0644); err != nil {
				return changes, fmt.Errorf("update %s: %w", op.Path, err)
			}
			changes = append(changes, FileChange{
				Path:        displayPath,
				Kind:        "update",
				UnifiedDiff: unifiedDiff(displayPath, string(before), after),
			})
		default:
			return changes, fmt.Errorf("unknown patch op %q", op.Kind)
		}
	}
	return changes, nil
}

// applyHunks locates each hunk's removed/context block in the file and
// splices in the replacement.
func applyHunks(content string, hunks []Hunk) (string, error) {
	lines := strings.Split(content, "\n")
	// Drop the phantom element produced by a trailing newline.
	hadTrailingNewline := strings.HasSuffix(content, "\n")
	if hadTrailingNewline && len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	searchFrom := 0
	for _, hunk := range hunks {
		var oldBlock, newBlock []string
		for _, hl := range hunk.Lines {
			switch hl.Op {
			case ' ':
				oldBlock = append(oldBlock, hl.Text)
				newBlock = append(newBlock, hl.Text)
			case '-':
				oldBlock = append(oldBlock, hl.Text)
			case '+':
				newBlock = append(newBlock, hl.Text)
			}
		}
		if len(oldBlock) == 0 {
			// Pure insertion: anchor on the context line when present.
			at := len(lines)
			if hunk.Context != "" {
				if idx := findLine(lines, hunk.Context, searchFrom); idx >= 0 {
					at = idx + 1
				}
			}
			lines = append(lines[:at], append(append([]string{}, newBlock...), lines[at:]...)...)
			searchFrom = at + len(newBlock)
			continue
		}
		idx := findBlock(lines, oldBlock, searchFrom)
		if idx < 0 {
			return "", fmt.Errorf("hunk context not found: %q", strings.Join(oldBlock, "\\n"))
		}
		replaced := append([]string{}, lines[:idx]...)
		replaced = append(replaced, newBlock...)
		replaced = append(replaced, lines[idx+len(oldBlock):]...)
		lines = replaced
		searchFrom = idx + len(newBlock)
	}

	out := strings.Join(lines, "\n")
	if hadTrailingNewline {
		out += "\n"
	}
	return out, nil
}

func findLine(lines []string, target string, from int) int {
	for i := from; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == strings.TrimSpace(target) {
			return i
		}
	}
	return -1
}

func findBlock(lines, block []string, from int) int {
	for i := from; i+len(block) <= len(lines); i++ {
		match := true
		for j := range block {
			if lines[i+j] != block[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// unifiedDiff renders a per-file diff for the UI.
func unifiedDiff(path, before, after string) string {
	uri := span.URIFromPath(path)
	edits := myers.ComputeEdits(uri, before, after)
	return fmt.Sprint(gotextdiff.ToUnified(path, path, before, edits))
}
