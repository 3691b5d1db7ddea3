package render

import (
	"fmt"
	"strings"

	"github.com/xonecas/coda/internal/history"
)

// BuildLines renders one history record into unwrapped display lines. The
// result is what the cache memoizes per width after wrapping.
func BuildLines(rec history.Record, reasoningVisible bool) []string {
	switch rec.Kind {
	case history.KindUserPrompt:
		return prefixLines("› ", "  ", rec.Text)
	case history.KindAssistantStream, history.KindAssistantMessage:
		return strings.Split(strings.TrimRight(rec.Text, "\n"), "\n")
	case history.KindReasoning:
		if !reasoningVisible {
			return nil
		}
		return strings.Split(strings.TrimRight(rec.Text, "\n"), "\n")
	case history.KindExec:
		return execLines(rec.Exec)
	case history.KindMergedExec:
		return mergedExecLines(rec.Merged)
	case history.KindExplore:
		return exploreLines(rec.Explore)
	case history.KindDiff:
		return diffLines(rec.Diff)
	case history.KindRunningTool:
		return []string{fmt.Sprintf("%s...", toolLabel(rec))}
	case history.KindCompletedTool:
		label := toolLabel(rec)
		if rec.Tool.IsErr {
			return []string{label + " (failed)"}
		}
		return []string{label}
	case history.KindBackgroundEvent:
		return strings.Split(strings.TrimRight(rec.Text, "\n"), "\n")
	case history.KindRateLimits:
		return rateLimitLines(rec)
	}
	return nil
}

func toolLabel(rec history.Record) string {
	t := rec.Tool
	if t.Tool == "web_search" {
		if t.Query != "" {
			return "Searched web for " + t.Query
		}
		return "Searching web"
	}
	if t.Query != "" {
		return t.Tool + " " + t.Query
	}
	return t.Tool
}

func execLines(cell *history.ExecCell) []string {
	header := "Ran"
	switch cell.Status {
	case history.ExecRunning:
		header = "Running..."
	case history.ExecCancelled:
		header = "Cancelled"
	case history.ExecFailed:
		header = "Ran (failed)"
	}
	lines := []string{header}
	lines = append(lines, "└ "+strings.Join(cell.Command, " "))
	if cell.Output != nil && cell.Status == history.ExecFailed {
		tail := strings.TrimRight(cell.Output.Stderr, "\n")
		if tail == "" {
			tail = strings.TrimRight(cell.Output.Stdout, "\n")
		}
		for _, l := range lastLines(tail, 5) {
			lines = append(lines, "  "+l)
		}
		lines = append(lines, fmt.Sprintf("  (exit %d)", cell.Output.ExitCode))
	}
	return lines
}

func mergedExecLines(merged *history.MergedExecCell) []string {
	lines := []string{merged.Action.String()}
	for i, cell := range merged.Cells {
		prefix := "  "
		if i == 0 {
			prefix = "└ "
		}
		lines = append(lines, prefix+strings.Join(cell.Command, " "))
	}
	return lines
}

func exploreLines(rec *history.ExploreRecord) []string {
	lines := []string{rec.Header()}
	if len(rec.Entries) == 0 {
		return lines
	}
	maxLabel := 0
	for _, e := range rec.Entries {
		if n := len(e.Action.String()); n > maxLabel {
			maxLabel = n
		}
	}
	for i, e := range rec.Entries {
		prefix := "  "
		if i == 0 {
			prefix = "└ "
		}
		label := e.Action.String()
		pad := strings.Repeat(" ", maxLabel-len(label)+1)
		line := prefix + label + pad + e.Summary
		switch e.Status {
		case history.ExploreRunning:
			line += "…"
		case history.ExploreNotFound:
			line += " (not found)"
		case history.ExploreError:
			line += exploreErrorSuffix(e)
		}
		lines = append(lines, line)
	}
	return lines
}

func exploreErrorSuffix(e history.ExploreEntry) string {
	switch e.Action.String() {
	case "Search":
		if e.ExitCode == 2 {
			return " (invalid pattern)"
		}
		return " (search error)"
	case "List":
		return " (list error)"
	case "Read":
		return " (read error)"
	}
	return fmt.Sprintf(" (exit %d)", e.ExitCode)
}

func diffLines(cell *history.DiffCell) []string {
	header := "Edited"
	if cell.Failed {
		header = "Edit failed"
	}
	lines := []string{header}
	for _, ch := range cell.Changes {
		lines = append(lines, "└ "+ch.Kind+" "+ch.Path)
		for _, dl := range strings.Split(strings.TrimRight(ch.UnifiedDiff, "\n"), "\n") {
			if strings.HasPrefix(dl, "+") || strings.HasPrefix(dl, "-") {
				lines = append(lines, "  "+dl)
			}
		}
	}
	return lines
}

func rateLimitLines(rec history.Record) []string {
	rl := rec.RateLimits
	var lines []string
	if rl.Primary != nil {
		lines = append(lines, fmt.Sprintf("Rate limit: %.0f%% used", rl.Primary.UsedPercent))
	}
	if rl.Secondary != nil {
		lines = append(lines, fmt.Sprintf("Weekly limit: %.0f%% used", rl.Secondary.UsedPercent))
	}
	return lines
}

func prefixLines(first, rest, text string) []string {
	split := strings.Split(strings.TrimRight(text, "\n"), "\n")
	out := make([]string, len(split))
	for i, l := range split {
		if i == 0 {
			out[i] = first + l
		} else {
			out[i] = rest + l
		}
	}
	return out
}

func lastLines(s string, n int) []string {
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
