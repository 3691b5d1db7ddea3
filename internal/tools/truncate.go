package tools

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/xonecas/coda/internal/protocol"
)

// Model-formatting limits. The UI receives full streams; only content sent to
// the model is truncated.
const (
	ModelFormatMaxBytes = 10 * 1024
	ModelFormatMaxLines = 256
)

// MaxErrorBytes caps user-visible error strings.
const MaxErrorBytes = 4 * 1024

// FormatOutputForModel truncates a block of exec/tool output by lines and
// bytes while preserving head and tail segments. Output within both limits is
// returned unchanged.
func FormatOutputForModel(content string) string {
	return formatOutputForModelBody(content, ModelFormatMaxBytes, ModelFormatMaxLines)
}

func formatOutputForModelBody(content string, limitBytes, limitLines int) string {
	totalLines := countLines(content)
	if len(content) <= limitBytes && totalLines <= limitLines {
		return content
	}
	truncated := truncateFormattedOutput(content, totalLines, limitBytes, limitLines)
	return fmt.Sprintf("Total output lines: %d\n\n%s", totalLines, truncated)
}

func truncateFormattedOutput(content string, totalLines, limitBytes, limitLines int) string {
	headLines := limitLines / 2
	tailLines := limitLines - headLines
	headBytes := limitBytes / 2

	segments := splitInclusive(content)
	headTake := min(headLines, len(segments))
	tailTake := min(tailLines, len(segments)-headTake)
	omitted := len(segments) - headTake - tailTake

	headEnd := 0
	for _, seg := range segments[:headTake] {
		headEnd += len(seg)
	}
	tailStart := len(content)
	if tailTake > 0 {
		sum := 0
		for _, seg := range segments[len(segments)-tailTake:] {
			sum += len(seg)
		}
		tailStart = len(content) - sum
	}

	var marker string
	switch {
	case omitted > 0:
		marker = fmt.Sprintf("\n[... omitted %d of %d lines ...]\n\n", omitted, totalLines)
	case len(content) > limitBytes:
		marker = fmt.Sprintf("\n[... output truncated to fit %d bytes ...]\n\n", limitBytes)
	}

	headBudget := min(headBytes, limitBytes-len(marker))
	if headBudget < 0 {
		headBudget = 0
	}
	var b strings.Builder
	b.WriteString(takeBytesAtRuneBoundary(content[:headEnd], headBudget))
	b.WriteString(marker)

	remaining := limitBytes - b.Len()
	if remaining > 0 {
		b.WriteString(takeLastBytesAtRuneBoundary(content[tailStart:], remaining))
	}
	return b.String()
}

// GloballyTruncateOutputItems fits a set of function output items under the
// global byte budget, preserving images and appending a summary for omitted
// text items.
func GloballyTruncateOutputItems(items []protocol.ContentItem) []protocol.ContentItem {
	out := make([]protocol.ContentItem, 0, len(items))
	remaining := ModelFormatMaxBytes
	omittedText := 0

	for _, it := range items {
		switch it.Type {
		case protocol.ContentInputImage:
			out = append(out, it)
		default:
			if remaining == 0 {
				omittedText++
				continue
			}
			if len(it.Text) <= remaining {
				out = append(out, it)
				remaining -= len(it.Text)
			} else {
				slice := takeBytesAtRuneBoundary(it.Text, remaining)
				if slice != "" {
					trimmed := it
					trimmed.Text = slice
					out = append(out, trimmed)
				}
				remaining = 0
			}
		}
	}

	if omittedText > 0 {
		out = append(out, protocol.InputText(fmt.Sprintf("[omitted %d text items ...]", omittedText)))
	}
	return out
}

// TruncateMiddle bounds s to maxBytes, preserving head and tail around an
// elision marker. Used for user-visible error strings.
func TruncateMiddle(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const marker = "\n... [truncated] ...\n"
	keep := maxBytes - len(marker)
	if keep <= 0 {
		return takeBytesAtRuneBoundary(s, maxBytes)
	}
	left := keep / 2
	right := keep - left
	return takeBytesAtRuneBoundary(s, left) + marker + takeLastBytesAtRuneBoundary(s, right)
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}

// splitInclusive splits s after every newline, keeping the newline on each
// segment.
func splitInclusive(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i+1])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}

func takeBytesAtRuneBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func takeLastBytesAtRuneBoundary(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
