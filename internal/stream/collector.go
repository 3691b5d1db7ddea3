package stream

import (
	"strings"
	"unicode"
)

// Collector is the newline-gated accumulator: it renders the full markdown
// buffer on each boundary and commits only fully completed logical lines,
// with hold-back heuristics for content the renderer may still restructure.
type Collector struct {
	buffer         strings.Builder
	committedCount int
	// pendingSectionBreak defers the extra blank line of a section break
	// inserted mid-line to the next natural newline.
	pendingSectionBreak bool
	// leadingBullet tracks whether the first-line bullet strip has been
	// decided: 0 undecided, 1 stripped, 2 left intact.
	leadingBullet int
}

// CommittedCount returns the number of logical lines already emitted.
func (c *Collector) CommittedCount() int {
	return c.committedCount
}

// Clear resets the collector for the next stream.
func (c *Collector) Clear() {
	c.buffer.Reset()
	c.committedCount = 0
	c.pendingSectionBreak = false
	c.leadingBullet = 0
}

// EndsWithNewline reports whether the buffer ends at a line boundary.
func (c *Collector) EndsWithNewline() bool {
	s := c.buffer.String()
	return strings.HasSuffix(s, "\n")
}

// ReplaceWithCommitted swaps the buffered content while preserving the count
// of already-committed lines. Used when a final message supersedes streamed
// deltas.
func (c *Collector) ReplaceWithCommitted(s string, committed int) {
	c.buffer.Reset()
	c.buffer.WriteString(s)
	c.committedCount = committed
	c.pendingSectionBreak = false
	c.leadingBullet = 2
}

// PushDelta appends streamed text.
func (c *Collector) PushDelta(delta string) {
	c.buffer.WriteString(delta)
	c.stripLeadingBullet()
	if c.pendingSectionBreak && c.EndsWithNewline() {
		if !strings.HasSuffix(c.buffer.String(), "\n\n") {
			c.buffer.WriteString("\n")
		}
		c.pendingSectionBreak = false
	}
}

// InsertSectionBreak ensures upcoming content starts after a blank line. When
// mid-line, the newline is inserted immediately and the extra blank line is
// deferred to the next natural boundary.
func (c *Collector) InsertSectionBreak() {
	s := c.buffer.String()
	if s == "" {
		return
	}
	if !strings.HasSuffix(s, "\n") {
		c.buffer.WriteString("\n")
		c.pendingSectionBreak = true
		return
	}
	if !strings.HasSuffix(s, "\n\n") {
		c.buffer.WriteString("\n")
	}
	c.pendingSectionBreak = false
}

// stripLeadingBullet removes a single leading "- " the model sometimes emits
// before its first line. Decided once per stream.
func (c *Collector) stripLeadingBullet() {
	if c.leadingBullet != 0 || c.committedCount > 0 {
		return
	}
	s := c.buffer.String()
	if s == "" {
		return
	}
	if s[0] != '-' {
		c.leadingBullet = 2
		return
	}
	if len(s) < 2 {
		return // only "-" so far; wait for context
	}
	second := rune(s[1])
	if second == ' ' || second == '\t' || unicode.IsSpace(second) {
		trimmed := s[2:]
		if second == '\n' || second == '\r' {
			trimmed = s[1:]
		}
		c.buffer.Reset()
		c.buffer.WriteString(trimmed)
		c.leadingBullet = 1
		return
	}
	c.leadingBullet = 2
}

// CommitCompleteLines renders the buffer and returns only the newly completed
// logical lines since the last commit, after applying the hold-back rules:
//   - a single trailing unpainted blank line is dropped;
//   - nothing is emitted while inside an unclosed fenced code block;
//   - a trailing bullet with content is deferred while the buffer ends with a
//     blank line (the next delta may split marker and content);
//   - the previous completed line is deferred when the incomplete tail starts
//     a list marker;
//   - trailing volatile list lines are deferred;
//   - a single short plain word line is deferred to avoid orphaning an
//     ordered-list head.
func (c *Collector) CommitCompleteLines() []Line {
	source := c.buffer.String()
	rendered := RenderLines(source)

	complete := len(rendered)
	if complete > 0 {
		last := rendered[complete-1]
		if last.IsBlank() && !last.Code {
			complete--
		}
	}

	if strings.HasSuffix(source, "\n\n") && complete > 0 {
		last := rendered[complete-1]
		if strings.HasPrefix(last.Text, "- ") && strings.TrimSpace(last.Text) != "-" {
			complete--
		}
	}

	if !strings.HasSuffix(source, "\n") {
		complete--
		if IsInsideUnclosedFence(source) {
			complete--
		}
		if idx := strings.LastIndexByte(source, '\n'); idx >= 0 {
			if startsWithListMarker(source[idx+1:]) {
				complete--
			}
		}
		if complete < 0 {
			complete = 0
		}
	}

	for complete > c.committedCount {
		if isVolatileListLine(rendered[complete-1].Text) {
			complete--
			continue
		}
		break
	}

	if c.committedCount >= complete {
		return nil
	}
	if IsInsideUnclosedFence(source) {
		return nil
	}

	out := rendered[c.committedCount:complete]
	if len(out) == 1 && isShortPlainWord(out[0].Text) {
		return nil
	}

	result := make([]Line, len(out))
	copy(result, out)
	c.committedCount = complete
	return result
}

// FinalizeAndDrain emits all remaining lines beyond the last commit,
// appending a synthetic trailing newline when missing, and resets the
// collector.
func (c *Collector) FinalizeAndDrain() []Line {
	source := c.buffer.String()
	if source != "" && !strings.HasSuffix(source, "\n") {
		source += "\n"
	}
	rendered := RenderLines(source)

	var out []Line
	if c.committedCount < len(rendered) {
		out = make([]Line, len(rendered)-c.committedCount)
		copy(out, rendered[c.committedCount:])
	}
	c.Clear()
	return out
}

func startsWithListMarker(s string) bool {
	t := strings.TrimLeft(s, " ")
	if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") ||
		strings.HasPrefix(t, "-\t") || strings.HasPrefix(t, "*\t") {
		return true
	}
	i := 0
	for i < len(t) && t[i] >= '0' && t[i] <= '9' {
		i++
	}
	if i == 0 {
		return false
	}
	rest := t[i:]
	if strings.HasPrefix(rest, ". ") || strings.HasPrefix(rest, " ") {
		return true
	}
	return false
}

func isVolatileListLine(text string) bool {
	t := strings.TrimRight(text, " ")
	if t == "-" || t == "*" {
		return true
	}
	if strings.HasPrefix(t, "- ") || strings.HasPrefix(t, "* ") {
		return true
	}
	i := 0
	for i < len(t) && t[i] >= '0' && t[i] <= '9' {
		i++
	}
	if i > 0 && i < len(t) && t[i] == '.' {
		if i+1 == len(t) || t[i+1] == ' ' {
			return true
		}
	}
	return false
}

func isShortPlainWord(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" || len(t) > 5 {
		return false
	}
	for _, r := range t {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
