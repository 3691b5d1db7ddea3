// Package render memoizes wrapped record layouts keyed by width and theme,
// and maintains the prefix-sum scroll model over record heights.
package render

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// WrapANSI word-wraps an ANSI-styled string to the given width, returning the
// visual lines. Styles are propagated across breaks so each line renders
// independently.
func WrapANSI(s string, width int) []string {
	if width <= 0 || s == "" {
		return []string{s}
	}
	wrapped := ansi.Wordwrap(s, width, "")
	wrapped = ansi.Hardwrap(wrapped, width, true)
	return propagateStyles(splitLines(wrapped))
}

// propagateStyles carries active SGR state onto continuation lines and resets
// at line ends so padding does not inherit the style.
func propagateStyles(lines []string) []string {
	if len(lines) <= 1 {
		return lines
	}
	var active []string
	for i, line := range lines {
		if i > 0 && len(active) > 0 {
			lines[i] = strings.Join(active, "") + line
		}
		active = scanSGR(line, active)
		if i < len(lines)-1 && len(active) > 0 {
			lines[i] += ansi.ResetStyle
		}
	}
	return lines
}

func scanSGR(line string, active []string) []string {
	const esc = '\x1b'
	for j := 0; j < len(line); j++ {
		if line[j] != byte(esc) || j+1 >= len(line) || line[j+1] != '[' {
			continue
		}
		k := j + 2
		for k < len(line) && line[k] != 'm' && line[k] != esc {
			k++
		}
		if k >= len(line) || line[k] != 'm' {
			continue
		}
		seq := line[j : k+1]
		params := line[j+2 : k]
		if params == "" || params == "0" {
			active = active[:0]
		} else {
			active = append(active, seq)
		}
		j = k
	}
	return active
}

func splitLines(s string) []string {
	lines := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}
