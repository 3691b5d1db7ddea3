// Package stream implements the newline-gated streaming commit pipeline:
// a markdown collector that emits only completed logical lines, hold-back
// heuristics for lists and fenced code blocks, per-stream headers, and the
// line-by-line commit animation.
package stream

import (
	"bytes"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Line is one rendered logical line of markdown output.
type Line struct {
	Text string
	// Code marks lines inside a fenced code block; blank code lines are
	// painted and must not be dropped as separators.
	Code bool
	// Lang is the fence language for code lines.
	Lang string
}

// IsBlank reports whether the line is empty or whitespace only.
func (l Line) IsBlank() bool {
	return strings.TrimSpace(l.Text) == ""
}

var mdParser = goldmark.DefaultParser()

// RenderLines renders markdown source into logical display lines. The
// mapping is deterministic: rendering a prefix of the source yields a prefix
// of the lines (modulo the trailing incomplete line), which is what the
// commit counting in the collector relies on.
func RenderLines(source string) []Line {
	src := []byte(source)
	doc := mdParser.Parse(text.NewReader(src))

	var out []Line
	renderBlocks(doc, src, &out, "")
	// Trim one trailing blank separator; block-level rendering always leaves
	// at most one.
	for len(out) > 1 && out[len(out)-1].IsBlank() && !out[len(out)-1].Code &&
		out[len(out)-2].IsBlank() && !out[len(out)-2].Code {
		out = out[:len(out)-1]
	}
	return out
}

func renderBlocks(parent ast.Node, src []byte, out *[]Line, indent string) {
	for node := parent.FirstChild(); node != nil; node = node.NextSibling() {
		if len(*out) > 0 && node.PreviousSibling() != nil && blockNeedsSeparator(node) {
			*out = append(*out, Line{})
		}
		switch n := node.(type) {
		case *ast.Heading:
			*out = append(*out, Line{Text: indent + strings.Repeat("#", n.Level) + " " + string(n.Text(src))})
		case *ast.Paragraph, *ast.TextBlock:
			lines := n.(interface{ Lines() *text.Segments }).Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				*out = append(*out, Line{Text: indent + strings.TrimRight(string(seg.Value(src)), "\n")})
			}
		case *ast.FencedCodeBlock:
			lang := string(n.Language(src))
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				*out = append(*out, Line{
					Text: strings.TrimRight(string(seg.Value(src)), "\n"),
					Code: true,
					Lang: lang,
				})
			}
		case *ast.CodeBlock:
			lines := n.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				*out = append(*out, Line{Text: strings.TrimRight(string(seg.Value(src)), "\n"), Code: true})
			}
		case *ast.List:
			renderList(n, src, out, indent)
		case *ast.Blockquote:
			var inner []Line
			renderBlocks(n, src, &inner, "")
			for _, l := range inner {
				l.Text = indent + "> " + l.Text
				*out = append(*out, l)
			}
		case *ast.ThematicBreak:
			*out = append(*out, Line{Text: indent + "---"})
		default:
			if node.Type() == ast.TypeBlock {
				renderBlocks(node, src, out, indent)
			}
		}
	}
}

func renderList(list *ast.List, src []byte, out *[]Line, indent string) {
	ordinal := list.Start
	if ordinal == 0 {
		ordinal = 1
	}
	for item := list.FirstChild(); item != nil; item = item.NextSibling() {
		marker := "- "
		if list.IsOrdered() {
			marker = itoa(ordinal) + ". "
			ordinal++
		}
		var inner []Line
		renderBlocks(item, src, &inner, "")
		if len(inner) == 0 {
			*out = append(*out, Line{Text: indent + marker})
			continue
		}
		for i, l := range inner {
			if l.Code {
				*out = append(*out, l)
				continue
			}
			prefix := marker
			if i > 0 {
				prefix = strings.Repeat(" ", len(marker))
			}
			l.Text = indent + prefix + l.Text
			*out = append(*out, l)
		}
	}
}

func blockNeedsSeparator(node ast.Node) bool {
	switch node.(type) {
	case *ast.Paragraph, *ast.Heading, *ast.FencedCodeBlock, *ast.CodeBlock, *ast.List, *ast.Blockquote, *ast.ThematicBreak:
		return true
	}
	return false
}

func itoa(n int) string {
	var b [8]byte
	i := len(b)
	if n <= 0 {
		return "1"
	}
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	return string(b[i:])
}

// HighlightCode renders a code line with terminal colors for the given
// language. Falls back to the raw text when highlighting fails.
func HighlightCode(line, lang string) string {
	if lang == "" {
		return line
	}
	var buf bytes.Buffer
	if err := quick.Highlight(&buf, line, lang, "terminal256", "monokai"); err != nil {
		return line
	}
	return strings.TrimRight(buf.String(), "\n")
}

// IsInsideUnclosedFence reports whether source ends inside an open fenced
// code block.
func IsInsideUnclosedFence(source string) bool {
	open := false
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			open = !open
		}
	}
	return open
}
