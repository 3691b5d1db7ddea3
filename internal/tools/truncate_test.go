package tools

import (
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/xonecas/coda/internal/protocol"
)

func TestFormatOutputUnchangedWithinLimits(t *testing.T) {
	content := strings.Repeat("example output\n", 10)
	if got := FormatOutputForModel(content); got != content {
		t.Errorf("content within limits must round-trip unchanged")
	}
}

func TestFormatOutputReportsOmittedLines(t *testing.T) {
	totalLines := ModelFormatMaxLines + 100
	var b strings.Builder
	for i := 0; i < totalLines; i++ {
		fmt.Fprintf(&b, "line-%d\n", i)
	}
	got := FormatOutputForModel(b.String())

	omitted := totalLines - ModelFormatMaxLines
	marker := fmt.Sprintf("[... omitted %d of %d lines ...]", omitted, totalLines)
	if !strings.Contains(got, marker) {
		t.Errorf("missing omitted marker %q in %q", marker, got[:200])
	}
	if !strings.HasPrefix(got, fmt.Sprintf("Total output lines: %d\n\n", totalLines)) {
		t.Errorf("missing total lines header: %q", got[:60])
	}
	if !strings.Contains(got, "line-0\n") {
		t.Error("head line missing")
	}
	if !strings.Contains(got, fmt.Sprintf("line-%d\n", totalLines-1)) {
		t.Error("tail line missing")
	}
}

func TestFormatOutputByteMarkerWithoutOmittedLines(t *testing.T) {
	longLine := strings.Repeat("a", ModelFormatMaxBytes+50)
	got := FormatOutputForModel(longLine)

	marker := fmt.Sprintf("[... output truncated to fit %d bytes ...]", ModelFormatMaxBytes)
	if !strings.Contains(got, marker) {
		t.Errorf("missing byte marker: %q", got[:80])
	}
	if strings.Contains(got, "omitted") {
		t.Error("line marker must not appear when no lines were dropped")
	}
}

func TestFormatOutputLineMarkerTakesPrecedence(t *testing.T) {
	totalLines := ModelFormatMaxLines + 42
	longLine := strings.Repeat("x", 256)
	var b strings.Builder
	for i := 0; i < totalLines; i++ {
		fmt.Fprintf(&b, "line-%d-%s\n", i, longLine)
	}
	got := FormatOutputForModel(b.String())
	if !strings.Contains(got, fmt.Sprintf("[... omitted 42 of %d lines ...]", totalLines)) {
		t.Errorf("expected line marker: %q", got[:120])
	}
	if strings.Contains(got, "output truncated to fit") {
		t.Error("byte marker must not appear when lines were omitted")
	}
}

func TestTruncationProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("bounded output with exactly one marker", prop.ForAll(
		func(lineCount, lineLen int) bool {
			var b strings.Builder
			for i := 0; i < lineCount; i++ {
				b.WriteString(strings.Repeat("x", lineLen))
				b.WriteByte('\n')
			}
			content := b.String()
			got := FormatOutputForModel(content)

			within := len(content) <= ModelFormatMaxBytes && lineCount <= ModelFormatMaxLines
			if within {
				return got == content
			}
			body := got
			if idx := strings.Index(got, "\n\n"); idx >= 0 {
				body = got[idx+2:]
			}
			markers := strings.Count(got, "[... omitted") + strings.Count(got, "[... output truncated")
			return len(body) <= ModelFormatMaxBytes && markers == 1
		},
		gen.IntRange(1, 600),
		gen.IntRange(1, 200),
	))

	properties.TestingRun(t)
}

func TestGloballyTruncatePreservesImagesAndSummarizes(t *testing.T) {
	half := ModelFormatMaxBytes/2 - 10
	items := []protocol.ContentItem{
		protocol.InputText(strings.Repeat("a", half)),
		protocol.InputText(strings.Repeat("b", half)),
		protocol.InputImage("img:mid"),
		protocol.InputText(strings.Repeat("c", 50)),
		protocol.InputText("dddd"),
		protocol.InputText("eeeeeee"),
	}
	out := GloballyTruncateOutputItems(items)

	if len(out) != 5 {
		t.Fatalf("len(out) = %d, want 5: %+v", len(out), out)
	}
	if out[2].Type != protocol.ContentInputImage {
		t.Error("image must be preserved in place")
	}
	if got := len(out[3].Text); got != 20 {
		t.Errorf("third text truncated to %d bytes, want 20", got)
	}
	if !strings.Contains(out[4].Text, "omitted 2 text items") {
		t.Errorf("summary = %q", out[4].Text)
	}
}

func TestTruncateMiddle(t *testing.T) {
	s := strings.Repeat("0123456789", 1000)
	got := TruncateMiddle(s, MaxErrorBytes)
	if len(got) > MaxErrorBytes {
		t.Errorf("len = %d, want <= %d", len(got), MaxErrorBytes)
	}
	if !strings.Contains(got, "[truncated]") {
		t.Error("missing elision marker")
	}
	if TruncateMiddle("short", MaxErrorBytes) != "short" {
		t.Error("short strings must pass through")
	}
}
