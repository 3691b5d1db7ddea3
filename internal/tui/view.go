package tui

import (
	"fmt"
	"strings"

	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
	"github.com/xonecas/coda/internal/render"
	"github.com/xonecas/coda/internal/turn"
)

var (
	dimStyle = lipgloss.NewStyle().Faint(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	modalStyle  = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(0, 1)
)

// contentHeight is the transcript viewport height.
func (m Model) contentHeight() int {
	h := m.height - inputRows - 2
	if h < 1 {
		h = 1
	}
	return h
}

// View renders the transcript viewport, status line, and composer.
func (m Model) View() tea.View {
	v := tea.NewView(m.renderContent())
	v.AltScreen = true
	return v
}

// renderContent produces the string content for the view.
func (m Model) renderContent() string {
	if m.width == 0 {
		return ""
	}
	body := m.renderTranscript()
	status := m.renderStatus()

	var b strings.Builder
	b.WriteString(body)
	b.WriteByte('\n')
	b.WriteString(status)
	b.WriteByte('\n')
	if m.modal != nil {
		b.WriteString(m.modal.view(m.width))
	} else {
		b.WriteString(m.input.View())
	}
	return b.String()
}

// renderTranscript lays out the visible slice of the transcript using the
// width-keyed cache and the prefix-sum scroll model.
func (m Model) renderTranscript() string {
	records := m.reducer.Records()
	settings := render.Settings{Width: m.width, ReasoningVisible: m.reasoningVisible}

	heights := make([]int, len(records))
	rows := make([][]string, len(records))
	for i, rec := range records {
		key := render.Key{
			ID:               rec.ID,
			Width:            m.width,
			ThemeEpoch:       settings.ThemeEpoch,
			ReasoningVisible: m.reasoningVisible,
		}
		rec := rec
		layout := m.cache.Lookup(key, func() []string {
			var wrapped []string
			for _, line := range render.BuildLines(rec, m.reasoningVisible) {
				wrapped = append(wrapped, render.WrapANSI(line, m.width)...)
			}
			return wrapped
		})
		heights[i] = layout.Rows
		rows[i] = layout.Lines
	}

	if !m.cache.PrefixValid(settings, m.reducer.Epoch(), len(records)) {
		m.cache.UpdatePrefix(heights, settings, m.reducer.Epoch())
	}

	viewRows := m.contentHeight()
	scroll := m.scroll
	if m.followTail {
		scroll = m.cache.TotalRows() - viewRows
		if scroll < 0 {
			scroll = 0
		}
	}

	var out []string
	idx, offset := m.cache.FirstVisible(scroll)
	for len(out) < viewRows && idx < len(rows) {
		lines := rows[idx]
		for offset < len(lines) && len(out) < viewRows {
			out = append(out, lines[offset])
			offset++
		}
		offset = 0
		idx++
		if len(out) < viewRows && idx < len(rows) {
			out = append(out, "")
		}
	}
	for len(out) < viewRows {
		out = append(out, "")
	}
	return strings.Join(out, "\n")
}

func (m Model) renderStatus() string {
	var parts []string
	switch {
	case m.modal != nil:
		parts = append(parts, "awaiting approval")
	case m.running:
		switch m.engine.State() {
		case turn.StateStreaming:
			parts = append(parts, "streaming")
		case turn.StateAwaitingTools:
			parts = append(parts, "running tools")
		default:
			parts = append(parts, "working")
		}
	default:
		parts = append(parts, "ready")
	}
	if m.usage.TotalTokens > 0 || m.usage.InputTokens > 0 {
		parts = append(parts, fmt.Sprintf("%d in / %d out", m.usage.InputTokens, m.usage.OutputTokens))
	}
	if m.errText != "" {
		return errStyle.Render(firstLine(m.errText))
	}
	return dimStyle.Render(strings.Join(parts, " · "))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
