// Package tui renders the interactive session: streaming transcript,
// approval prompts, and the input composer.
package tui

import (
	"context"
	"strings"

	"charm.land/bubbles/v2/textarea"
	tea "charm.land/bubbletea/v2"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/cmdparse"
	"github.com/xonecas/coda/internal/history"
	"github.com/xonecas/coda/internal/protocol"
	"github.com/xonecas/coda/internal/render"
	"github.com/xonecas/coda/internal/stream"
	"github.com/xonecas/coda/internal/tools"
	"github.com/xonecas/coda/internal/turn"
)

// inputRows is the composer height at the bottom of the screen.
const inputRows = 3

// Engine is the turn-engine surface the TUI drives.
type Engine interface {
	RunTurn(ctx context.Context, userText string)
	State() turn.State
}

// Model is the bubbletea model for a session.
type Model struct {
	engine    Engine
	events    chan turn.Event
	approvals chan approvalRequestMsg

	reducer    *history.Reducer
	controller *stream.Controller
	cache      *render.Cache

	input textarea.Model

	width, height int
	scroll        int
	followTail    bool

	// streamBlocks maps the active commit block per stream kind.
	streamBlocks [2]history.ID

	animating   bool
	tickPending bool
	running     bool

	turnCtx    context.Context
	turnCancel context.CancelFunc

	// modal is non-nil while an approval prompt is showing.
	modal *approvalModal

	// OnFirstPrompt reports the session's first submitted prompt, used to
	// index the session preview. May be nil.
	OnFirstPrompt   func(string)
	firstPromptSent bool

	usage            protocol.TokenUsage
	reasoningVisible bool

	errText string
}

// New builds the session model.
func New(engine Engine, events chan turn.Event, approvals chan approvalRequestMsg) Model {
	input := textarea.New()
	input.Placeholder = "Ask anything. Ctrl+C to interrupt, twice to quit."
	input.SetHeight(inputRows)
	input.Focus()

	return Model{
		engine:           engine,
		events:           events,
		approvals:        approvals,
		reducer:          history.NewReducer(),
		controller:       stream.NewController(),
		cache:            render.NewCache(),
		input:            input,
		followTail:       true,
		reasoningVisible: true,
	}
}

// SeedTranscript replays a resumed session's items into the transcript so
// the user sees the prior conversation.
func (m *Model) SeedTranscript(items []protocol.ResponseItem) {
	for _, item := range items {
		switch item.Type {
		case protocol.ItemMessage:
			switch item.Role {
			case protocol.RoleUser:
				text := item.MessageText()
				if strings.HasPrefix(text, "<environment_context>") ||
					strings.HasPrefix(text, "<user_instructions>") {
					continue
				}
				m.reducer.Insert(history.Record{Kind: history.KindUserPrompt, Text: text})
			case protocol.RoleAssistant:
				m.reducer.FinalizeAssistantMessage(item.ID, item.MessageText(), protocol.OrderKey{}, false)
			}
		case protocol.ItemReasoning:
			var text string
			for _, c := range item.Summary {
				text += c.Text
			}
			if text != "" {
				m.reducer.Insert(history.Record{Kind: history.KindReasoning, Text: text})
			}
		case protocol.ItemLocalShellCall:
			if item.Action == nil {
				continue
			}
			cmd := item.Action.Command
			m.reducer.InsertCompletedExec(history.ExecCell{
				CallID:  item.CallID,
				Command: cmd,
				Parsed:  cmdparse.Parse(cmd),
				Action:  cmdparse.Action(cmdparse.Parse(cmd)),
				Status:  history.ExecSuccess,
				Output:  &history.ExecOutput{},
			})
		}
	}
	m.reducer.FinalizeExplore()
}

// ApprovalChannel returns the channel the engine callback posts to.
func (m Model) ApprovalChannel() chan approvalRequestMsg {
	return m.approvals
}

// Init starts the event pumps.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvents(m.events), waitForApproval(m.approvals))
}

// Update is the single writer of all transcript state.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.SetWidth(msg.Width - 2)
		return m, nil

	case tea.KeyPressMsg:
		return m.handleKey(msg)

	case engineBatchMsg:
		var cmds []tea.Cmd
		for _, evt := range msg {
			if cmd := m.applyEngineEvent(evt); cmd != nil {
				cmds = append(cmds, cmd)
			}
		}
		cmds = append(cmds, waitForEvents(m.events))
		return m, tea.Batch(cmds...)

	case approvalRequestMsg:
		m.modal = newApprovalModal(msg.req, msg.reply)
		return m, waitForApproval(m.approvals)

	case tickMsg:
		m.tickPending = false
		sink := &commitSink{m: &m}
		if m.controller.OnCommitTick(sink) {
			m.closeStreamBlocks()
		}
		if m.animating {
			m.tickPending = true
			return m, frameTick()
		}
		return m, nil

	case turnFinishedMsg:
		m.running = false
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(key tea.KeyPressMsg) (tea.Model, tea.Cmd) {
	if m.modal != nil {
		if m.modal.handleKey(key) {
			m.modal = nil
		}
		return m, nil
	}

	switch key.Keystroke() {
	case "ctrl+c":
		if m.running && m.turnCancel != nil {
			m.turnCancel()
			return m, nil
		}
		return m, tea.Quit
	case "ctrl+r":
		m.reasoningVisible = !m.reasoningVisible
		m.cache.InvalidateAll()
		return m, nil
	case "pgup":
		m.followTail = false
		m.scroll = m.cache.ClampScroll(m.scroll - m.contentHeight())
		return m, nil
	case "pgdown":
		m.scroll = m.cache.ClampScroll(m.scroll + m.contentHeight())
		if m.scroll+m.contentHeight() >= m.cache.TotalRows() {
			m.followTail = true
		}
		return m, nil
	case "enter":
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.running {
			return m, nil
		}
		m.input.Reset()
		return m.submit(text)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(key)
	return m, cmd
}

func (m Model) submit(text string) (tea.Model, tea.Cmd) {
	if !m.firstPromptSent {
		m.firstPromptSent = true
		if m.OnFirstPrompt != nil {
			m.OnFirstPrompt(text)
		}
	}
	m.reducer.Insert(history.Record{Kind: history.KindUserPrompt, Text: text})
	m.controller.ResetHeadersForNewTurn()
	m.running = true
	m.followTail = true
	m.errText = ""

	ctx, cancel := context.WithCancel(context.Background())
	m.turnCtx, m.turnCancel = ctx, cancel
	engine := m.engine
	return m, func() tea.Msg {
		engine.RunTurn(ctx, text)
		return turnFinishedMsg{}
	}
}

// applyEngineEvent routes one engine event into the controller and reducer.
func (m *Model) applyEngineEvent(evt turn.Event) tea.Cmd {
	sink := &commitSink{m: m}
	switch evt.Kind {
	case turn.EventTurnStarted:
		m.reducer.FinalizeExplore()

	case turn.EventAnswerDelta:
		m.controller.Begin(stream.KindAnswer, sink)
		m.controller.Push(evt.Delta, sink)

	case turn.EventReasoningDelta:
		m.controller.Begin(stream.KindReasoning, sink)
		m.controller.Push(evt.Delta, sink)

	case turn.EventReasoningSectionBreak:
		m.controller.InsertReasoningSectionBreak(sink)

	case turn.EventItemDone:
		m.applyItemDone(evt, sink)

	case turn.EventToolEvent:
		m.applyToolEvent(*evt.Tool)

	case turn.EventRateLimits:
		m.reducer.SetRateLimits(evt.RateLimits)

	case turn.EventTurnCompleted:
		m.finishStreams(sink)
		m.reducer.FinalizeExplore()

	case turn.EventTurnError:
		m.finishStreams(sink)
		m.errText = tools.TruncateMiddle(evt.Err.Error(), tools.MaxErrorBytes)
		m.reducer.Insert(history.Record{Kind: history.KindBackgroundEvent, Text: m.errText})

	case turn.EventInterrupted:
		m.controller.ClearAll()
		m.closeStreamBlocks()
		m.reducer.Insert(history.Record{Kind: history.KindBackgroundEvent, Text: "Interrupted by user."})
	}

	if m.animating && !m.tickPending {
		m.tickPending = true
		return frameTick()
	}
	return nil
}

func (m *Model) applyItemDone(evt turn.Event, sink *commitSink) {
	if evt.Usage != nil {
		m.usage = *evt.Usage
		m.finishStreams(sink)
		return
	}
	if evt.Item == nil {
		return
	}
	item := evt.Item
	switch item.Type {
	case protocol.ItemMessage:
		if item.Role == protocol.RoleAssistant {
			m.controller.ApplyFinalAnswer(item.MessageText(), sink)
			m.closeStreamBlocks()
		}
	case protocol.ItemReasoning:
		var text string
		for _, c := range item.Summary {
			text += c.Text
		}
		if text != "" {
			m.controller.ApplyFinalReasoning(text, sink)
		}
	}
}

func (m *Model) applyToolEvent(evt tools.Event) {
	switch evt.Kind {
	case tools.EventExecBegin:
		m.reducer.BeginExec(evt.CallID, evt.Command, protocol.OrderKey{}, false)
	case tools.EventExecEnd:
		if evt.Cancelled {
			m.reducer.CancelExec(evt.CallID)
			return
		}
		m.reducer.EndExec(evt.CallID, history.ExecOutput{
			ExitCode: evt.ExitCode,
			Stdout:   evt.Stdout,
			Stderr:   evt.Stderr,
		}, evt.Duration)
	case tools.EventPatchApplyBegin:
		// The diff record is created on completion; begin only pins the
		// explore boundary.
		m.reducer.FinalizeExplore()
	case tools.EventPatchApplyEnd:
		m.reducer.Insert(history.Record{
			Kind: history.KindDiff,
			Diff: &history.DiffCell{CallID: evt.CallID, Changes: evt.Changes, Failed: evt.IsErr},
		})
	case tools.EventWebSearchBegin:
		m.reducer.BeginTool(evt.CallID, "web_search")
	case tools.EventWebSearchCompleted:
		m.reducer.CompleteTool(evt.CallID, evt.Query, evt.IsErr, evt.Duration)
	case tools.EventMCPBegin:
		m.reducer.BeginTool(evt.CallID, evt.Tool)
	case tools.EventMCPEnd:
		m.reducer.CompleteTool(evt.CallID, "", evt.IsErr, evt.Duration)
	}
}

func (m *Model) finishStreams(sink *commitSink) {
	if m.controller.IsWriteCycleActive() {
		m.controller.Finalize(stream.KindReasoning, true, sink)
		m.controller.Finalize(stream.KindAnswer, true, sink)
	}
	m.closeStreamBlocks()
}

// closeStreamBlocks seals the current commit blocks so the next stream in
// this turn starts fresh records.
func (m *Model) closeStreamBlocks() {
	if id := m.streamBlocks[stream.KindAnswer]; id != 0 {
		if rec, ok := m.reducer.Get(id); ok && rec.Kind == history.KindAssistantStream {
			rec.Kind = history.KindAssistantMessage
			m.reducer.Replace(id, rec)
		}
	}
	m.streamBlocks = [2]history.ID{}
}

// commitSink receives committed lines from the stream controller and appends
// them to the current per-kind transcript block.
type commitSink struct {
	m *Model
}

func (s *commitSink) InsertLines(kind stream.Kind, lines []stream.Line) {
	if len(lines) == 0 {
		return
	}
	var text strings.Builder
	for _, l := range lines {
		if l.Code {
			text.WriteString(stream.HighlightCode(l.Text, l.Lang))
		} else {
			text.WriteString(l.Text)
		}
		text.WriteByte('\n')
	}

	id := s.m.streamBlocks[kind]
	if id == 0 {
		recordKind := history.KindAssistantStream
		if kind == stream.KindReasoning {
			recordKind = history.KindReasoning
		}
		id = s.m.reducer.Insert(history.Record{Kind: recordKind, Text: text.String()})
		s.m.streamBlocks[kind] = id
		return
	}
	rec, ok := s.m.reducer.Get(id)
	if !ok {
		log.Warn().Uint64("id", uint64(id)).Msg("commit block vanished")
		return
	}
	rec.Text += text.String()
	s.m.reducer.Replace(id, rec)
}

func (s *commitSink) StartCommitAnimation() { s.m.animating = true }
func (s *commitSink) StopCommitAnimation()  { s.m.animating = false }
