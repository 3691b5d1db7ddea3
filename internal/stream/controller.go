package stream

// Kind selects between the two independent stream states.
type Kind int

const (
	// KindAnswer is the assistant's answer stream.
	KindAnswer Kind = iota
	// KindReasoning is the reasoning summary stream.
	KindReasoning
)

// Headers prepended to the first committed line of each stream per turn.
const (
	answerHeader    = "coda"
	reasoningHeader = "thinking"
)

// Sink receives committed lines and animation control from the controller.
type Sink interface {
	InsertLines(kind Kind, lines []Line)
	StartCommitAnimation()
	StopCommitAnimation()
}

// headerEmitter tracks per-stream header emission within a turn.
type headerEmitter struct {
	emitted [2]bool
}

func (h *headerEmitter) maybeEmit(kind Kind, out *[]Line) bool {
	if h.emitted[kind] {
		return false
	}
	h.emitted[kind] = true
	text := answerHeader
	if kind == KindReasoning {
		text = reasoningHeader
	}
	*out = append(*out, Line{Text: text}, Line{})
	return true
}

func (h *headerEmitter) resetForTurn() {
	h.emitted = [2]bool{}
}

func (h *headerEmitter) resetForStream(kind Kind) {
	h.emitted[kind] = false
}

// streamState owns one stream's collector, queue, and flags.
type streamState struct {
	collector Collector
	queue     []Line
	// hasSeenDelta distinguishes streamed content from header-only streams
	// so a final event does not double-inject the message.
	hasSeenDelta bool
}

func (s *streamState) enqueue(lines []Line) {
	s.queue = append(s.queue, lines...)
}

// step moves at most one queued line out, animating gradual insertion.
func (s *streamState) step() []Line {
	if len(s.queue) == 0 {
		return nil
	}
	out := []Line{s.queue[0]}
	s.queue = s.queue[1:]
	return out
}

func (s *streamState) drainAll() []Line {
	out := s.queue
	s.queue = nil
	return out
}

func (s *streamState) isIdle() bool {
	return len(s.queue) == 0
}

func (s *streamState) clear() {
	s.collector.Clear()
	s.queue = nil
	s.hasSeenDelta = false
}

// Controller manages newline-gated streaming, header emission, and the
// commit animation across the answer and reasoning streams.
type Controller struct {
	header              headerEmitter
	states              [2]*streamState
	current             Kind
	active              bool
	finishingAfterDrain bool
}

// NewController creates an idle controller.
func NewController() *Controller {
	return &Controller{
		states: [2]*streamState{{}, {}},
	}
}

// ResetHeadersForNewTurn clears header state at turn start.
func (c *Controller) ResetHeadersForNewTurn() {
	c.header.resetForTurn()
}

// IsWriteCycleActive reports whether a stream is currently open.
func (c *Controller) IsWriteCycleActive() bool {
	return c.active
}

// ClearAll drops all stream state, e.g. after an interrupt.
func (c *Controller) ClearAll() {
	for _, s := range c.states {
		s.clear()
	}
	c.active = false
	c.finishingAfterDrain = false
}

func (c *Controller) state(kind Kind) *streamState {
	return c.states[kind]
}

// Begin opens a stream, flushing the other stream's completed lines first so
// transcript order is preserved.
func (c *Controller) Begin(kind Kind, sink Sink) {
	hadOther := c.active && c.current != kind
	if hadOther {
		prev := c.state(c.current)
		if newly := prev.collector.CommitCompleteLines(); len(newly) > 0 {
			prev.enqueue(newly)
		}
		flushed := prev.drainAll()
		prev.clear()
		if len(flushed) > 0 {
			var lines []Line
			c.header.maybeEmit(c.current, &lines)
			lines = append(lines, flushed...)
			sink.InsertLines(c.current, lines)
		}
		c.active = false
	}

	if !c.active || c.current != kind {
		c.current = kind
		c.active = true
		c.finishingAfterDrain = false
		if hadOther {
			c.header.resetForStream(kind)
		}
		// Reasoning headers show immediately; answer headers defer to the
		// first committed line.
		if kind == KindReasoning {
			var lines []Line
			if c.header.maybeEmit(kind, &lines) {
				sink.InsertLines(kind, lines)
			}
		}
	}
}

// Push appends a delta; a newline triggers a commit of completed lines and
// starts the animation.
func (c *Controller) Push(delta string, sink Sink) {
	if !c.active {
		return
	}
	state := c.state(c.current)
	if delta != "" {
		state.hasSeenDelta = true
	}
	state.collector.PushDelta(delta)
	if !containsNewline(delta) {
		return
	}
	if newly := state.collector.CommitCompleteLines(); len(newly) > 0 {
		state.enqueue(trimLeadingBlanks(newly))
		sink.StartCommitAnimation()
	}
}

// InsertReasoningSectionBreak marks a section boundary in the reasoning
// stream and commits any newly completed lines.
func (c *Controller) InsertReasoningSectionBreak(sink Sink) {
	if !c.active || c.current != KindReasoning {
		c.Begin(KindReasoning, sink)
	}
	state := c.state(KindReasoning)
	state.collector.InsertSectionBreak()
	if newly := state.collector.CommitCompleteLines(); len(newly) > 0 {
		state.enqueue(trimLeadingBlanks(newly))
		sink.StartCommitAnimation()
	}
}

// Finalize closes the given stream. With flushImmediately the remaining lines
// are emitted atomically; otherwise they drain through the animation and the
// controller reports completion from OnCommitTick. Returns true when the
// stream fully closed synchronously.
func (c *Controller) Finalize(kind Kind, flushImmediately bool, sink Sink) bool {
	if !c.active || c.current != kind {
		return false
	}
	state := c.state(kind)
	remaining := state.collector.FinalizeAndDrain()

	if flushImmediately {
		state.enqueue(remaining)
		out := trimLeadingBlanks(state.drainAll())
		if len(out) > 0 {
			var lines []Line
			c.header.maybeEmit(kind, &lines)
			lines = append(lines, out...)
			sink.InsertLines(kind, lines)
		}
		state.clear()
		c.header.resetForStream(kind)
		c.active = false
		c.finishingAfterDrain = false
		return true
	}

	if len(remaining) > 0 {
		state.enqueue(remaining)
	}
	c.finishingAfterDrain = true
	sink.StartCommitAnimation()
	return false
}

// OnCommitTick moves one queued line into the sink. Returns true when a
// finishing stream fully drained and was reset.
func (c *Controller) OnCommitTick(sink Sink) bool {
	if !c.active {
		return false
	}
	state := c.state(c.current)
	if step := state.step(); len(step) > 0 {
		var lines []Line
		c.header.maybeEmit(c.current, &lines)
		lines = append(lines, trimLeadingBlanks(step)...)
		sink.InsertLines(c.current, lines)
	}

	if state.isIdle() {
		sink.StopCommitAnimation()
		if c.finishingAfterDrain {
			state.clear()
			c.header.resetForStream(c.current)
			c.active = false
			c.finishingAfterDrain = false
			return true
		}
	}
	return false
}

// ApplyFinalAnswer reconciles the final answer text with any streamed deltas:
// already-streamed content just finalizes; otherwise the full message is
// injected and flushed.
func (c *Controller) ApplyFinalAnswer(message string, sink Sink) bool {
	return c.applyFull(KindAnswer, message, true, sink)
}

// ApplyFinalReasoning is the reasoning-stream analogue of ApplyFinalAnswer;
// the drain is animated rather than immediate.
func (c *Controller) ApplyFinalReasoning(message string, sink Sink) bool {
	return c.applyFull(KindReasoning, message, false, sink)
}

func (c *Controller) applyFull(kind Kind, message string, immediate bool, sink Sink) bool {
	if c.active && c.current == kind {
		state := c.state(kind)
		if state.hasSeenDelta {
			// Final event for content already streamed via deltas.
			return c.Finalize(kind, immediate, sink)
		}
		if c.finishingAfterDrain {
			// Duplicate final event while draining.
			return false
		}
	}

	c.Begin(kind, sink)
	if message != "" {
		state := c.state(kind)
		msg := message
		if !containsNewline(msg[len(msg)-1:]) {
			msg += "\n"
		}
		state.collector.ReplaceWithCommitted(msg, state.collector.CommittedCount())
	}
	return c.Finalize(kind, immediate, sink)
}

func containsNewline(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return true
		}
	}
	return false
}

// trimLeadingBlanks reduces leading blank lines to at most one across a
// commit batch.
func trimLeadingBlanks(lines []Line) []Line {
	skip := 0
	for skip < len(lines) && lines[skip].IsBlank() && !lines[skip].Code {
		skip++
	}
	if skip > 1 {
		return lines[skip-1:]
	}
	return lines
}
