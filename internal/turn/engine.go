// Package turn drives one request/response cycle against the model: stream
// the response, dispatch tool calls, collect outputs, and start follow-up
// requests until the model answers in text.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/approval"
	"github.com/xonecas/coda/internal/client"
	"github.com/xonecas/coda/internal/config"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
	"github.com/xonecas/coda/internal/rollout"
	"github.com/xonecas/coda/internal/tools"
)

// State is the engine's lifecycle position.
type State int

const (
	// StateIdle means no turn is running.
	StateIdle State = iota
	// StateSubmitted means a prompt is being assembled.
	StateSubmitted
	// StateStreaming means a response stream is open.
	StateStreaming
	// StateAwaitingTools means tool calls are executing.
	StateAwaitingTools
	// StateInterrupted means the user interrupted the turn.
	StateInterrupted
)

// EventKind tags engine events delivered to the UI task.
type EventKind int

const (
	// EventTurnStarted opens a turn.
	EventTurnStarted EventKind = iota
	// EventAnswerDelta carries answer text.
	EventAnswerDelta
	// EventReasoningDelta carries reasoning text.
	EventReasoningDelta
	// EventReasoningSectionBreak marks a reasoning section boundary.
	EventReasoningSectionBreak
	// EventItemDone carries a completed output item.
	EventItemDone
	// EventToolEvent relays a supervisor lifecycle event.
	EventToolEvent
	// EventRateLimits carries a rate limit snapshot.
	EventRateLimits
	// EventTurnCompleted closes a turn.
	EventTurnCompleted
	// EventTurnError reports a fatal turn failure.
	EventTurnError
	// EventInterrupted reports a user interrupt.
	EventInterrupted
)

// Event is one engine notification.
type Event struct {
	Kind EventKind

	Delta  string
	ItemID string
	Key    protocol.OrderKey
	HasKey bool

	Item  *protocol.ResponseItem
	Tool  *tools.Event
	Usage *protocol.TokenUsage

	RateLimits *protocol.RateLimitSnapshot
	Err        error
}

// ApprovalRequest is surfaced to the UI when a tool call needs a decision.
type ApprovalRequest struct {
	CallID  string
	Command []string
	// Patch is set for apply_patch approvals.
	Patch string
}

// ApprovalResponse carries the decision and any registered rule.
type ApprovalResponse struct {
	Decision approval.Decision
	// Rule registers an allow-list entry alongside an ApprovedForSession
	// decision; nil registers nothing.
	Rule  *approval.Rule
	Scope approval.Scope
}

// Engine runs turns for one session.
type Engine struct {
	client     *client.Client
	supervisor *tools.Supervisor
	approvals  *approval.Engine
	recorder   *rollout.Recorder
	cfg        *config.Config

	// RequestApproval blocks until the user decides; nil denies everything
	// not covered by stored rules.
	RequestApproval func(ApprovalRequest) ApprovalResponse

	events chan<- Event

	env              *prompt.EnvironmentContext
	userInstructions string
	toolSchemas      []protocol.ToolSchema

	input          []protocol.ResponseItem
	requestOrdinal uint64
	state          State
}

// NewEngine wires a turn engine.
func NewEngine(
	cl *client.Client,
	supervisor *tools.Supervisor,
	approvals *approval.Engine,
	recorder *rollout.Recorder,
	cfg *config.Config,
	env *prompt.EnvironmentContext,
	userInstructions string,
	toolSchemas []protocol.ToolSchema,
	events chan<- Event,
) *Engine {
	return &Engine{
		client:           cl,
		supervisor:       supervisor,
		approvals:        approvals,
		recorder:         recorder,
		cfg:              cfg,
		env:              env,
		userInstructions: userInstructions,
		toolSchemas:      toolSchemas,
		events:           events,
	}
}

// State returns the current lifecycle position.
func (e *Engine) State() State {
	return e.state
}

// SeedInput preloads conversation items from a resumed session.
func (e *Engine) SeedInput(items []protocol.ResponseItem) {
	e.input = append(e.input, items...)
}

func (e *Engine) emit(evt Event) {
	if e.events != nil {
		e.events <- evt
	}
}

// RunTurn executes one full turn for the submitted user text, including any
// tool cycles, and returns when the turn reaches a terminal state.
func (e *Engine) RunTurn(ctx context.Context, userText string) {
	e.state = StateSubmitted
	e.emit(Event{Kind: EventTurnStarted})

	userItem := protocol.UserMessage(userText)
	e.input = append(e.input, userItem)
	e.record(userItem)

	for {
		pendingCalls, err := e.runRequest(ctx)
		if err != nil {
			e.finishWithError(err)
			return
		}
		if ctx.Err() != nil {
			e.interrupt(pendingCalls)
			return
		}
		if len(pendingCalls) == 0 {
			e.state = StateIdle
			e.emit(Event{Kind: EventTurnCompleted})
			return
		}

		e.state = StateAwaitingTools
		outputs := e.dispatchTools(ctx, pendingCalls)
		e.input = append(e.input, outputs...)
		e.record(outputs...)
		if ctx.Err() != nil {
			e.interrupt(nil)
			return
		}
		e.state = StateSubmitted
	}
}

// runRequest streams one request and returns the tool calls the model asked
// for, in arrival order.
func (e *Engine) runRequest(ctx context.Context) ([]protocol.ResponseItem, error) {
	e.requestOrdinal++
	p := &prompt.Prompt{
		Input:                         append([]protocol.ResponseItem(nil), e.input...),
		Tools:                         e.toolSchemas,
		Store:                         false,
		UserInstructions:              e.userInstructions,
		EnvironmentContext:            e.env,
		IncludeAdditionalInstructions: true,
	}

	attempts := 0
	for {
		calls, err := e.streamOnce(ctx, p)
		if err == nil {
			return calls, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if client.IsRetryableTransport(err) && attempts < 1 {
			attempts++
			log.Warn().Err(err).Msg("restarting stream for the same turn")
			continue
		}
		return nil, err
	}
}

func (e *Engine) streamOnce(ctx context.Context, p *prompt.Prompt) ([]protocol.ResponseItem, error) {
	e.state = StateStreaming
	ch, errc, err := e.client.Stream(ctx, p)
	if err != nil {
		return nil, err
	}

	var calls []protocol.ResponseItem
	for evt := range ch {
		key := protocol.PartialOrderKey(e.requestOrdinal, evt.OutputIndex, evt.SequenceNumber)
		hasKey := evt.OutputIndex != nil && evt.SequenceNumber != nil
		switch evt.Kind {
		case protocol.EventOutputTextDelta:
			e.emit(Event{Kind: EventAnswerDelta, Delta: evt.Delta, ItemID: evt.ItemID, Key: key, HasKey: hasKey})
		case protocol.EventReasoningSummaryDelta, protocol.EventReasoningContentDelta:
			e.emit(Event{Kind: EventReasoningDelta, Delta: evt.Delta, ItemID: evt.ItemID, Key: key, HasKey: hasKey})
		case protocol.EventReasoningSummaryPartAdded:
			e.emit(Event{Kind: EventReasoningSectionBreak})
		case protocol.EventWebSearchBegin, protocol.EventWebSearchCompleted:
			e.emit(Event{Kind: EventToolEvent, Tool: webSearchToolEvent(evt)})
		case protocol.EventOutputItemDone:
			item := evt.Item
			e.record(*item)
			if item.Type == protocol.ItemFunctionCall && e.isSupervisedTool(item.Name) {
				e.input = append(e.input, *item)
				calls = append(calls, *item)
				continue
			}
			if item.Type == protocol.ItemLocalShellCall && item.Action != nil {
				e.input = append(e.input, *item)
				calls = append(calls, *item)
				continue
			}
			e.input = append(e.input, *item)
			e.emit(Event{Kind: EventItemDone, Item: item, Key: key, HasKey: hasKey})
		case protocol.EventRateLimits:
			e.emit(Event{Kind: EventRateLimits, RateLimits: evt.RateLimits})
		case protocol.EventCompleted:
			e.emit(Event{Kind: EventItemDone, Usage: evt.Usage})
		}
	}
	if err := <-errc; err != nil {
		return nil, err
	}
	return calls, nil
}

func webSearchToolEvent(evt protocol.ResponseEvent) *tools.Event {
	kind := tools.EventWebSearchBegin
	if evt.Kind == protocol.EventWebSearchCompleted {
		kind = tools.EventWebSearchCompleted
	}
	return &tools.Event{Kind: kind, CallID: evt.CallID, Query: evt.Query}
}

func (e *Engine) isSupervisedTool(name string) bool {
	switch name {
	case "shell", "local_shell", "exec", "apply_patch", "web_search":
		return true
	}
	return strings.HasPrefix(name, "mcp_")
}

// dispatchTools runs every pending call and returns their outputs in call
// order.
func (e *Engine) dispatchTools(ctx context.Context, calls []protocol.ResponseItem) []protocol.ResponseItem {
	outputs := make([]protocol.ResponseItem, 0, len(calls))
	for _, call := range calls {
		if ctx.Err() != nil {
			outputs = append(outputs, e.cancelledOutput(call.CallID))
			continue
		}
		outputs = append(outputs, e.dispatchOne(ctx, call))
	}
	return outputs
}

func (e *Engine) dispatchOne(ctx context.Context, call protocol.ResponseItem) protocol.ResponseItem {
	if call.Type == protocol.ItemLocalShellCall {
		return e.runShell(ctx, call.CallID, call.Action.Command, call.Action.TimeoutMS)
	}

	switch call.Name {
	case "shell", "local_shell", "exec":
		var args struct {
			Command   []string `json:"command"`
			TimeoutMS int      `json:"timeout_ms"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || len(args.Command) == 0 {
			return protocol.CallOutput(call.CallID, "invalid shell arguments", false)
		}
		return e.runShell(ctx, call.CallID, args.Command, args.TimeoutMS)

	case "apply_patch":
		var args struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || args.Input == "" {
			return protocol.CallOutput(call.CallID, "invalid apply_patch arguments", false)
		}
		if resp, ok := e.approvePatch(call.CallID, args.Input); !ok {
			return resp
		}
		return e.supervisor.RunApplyPatch(ctx, call.CallID, args.Input)

	case "web_search":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return protocol.CallOutput(call.CallID, "invalid web_search arguments", false)
		}
		return e.supervisor.RunWebSearch(ctx, call.CallID, args.Query)
	}

	// MCP tools are namespaced mcp_<server>_<tool>.
	name := strings.TrimPrefix(call.Name, "mcp_")
	return e.supervisor.CallMCP(ctx, call.CallID, name, json.RawMessage(call.Arguments))
}

func (e *Engine) runShell(ctx context.Context, callID string, command []string, timeoutMS int) protocol.ResponseItem {
	if resp, ok := e.approveExec(callID, command); !ok {
		return resp
	}
	return e.supervisor.RunExec(ctx, tools.ExecRequest{
		CallID:    callID,
		Command:   command,
		TimeoutMS: timeoutMS,
	})
}

// approveExec consults stored rules and the policy before prompting the
// user. The second return is false when the call must not run, with the
// refusal output as the first return.
func (e *Engine) approveExec(callID string, command []string) (protocol.ResponseItem, bool) {
	switch e.cfg.ApprovalPolicy {
	case config.ApprovalNever:
		return protocol.ResponseItem{}, true
	case config.ApprovalOnFailure:
		// First attempt runs unsupervised; failures surface to the model.
		return protocol.ResponseItem{}, true
	}
	if e.approvals.IsAllowed(command) {
		return protocol.ResponseItem{}, true
	}
	if e.RequestApproval == nil {
		return protocol.CallOutput(callID, "command rejected: no approval channel", false), false
	}

	resp := e.RequestApproval(ApprovalRequest{CallID: callID, Command: command})
	switch resp.Decision {
	case approval.DecisionApproved:
		return protocol.ResponseItem{}, true
	case approval.DecisionApprovedForSession:
		if resp.Rule != nil {
			e.approvals.Register(*resp.Rule, resp.Scope)
		}
		return protocol.ResponseItem{}, true
	default:
		return protocol.CallOutput(callID, "rejected by user: "+approval.DisplayCommand(command), false), false
	}
}

func (e *Engine) approvePatch(callID, patch string) (protocol.ResponseItem, bool) {
	if e.cfg.ApprovalPolicy == config.ApprovalNever {
		return protocol.ResponseItem{}, true
	}
	if e.RequestApproval == nil {
		return protocol.CallOutput(callID, "patch rejected: no approval channel", false), false
	}
	resp := e.RequestApproval(ApprovalRequest{CallID: callID, Patch: patch})
	switch resp.Decision {
	case approval.DecisionApproved, approval.DecisionApprovedForSession:
		return protocol.ResponseItem{}, true
	default:
		return protocol.CallOutput(callID, "patch rejected by user", false), false
	}
}

// interrupt injects polite cancelled outputs for in-flight calls so the next
// prompt to the model is well-formed.
func (e *Engine) interrupt(pendingCalls []protocol.ResponseItem) {
	for _, call := range pendingCalls {
		out := e.cancelledOutput(call.CallID)
		e.input = append(e.input, out)
		e.record(out)
	}
	e.state = StateInterrupted
	e.emit(Event{Kind: EventInterrupted})
	e.state = StateIdle
}

func (e *Engine) cancelledOutput(callID string) protocol.ResponseItem {
	e.supervisor.MarkCancelled(callID)
	return protocol.CallOutput(callID, tools.CancelledStderr, false)
}

func (e *Engine) finishWithError(err error) {
	if errors.Is(err, context.Canceled) {
		e.interrupt(nil)
		return
	}
	e.state = StateIdle
	e.emit(Event{Kind: EventTurnError, Err: err})
}

func (e *Engine) record(items ...protocol.ResponseItem) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordItems(items); err != nil {
		log.Warn().Err(err).Msg("failed to record items")
	}
}
