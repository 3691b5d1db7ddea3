// Package tools launches and supervises model-requested tool calls: shell
// exec, apply_patch, web search, and MCP forwarding. The UI receives full
// lifecycle events; only the text returned to the model is truncated.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/mcp"
	"github.com/xonecas/coda/internal/protocol"
)

// Supervisor owns tool execution for a session. Lifecycle events are sent to
// the UI task through the events channel; completions come back to the turn
// engine as function call output items.
type Supervisor struct {
	policy   SandboxPolicy
	cwd      string
	events   chan<- Event
	proxy    *mcp.Proxy
	searcher *WebSearcher

	mu        sync.Mutex
	cancelled map[string]bool
}

// NewSupervisor builds a supervisor rooted at cwd.
func NewSupervisor(policy SandboxPolicy, cwd string, events chan<- Event, proxy *mcp.Proxy, searcher *WebSearcher) *Supervisor {
	return &Supervisor{
		policy:    policy,
		cwd:       cwd,
		events:    events,
		proxy:     proxy,
		searcher:  searcher,
		cancelled: make(map[string]bool),
	}
}

// Policy returns the active sandbox policy.
func (s *Supervisor) Policy() SandboxPolicy {
	return s.policy
}

func (s *Supervisor) emit(evt Event) {
	if s.events != nil {
		s.events <- evt
	}
}

// MarkCancelled records an interrupted call so its late completion events are
// dropped. Returns false when the call was already cancelled.
func (s *Supervisor) MarkCancelled(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelled[callID] {
		return false
	}
	s.cancelled[callID] = true
	return true
}

func (s *Supervisor) isCancelled(callID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[callID]
}

// RunExec supervises one shell command and returns its function call output.
// On interrupt the cell is synthetically completed with exit 130.
func (s *Supervisor) RunExec(ctx context.Context, req ExecRequest) protocol.ResponseItem {
	if req.Cwd == "" {
		req.Cwd = s.cwd
	}
	parsed := ParseExec(req)
	s.emit(Event{
		Kind:    EventExecBegin,
		CallID:  req.CallID,
		Command: req.Command,
		Parsed:  parsed,
		Cwd:     req.Cwd,
	})

	res := runExec(ctx, req, s.policy)
	if ctx.Err() != nil {
		s.MarkCancelled(req.CallID)
		res = ExecResult{
			ExitCode: cancelExitCode,
			Stderr:   CancelledStderr,
			Duration: res.Duration,
		}
		s.emit(Event{
			Kind:      EventExecEnd,
			CallID:    req.CallID,
			ExitCode:  res.ExitCode,
			Stderr:    res.Stderr,
			Duration:  res.Duration,
			Cancelled: true,
		})
		return protocol.CallOutput(req.CallID, CancelledStderr, false)
	}

	s.FinishExec(req.CallID, res)
	return protocol.CallOutput(req.CallID, FormatExecForModel(res), res.ExitCode == 0)
}

// FinishExec emits the exec-end event unless the call was cancelled; late
// completions for cancelled call ids are dropped.
func (s *Supervisor) FinishExec(callID string, res ExecResult) {
	if s.isCancelled(callID) {
		log.Debug().Str("call_id", callID).Msg("dropping ExecEnd for cancelled call")
		return
	}
	s.emit(Event{
		Kind:     EventExecEnd,
		CallID:   callID,
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Duration: res.Duration,
	})
}

// RunApplyPatch parses, applies, and reports a structured patch.
func (s *Supervisor) RunApplyPatch(ctx context.Context, callID, patch string) protocol.ResponseItem {
	s.emit(Event{Kind: EventPatchApplyBegin, CallID: callID})

	ops, err := ParsePatch(patch)
	if err != nil {
		s.emit(Event{Kind: EventPatchApplyEnd, CallID: callID, IsErr: true, Output: err.Error()})
		return protocol.CallOutput(callID, "patch rejected: "+err.Error(), false)
	}
	changes, err := ApplyPatch(s.cwd, ops)
	if err != nil {
		s.emit(Event{Kind: EventPatchApplyEnd, CallID: callID, IsErr: true, Changes: changes, Output: err.Error()})
		return protocol.CallOutput(callID, "patch failed: "+err.Error(), false)
	}

	s.emit(Event{Kind: EventPatchApplyEnd, CallID: callID, Changes: changes})
	summary := fmt.Sprintf("applied patch to %d file(s)", len(changes))
	for _, ch := range changes {
		summary += "\n" + ch.Kind + " " + ch.Path
	}
	return protocol.CallOutput(callID, summary, true)
}

// RunWebSearch performs a client-side web search for the model.
func (s *Supervisor) RunWebSearch(ctx context.Context, callID, query string) protocol.ResponseItem {
	s.emit(Event{Kind: EventWebSearchBegin, CallID: callID})
	if s.searcher == nil {
		s.emit(Event{Kind: EventWebSearchCompleted, CallID: callID, Query: query, IsErr: true})
		return protocol.CallOutput(callID, "web search is not configured", false)
	}
	result, err := s.searcher.Search(ctx, query)
	if err != nil {
		s.emit(Event{Kind: EventWebSearchCompleted, CallID: callID, Query: query, IsErr: true})
		return protocol.CallOutput(callID, "search failed: "+err.Error(), false)
	}
	s.emit(Event{Kind: EventWebSearchCompleted, CallID: callID, Query: query})
	return protocol.CallOutput(callID, FormatOutputForModel(result), true)
}

// CallMCP forwards a tool call to the configured MCP upstream.
func (s *Supervisor) CallMCP(ctx context.Context, callID, name string, args json.RawMessage) protocol.ResponseItem {
	s.emit(Event{Kind: EventMCPBegin, CallID: callID, Tool: name})
	start := time.Now()
	result, err := s.proxy.CallTool(ctx, name, args)
	if err != nil {
		s.emit(Event{Kind: EventMCPEnd, CallID: callID, Tool: name, IsErr: true, Duration: time.Since(start)})
		return protocol.CallOutput(callID, "tool error: "+err.Error(), false)
	}
	text := FormatOutputForModel(result.Text())
	s.emit(Event{
		Kind:     EventMCPEnd,
		CallID:   callID,
		Tool:     name,
		Output:   result.Text(),
		IsErr:    result.IsError,
		Duration: time.Since(start),
	})
	return protocol.CallOutput(callID, text, !result.IsError)
}
