package tui

import (
	"time"

	tea "charm.land/bubbletea/v2"
	"github.com/xonecas/coda/internal/turn"
)

// ---------------------------------------------------------------------------
// ELM messages
// ---------------------------------------------------------------------------

// engineBatchMsg carries turn engine events drained from the event channel in
// one go, so a burst of deltas costs a single Update pass.
type engineBatchMsg []turn.Event

// approvalRequestMsg surfaces a blocking approval request from the engine
// goroutine. The response is sent on reply.
type approvalRequestMsg struct {
	req   turn.ApprovalRequest
	reply chan<- turn.ApprovalResponse
}

// ApprovalRequestMsg is the exported alias used by main to build the
// approval channel.
type ApprovalRequestMsg = approvalRequestMsg

// ApprovalCallback adapts the engine's blocking approval hook onto the UI
// channel: it posts the request and waits for the user's decision.
func ApprovalCallback(ch chan approvalRequestMsg) func(turn.ApprovalRequest) turn.ApprovalResponse {
	return func(req turn.ApprovalRequest) turn.ApprovalResponse {
		reply := make(chan turn.ApprovalResponse, 1)
		ch <- approvalRequestMsg{req: req, reply: reply}
		return <-reply
	}
}

// tickMsg drives the commit animation (~60fps).
type tickMsg time.Time

// turnFinishedMsg is sent when the engine goroutine returns.
type turnFinishedMsg struct{}

// frameTick schedules the next animation frame.
func frameTick() tea.Cmd {
	return tea.Tick(16*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// waitForEvents blocks for one engine event then drains the backlog.
func waitForEvents(ch chan turn.Event) tea.Cmd {
	return func() tea.Msg {
		first, ok := <-ch
		if !ok {
			return nil
		}
		batch := engineBatchMsg{first}
		for {
			select {
			case evt, ok := <-ch:
				if !ok {
					return batch
				}
				batch = append(batch, evt)
			default:
				return batch
			}
		}
	}
}

// waitForApproval blocks for the next approval request.
func waitForApproval(ch chan approvalRequestMsg) tea.Cmd {
	return func() tea.Msg {
		req, ok := <-ch
		if !ok {
			return nil
		}
		return req
	}
}
