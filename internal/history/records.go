// Package history maintains the session transcript: an append-only sequence
// of records with stable ids, deterministic ordering by wire order keys, and
// coalescing of read-like exec calls into explore blocks.
package history

import (
	"time"

	"github.com/xonecas/coda/internal/cmdparse"
	"github.com/xonecas/coda/internal/protocol"
	"github.com/xonecas/coda/internal/tools"
)

// ID is a stable history record identifier. Zero is never assigned.
type ID uint64

// Kind tags a Record.
type Kind int

const (
	// KindUserPrompt is a submitted user message.
	KindUserPrompt Kind = iota
	// KindAssistantStream is an in-progress streamed answer block.
	KindAssistantStream
	// KindAssistantMessage is a finalized answer block.
	KindAssistantMessage
	// KindReasoning is a reasoning block.
	KindReasoning
	// KindExec is a single shell command cell.
	KindExec
	// KindMergedExec is a run of adjacent same-kind completed exec cells.
	KindMergedExec
	// KindExplore is a coalesced block of read-like commands.
	KindExplore
	// KindDiff is an apply_patch result cell.
	KindDiff
	// KindRunningTool is an in-flight web search or MCP call.
	KindRunningTool
	// KindCompletedTool is a finished web search or MCP call.
	KindCompletedTool
	// KindBackgroundEvent is an informational system line.
	KindBackgroundEvent
	// KindRateLimits is the rate limit status record.
	KindRateLimits
)

// ExecStatus describes an exec cell's lifecycle position.
type ExecStatus int

const (
	// ExecRunning is an exec still in flight.
	ExecRunning ExecStatus = iota
	// ExecSuccess is a zero exit.
	ExecSuccess
	// ExecFailed is a non-zero exit.
	ExecFailed
	// ExecCancelled was interrupted by the user.
	ExecCancelled
)

// ExecOutput is the captured outcome of a completed exec.
type ExecOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// ExecCell is a single supervised command.
type ExecCell struct {
	CallID    string
	Command   []string
	Parsed    []cmdparse.ParsedCommand
	Action    cmdparse.ExecAction
	Status    ExecStatus
	Output    *ExecOutput
	StartTime time.Time
	Duration  time.Duration
}

// MergedExecCell is a run of adjacent completed cells with the same action.
type MergedExecCell struct {
	Action cmdparse.ExecAction
	Cells  []ExecCell
}

// ToolCell is a web search or MCP call.
type ToolCell struct {
	CallID   string
	Tool     string
	Query    string
	Done     bool
	IsErr    bool
	Duration time.Duration
}

// DiffCell is an apply_patch result.
type DiffCell struct {
	CallID  string
	Changes []tools.FileChange
	Failed  bool
}

// Record is one transcript entry. Only the payload matching Kind is set.
type Record struct {
	ID   ID
	Kind Kind

	// Key orders the record among keyed siblings; HasKey false means the
	// record attaches to its arrival-time neighbor.
	Key    protocol.OrderKey
	HasKey bool

	// ItemID links streamed records to their wire item for final replacement.
	ItemID string

	// Text is the body for prompt, message, reasoning, and background kinds.
	Text string

	Exec    *ExecCell
	Merged  *MergedExecCell
	Explore *ExploreRecord
	Tool    *ToolCell
	Diff    *DiffCell

	RateLimits *protocol.RateLimitSnapshot
}
