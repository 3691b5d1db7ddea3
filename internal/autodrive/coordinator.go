package autodrive

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/client"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
)

// CoordinatorStatus is the coordinator's self-reported progress.
type CoordinatorStatus int

const (
	// CoordinatorContinue means another CLI cycle is needed.
	CoordinatorContinue CoordinatorStatus = iota
	// CoordinatorSuccess means the goal is believed complete.
	CoordinatorSuccess
	// CoordinatorFailed means the coordinator gave up.
	CoordinatorFailed
)

// Countdown selects how long to wait before submitting the next CLI prompt.
type Countdown int

const (
	// CountdownImmediate submits without delay.
	CountdownImmediate Countdown = iota
	// CountdownShort waits ten seconds.
	CountdownShort
	// CountdownLong waits sixty seconds.
	CountdownLong
	// CountdownManual waits for an explicit proceed signal.
	CountdownManual
)

// ParseCountdown maps the config string onto a Countdown.
func ParseCountdown(s string) Countdown {
	switch s {
	case "immediate":
		return CountdownImmediate
	case "60s":
		return CountdownLong
	case "manual":
		return CountdownManual
	}
	return CountdownShort
}

// Delay returns the wait duration; manual countdowns return a negative value.
func (c Countdown) Delay() time.Duration {
	switch c {
	case CountdownImmediate:
		return 0
	case CountdownShort:
		return 10 * time.Second
	case CountdownLong:
		return 60 * time.Second
	}
	return -1
}

// CLIRunner executes one prompt against the inner CLI agent and returns its
// final output.
type CLIRunner func(ctx context.Context, promptText string) (string, error)

// Update is one progress notification from the drive loop.
type Update struct {
	Turn             int
	Status           CoordinatorStatus
	Summary          string
	CLIPrompt        string
	ObserverStatus   ObserverStatus
	LastIntervention string
}

// coordinatorResponse is the JSON shape the coordinator model must produce.
type coordinatorResponse struct {
	Status    string `json:"status"`
	CLIPrompt string `json:"cli_prompt"`
	Summary   string `json:"summary"`
}

var coordinatorSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["continue", "success", "failed"]},
		"cli_prompt": {"type": ["string", "null"]},
		"summary": {"type": ["string", "null"]}
	},
	"required": ["status", "cli_prompt", "summary"],
	"additionalProperties": false
}`)

// Loop drives the inner CLI toward a goal, consulting the observer on a
// cadence and once more when the coordinator declares completion.
type Loop struct {
	client    *client.Client
	observer  *Observer
	runner    CLIRunner
	goal      string
	env       string
	cadence   int
	countdown Countdown
	// Proceed unblocks a manual countdown; buffered by the UI.
	Proceed chan struct{}
	// Updates receives progress after every coordinator turn.
	Updates chan<- Update

	conversation []protocol.ResponseItem
	// extraInstructions accumulates observer guidance for future turns.
	extraInstructions []string
	maxTurns          int
}

// NewLoop wires a drive loop. The observer cadence counter always starts at
// zero, including after a process restart.
func NewLoop(cl *client.Client, observer *Observer, runner CLIRunner, goal, env string, cadence int, countdown Countdown, updates chan<- Update) *Loop {
	if cadence < 1 {
		cadence = 1
	}
	return &Loop{
		client:    cl,
		observer:  observer,
		runner:    runner,
		goal:      goal,
		env:       env,
		cadence:   cadence,
		countdown: countdown,
		Proceed:   make(chan struct{}, 1),
		Updates:   updates,
		maxTurns:  100,
	}
}

// Run executes the loop until success, failure, or context cancellation.
func (l *Loop) Run(ctx context.Context) error {
	lastIntervention := ""
	for turnNo := 1; turnNo <= l.maxTurns; turnNo++ {
		resp, err := l.nextCoordinatorStep(ctx)
		if err != nil {
			return fmt.Errorf("coordinator step: %w", err)
		}

		status := coordinatorStatusOf(resp.Status)
		observerStatus := ObserverOK

		// Cadence checks run every N turns; a terminal status triggers the
		// final validation regardless of cadence position.
		runObserver := turnNo%l.cadence == 0 || status != CoordinatorContinue
		if runObserver && l.observer != nil {
			reason := ReasonCadence
			if status != CoordinatorContinue {
				reason = ReasonFinalCheck
			}
			outcome, err := l.observer.Evaluate(ctx, ObserverTrigger{
				Conversation: l.conversation,
				GoalText:     l.goal,
				Environment:  l.env,
				Reason:       reason,
				FinishStatus: status,
			})
			if err != nil {
				// An observer error degrades to ok so it cannot derail a
				// healthy run.
				log.Warn().Err(err).Msg("observer evaluation failed; continuing")
				outcome = ObserverOutcome{Status: ObserverOK}
			}
			observerStatus = outcome.Status
			if outcome.Status == ObserverFailing {
				status = CoordinatorContinue
				if outcome.ReplaceMessage != "" {
					resp.CLIPrompt = outcome.ReplaceMessage
				}
				if outcome.AdditionalInstructions != "" {
					l.extraInstructions = append(l.extraInstructions, outcome.AdditionalInstructions)
				}
				lastIntervention = SummarizeIntervention(outcome.ReplaceMessage, outcome.AdditionalInstructions)
			}
		}

		l.sendUpdate(Update{
			Turn:             turnNo,
			Status:           status,
			Summary:          resp.Summary,
			CLIPrompt:        resp.CLIPrompt,
			ObserverStatus:   observerStatus,
			LastIntervention: lastIntervention,
		})

		if status != CoordinatorContinue {
			return nil
		}
		if resp.CLIPrompt == "" {
			continue
		}

		if err := l.waitCountdown(ctx); err != nil {
			return err
		}

		output, err := l.runner(ctx, resp.CLIPrompt)
		if err != nil {
			output = "CLI error: " + err.Error()
		}
		l.conversation = append(l.conversation,
			coordinatorMessage(resp.CLIPrompt),
			protocol.UserMessage("CLI output:\n"+output),
		)
	}
	return fmt.Errorf("auto drive stopped after %d turns without completion", l.maxTurns)
}

func (l *Loop) nextCoordinatorStep(ctx context.Context) (coordinatorResponse, error) {
	strict := true
	p := &prompt.Prompt{
		Store: true,
		TextFormat: &prompt.TextFormat{
			Type:   "json_schema",
			Name:   "auto_coordinator_step",
			Strict: &strict,
			Schema: coordinatorSchema,
		},
	}
	instructions := "You coordinate a CLI coding agent toward the Primary Goal.\n" +
		"Respond with JSON: `status` (continue|success|failed), `cli_prompt` (the next prompt for the CLI when continuing), and `summary` (one-line progress)."
	p.Input = append(p.Input, protocol.DeveloperMessage(instructions))
	for _, extra := range l.extraInstructions {
		p.Input = append(p.Input, protocol.DeveloperMessage(extra))
	}
	p.Input = append(p.Input, protocol.DeveloperMessage("Primary Goal\n"+l.goal))
	p.Input = append(p.Input, l.conversation...)

	raw, err := collectText(ctx, l.client, p)
	if err != nil {
		return coordinatorResponse{}, err
	}
	var resp coordinatorResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		blob, ok := extractFirstJSONObject(raw)
		if !ok {
			return coordinatorResponse{}, fmt.Errorf("coordinator response was not JSON: %q", truncateForLog(raw))
		}
		if err := json.Unmarshal([]byte(blob), &resp); err != nil {
			return coordinatorResponse{}, fmt.Errorf("decoding coordinator response: %w", err)
		}
	}
	return resp, nil
}

func (l *Loop) waitCountdown(ctx context.Context) error {
	delay := l.countdown.Delay()
	if delay == 0 {
		return nil
	}
	if delay < 0 {
		select {
		case <-l.Proceed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-time.After(delay):
		return nil
	case <-l.Proceed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) sendUpdate(u Update) {
	if l.Updates != nil {
		l.Updates <- u
	}
}

func coordinatorStatusOf(s string) CoordinatorStatus {
	switch s {
	case "success":
		return CoordinatorSuccess
	case "failed":
		return CoordinatorFailed
	}
	return CoordinatorContinue
}

func coordinatorMessage(text string) protocol.ResponseItem {
	item := protocol.AssistantMessage("Coordinator: " + text)
	return item
}

func truncateForLog(s string) string {
	if len(s) > 200 {
		return s[:200] + "…"
	}
	return strings.TrimSpace(s)
}
