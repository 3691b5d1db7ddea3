// Package autodrive implements the optional supervisory loop that drives an
// inner CLI agent toward a goal: a coordinator that plans CLI prompts and an
// observer that detects stuck loops and injects corrections.
package autodrive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/client"
	"github.com/xonecas/coda/internal/prompt"
	"github.com/xonecas/coda/internal/protocol"
)

// ObserverStatus is the observer's verdict on the conversation.
type ObserverStatus int

const (
	// ObserverOK means no intervention is needed.
	ObserverOK ObserverStatus = iota
	// ObserverFailing means the coordinator needs correction.
	ObserverFailing
)

// ObserverReason distinguishes cadence checks from the final validation run.
type ObserverReason int

const (
	// ReasonCadence is the periodic check every N coordinator turns.
	ReasonCadence ObserverReason = iota
	// ReasonFinalCheck validates a finished run.
	ReasonFinalCheck
)

// ObserverTrigger is the input of one observer evaluation.
type ObserverTrigger struct {
	Conversation []protocol.ResponseItem
	GoalText     string
	Environment  string
	Reason       ObserverReason
	// FinishStatus qualifies a final check.
	FinishStatus CoordinatorStatus
}

// ObserverOutcome is the observer's decision.
type ObserverOutcome struct {
	Status                 ObserverStatus
	ReplaceMessage         string
	AdditionalInstructions string
}

const observerSchemaName = "auto_coordinator_observer"

var observerSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["ok", "failing"]},
		"replace_message": {"type": ["string", "null"], "minLength": 1},
		"additional_instructions": {"type": ["string", "null"], "minLength": 1}
	},
	"required": ["status", "replace_message", "additional_instructions"],
	"additionalProperties": false
}`)

// Observer evaluates coordinator conversations with the shared client.
type Observer struct {
	client *client.Client
	model  string
}

// NewObserver builds an observer preferring the given model slug.
func NewObserver(cl *client.Client, model string) *Observer {
	if model == "" {
		model = cl.Model()
	}
	return &Observer{client: cl, model: model}
}

// Evaluate runs one observer pass. On a model-not-found class error the
// default slug is retried once; any other failure is returned to the caller,
// which degrades to ObserverOK to avoid spurious interventions.
func (o *Observer) Evaluate(ctx context.Context, trigger ObserverTrigger) (ObserverOutcome, error) {
	outcome, err := o.run(ctx, trigger, o.model)
	if err != nil && client.IsModelNotFound(err) && o.client.DefaultModelSlug() != o.model {
		log.Debug().Err(err).Str("fallback", o.client.DefaultModelSlug()).
			Msg("observer retrying with default model")
		outcome, err = o.run(ctx, trigger, o.client.DefaultModelSlug())
	}
	return outcome, err
}

func (o *Observer) run(ctx context.Context, trigger ObserverTrigger, model string) (ObserverOutcome, error) {
	p := o.buildPrompt(trigger, model)
	raw, err := collectText(ctx, o.client, p)
	if err != nil {
		return ObserverOutcome{}, err
	}
	return parseObserverResponse(raw)
}

func (o *Observer) buildPrompt(trigger ObserverTrigger, model string) *prompt.Prompt {
	strict := true
	p := &prompt.Prompt{
		Store:         true,
		ModelOverride: model,
		TextFormat: &prompt.TextFormat{
			Type:   "json_schema",
			Name:   observerSchemaName,
			Strict: &strict,
			Schema: observerSchema,
		},
	}
	p.Input = append(p.Input,
		protocol.DeveloperMessage(observerInstructions(trigger)),
		protocol.DeveloperMessage("Primary Goal\n"+trigger.GoalText),
	)
	p.Input = append(p.Input, FilterForObserver(trigger.Conversation)...)
	return p
}

func observerInstructions(trigger ObserverTrigger) string {
	var body string
	switch trigger.Reason {
	case ReasonFinalCheck:
		finishPhrase := "believes the goal has been fully completed"
		switch trigger.FinishStatus {
		case CoordinatorFailed:
			finishPhrase = "reported that it cannot complete the goal"
		case CoordinatorContinue:
			finishPhrase = "is still mid-run and should not have requested final validation"
		}
		body = fmt.Sprintf("You are performing a final validation run after the drive loop %s.\n"+
			"Study the full conversation and decide if the Primary Goal is truly satisfied.\n"+
			"- If absolutely everything is done, respond with `status`: 'ok' and leave the other fields null.\n"+
			"- If any required work remains, respond with `status`: 'failing' and provide `additional_instructions` describing what is done and what remains.\n"+
			"- Use `replace_message` only when the last prompt sent to the CLI must be replaced immediately.", finishPhrase)
	default:
		body = "You are observing a coordinator driving a CLI towards a Primary Goal.\n" +
			"Detect either of these issues: stuck in a loop, or not working towards the goal.\n" +
			"Respond with `status` 'ok' or 'failing'; when failing, provide `replace_message` and/or `additional_instructions`.\n" +
			"You are a last resort: almost always answer 'ok'."
	}
	return body + "\nEnvironment:\n" + trigger.Environment
}

// parseObserverResponse decodes the observer's JSON, tolerating prose around
// the object.
func parseObserverResponse(raw string) (ObserverOutcome, error) {
	blob := raw
	var probe struct {
		Status                 string  `json:"status"`
		ReplaceMessage         *string `json:"replace_message"`
		AdditionalInstructions *string `json:"additional_instructions"`
	}
	if err := json.Unmarshal([]byte(blob), &probe); err != nil {
		extracted, ok := extractFirstJSONObject(raw)
		if !ok {
			return ObserverOutcome{}, errors.New("observer response was not valid JSON")
		}
		if err := json.Unmarshal([]byte(extracted), &probe); err != nil {
			return ObserverOutcome{}, fmt.Errorf("decoding observer response: %w", err)
		}
	}

	var outcome ObserverOutcome
	switch probe.Status {
	case "ok":
		outcome.Status = ObserverOK
	case "failing":
		outcome.Status = ObserverFailing
	default:
		return ObserverOutcome{}, fmt.Errorf("unexpected status %q", probe.Status)
	}
	if probe.ReplaceMessage != nil {
		outcome.ReplaceMessage = strings.TrimSpace(*probe.ReplaceMessage)
	}
	if probe.AdditionalInstructions != nil {
		outcome.AdditionalInstructions = strings.TrimSpace(*probe.AdditionalInstructions)
	}
	if outcome.Status == ObserverFailing &&
		outcome.ReplaceMessage == "" && outcome.AdditionalInstructions == "" {
		log.Warn().Msg("observer returned failing status without guidance")
	}
	// OK verdicts keep instructions but never replace messages.
	if outcome.Status == ObserverOK {
		outcome.ReplaceMessage = ""
	}
	return outcome, nil
}

// FilterForObserver removes assistant reasoning blocks before the
// conversation is shown to the observer.
func FilterForObserver(conversation []protocol.ResponseItem) []protocol.ResponseItem {
	out := make([]protocol.ResponseItem, 0, len(conversation))
	for _, item := range conversation {
		if item.Type == protocol.ItemReasoning {
			continue
		}
		if item.Type == protocol.ItemMessage && item.ID == "auto-drive-reasoning" {
			continue
		}
		out = append(out, item)
	}
	return out
}

// maxInterventionSummary caps the user-visible intervention text.
const maxInterventionSummary = 160

// SummarizeIntervention produces the short status-line summary of an
// observer intervention.
func SummarizeIntervention(replaceMessage, additionalInstructions string) string {
	source := replaceMessage
	if source == "" {
		source = additionalInstructions
	}
	source = strings.TrimSpace(source)
	if source == "" {
		return ""
	}
	runes := []rune(source)
	if len(runes) > maxInterventionSummary {
		return string(runes[:maxInterventionSummary]) + "…"
	}
	return source
}

// extractFirstJSONObject scans for the first balanced {...} in text.
func extractFirstJSONObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// collectText streams a prompt and concatenates its answer text.
func collectText(ctx context.Context, cl *client.Client, p *prompt.Prompt) (string, error) {
	ch, errc, err := cl.Stream(ctx, p)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for evt := range ch {
		switch evt.Kind {
		case protocol.EventOutputTextDelta:
			out.WriteString(evt.Delta)
		case protocol.EventOutputItemDone:
			if evt.Item != nil && evt.Item.Type == protocol.ItemMessage && out.Len() == 0 {
				out.WriteString(evt.Item.MessageText())
			}
		}
	}
	if err := <-errc; err != nil {
		return "", err
	}
	return out.String(), nil
}
