// Package prompt assembles the per-turn request payload sent to the model:
// instructions, prefix messages, conversation items, and tool schemas.
package prompt

import (
	"encoding/json"
	"strings"

	"github.com/xonecas/coda/internal/protocol"
)

// applyPatchToolInstructions is appended to the base instructions for model
// families that need patch syntax guidance and lack an apply_patch tool.
const applyPatchToolInstructions = `## apply_patch

Use the apply_patch function to edit files. Patches use the following envelope:

*** Begin Patch
*** Update File: path/to/file
@@ context
-old line
+new line
*** End Patch`

// ModelFamily describes a model's prompting requirements.
type ModelFamily struct {
	Slug                               string
	BaseInstructions                   string
	NeedsSpecialApplyPatchInstructions bool
	SupportsReasoningSummaries         bool
}

// FamilyForModel resolves the family descriptor for a model slug.
func FamilyForModel(slug string) ModelFamily {
	f := ModelFamily{Slug: slug, BaseInstructions: baseInstructions}
	switch {
	case strings.HasPrefix(slug, "gpt-4.1"):
		f.NeedsSpecialApplyPatchInstructions = true
	case strings.HasPrefix(slug, "gpt-5") || strings.HasPrefix(slug, "o3") || strings.HasPrefix(slug, "o4"):
		f.SupportsReasoningSummaries = true
	}
	return f
}

const baseInstructions = `You are a coding agent running in a terminal. Work
inside the user's repository, prefer small verifiable steps, and use the
provided tools to read, search, and edit files.`

// TextFormat is the optional structured output format for text.format.
type TextFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// TextControls serializes either {"format": ...} or {"verbosity": ...};
// when a structured format is present verbosity is omitted per API rules.
type TextControls struct {
	Verbosity string
	Format    *TextFormat
}

// MarshalJSON implements the format-over-verbosity exclusivity.
func (t TextControls) MarshalJSON() ([]byte, error) {
	if t.Format != nil {
		return json.Marshal(struct {
			Format *TextFormat `json:"format"`
		}{t.Format})
	}
	v := t.Verbosity
	if v == "" {
		v = "medium"
	}
	return json.Marshal(struct {
		Verbosity string `json:"verbosity"`
	}{v})
}

// ReasoningControls is the optional reasoning block of the request.
type ReasoningControls struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// WireRequest is the serialized request payload for one model turn.
type WireRequest struct {
	Model             string                  `json:"model"`
	Instructions      string                  `json:"instructions"`
	Input             []protocol.ResponseItem `json:"input"`
	Tools             []protocol.ToolSchema   `json:"tools"`
	ToolChoice        string                  `json:"tool_choice"`
	ParallelToolCalls bool                    `json:"parallel_tool_calls"`
	Reasoning         *ReasoningControls      `json:"reasoning,omitempty"`
	Text              *TextControls           `json:"text,omitempty"`
	Store             bool                    `json:"store"`
	Stream            bool                    `json:"stream"`
	Include           []string                `json:"include,omitempty"`
	PromptCacheKey    string                  `json:"prompt_cache_key,omitempty"`
}

// Prompt is the in-flight request state for one turn. It is constructed per
// turn, serialized, and discarded once the turn completes.
type Prompt struct {
	Input []protocol.ResponseItem
	Tools []protocol.ToolSchema
	Store bool

	BaseInstructionsOverride string
	UserInstructions         string
	EnvironmentContext       *EnvironmentContext

	// AdditionalInstructions is the developer message prepended when
	// IncludeAdditionalInstructions is set.
	AdditionalInstructions        string
	IncludeAdditionalInstructions bool

	TextVerbosity string
	TextFormat    *TextFormat
	ModelOverride string
	OutputSchema  json.RawMessage

	// StatusItems are regenerated fresh for each request and appended last.
	StatusItems []protocol.ResponseItem

	// ChatGPTAuth controls the reasoning.encrypted_content include.
	ChatGPTAuth bool

	ReasoningEffort string
	PromptCacheKey  string
}

// FullInstructions resolves the instruction string for the given family,
// appending the apply_patch appendix when the family requires it and no
// apply_patch tool is exposed.
func (p *Prompt) FullInstructions(family ModelFamily) string {
	base := p.BaseInstructionsOverride
	if base == "" {
		base = family.BaseInstructions
	}
	if p.BaseInstructionsOverride == "" &&
		family.NeedsSpecialApplyPatchInstructions &&
		!p.hasApplyPatchTool() {
		return base + "\n" + applyPatchToolInstructions
	}
	return base
}

func (p *Prompt) hasApplyPatchTool() bool {
	for _, t := range p.Tools {
		if t.Name == "apply_patch" {
			return true
		}
	}
	return false
}

// FormattedInput builds the final input list: optional developer message,
// environment context, user instructions, the existing items with duplicate
// function call outputs removed, then status items. Prefix messages are
// injected only when the existing input does not already carry them.
func (p *Prompt) FormattedInput() []protocol.ResponseItem {
	input := make([]protocol.ResponseItem, 0, len(p.Input)+len(p.StatusItems)+3)

	if p.IncludeAdditionalInstructions {
		if p.AdditionalInstructions != "" {
			input = append(input, protocol.DeveloperMessage(p.AdditionalInstructions))
		}
		if p.EnvironmentContext != nil && !p.inputContainsTag(strings.TrimSpace(environmentContextStart)) {
			input = append(input, p.EnvironmentContext.Message())
		}
		if p.UserInstructions != "" && !p.inputContainsTag(userInstructionsStart) {
			input = append(input, protocol.UserMessage(formatUserInstructions(p.UserInstructions)))
		}
	}

	seen := make(map[string]bool)
	for _, item := range p.Input {
		if item.Type == protocol.ItemFunctionCallOutput {
			if seen[item.CallID] {
				continue
			}
			seen[item.CallID] = true
		}
		input = append(input, item)
	}

	input = append(input, p.StatusItems...)
	limitImagesInInput(input)
	return input
}

func (p *Prompt) inputContainsTag(tag string) bool {
	for _, item := range p.Input {
		if item.Type != protocol.ItemMessage || item.Role != protocol.RoleUser {
			continue
		}
		for _, c := range item.Content {
			if c.Type == protocol.ContentInputText && strings.Contains(c.Text, tag) {
				return true
			}
		}
	}
	return false
}

// Assemble produces the wire payload for the prompt under the given family.
func (p *Prompt) Assemble(family ModelFamily) WireRequest {
	model := family.Slug
	if p.ModelOverride != "" {
		model = p.ModelOverride
	}
	req := WireRequest{
		Model:             model,
		Instructions:      p.FullInstructions(family),
		Input:             p.FormattedInput(),
		Tools:             p.Tools,
		ToolChoice:        "auto",
		ParallelToolCalls: false,
		Store:             p.Store,
		Stream:            true,
		PromptCacheKey:    p.PromptCacheKey,
	}
	if req.Tools == nil {
		req.Tools = []protocol.ToolSchema{}
	}
	if family.SupportsReasoningSummaries {
		req.Reasoning = &ReasoningControls{Effort: p.ReasoningEffort, Summary: "auto"}
	}
	req.Text = &TextControls{Verbosity: p.TextVerbosity, Format: p.TextFormat}
	if p.ChatGPTAuth {
		req.Include = append(req.Include, "reasoning.encrypted_content")
	}
	return req
}

// maxImagesPerPrompt caps retained image inputs: the first plus the last four.
const maxImagesPerPrompt = 5

const removedImagePlaceholder = "[image removed to fit prompt limits]"

// limitImagesInInput enforces the image cap in place, replacing dropped image
// content items with a text placeholder.
func limitImagesInInput(input []protocol.ResponseItem) {
	type imageRef struct{ item, content int }
	var images []imageRef
	for i := range input {
		if input[i].Type != protocol.ItemMessage {
			continue
		}
		for j := range input[i].Content {
			if input[i].Content[j].Type == protocol.ContentInputImage {
				images = append(images, imageRef{item: i, content: j})
			}
		}
	}
	if len(images) <= maxImagesPerPrompt {
		return
	}
	// Keep the first and the last four; drop everything in between.
	keep := make(map[imageRef]bool, maxImagesPerPrompt)
	keep[images[0]] = true
	for _, ref := range images[len(images)-(maxImagesPerPrompt-1):] {
		keep[ref] = true
	}
	for _, ref := range images {
		if keep[ref] {
			continue
		}
		input[ref.item].Content[ref.content] = protocol.InputText(removedImagePlaceholder)
	}
}
