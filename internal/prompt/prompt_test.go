package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/xonecas/coda/internal/protocol"
)

func testEnv() *EnvironmentContext {
	return &EnvironmentContext{
		Cwd:            "/work/repo",
		ApprovalPolicy: "on-request",
		SandboxMode:    "workspace-write",
		NetworkAccess:  "restricted",
		Shell:          "bash",
	}
}

func TestPrefixMessagesOrderAndTags(t *testing.T) {
	p := &Prompt{
		IncludeAdditionalInstructions: true,
		EnvironmentContext:            testEnv(),
		UserInstructions:              "prefer tabs",
		Input:                         []protocol.ResponseItem{protocol.UserMessage("hello")},
	}
	input := p.FormattedInput()
	if len(input) != 3 {
		t.Fatalf("len(input) = %d, want 3", len(input))
	}
	env := input[0].Content[0].Text
	if !strings.HasPrefix(env, "<environment_context>\n\n") {
		t.Errorf("env message prefix wrong: %q", env[:40])
	}
	if !strings.HasSuffix(env, "</environment_context>") {
		t.Errorf("env message suffix wrong: %q", env[len(env)-40:])
	}
	ui := input[1].Content[0].Text
	if !strings.HasPrefix(ui, "<user_instructions>\n\n") {
		t.Errorf("user instructions prefix wrong: %q", ui)
	}
	if input[2].MessageText() != "hello" {
		t.Errorf("user text = %q", input[2].MessageText())
	}
}

func TestPrefixMessagesIdempotent(t *testing.T) {
	p := &Prompt{
		IncludeAdditionalInstructions: true,
		EnvironmentContext:            testEnv(),
		UserInstructions:              "prefer tabs",
		Input:                         []protocol.ResponseItem{protocol.UserMessage("hello")},
	}
	// Simulate N turns where the previous formatted input is carried forward.
	for turn := 0; turn < 4; turn++ {
		p.Input = p.FormattedInput()
	}
	count := 0
	for _, item := range p.Input {
		if strings.Contains(item.MessageText(), "<environment_context>") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("environment context appears %d times, want 1", count)
	}
	count = 0
	for _, item := range p.Input {
		if strings.Contains(item.MessageText(), "<user_instructions>") {
			count++
		}
	}
	if count != 1 {
		t.Errorf("user instructions appears %d times, want 1", count)
	}
}

func TestDuplicateCallOutputsDropped(t *testing.T) {
	p := &Prompt{
		Input: []protocol.ResponseItem{
			protocol.CallOutput("call-1", "first", true),
			protocol.CallOutput("call-1", "second", true),
			protocol.CallOutput("call-2", "other", true),
		},
	}
	input := p.FormattedInput()
	if len(input) != 2 {
		t.Fatalf("len(input) = %d, want 2", len(input))
	}
	if input[0].Output.Text() != "first" {
		t.Errorf("kept wrong duplicate: %q", input[0].Output.Text())
	}
}

func TestImageCap(t *testing.T) {
	var items []protocol.ResponseItem
	for i := 0; i < 9; i++ {
		items = append(items, protocol.ResponseItem{
			Type:    protocol.ItemMessage,
			Role:    protocol.RoleUser,
			Content: []protocol.ContentItem{protocol.InputImage("img")},
		})
	}
	p := &Prompt{Input: items}
	input := p.FormattedInput()

	var kept []int
	for i, item := range input {
		if item.Content[0].Type == protocol.ContentInputImage {
			kept = append(kept, i)
		} else if item.Content[0].Text != removedImagePlaceholder {
			t.Errorf("removed slot %d lacks placeholder", i)
		}
	}
	want := []int{0, 5, 6, 7, 8}
	if len(kept) != len(want) {
		t.Fatalf("kept %v, want %v", kept, want)
	}
	for i := range want {
		if kept[i] != want[i] {
			t.Fatalf("kept %v, want %v", kept, want)
		}
	}
}

func TestApplyPatchAppendix(t *testing.T) {
	family := ModelFamily{
		Slug:                               "gpt-4.1",
		BaseInstructions:                   "base",
		NeedsSpecialApplyPatchInstructions: true,
	}
	p := &Prompt{}
	if got := p.FullInstructions(family); !strings.Contains(got, "apply_patch") {
		t.Error("expected appendix when family needs it and no tool present")
	}

	p.Tools = []protocol.ToolSchema{protocol.FunctionTool("apply_patch", "", nil)}
	if got := p.FullInstructions(family); strings.Contains(got, "*** Begin Patch") {
		t.Error("appendix must be omitted when apply_patch tool is exposed")
	}

	p.BaseInstructionsOverride = "custom"
	p.Tools = nil
	if got := p.FullInstructions(family); got != "custom" {
		t.Errorf("override not respected: %q", got)
	}
}

func TestTextControlsSerialization(t *testing.T) {
	b, err := json.Marshal(TextControls{Verbosity: "low"})
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"verbosity":"low"}` {
		t.Errorf("verbosity form = %s", b)
	}

	strict := true
	b, err = json.Marshal(TextControls{
		Verbosity: "low",
		Format:    &TextFormat{Type: "json_schema", Name: "obs", Strict: &strict},
	})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "verbosity") {
		t.Errorf("verbosity must be omitted with structured format: %s", b)
	}
	if !strings.Contains(string(b), `"json_schema"`) {
		t.Errorf("format missing: %s", b)
	}
}

func TestAssembleIncludesEncryptedReasoningForChatGPTAuth(t *testing.T) {
	p := &Prompt{ChatGPTAuth: true}
	req := p.Assemble(FamilyForModel("gpt-5-codex"))
	found := false
	for _, inc := range req.Include {
		if inc == "reasoning.encrypted_content" {
			found = true
		}
	}
	if !found {
		t.Error("missing reasoning.encrypted_content include")
	}
	if req.Reasoning == nil {
		t.Error("gpt-5 family should set reasoning controls")
	}
}
