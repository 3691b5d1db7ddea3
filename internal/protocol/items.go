// Package protocol defines the wire-level data model shared by the client,
// the turn engine, the history reducer, and the rollout recorder.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Item type tags as they appear on the wire.
const (
	ItemMessage            = "message"
	ItemReasoning          = "reasoning"
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemLocalShellCall     = "local_shell_call"
	ItemWebSearchCall      = "web_search_call"
	// ItemOther marks an unrecognized wire item. Other items are carried
	// in memory for bookkeeping but are never serialized back out.
	ItemOther = "other"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content item type tags.
const (
	ContentInputText  = "input_text"
	ContentInputImage = "input_image"
	ContentOutputText = "output_text"
)

// ContentItem is one block of message content.
type ContentItem struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// InputText builds an input_text content item.
func InputText(text string) ContentItem {
	return ContentItem{Type: ContentInputText, Text: text}
}

// InputImage builds an input_image content item.
func InputImage(url string) ContentItem {
	return ContentItem{Type: ContentInputImage, ImageURL: url}
}

// OutputText builds an output_text content item.
func OutputText(text string) ContentItem {
	return ContentItem{Type: ContentOutputText, Text: text}
}

// FunctionOutput is the payload of a function_call_output item.
type FunctionOutput struct {
	Content []ContentItem `json:"content"`
	Success *bool         `json:"success,omitempty"`
}

// Text concatenates the text blocks of the output.
func (o FunctionOutput) Text() string {
	var s string
	for _, c := range o.Content {
		if c.Type == ContentInputText || c.Type == ContentOutputText {
			s += c.Text
		}
	}
	return s
}

// LocalShellAction describes the exec request of a local_shell_call item.
type LocalShellAction struct {
	Type       string   `json:"type"`
	Command    []string `json:"command,omitempty"`
	TimeoutMS  int      `json:"timeout_ms,omitempty"`
	WorkingDir string   `json:"working_directory,omitempty"`
}

// ResponseItem is the atomic unit of transcript and wire protocol. It is a
// closed sum tagged by Type; only the fields relevant to the tag are set.
// Unknown wire tags decode to ItemOther and round-trip nowhere.
type ResponseItem struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// message
	Role    string        `json:"role,omitempty"`
	Content []ContentItem `json:"content,omitempty"`

	// reasoning
	Summary          []ContentItem `json:"summary,omitempty"`
	EncryptedContent string        `json:"encrypted_content,omitempty"`

	// function_call and function_call_output
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments string          `json:"arguments,omitempty"`
	Output    *FunctionOutput `json:"output,omitempty"`

	// local_shell_call
	Action *LocalShellAction `json:"action,omitempty"`

	// web_search_call
	Query string `json:"query,omitempty"`

	// raw holds the original bytes of an ItemOther for debugging only.
	raw json.RawMessage
}

// UserMessage builds a user message item with a single text block.
func UserMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    RoleUser,
		Content: []ContentItem{InputText(text)},
	}
}

// DeveloperMessage builds a developer message item with a single text block.
func DeveloperMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    RoleDeveloper,
		Content: []ContentItem{InputText(text)},
	}
}

// AssistantMessage builds an assistant message item with a single text block.
func AssistantMessage(text string) ResponseItem {
	return ResponseItem{
		Type:    ItemMessage,
		Role:    RoleAssistant,
		Content: []ContentItem{OutputText(text)},
	}
}

// CallOutput builds a function_call_output item.
func CallOutput(callID, text string, success bool) ResponseItem {
	ok := success
	return ResponseItem{
		Type:   ItemFunctionCallOutput,
		CallID: callID,
		Output: &FunctionOutput{
			Content: []ContentItem{InputText(text)},
			Success: &ok,
		},
	}
}

// MessageText concatenates the text content of a message or reasoning item.
func (it ResponseItem) MessageText() string {
	var s string
	for _, c := range it.Content {
		s += c.Text
	}
	return s
}

// IsSerializable reports whether the item may appear in outbound requests or
// rollout files. ItemOther is the only excluded variant.
func (it ResponseItem) IsSerializable() bool {
	switch it.Type {
	case ItemMessage, ItemReasoning, ItemFunctionCall, ItemFunctionCallOutput,
		ItemLocalShellCall, ItemWebSearchCall:
		return true
	}
	return false
}

// UnmarshalJSON decodes a wire item, mapping unrecognized tags to ItemOther.
func (it *ResponseItem) UnmarshalJSON(data []byte) error {
	type alias ResponseItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*it = ResponseItem(a)
	if !it.IsSerializable() {
		it.Type = ItemOther
		it.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

// MarshalJSON refuses to serialize ItemOther so opaque items cannot leak into
// requests or rollouts.
func (it ResponseItem) MarshalJSON() ([]byte, error) {
	if !it.IsSerializable() {
		return nil, fmt.Errorf("protocol: refusing to serialize %q item", it.Type)
	}
	type alias ResponseItem
	return json.Marshal(alias(it))
}

// ToolSchema describes a function tool exposed to the model. Parameters is a
// raw JSON Schema so serialization order is deterministic.
type ToolSchema struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// FunctionTool builds a function tool schema, substituting an empty object
// schema when params is nil.
func FunctionTool(name, description string, params json.RawMessage) ToolSchema {
	if len(params) == 0 {
		params = json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return ToolSchema{Type: "function", Name: name, Description: description, Parameters: params}
}
