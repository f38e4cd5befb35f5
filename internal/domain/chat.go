package domain

import "encoding/json"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	PartText  = "text"
	PartImage = "image_url"
)

// ContentPart is one element of a multi-part message. ImageURL carries a data
// URL for inlined page images.
type ContentPart struct {
	Type     string
	Text     string
	ImageURL string
}

// ChatMessage is the provider-agnostic chat message shape used by the
// orchestrator and LLM integrations. When Parts is set it takes precedence over
// Content.
type ChatMessage struct {
	Role       Role
	Content    string
	Parts      []ContentPart
	ToolCalls  []ToolCall
	ToolCallID string
}

// HasImages reports whether the message carries inlined image parts.
func (m ChatMessage) HasImages() bool {
	for _, p := range m.Parts {
		if p.Type == PartImage {
			return true
		}
	}
	return false
}

// ToolCall is a structured tool invocation requested by the completion backend.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// Tool describes a callable capability offered to the completion backend.
// Parameters is a JSON schema object.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// Completion is the result of one completion call.
type Completion struct {
	Content   string
	ToolCalls []ToolCall
	Model     string
}
