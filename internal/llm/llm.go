// Package llm wraps the language-model provider behind a narrow interface:
// tool-calling chat for the extraction loop, schema-constrained JSON for the
// batch scanners, and embeddings for the dedup index.
package llm

import (
	"context"
	"encoding/json"
)

// Provider is the model client consumed by the extraction engine and the
// background scanners.
type Provider interface {
	// ChatWithTools runs one chat round trip carrying the full transcript and
	// the fixed tool schemas. ForceTool requires the model to call some tool.
	ChatWithTools(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// GenerateJSON asks for a single JSON object constrained by schema and
	// returns the raw JSON text.
	GenerateJSON(ctx context.Context, system, prompt string, schema json.RawMessage) (string, error)
	// Embed returns one vector per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Message is one transcript turn. Image, when set on a user turn, is attached
// as an inline image part. ToolCalls echoes an assistant turn's calls;
// ToolCallID marks a tool-response turn.
type Message struct {
	Role       string
	Text       string
	Image      []byte
	ToolCalls  []ToolCall
	ToolCallID string
}

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one raw function call emitted by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// Tool is one function schema offered to the model.
type Tool struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// ChatRequest carries one round trip of the tool loop.
type ChatRequest struct {
	Messages  []Message
	Tools     []Tool
	ForceTool bool
}

// ChatResponse is the model's turn: plain text, tool calls, or both.
type ChatResponse struct {
	Text      string
	ToolCalls []ToolCall
}
