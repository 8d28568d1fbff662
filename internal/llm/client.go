// Package llm defines the reasoning-backend contract and its Gemini
// implementation. The orchestrator depends only on the Client interface so
// tests can substitute a scripted fake.
package llm

import "context"

// Message roles in a conversation transcript.
const (
	RoleUser     = "user"
	RoleModel    = "model"
	RoleFunction = "function"
)

// ToolDefinition describes a tool that the model can invoke.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input"`
}

// ToolResult carries the outcome of executing one requested tool.
type ToolResult struct {
	ToolUseID string `json:"tool_use_id"`
	Name      string `json:"name"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// Message is one transcript element. Exactly one of Text/Calls/Results is
// meaningful depending on Role: user text, model text plus tool calls, or
// function results fed back to the model.
type Message struct {
	Role    string       `json:"role"`
	Text    string       `json:"text,omitempty"`
	Calls   []ToolCall   `json:"calls,omitempty"`
	Results []ToolResult `json:"results,omitempty"`
}

// Usage captures token accounting from one model turn.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// ToolResponse is one model turn: text, tool calls, or both.
type ToolResponse struct {
	Text       string     `json:"text"`
	ToolCalls  []ToolCall `json:"tool_calls"`
	StopReason string     `json:"stop_reason"`
	Usage      Usage      `json:"usage"`
}

// Client is the reasoning-backend call contract.
type Client interface {
	// Complete sends a single prompt and returns the text completion.
	Complete(ctx context.Context, prompt string) (string, error)
	// CompleteWithTools sends the conversation so far with tool
	// declarations and returns the next model turn.
	CompleteWithTools(ctx context.Context, systemPrompt string, history []Message, tools []ToolDefinition) (*ToolResponse, error)
}
