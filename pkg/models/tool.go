package models

// ExternalToolCall is a tool invocation in the client protocol vocabulary.
type ExternalToolCall struct {
	Input map[string]interface{} `json:"input"`
	Name  string                 `json:"name"`
	ID    string                 `json:"id,omitempty"`
}

// InternalToolCall is a tool invocation in the engine vocabulary.
type InternalToolCall struct {
	Input            map[string]interface{} `json:"input"`
	Name             string                 `json:"name"`
	ID               string                 `json:"id"`
	WorkingDirectory string                 `json:"workingDirectory,omitempty"`
}

// ToolResult is the engine's answer to an InternalToolCall.
type ToolResult struct {
	CallID  string `json:"callId"`
	Content string `json:"content"`
	IsError bool   `json:"isError"`
}

// ExternalToolResult is the canonical envelope returned to the client.
type ExternalToolResult map[string]interface{}

// ToolResultKind is the value of the "type" key of an ExternalToolResult.
const ToolResultKind = "tool_result"
