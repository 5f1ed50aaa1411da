// Package protocol routes inbound client messages to the adapter core.
package protocol

import (
	"github.com/soddygo/kode-acp/pkg/models"
)

// ProtocolVersion is reported by initialize.
const ProtocolVersion = 1

// Inbound message types.
const (
	TypeInitialize     = "initialize"
	TypeNewSession     = "new_session"
	TypePrompt         = "prompt"
	TypeToolCall       = "tool_call"
	TypeModelCommand   = "model_command"
	TypeListModels     = "list_models"
	TypeCancel         = "cancel"
	TypeSetMode        = "set_mode"
	TypeEndSession     = "end_session"
	TypeExportSession  = "export_session"
	TypeImportSession  = "import_session"
	TypeParallelPrompt = "parallel_prompt"
	TypeSetPointer     = "set_pointer"
)

// Response types.
const (
	TypeError                 = "error"
	TypeInitializeResponse    = "initialize_response"
	TypeNewSessionResponse    = "new_session_response"
	TypePromptResponse        = "prompt_response"
	TypeToolCallResponse      = "tool_call_response"
	TypeModelResponse         = "model_response"
	TypeModelsResponse        = "models_response"
	TypeCancelResponse        = "cancel_response"
	TypeSetModeResponse       = "set_mode_response"
	TypeEndSessionResponse    = "end_session_response"
	TypeExportSessionResponse = "export_session_response"
	TypeImportSessionResponse = "import_session_response"
	TypeParallelResponse      = "parallel_response"
	TypePointerResponse       = "pointer_response"
)

// Model sub-commands.
const (
	CommandSwitch = "switch"
	CommandAsk    = "ask"
)

// Message is an inbound record. Only Type is always required; the other
// fields depend on it.
type Message struct {
	ID             interface{}              `json:"id,omitempty"`
	ToolCall       *models.ExternalToolCall `json:"toolCall,omitempty"`
	Snapshot       *models.SessionSnapshot  `json:"snapshot,omitempty"`
	Options        *models.InvokeOptions    `json:"options,omitempty"`
	Metadata       map[string]interface{}   `json:"metadata,omitempty"`
	Type           string                   `json:"type"`
	SessionID      string                   `json:"sessionId,omitempty"`
	Prompt         string                   `json:"prompt,omitempty"`
	Command        string                   `json:"command,omitempty"`
	ModelName      string                   `json:"modelName,omitempty"`
	Pointer        models.Pointer           `json:"pointer,omitempty"`
	Mode           models.SessionMode       `json:"mode,omitempty"`
	PermissionMode models.PermissionMode    `json:"permissionMode,omitempty"`
	Cwd            string                   `json:"cwd,omitempty"`
	Requests       []ParallelPrompt         `json:"requests,omitempty"`
}

// ParallelPrompt is one entry of a parallel_prompt request.
type ParallelPrompt struct {
	Options   *models.InvokeOptions `json:"options,omitempty"`
	Prompt    string                `json:"prompt"`
	ModelName string                `json:"modelName,omitempty"`
	Pointer   models.Pointer        `json:"pointer,omitempty"`
}

// Response is any outbound record.
type Response interface {
	envelope() *Envelope
}

// Envelope carries the fields common to every response.
type Envelope struct {
	ID   interface{} `json:"id,omitempty"`
	Type string      `json:"type"`
}

func (e *Envelope) envelope() *Envelope { return e }

// Kind returns the response type.
func Kind(r Response) string {
	if r == nil {
		return ""
	}
	return r.envelope().Type
}

// ErrorResponse reports a failed message.
type ErrorResponse struct {
	Envelope
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Capabilities advertises what the adapter supports.
type Capabilities struct {
	Tools           []string                `json:"tools"`
	Modes           []models.SessionMode    `json:"modes"`
	PermissionModes []models.PermissionMode `json:"permissionModes"`
	Pointers        []models.Pointer        `json:"pointers"`
	ParallelPrompts bool                    `json:"parallelPrompts"`
	SessionExport   bool                    `json:"sessionExport"`
}

// InitializeResponse answers initialize.
type InitializeResponse struct {
	Envelope
	Capabilities    Capabilities `json:"capabilities"`
	AvailableModels []string     `json:"availableModels"`
	ProtocolVersion int          `json:"protocolVersion"`
}

// NewSessionResponse answers new_session.
type NewSessionResponse struct {
	Envelope
	SessionID string `json:"sessionId"`
}

// PromptResult is the model answer of a prompt.
type PromptResult struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Model string `json:"model"`
}

// Usage is an estimated token count.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// PromptResponse answers prompt.
type PromptResponse struct {
	Envelope
	Usage     *Usage       `json:"usage,omitempty"`
	SessionID string       `json:"sessionId"`
	Response  PromptResult `json:"response"`
}

// ToolCallResponse answers tool_call.
type ToolCallResponse struct {
	Envelope
	Result     models.ExternalToolResult `json:"result"`
	SessionID  string                    `json:"sessionId"`
	ToolCallID string                    `json:"toolCallId"`
}

// ModelResponse answers model_command. Switch fills Message and
// CurrentModel; ask fills Model and Response.
type ModelResponse struct {
	Envelope
	Message      string `json:"message,omitempty"`
	CurrentModel string `json:"currentModel,omitempty"`
	Model        string `json:"model,omitempty"`
	Response     string `json:"response,omitempty"`
	Success      bool   `json:"success"`
}

// ModelInfo is one entry of models_response.
type ModelInfo struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"`
	ModelID       string `json:"modelId,omitempty"`
	ContextWindow int    `json:"contextWindow,omitempty"`
	IsCurrent     bool   `json:"isCurrent"`
}

// ModelsResponse answers list_models.
type ModelsResponse struct {
	Envelope
	Pointers     models.ModelPointers `json:"pointers,omitempty"`
	CurrentModel string               `json:"currentModel"`
	Models       []ModelInfo          `json:"models"`
}

// CancelResponse answers cancel.
type CancelResponse struct {
	Envelope
	SessionID string `json:"sessionId"`
	Cancelled bool   `json:"cancelled"`
}

// SetModeResponse answers set_mode.
type SetModeResponse struct {
	Envelope
	SessionID string             `json:"sessionId"`
	Mode      models.SessionMode `json:"mode"`
}

// EndSessionResponse answers end_session.
type EndSessionResponse struct {
	Envelope
	SessionID string `json:"sessionId"`
	Destroyed bool   `json:"destroyed"`
}

// ExportSessionResponse answers export_session.
type ExportSessionResponse struct {
	Envelope
	Snapshot models.SessionSnapshot `json:"snapshot"`
}

// ImportSessionResponse answers import_session.
type ImportSessionResponse struct {
	Envelope
	SessionID string `json:"sessionId"`
}

// ParallelEntry is one result of parallel_response.
type ParallelEntry struct {
	Model      string `json:"model"`
	Response   string `json:"response,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"durationMs"`
}

// ParallelResponse answers parallel_prompt.
type ParallelResponse struct {
	Envelope
	Results []ParallelEntry `json:"results"`
}

// PointerResponse answers set_pointer.
type PointerResponse struct {
	Envelope
	Pointer   models.Pointer `json:"pointer"`
	ModelName string         `json:"modelName"`
}
