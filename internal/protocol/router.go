package protocol

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/internal/llm"
	"github.com/soddygo/kode-acp/internal/permission"
	"github.com/soddygo/kode-acp/internal/session"
	"github.com/soddygo/kode-acp/internal/telemetry"
	"github.com/soddygo/kode-acp/internal/tools"
	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// Router is the single entry point for inbound messages.
type Router struct {
	sessions   *session.Manager
	policy     *permission.Policy
	converter  *tools.Converter
	dispatcher *tools.Dispatcher
	models     *llm.Registry
	metrics    *telemetry.Metrics
	defaultCwd string
}

// Deps are the collaborators of a Router. Metrics may be nil.
type Deps struct {
	Sessions   *session.Manager
	Policy     *permission.Policy
	Converter  *tools.Converter
	Dispatcher *tools.Dispatcher
	Models     *llm.Registry
	Metrics    *telemetry.Metrics
	// DefaultCwd is used for sessions created without a cwd.
	DefaultCwd string
}

// NewRouter creates a router over deps.
func NewRouter(deps Deps) *Router {
	return &Router{
		sessions:   deps.Sessions,
		policy:     deps.Policy,
		converter:  deps.Converter,
		dispatcher: deps.Dispatcher,
		models:     deps.Models,
		metrics:    deps.Metrics,
		defaultCwd: deps.DefaultCwd,
	}
}

// Decode parses one inbound record.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeValidation, "malformed message", err)
	}
	return &msg, nil
}

// HandleRaw decodes and handles one record. Blank input yields no response
// (ok=false); undecodable input yields an error response.
func (r *Router) HandleRaw(ctx context.Context, data []byte) (resp Response, ok bool) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false
	}
	msg, err := Decode(data)
	if err != nil {
		r.metrics.Message(ctx, "malformed", false)
		return errorResponse(err), true
	}
	return r.HandleMessage(ctx, msg), true
}

// HandleMessage dispatches msg by type and always returns exactly one
// response. Failures are converted to error responses; a panic in a handler
// becomes an INTERNAL_ERROR response.
func (r *Router) HandleMessage(ctx context.Context, msg *Message) (resp Response) {
	if msg == nil {
		return errorResponse(apperrors.Validation("empty message"))
	}
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("type", msg.Type).Msg("Message handler panicked")
			resp = errorResponse(apperrors.New(apperrors.ErrCodeInternal, fmt.Sprintf("internal error: %v", rec), nil))
		}
		resp.envelope().ID = msg.ID

		failed := Kind(resp) == TypeError
		r.metrics.Message(ctx, msg.Type, !failed)
		ev := log.Debug()
		if failed {
			ev = log.Warn().Str("error", resp.(*ErrorResponse).Error)
		}
		ev.Str("type", msg.Type).Str("sessionId", msg.SessionID).Dur("took", time.Since(start)).Msg("Message handled")
	}()

	var err error
	switch msg.Type {
	case TypeInitialize:
		resp = r.handleInitialize()
	case TypeNewSession:
		resp, err = r.handleNewSession(msg)
	case TypePrompt:
		resp, err = r.handlePrompt(ctx, msg)
	case TypeToolCall:
		resp, err = r.handleToolCall(ctx, msg)
	case TypeModelCommand:
		resp, err = r.handleModelCommand(ctx, msg)
	case TypeListModels:
		resp = r.handleListModels()
	case TypeCancel:
		resp, err = r.handleCancel(msg)
	case TypeSetMode:
		resp, err = r.handleSetMode(msg)
	case TypeEndSession:
		resp, err = r.handleEndSession(msg)
	case TypeExportSession:
		resp, err = r.handleExportSession(msg)
	case TypeImportSession:
		resp, err = r.handleImportSession(msg)
	case TypeParallelPrompt:
		resp, err = r.handleParallelPrompt(ctx, msg)
	case TypeSetPointer:
		resp, err = r.handleSetPointer(msg)
	case "":
		err = apperrors.Validation("message type is required")
	default:
		err = apperrors.Validation("unknown message type: %s", msg.Type)
	}
	if err != nil {
		resp = errorResponse(err)
	}
	return resp
}

func errorResponse(err error) *ErrorResponse {
	return &ErrorResponse{
		Envelope: Envelope{Type: TypeError},
		Error:    apperrors.MessageOf(err),
		Code:     apperrors.CodeOf(err),
	}
}

func requireSessionID(msg *Message) error {
	if msg.SessionID == "" {
		return apperrors.Validation("%s requires sessionId", msg.Type)
	}
	return nil
}

func (r *Router) handleInitialize() Response {
	return &InitializeResponse{
		Envelope:        Envelope{Type: TypeInitializeResponse},
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capabilities{
			Tools:           r.converter.Table().ExternalNames(),
			Modes:           models.AllModes,
			PermissionModes: []models.PermissionMode{models.PermissionSafe, models.PermissionYolo},
			Pointers:        models.AllPointers,
			ParallelPrompts: true,
			SessionExport:   true,
		},
		AvailableModels: r.models.Names(),
	}
}

func (r *Router) handleNewSession(msg *Message) (Response, error) {
	cwd := msg.Cwd
	if cwd == "" {
		cwd = r.defaultCwd
	}
	id, err := r.sessions.CreateSession(models.SessionConfig{
		ID:               msg.SessionID,
		Mode:             msg.Mode,
		WorkingDirectory: cwd,
		PermissionMode:   msg.PermissionMode,
		Metadata:         msg.Metadata,
	})
	if err != nil {
		return nil, err
	}
	return &NewSessionResponse{Envelope: Envelope{Type: TypeNewSessionResponse}, SessionID: id}, nil
}

func (r *Router) handlePrompt(ctx context.Context, msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	if msg.Prompt == "" {
		return nil, apperrors.Validation("prompt requires prompt text")
	}
	sess, ok := r.sessions.GetSession(msg.SessionID)
	if !ok {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}
	if sess.Cancelled {
		return nil, apperrors.Validation("session %s is cancelled", msg.SessionID)
	}

	profile, err := r.models.Resolve(msg.ModelName)
	if err != nil {
		return nil, err
	}
	promptTokens := llm.EstimateTokens(msg.Prompt)
	if profile.ContextWindow > 0 && promptTokens > profile.ContextWindow {
		return nil, apperrors.Validation("prompt of %d tokens exceeds the %d token context window of %s",
			promptTokens, profile.ContextWindow, profile.Name)
	}

	opts := invokeOptions(msg.Options)
	opts.Metadata["sessionId"] = sess.ID
	opts.Metadata["cwd"] = sess.WorkingDirectory

	start := time.Now()
	text, err := r.models.Invoke(ctx, profile, msg.Prompt, opts)
	r.metrics.ModelLatency(ctx, profile.Name, time.Since(start), err == nil)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCollaborator, fmt.Sprintf("model %s failed", profile.Name), err)
	}

	return &PromptResponse{
		Envelope:  Envelope{Type: TypePromptResponse},
		SessionID: sess.ID,
		Response:  PromptResult{Type: "text", Text: text, Model: profile.Name},
		Usage:     &Usage{PromptTokens: promptTokens, CompletionTokens: llm.EstimateTokens(text)},
	}, nil
}

func invokeOptions(in *models.InvokeOptions) models.InvokeOptions {
	var opts models.InvokeOptions
	if in != nil {
		opts = *in
	}
	meta := make(map[string]interface{}, len(opts.Metadata)+2)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	opts.Metadata = meta
	return opts
}

// effectiveMode is the mode a tool call is judged under. Safe sessions never
// bypass permissions.
func effectiveMode(sess *models.Session) models.SessionMode {
	if sess.PermissionMode == models.PermissionSafe && sess.Mode == models.ModeBypassPermissions {
		return models.ModeDefault
	}
	return sess.Mode
}

func (r *Router) handleToolCall(ctx context.Context, msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	if msg.ToolCall == nil || msg.ToolCall.Name == "" {
		return nil, apperrors.Validation("tool_call requires toolCall.name")
	}
	sess, ok := r.sessions.GetSession(msg.SessionID)
	if !ok {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}

	external := *msg.ToolCall
	call, err := r.converter.ToInternal(external)
	if err != nil {
		r.metrics.ToolCall(ctx, external.Name, true)
		return nil, err
	}

	mode := effectiveMode(sess)
	decision, err := r.policy.RequestPermissionAs(mode, external.Name)
	if err != nil {
		r.converter.Forget(call.ID)
		return nil, err
	}
	if !decision.Allowed {
		r.metrics.Denial(ctx, external.Name, string(mode))
		log.Info().
			Str("sessionId", sess.ID).
			Str("tool", external.Name).
			Str("mode", string(mode)).
			Str("reason", decision.Reason).
			Msg("Tool call denied")
		result := r.converter.ConvertInternalResultToExternal(models.ToolResult{
			CallID:  call.ID,
			Content: fmt.Sprintf("permission denied: %s (%s mode)", decision.Reason, mode),
			IsError: true,
		}, call.Name)
		result["permissionDenied"] = true
		result["code"] = apperrors.ErrCodePermissionDenied
		return r.toolCallResponse(sess.ID, call.ID, result), nil
	}

	if r.sessions.IncrementToolCall(sess.ID) == 0 {
		r.converter.Forget(call.ID)
		return nil, apperrors.NotFound("session not found: %s", sess.ID)
	}

	call.WorkingDirectory = sess.WorkingDirectory
	result, err := r.dispatcher.Execute(ctx, call)
	if err != nil {
		r.converter.Forget(call.ID)
		r.metrics.ToolCall(ctx, external.Name, true)
		return nil, err
	}
	r.metrics.ToolCall(ctx, external.Name, result.IsError)

	return r.toolCallResponse(sess.ID, call.ID, r.converter.ConvertInternalResultToExternal(result, call.Name)), nil
}

func (r *Router) toolCallResponse(sessionID, callID string, result models.ExternalToolResult) Response {
	return &ToolCallResponse{
		Envelope:   Envelope{Type: TypeToolCallResponse},
		SessionID:  sessionID,
		ToolCallID: callID,
		Result:     result,
	}
}

func (r *Router) handleModelCommand(ctx context.Context, msg *Message) (Response, error) {
	switch msg.Command {
	case CommandSwitch:
		if msg.ModelName == "" {
			return nil, apperrors.Validation("switch requires modelName")
		}
		if !r.models.SetCurrentModel(msg.ModelName) {
			return &ModelResponse{
				Envelope:     Envelope{Type: TypeModelResponse},
				Success:      false,
				Message:      fmt.Sprintf("model not found: %s", msg.ModelName),
				CurrentModel: r.models.CurrentModel(),
			}, nil
		}
		return &ModelResponse{
			Envelope:     Envelope{Type: TypeModelResponse},
			Success:      true,
			Message:      fmt.Sprintf("switched to %s", msg.ModelName),
			CurrentModel: msg.ModelName,
		}, nil

	case CommandAsk:
		if msg.ModelName == "" || msg.Prompt == "" {
			return nil, apperrors.Validation("ask requires modelName and prompt")
		}
		profile, err := r.models.Resolve(msg.ModelName)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		text, err := r.models.Invoke(ctx, profile, msg.Prompt, invokeOptions(msg.Options))
		r.metrics.ModelLatency(ctx, profile.Name, time.Since(start), err == nil)
		if err != nil {
			return nil, apperrors.New(apperrors.ErrCodeCollaborator, fmt.Sprintf("model %s failed", profile.Name), err)
		}
		return &ModelResponse{
			Envelope: Envelope{Type: TypeModelResponse},
			Success:  true,
			Model:    profile.Name,
			Response: text,
		}, nil

	case "":
		return nil, apperrors.Validation("model_command requires command")
	default:
		return nil, apperrors.Validation("unknown model command: %s", msg.Command)
	}
}

func (r *Router) handleListModels() Response {
	current := r.models.CurrentModel()
	profiles := r.models.Profiles()
	out := make([]ModelInfo, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, ModelInfo{
			Name:          p.Name,
			Provider:      p.Provider,
			ModelID:       p.ModelID,
			ContextWindow: p.ContextWindow,
			IsCurrent:     p.Name == current,
		})
	}
	return &ModelsResponse{
		Envelope:     Envelope{Type: TypeModelsResponse},
		Models:       out,
		CurrentModel: current,
		Pointers:     r.models.Pointers(),
	}
}

func (r *Router) handleCancel(msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	if !r.sessions.CancelSession(msg.SessionID) {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}
	return &CancelResponse{Envelope: Envelope{Type: TypeCancelResponse}, SessionID: msg.SessionID, Cancelled: true}, nil
}

func (r *Router) handleSetMode(msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	if !msg.Mode.Valid() {
		return nil, apperrors.Validation("unknown session mode: %s", msg.Mode)
	}
	mode := msg.Mode
	if !r.sessions.UpdateSession(msg.SessionID, models.SessionUpdate{Mode: &mode}) {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}
	return &SetModeResponse{Envelope: Envelope{Type: TypeSetModeResponse}, SessionID: msg.SessionID, Mode: mode}, nil
}

func (r *Router) handleEndSession(msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	if !r.sessions.DestroySession(msg.SessionID) {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}
	return &EndSessionResponse{Envelope: Envelope{Type: TypeEndSessionResponse}, SessionID: msg.SessionID, Destroyed: true}, nil
}

func (r *Router) handleExportSession(msg *Message) (Response, error) {
	if err := requireSessionID(msg); err != nil {
		return nil, err
	}
	snap, ok := r.sessions.ExportSession(msg.SessionID)
	if !ok {
		return nil, apperrors.NotFound("session not found: %s", msg.SessionID)
	}
	return &ExportSessionResponse{Envelope: Envelope{Type: TypeExportSessionResponse}, Snapshot: snap}, nil
}

func (r *Router) handleImportSession(msg *Message) (Response, error) {
	if msg.Snapshot == nil {
		return nil, apperrors.Validation("import_session requires snapshot")
	}
	id, err := r.sessions.ImportSession(*msg.Snapshot)
	if err != nil {
		return nil, err
	}
	return &ImportSessionResponse{Envelope: Envelope{Type: TypeImportSessionResponse}, SessionID: id}, nil
}

func (r *Router) handleParallelPrompt(ctx context.Context, msg *Message) (Response, error) {
	if len(msg.Requests) == 0 {
		return nil, apperrors.Validation("parallel_prompt requires requests")
	}
	reqs := make([]llm.ParallelRequest, 0, len(msg.Requests))
	for i, p := range msg.Requests {
		if p.Prompt == "" {
			return nil, apperrors.Validation("request %d has no prompt", i)
		}
		reqs = append(reqs, llm.ParallelRequest{
			Prompt:    p.Prompt,
			ModelName: p.ModelName,
			Pointer:   p.Pointer,
			Options:   invokeOptions(p.Options),
		})
	}

	results := r.models.ExecuteInParallel(ctx, reqs)
	out := make([]ParallelEntry, 0, len(results))
	for _, res := range results {
		entry := ParallelEntry{Model: res.Model, Response: res.Response, DurationMs: res.Duration.Milliseconds()}
		if res.Error != nil {
			entry.Error = apperrors.MessageOf(res.Error)
		}
		r.metrics.ModelLatency(ctx, res.Model, res.Duration, res.Error == nil)
		out = append(out, entry)
	}
	return &ParallelResponse{Envelope: Envelope{Type: TypeParallelResponse}, Results: out}, nil
}

func (r *Router) handleSetPointer(msg *Message) (Response, error) {
	if msg.Pointer == "" || msg.ModelName == "" {
		return nil, apperrors.Validation("set_pointer requires pointer and modelName")
	}
	if err := r.models.SetPointer(msg.Pointer, msg.ModelName); err != nil {
		return nil, err
	}
	return &PointerResponse{Envelope: Envelope{Type: TypePointerResponse}, Pointer: msg.Pointer, ModelName: msg.ModelName}, nil
}
