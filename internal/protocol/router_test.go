package protocol

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"

	"github.com/soddygo/kode-acp/internal/llm"
	"github.com/soddygo/kode-acp/internal/permission"
	"github.com/soddygo/kode-acp/internal/session"
	"github.com/soddygo/kode-acp/internal/tools"
	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// MockInvoker for testing
type MockInvoker struct {
	mock.Mock
}

func (m *MockInvoker) Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error) {
	args := m.Called(ctx, profile, prompt, opts)
	return args.String(0), args.Error(1)
}

// MockExecutor for testing
type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) ExecuteTool(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error) {
	args := m.Called(ctx, call)
	return args.Get(0).(models.ToolResult), args.Error(1)
}

// RouterSuite is a test suite for Router message handling.
type RouterSuite struct {
	suite.Suite
	router    *Router
	sessions  *session.Manager
	converter *tools.Converter
	invoker   *MockInvoker
	dir       string
	ctx       context.Context
}

func (s *RouterSuite) SetupTest() {
	s.ctx = context.Background()
	s.dir = s.T().TempDir()
	s.Require().NoError(os.WriteFile(filepath.Join(s.dir, "hello.txt"), []byte("hello\nworld"), 0600))

	policy := permission.NewPolicy()
	s.sessions = session.NewManager(policy, session.Options{MaxSessions: 10})
	s.converter = tools.NewConverter(tools.NewTable(tools.DefaultMappings()...))
	dispatcher := tools.NewDispatcher(tools.NewLocalExecutor(), time.Second)
	dispatcher.SetOnTimeout(s.converter.Forget)

	s.invoker = new(MockInvoker)
	registry, err := llm.NewRegistry(&llm.ProfileFile{
		Profiles: []models.ModelProfile{
			{Name: "main", Provider: "mock", ContextWindow: 50},
			{Name: "alt", Provider: "mock"},
		},
		Pointers: map[models.Pointer]string{models.PointerQuick: "alt"},
		Current:  "main",
	}, s.invoker)
	s.Require().NoError(err)

	s.router = NewRouter(Deps{
		Sessions:   s.sessions,
		Policy:     policy,
		Converter:  s.converter,
		Dispatcher: dispatcher,
		Models:     registry,
		DefaultCwd: s.dir,
	})
}

func TestRouterSuite(t *testing.T) {
	suite.Run(t, new(RouterSuite))
}

func (s *RouterSuite) newSession(msg *Message) string {
	if msg == nil {
		msg = &Message{}
	}
	msg.Type = TypeNewSession
	resp := s.router.HandleMessage(s.ctx, msg)
	ns, ok := resp.(*NewSessionResponse)
	s.Require().True(ok, "unexpected response %#v", resp)
	return ns.SessionID
}

func (s *RouterSuite) requireError(resp Response, code string) *ErrorResponse {
	er, ok := resp.(*ErrorResponse)
	s.Require().True(ok, "expected error response, got %#v", resp)
	s.Equal(TypeError, er.Type)
	s.Equal(code, er.Code)
	return er
}

// TestInitialize tests capabilities and available models.
func (s *RouterSuite) TestInitialize() {
	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeInitialize, ID: "init-1"})
	ir, ok := resp.(*InitializeResponse)
	s.Require().True(ok)
	s.Equal(ProtocolVersion, ir.ProtocolVersion)
	s.Equal([]string{"alt", "main"}, ir.AvailableModels)
	s.Contains(ir.Capabilities.Tools, "read_file")
	s.Equal("init-1", ir.ID)
}

// TestUnknownType tests unrecognized kinds produce a typed error.
func (s *RouterSuite) TestUnknownType() {
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: "dance"}), apperrors.ErrCodeValidation)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{}), apperrors.ErrCodeValidation)
	s.requireError(s.router.HandleMessage(s.ctx, nil), apperrors.ErrCodeValidation)
}

// TestHandleRaw tests blank and malformed input.
func (s *RouterSuite) TestHandleRaw() {
	_, ok := s.router.HandleRaw(s.ctx, []byte("   \t"))
	s.False(ok)

	resp, ok := s.router.HandleRaw(s.ctx, []byte("{not json"))
	s.True(ok)
	s.requireError(resp, apperrors.ErrCodeValidation)

	resp, ok = s.router.HandleRaw(s.ctx, []byte(`{"type":"new_session","id":7}`))
	s.True(ok)
	ns, isNew := resp.(*NewSessionResponse)
	s.Require().True(isNew)
	s.EqualValues(7, ns.ID)
}

// TestEndToEndReadFile tests new_session then an auto-approved read_file.
func (s *RouterSuite) TestEndToEndReadFile() {
	id := s.newSession(nil)

	resp := s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ToolCall:  &models.ExternalToolCall{Name: "read_file", Input: map[string]interface{}{"path": "hello.txt"}},
	})
	tr, ok := resp.(*ToolCallResponse)
	s.Require().True(ok, "unexpected response %#v", resp)
	s.Equal(id, tr.SessionID)
	s.True(strings.HasPrefix(tr.ToolCallID, "call_"))
	s.Equal(models.ToolResultKind, tr.Result["type"])
	s.Equal(false, tr.Result["isError"])
	s.Equal("hello\nworld", tr.Result["content"])
	s.Equal("read_file", tr.Result["tool"])

	sess, _ := s.sessions.GetSession(id)
	s.Equal(int64(1), sess.ToolCallCount)
	s.Equal(0, s.converter.PendingOrigins())
}

// TestEndToEndMissingFile tests collaborator failures become error results.
func (s *RouterSuite) TestEndToEndMissingFile() {
	id := s.newSession(nil)

	resp := s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ToolCall:  &models.ExternalToolCall{Name: "read_file", Input: map[string]interface{}{"path": "/x"}},
	})
	tr, ok := resp.(*ToolCallResponse)
	s.Require().True(ok)
	s.Equal(true, tr.Result["isError"])
}

// TestToolCallDenied tests denial under the default mode.
func (s *RouterSuite) TestToolCallDenied() {
	id := s.newSession(nil)

	resp := s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ToolCall:  &models.ExternalToolCall{Name: "write_file", ID: "w1", Input: map[string]interface{}{"path": "out.txt", "content": "x"}},
	})
	tr, ok := resp.(*ToolCallResponse)
	s.Require().True(ok)
	s.Equal("w1", tr.ToolCallID)
	s.Equal(true, tr.Result["isError"])
	s.Equal(true, tr.Result["permissionDenied"])
	s.Equal(apperrors.ErrCodePermissionDenied, tr.Result["code"])
	s.Contains(tr.Result["content"], permission.ReasonAutoDenied)

	_, err := os.Stat(filepath.Join(s.dir, "out.txt"))
	s.True(os.IsNotExist(err))
	sess, _ := s.sessions.GetSession(id)
	s.Equal(int64(0), sess.ToolCallCount)
	s.Equal(0, s.converter.PendingOrigins())
}

// TestToolCallModesPerSession tests sessions in different modes are judged
// under their own mode.
func (s *RouterSuite) TestToolCallModesPerSession() {
	bypass := s.newSession(&Message{Mode: models.ModeBypassPermissions})
	plan := s.newSession(&Message{Mode: models.ModePlan})

	write := func(id string) *ToolCallResponse {
		resp := s.router.HandleMessage(s.ctx, &Message{
			Type:      TypeToolCall,
			SessionID: id,
			ToolCall:  &models.ExternalToolCall{Name: "write_file", Input: map[string]interface{}{"path": id + ".txt", "content": "x"}},
		})
		tr, ok := resp.(*ToolCallResponse)
		s.Require().True(ok)
		return tr
	}

	s.Equal(false, write(bypass).Result["isError"])
	s.Equal(true, write(plan).Result["isError"])
	s.Equal(false, write(bypass).Result["isError"])
}

// TestSafePermissionModeNeverBypasses tests safe sessions judged as default.
func (s *RouterSuite) TestSafePermissionModeNeverBypasses() {
	id := s.newSession(&Message{Mode: models.ModeBypassPermissions, PermissionMode: models.PermissionSafe})

	resp := s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ToolCall:  &models.ExternalToolCall{Name: "run_command", Input: map[string]interface{}{"command": "ls"}},
	})
	tr, ok := resp.(*ToolCallResponse)
	s.Require().True(ok)
	s.Equal(true, tr.Result["permissionDenied"])
}

// TestToolCallUnsupported tests unmapped tools produce a typed error.
func (s *RouterSuite) TestToolCallUnsupported() {
	id := s.newSession(nil)

	resp := s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ToolCall:  &models.ExternalToolCall{Name: "nonexistent_tool"},
	})
	er := s.requireError(resp, apperrors.ErrCodeNotFound)
	s.Contains(er.Error, "nonexistent_tool")
}

// TestToolCallValidation tests missing fields and unknown sessions.
func (s *RouterSuite) TestToolCallValidation() {
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeToolCall}), apperrors.ErrCodeValidation)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeToolCall, SessionID: "x"}), apperrors.ErrCodeValidation)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: "ghost",
		ToolCall:  &models.ExternalToolCall{Name: "read_file"},
	}), apperrors.ErrCodeNotFound)
	s.Equal(0, s.sessions.Count())
}

// TestPrompt tests prompt delegation to the current model.
func (s *RouterSuite) TestPrompt() {
	id := s.newSession(nil)
	s.invoker.On("Invoke", mock.Anything, mock.MatchedBy(func(p models.ModelProfile) bool { return p.Name == "main" }), "hi there", mock.Anything).
		Return("general kenobi", nil).Once()

	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, SessionID: id, Prompt: "hi there"})
	pr, ok := resp.(*PromptResponse)
	s.Require().True(ok, "unexpected response %#v", resp)
	s.Equal(id, pr.SessionID)
	s.Equal("text", pr.Response.Type)
	s.Equal("general kenobi", pr.Response.Text)
	s.Equal("main", pr.Response.Model)
	s.Require().NotNil(pr.Usage)
	s.Greater(pr.Usage.PromptTokens, 0)
	s.invoker.AssertExpectations(s.T())
}

// TestPromptFailures tests prompt validation, cancellation and collaborator errors.
func (s *RouterSuite) TestPromptFailures() {
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, Prompt: "x"}), apperrors.ErrCodeValidation)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, SessionID: "ghost", Prompt: "x"}), apperrors.ErrCodeNotFound)

	id := s.newSession(nil)
	s.invoker.On("Invoke", mock.Anything, mock.Anything, "boom", mock.Anything).Return("", errors.New("upstream 500")).Once()
	er := s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, SessionID: id, Prompt: "boom"}), apperrors.ErrCodeCollaborator)
	s.Contains(er.Error, "upstream 500")

	long := strings.Repeat("tokens galore ", 100)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, SessionID: id, Prompt: long}), apperrors.ErrCodeValidation)

	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeCancel, SessionID: id})
	s.IsType(&CancelResponse{}, resp)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypePrompt, SessionID: id, Prompt: "after cancel"}), apperrors.ErrCodeValidation)
	s.invoker.AssertNotCalled(s.T(), "Invoke", mock.Anything, mock.Anything, "after cancel", mock.Anything)
}

// TestModelCommand tests switch and ask.
func (s *RouterSuite) TestModelCommand() {
	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeModelCommand, Command: CommandSwitch, ModelName: "alt"})
	mr, ok := resp.(*ModelResponse)
	s.Require().True(ok)
	s.True(mr.Success)
	s.Equal("alt", mr.CurrentModel)

	resp = s.router.HandleMessage(s.ctx, &Message{Type: TypeModelCommand, Command: CommandSwitch, ModelName: "nope"})
	mr, ok = resp.(*ModelResponse)
	s.Require().True(ok)
	s.False(mr.Success)
	s.Equal("alt", mr.CurrentModel)

	s.invoker.On("Invoke", mock.Anything, mock.Anything, "question", mock.Anything).Return("answer", nil).Once()
	resp = s.router.HandleMessage(s.ctx, &Message{Type: TypeModelCommand, Command: CommandAsk, ModelName: "main", Prompt: "question"})
	mr, ok = resp.(*ModelResponse)
	s.Require().True(ok)
	s.True(mr.Success)
	s.Equal("main", mr.Model)
	s.Equal("answer", mr.Response)

	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeModelCommand, Command: CommandAsk, ModelName: "ghost", Prompt: "q"}), apperrors.ErrCodeNotFound)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeModelCommand, Command: "fly"}), apperrors.ErrCodeValidation)
}

// TestListModels tests the models listing.
func (s *RouterSuite) TestListModels() {
	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeListModels})
	lr, ok := resp.(*ModelsResponse)
	s.Require().True(ok)
	s.Equal("main", lr.CurrentModel)
	s.Require().Len(lr.Models, 2)
	s.True(lr.Models[0].IsCurrent)
	s.False(lr.Models[1].IsCurrent)
	s.Equal("alt", lr.Pointers[models.PointerQuick])
}

// TestSessionLifecycleMessages tests set_mode, export, import and end_session.
func (s *RouterSuite) TestSessionLifecycleMessages() {
	id := s.newSession(&Message{Cwd: "/proj", Metadata: map[string]interface{}{"k": "v"}})

	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeSetMode, SessionID: id, Mode: models.ModePlan})
	s.IsType(&SetModeResponse{}, resp)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeSetMode, SessionID: id, Mode: "chaos"}), apperrors.ErrCodeValidation)

	resp = s.router.HandleMessage(s.ctx, &Message{Type: TypeExportSession, SessionID: id})
	er, ok := resp.(*ExportSessionResponse)
	s.Require().True(ok)
	s.Equal(models.ModePlan, er.Snapshot.Mode)
	s.Equal("/proj", er.Snapshot.WorkingDirectory)

	resp = s.router.HandleMessage(s.ctx, &Message{Type: TypeEndSession, SessionID: id})
	s.IsType(&EndSessionResponse{}, resp)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeEndSession, SessionID: id}), apperrors.ErrCodeNotFound)

	snap := er.Snapshot
	resp = s.router.HandleMessage(s.ctx, &Message{Type: TypeImportSession, Snapshot: &snap})
	ir, ok := resp.(*ImportSessionResponse)
	s.Require().True(ok)
	s.Equal(id, ir.SessionID)

	got, ok := s.sessions.GetSession(id)
	s.Require().True(ok)
	s.Equal("v", got.Metadata["k"])
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeImportSession, Snapshot: &snap}), apperrors.ErrCodeSessionCollision)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeImportSession}), apperrors.ErrCodeValidation)
}

// TestParallelPrompt tests per-entry failures do not abort the batch.
func (s *RouterSuite) TestParallelPrompt() {
	s.invoker.On("Invoke", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("ok", nil)

	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeParallelPrompt, Requests: []ParallelPrompt{
		{Prompt: "a", ModelName: "main"},
		{Prompt: "b", ModelName: "ghost"},
		{Prompt: "c", Pointer: models.PointerQuick},
	}})
	pr, ok := resp.(*ParallelResponse)
	s.Require().True(ok)
	s.Require().Len(pr.Results, 3)
	s.Equal("ok", pr.Results[0].Response)
	s.NotEmpty(pr.Results[1].Error)
	s.Equal("ghost", pr.Results[1].Model)
	s.Equal("alt", pr.Results[2].Model)

	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeParallelPrompt}), apperrors.ErrCodeValidation)
}

// TestSetPointer tests eager pointer validation.
func (s *RouterSuite) TestSetPointer() {
	resp := s.router.HandleMessage(s.ctx, &Message{Type: TypeSetPointer, Pointer: models.PointerTask, ModelName: "alt"})
	s.IsType(&PointerResponse{}, resp)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeSetPointer, Pointer: models.PointerTask, ModelName: "ghost"}), apperrors.ErrCodeNotFound)
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeSetPointer}), apperrors.ErrCodeValidation)
}

// TestCapacityError tests the session cap surfaces as a typed error.
func (s *RouterSuite) TestCapacityError() {
	for i := 0; i < 10; i++ {
		s.newSession(nil)
	}
	s.requireError(s.router.HandleMessage(s.ctx, &Message{Type: TypeNewSession}), apperrors.ErrCodeCapacity)
}

// TestToolCallTimeout tests a tool exceeding the dispatcher deadline yields a
// TIMEOUT error and leaves no pending call or origin behind.
func (s *RouterSuite) TestToolCallTimeout() {
	release := make(chan struct{})
	defer close(release)

	exec := new(MockExecutor)
	exec.On("ExecuteTool", mock.Anything, mock.AnythingOfType("models.InternalToolCall")).
		Run(func(mock.Arguments) { <-release }).
		Return(models.ToolResult{Content: "too late"}, nil)

	dispatcher := tools.NewDispatcher(exec, 50*time.Millisecond)
	dispatcher.SetOnTimeout(s.converter.Forget)
	router := NewRouter(Deps{
		Sessions:   s.sessions,
		Policy:     permission.NewPolicy(),
		Converter:  s.converter,
		Dispatcher: dispatcher,
		Models:     s.router.models,
		DefaultCwd: s.dir,
	})
	id := s.newSession(nil)

	resp := router.HandleMessage(s.ctx, &Message{
		Type:      TypeToolCall,
		SessionID: id,
		ID:        "slow-1",
		ToolCall:  &models.ExternalToolCall{Name: "read_file", ID: "r1", Input: map[string]interface{}{"path": "hello.txt"}},
	})
	er := s.requireError(resp, apperrors.ErrCodeTimeout)
	s.Equal("slow-1", er.ID)

	s.Equal(0, dispatcher.Pending())
	s.Equal(0, s.converter.PendingOrigins())
	sess, _ := s.sessions.GetSession(id)
	s.Equal(int64(1), sess.ToolCallCount)
}
