package llm

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

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

func testProfiles() *ProfileFile {
	return &ProfileFile{
		Profiles: []models.ModelProfile{
			{Name: "alpha", Provider: "mock", ModelID: "a-1"},
			{Name: "beta", Provider: "mock", ModelID: "b-1"},
		},
		Pointers: map[models.Pointer]string{models.PointerMain: "alpha", models.PointerQuick: "beta"},
		Current:  "beta",
	}
}

func TestRegistry_CurrentModel(t *testing.T) {
	r, err := NewRegistry(testProfiles(), new(MockInvoker))
	require.NoError(t, err)

	assert.Equal(t, "beta", r.CurrentModel())
	assert.False(t, r.SetCurrentModel("gamma"))
	assert.Equal(t, "beta", r.CurrentModel())
	assert.True(t, r.SetCurrentModel("alpha"))
	assert.Equal(t, "alpha", r.CurrentModel())
	assert.Equal(t, []string{"alpha", "beta"}, r.Names())
}

func TestRegistry_ExecuteWithModel(t *testing.T) {
	inv := new(MockInvoker)
	r, err := NewRegistry(testProfiles(), inv)
	require.NoError(t, err)

	inv.On("Invoke", mock.Anything, mock.MatchedBy(func(p models.ModelProfile) bool { return p.Name == "beta" }), "hi", mock.Anything).
		Return("hello from beta", nil).Once()
	inv.On("Invoke", mock.Anything, mock.MatchedBy(func(p models.ModelProfile) bool { return p.Name == "alpha" }), "hi", mock.Anything).
		Return("", errors.New("rate limited")).Once()

	text, err := r.ExecuteWithModel(context.Background(), "hi", "", models.InvokeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "hello from beta", text)

	_, err = r.ExecuteWithModel(context.Background(), "hi", "alpha", models.InvokeOptions{})
	assert.EqualError(t, err, "rate limited")

	_, err = r.ExecuteWithModel(context.Background(), "hi", "nope", models.InvokeOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	inv.AssertExpectations(t)
}

func TestRegistry_InvokerPanicIsContained(t *testing.T) {
	r, err := NewRegistry(testProfiles(), InvokerFunc(func(context.Context, models.ModelProfile, string, models.InvokeOptions) (string, error) {
		panic("backend exploded")
	}))
	require.NoError(t, err)

	_, err = r.ExecuteWithModel(context.Background(), "hi", "", models.InvokeOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
}

func TestRegistry_Pointers(t *testing.T) {
	r, err := NewRegistry(testProfiles(), new(MockInvoker))
	require.NoError(t, err)

	p, err := r.ResolvePointer(models.PointerMain)
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.Name)

	_, err = r.ResolvePointer(models.PointerTask)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))

	err = r.SetPointer(models.PointerTask, "ghost")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	err = r.SetPointer("bogus", "alpha")
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))

	require.NoError(t, r.SetPointer(models.PointerTask, "beta"))
	assert.Equal(t, "beta", r.Pointers()[models.PointerTask])
}

func TestRegistry_ReloadLeavesDanglingPointer(t *testing.T) {
	r, err := NewRegistry(testProfiles(), new(MockInvoker))
	require.NoError(t, err)

	pf := testProfiles()
	pf.Profiles = pf.Profiles[1:]
	require.NoError(t, r.ReloadProfiles(pf))

	assert.Equal(t, "beta", r.CurrentModel())
	_, err = r.ResolvePointer(models.PointerMain)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeNotFound))
	assert.Contains(t, err.Error(), "alpha")
}

func TestRegistry_ReloadKeepsOrReplacesCurrent(t *testing.T) {
	r, err := NewRegistry(testProfiles(), new(MockInvoker))
	require.NoError(t, err)
	require.True(t, r.SetCurrentModel("alpha"))

	require.NoError(t, r.ReloadProfiles(testProfiles()))
	assert.Equal(t, "alpha", r.CurrentModel())

	pf := testProfiles()
	pf.Profiles = pf.Profiles[1:]
	pf.Current = ""
	require.NoError(t, r.ReloadProfiles(pf))
	assert.Equal(t, "beta", r.CurrentModel())

	bad := &ProfileFile{Profiles: []models.ModelProfile{{Name: "x", Provider: "p"}, {Name: "x", Provider: "p"}}}
	err = r.ReloadProfiles(bad)
	assert.True(t, apperrors.Is(err, apperrors.ErrCodeValidation))
	assert.Equal(t, "beta", r.CurrentModel())
}

func TestRegistry_ExecuteInParallel(t *testing.T) {
	const delay = 150 * time.Millisecond
	inv := InvokerFunc(func(ctx context.Context, p models.ModelProfile, prompt string, _ models.InvokeOptions) (string, error) {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		return p.Name + ":" + prompt, nil
	})
	r, err := NewRegistry(testProfiles(), inv)
	require.NoError(t, err)

	start := time.Now()
	results := r.ExecuteInParallel(context.Background(), []ParallelRequest{
		{Prompt: "one", ModelName: "alpha"},
		{Prompt: "two", ModelName: "missing"},
		{Prompt: "three", Pointer: models.PointerQuick},
	})
	elapsed := time.Since(start)

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Error)
	assert.Equal(t, "alpha:one", results[0].Response)
	assert.Equal(t, "alpha", results[0].Model)

	assert.Error(t, results[1].Error)
	assert.Equal(t, "missing", results[1].Model)
	assert.Empty(t, results[1].Response)

	assert.NoError(t, results[2].Error)
	assert.Equal(t, "beta:three", results[2].Response)
	assert.Equal(t, "beta", results[2].Model)

	assert.Less(t, elapsed, 2*delay)
}

func TestProviderRouter(t *testing.T) {
	router := NewProviderRouter()
	assert.Equal(t, []string{EchoProvider}, router.List())

	inv := new(MockInvoker)
	require.NoError(t, router.Register("mock", inv))
	err := router.Register("mock", inv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	text, err := router.Invoke(context.Background(), models.ModelProfile{Name: "e", Provider: EchoProvider}, "  a b c  ", models.InvokeOptions{MaxTokens: 2})
	require.NoError(t, err)
	assert.Equal(t, "[e] a b", text)

	_, err = router.Invoke(context.Background(), models.ModelProfile{Provider: "nobody"}, "x", models.InvokeOptions{})
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()

	pf, err := LoadProfiles(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultProfiles(), pf)

	path := filepath.Join(dir, "models.yaml")
	content := `
profiles:
  - name: fast
    provider: echo
    model_id: echo-fast
    max_tokens: 256
    context_window: 8000
    cost:
      input_per_million: 0.5
      output_per_million: 1.5
pointers:
  main: fast
current: fast
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	pf, err = LoadProfiles(path)
	require.NoError(t, err)
	require.Len(t, pf.Profiles, 1)
	assert.Equal(t, "echo-fast", pf.Profiles[0].ModelID)
	assert.Equal(t, 8000, pf.Profiles[0].ContextWindow)
	assert.InDelta(t, 1.5, pf.Profiles[0].Cost.OutputPerMillion, 0.001)
	assert.Equal(t, "fast", pf.Pointers[models.PointerMain])

	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  - provider: echo\n"), 0600))
	_, err = LoadProfiles(path)
	assert.Error(t, err)

	out := filepath.Join(dir, "nested", "models.yaml")
	require.NoError(t, WriteProfiles(out, DefaultProfiles()))
	pf, err = LoadProfiles(out)
	require.NoError(t, err)
	assert.Equal(t, DefaultProfiles().Current, pf.Current)
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	short := EstimateTokens("hello world")
	long := EstimateTokens("hello world, this sentence is considerably longer than the first one")
	assert.Greater(t, short, 0)
	assert.Greater(t, long, short)
}
