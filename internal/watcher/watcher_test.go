package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	kinds []ChangeKind
	mu    sync.Mutex
}

func (r *recorder) record(k ChangeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, k)
}

func (r *recorder) snapshot() []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ChangeKind, len(r.kinds))
	copy(out, r.kinds)
	return out
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	rec := &recorder{}
	w, err := New(path, 50*time.Millisecond, rec.record)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte{byte('a' + i)}, 0600))
	}
	// Unrelated files are ignored.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.txt"), []byte("x"), 0600))

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, []ChangeKind{Changed}, rec.snapshot())
}

func TestWatcher_ReportsRemoval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "models.yaml")
	require.NoError(t, os.WriteFile(path, []byte("a"), 0600))

	rec := &recorder{}
	w, err := New(path, 30*time.Millisecond, rec.record)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	require.NoError(t, os.Remove(path))
	require.Eventually(t, func() bool {
		kinds := rec.snapshot()
		return len(kinds) > 0 && kinds[len(kinds)-1] == Removed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_StartMissingParent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "missing", "models.yaml"), 0, nil)
	require.NoError(t, err)
	assert.Error(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}

func TestWatcher_StopIdempotent(t *testing.T) {
	w, err := New(filepath.Join(t.TempDir(), "models.yaml"), 0, nil)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
}
