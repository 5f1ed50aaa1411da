// Package watcher reports debounced changes of a single file, such as the
// model profiles file.
package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// DefaultDebounce coalesces editor save bursts into one callback.
const DefaultDebounce = 200 * time.Millisecond

// ChangeKind tells a callback whether the file was written or removed.
type ChangeKind int

const (
	Changed ChangeKind = iota
	Removed
)

func (k ChangeKind) String() string {
	if k == Removed {
		return "removed"
	}
	return "changed"
}

// Watcher monitors one file and calls onChange after writes, creations,
// renames onto it, or its removal. It watches the parent directory since
// fsnotify cannot watch non-existent files and editors replace files on save.
type Watcher struct {
	watcher    *fsnotify.Watcher
	onChange   func(ChangeKind)
	cancel     context.CancelFunc
	done       chan struct{}
	targetPath string
	parentPath string
	debounce   time.Duration
	mu         sync.Mutex
	running    bool
	closed     bool
}

// New creates a Watcher for targetPath.
func New(targetPath string, debounce time.Duration, onChange func(ChangeKind)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	target := filepath.Clean(targetPath)
	return &Watcher{
		targetPath: target,
		parentPath: filepath.Dir(target),
		onChange:   onChange,
		watcher:    fsw,
		debounce:   debounce,
	}, nil
}

// Start begins watching. The parent directory must exist.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}
	if w.closed {
		return errors.New("watcher is stopped")
	}
	if _, err := os.Stat(w.parentPath); err != nil {
		return err
	}
	if err := w.watcher.Add(w.parentPath); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	w.running = true
	go w.watchLoop(loopCtx, w.done)

	log.Debug().Str("path", w.targetPath).Msg("File watcher started")
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.cancel()
	done := w.done
	w.mu.Unlock()

	<-done
	return w.watcher.Close()
}

func (w *Watcher) watchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending ChangeKind
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.targetPath {
				continue
			}

			switch {
			case event.Op&(fsnotify.Write|fsnotify.Create) != 0:
				pending = Changed
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				pending = Removed
			default:
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.debounce)
			fire = timer.C

		case <-fire:
			fire = nil
			kind := pending
			// A replace-on-save shows up as remove then create.
			if kind == Removed {
				if _, err := os.Stat(w.targetPath); err == nil {
					kind = Changed
				}
			}
			log.Info().Str("path", w.targetPath).Stringer("kind", kind).Msg("Watched file changed")
			if w.onChange != nil {
				w.onChange(kind)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}
