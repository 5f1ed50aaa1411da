// Package app wires the adapter core and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/metric"
	"gorm.io/gorm/logger"

	"github.com/soddygo/kode-acp/internal/config"
	gormstore "github.com/soddygo/kode-acp/internal/db/gorm"
	"github.com/soddygo/kode-acp/internal/llm"
	"github.com/soddygo/kode-acp/internal/permission"
	"github.com/soddygo/kode-acp/internal/protocol"
	"github.com/soddygo/kode-acp/internal/session"
	"github.com/soddygo/kode-acp/internal/sse"
	"github.com/soddygo/kode-acp/internal/telemetry"
	"github.com/soddygo/kode-acp/internal/tools"
	"github.com/soddygo/kode-acp/internal/watcher"
	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// Options overrides collaborators. Zero values select the built-in ones.
type Options struct {
	Invoker  llm.Invoker
	Executor tools.Executor
	Meter    metric.Meter

	// WorkingDirectory is the cwd of sessions created without one.
	WorkingDirectory string
}

// App is the process-wide context: every component is constructed here and
// passed explicitly, nothing is reached through package globals.
type App struct {
	Config      *config.Config
	Policy      *permission.Policy
	Sessions    *session.Manager
	Converter   *tools.Converter
	Dispatcher  *tools.Dispatcher
	Models      *llm.Registry
	Router      *protocol.Router
	Broadcaster *sse.Broadcaster
	Metrics     *telemetry.Metrics

	store     *gormstore.Store
	snapshots *gormstore.SnapshotStore
	watcher   *watcher.Watcher
	cancel    context.CancelFunc
	unsub     []func()
	wg        sync.WaitGroup
	mu        sync.Mutex
	started   bool
}

// New builds the application from cfg. It opens the snapshot database when
// persistence is enabled.
func New(cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	metrics, err := telemetry.New(opts.Meter)
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}

	policy := permission.NewPolicy(cfg.ExtraApprovedTools...)
	sessions := session.NewManager(policy, session.Options{
		MaxSessions:           cfg.MaxSessions,
		SessionTimeout:        cfg.SessionTimeout,
		CleanupInterval:       cfg.CleanupInterval,
		DefaultMode:           models.SessionMode(cfg.DefaultMode),
		DefaultPermissionMode: models.PermissionMode(cfg.DefaultPermissionMode),
	})

	converter := tools.NewConverter(tools.NewTable(tools.DefaultMappings()...))
	executor := opts.Executor
	if executor == nil {
		executor = tools.NewLocalExecutor()
	}
	dispatcher := tools.NewDispatcher(executor, cfg.ToolTimeout)
	dispatcher.SetOnTimeout(converter.Forget)

	profiles, err := llm.LoadProfiles(cfg.ModelsPath)
	if err != nil {
		log.Warn().Err(err).Str("path", cfg.ModelsPath).Msg("Failed to load model profiles, using defaults")
		profiles = llm.DefaultProfiles()
	}
	registry, err := llm.NewRegistry(profiles, opts.Invoker)
	if err != nil {
		return nil, fmt.Errorf("create model registry: %w", err)
	}

	cwd := opts.WorkingDirectory
	if cwd == "" {
		if wd, err := os.Getwd(); err == nil {
			cwd = wd
		}
	}

	a := &App{
		Config:      cfg,
		Policy:      policy,
		Sessions:    sessions,
		Converter:   converter,
		Dispatcher:  dispatcher,
		Models:      registry,
		Broadcaster: sse.NewBroadcaster(),
		Metrics:     metrics,
	}
	a.Router = protocol.NewRouter(protocol.Deps{
		Sessions:   sessions,
		Policy:     policy,
		Converter:  converter,
		Dispatcher: dispatcher,
		Models:     registry,
		Metrics:    metrics,
		DefaultCwd: cwd,
	})

	if cfg.PersistSessions && cfg.DBPath != "" {
		store, err := gormstore.NewStore(gormstore.Config{DSN: cfg.DBPath, LogLevel: logger.Silent})
		if err != nil {
			return nil, fmt.Errorf("open session database: %w", err)
		}
		a.store = store
		a.snapshots = gormstore.NewSnapshotStore(store)
	}
	return a, nil
}

// Snapshots returns the snapshot store, nil when persistence is disabled.
func (a *App) Snapshots() *gormstore.SnapshotStore {
	return a.snapshots
}

// Start restores persisted sessions and launches the background loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if a.snapshots != nil {
		if err := a.restore(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to restore persisted sessions")
		}
	}

	a.unsub = append(a.unsub,
		a.Broadcaster.Attach(a.Sessions.Events()),
		a.Sessions.Subscribe(func(ev session.Event) {
			if ev.Type == session.EventTimeout {
				a.Metrics.Evicted(loopCtx, len(ev.SessionIDs))
			}
		}),
	)

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.Broadcaster.Run(loopCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.purgeLoop(loopCtx)
	}()

	a.Sessions.Start(loopCtx)
	a.startWatcher(loopCtx)

	a.started = true
	log.Info().
		Int("sessions", a.Sessions.Count()).
		Str("model", a.Models.CurrentModel()).
		Bool("persistence", a.snapshots != nil).
		Msg("Adapter started")
	return nil
}

// Stop persists live sessions when enabled and stops every loop.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return a.closeStore()
	}
	a.started = false

	var firstErr error
	if a.snapshots != nil {
		snaps := a.Sessions.ExportAll()
		if err := a.snapshots.SaveAll(ctx, snaps); err != nil {
			firstErr = fmt.Errorf("persist sessions: %w", err)
		} else if len(snaps) > 0 {
			log.Info().Int("sessions", len(snaps)).Msg("Sessions persisted")
		}
	}

	if n := a.Sessions.DestroyAll(); n > 0 {
		log.Info().Int("sessions", n).Msg("Live sessions ended")
	}

	if a.watcher != nil {
		if err := a.watcher.Stop(); err != nil {
			log.Warn().Err(err).Msg("Failed to stop models watcher")
		}
		a.watcher = nil
	}
	a.Sessions.Stop()
	for _, unsub := range a.unsub {
		unsub()
	}
	a.unsub = nil
	a.cancel()
	a.wg.Wait()

	if err := a.closeStore(); err != nil && firstErr == nil {
		firstErr = err
	}
	log.Info().Msg("Adapter stopped")
	return firstErr
}

func (a *App) closeStore() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store, a.snapshots = nil, nil
	return err
}

// restore imports saved snapshots and deletes the imported rows.
func (a *App) restore(ctx context.Context) error {
	snaps, err := a.snapshots.List(ctx)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-a.Config.SessionTimeout).UnixMilli()

	var done []string
	for _, snap := range snaps {
		if snap.LastActivity < cutoff {
			done = append(done, snap.ID)
			continue
		}
		if _, err := a.Sessions.ImportSession(snap); err != nil {
			if apperrors.Is(err, apperrors.ErrCodeCapacity) {
				log.Warn().Int("remaining", len(snaps)-len(done)).Msg("Session cap reached while restoring")
				break
			}
			log.Warn().Err(err).Str("sessionId", snap.ID).Msg("Skipping persisted session")
		}
		done = append(done, snap.ID)
	}

	if _, err := a.snapshots.Delete(ctx, done...); err != nil {
		return err
	}
	log.Info().Int("restored", a.Sessions.Count()).Int("stored", len(snaps)).Msg("Persisted sessions restored")
	return nil
}

func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.Config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := a.Policy.PurgeDecisions(a.Config.DecisionRetention); n > 0 {
				log.Debug().Int("purged", n).Msg("Permission decisions purged")
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) startWatcher(ctx context.Context) {
	path := a.Config.ModelsPath
	if path == "" {
		return
	}
	w, err := watcher.New(path, watcher.DefaultDebounce, func(kind watcher.ChangeKind) {
		a.reloadModels(kind)
	})
	if err != nil {
		log.Warn().Err(err).Msg("Failed to create models watcher")
		return
	}
	if err := w.Start(ctx); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to start models watcher")
		_ = w.Stop()
		return
	}
	a.watcher = w
	log.Info().Str("path", path).Msg("Models file watcher started")
}

// reloadModels applies the models file after a change. A removed file keeps
// the profiles already loaded.
func (a *App) reloadModels(kind watcher.ChangeKind) {
	if kind == watcher.Removed {
		log.Warn().Str("path", a.Config.ModelsPath).Msg("Models file removed, keeping loaded profiles")
		return
	}
	pf, err := llm.LoadProfiles(a.Config.ModelsPath)
	if err == nil {
		err = a.Models.ReloadProfiles(pf)
	}
	if err != nil {
		log.Error().Err(err).Str("path", a.Config.ModelsPath).Msg("Failed to reload model profiles")
	}
}
