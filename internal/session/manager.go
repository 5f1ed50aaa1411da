// Package session provides session lifecycle management for kode-acp.
package session

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

const (
	// SessionTimeout is the default idle time before eviction.
	SessionTimeout = 30 * time.Minute
	// CleanupInterval is the default period of the idle sweep.
	CleanupInterval = 5 * time.Minute
	// MaxSessions is the default cap on live sessions.
	MaxSessions = 100
)

// ModeSink receives mode changes so the permission policy follows the
// session the store last touched.
type ModeSink interface {
	SetMode(mode models.SessionMode) error
}

// Options configures a Manager. Zero values select the defaults.
type Options struct {
	DefaultMode           models.SessionMode
	DefaultPermissionMode models.PermissionMode
	MaxSessions           int
	SessionTimeout        time.Duration
	CleanupInterval       time.Duration
}

// Manager owns the live sessions. Every mutation happens under one lock and
// its events are published before the next mutation's events, so listeners
// observe store order.
type Manager struct {
	sessions map[string]*models.Session
	policy   ModeSink
	events   *Bus
	now      func() time.Time
	cancel   context.CancelFunc
	opts     Options
	wg       sync.WaitGroup
	mu       sync.Mutex
	emitMu   sync.Mutex
}

// NewManager creates a session manager. policy may be nil.
func NewManager(policy ModeSink, opts Options) *Manager {
	if opts.MaxSessions <= 0 {
		opts.MaxSessions = MaxSessions
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = SessionTimeout
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = CleanupInterval
	}
	if !opts.DefaultMode.Valid() {
		opts.DefaultMode = models.ModeDefault
	}
	if !opts.DefaultPermissionMode.Valid() {
		opts.DefaultPermissionMode = models.PermissionYolo
	}
	return &Manager{
		sessions: make(map[string]*models.Session),
		policy:   policy,
		events:   NewBus(),
		now:      time.Now,
		opts:     opts,
	}
}

// Events returns the bus session events are published on.
func (m *Manager) Events() *Bus {
	return m.events
}

// Subscribe is shorthand for Events().Subscribe.
func (m *Manager) Subscribe(fn Listener) (unsubscribe func()) {
	return m.events.Subscribe(fn)
}

// Start launches the periodic idle sweep. It is a no-op when already running.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.cleanupLoop(loopCtx)
	log.Info().
		Dur("interval", m.opts.CleanupInterval).
		Dur("timeout", m.opts.SessionTimeout).
		Int("maxSessions", m.opts.MaxSessions).
		Msg("Session sweeper started")
}

// Stop halts the sweep loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.wg.Wait()
	}
}

func (m *Manager) cleanupLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-ctx.Done():
			return
		}
	}
}

// commit releases m.mu and publishes evs while holding emitMu, which is
// acquired before m.mu is released. Must be called with m.mu held.
func (m *Manager) commit(evs ...Event) {
	if len(evs) == 0 {
		m.mu.Unlock()
		return
	}
	m.emitMu.Lock()
	m.mu.Unlock()
	defer m.emitMu.Unlock()
	for _, ev := range evs {
		m.events.Publish(ev)
	}
}

// CreateSession allocates a session and returns its id.
func (m *Manager) CreateSession(cfg models.SessionConfig) (string, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = m.opts.DefaultMode
	}
	if !mode.Valid() {
		return "", apperrors.Validation("unknown session mode: %s", mode)
	}
	permMode := cfg.PermissionMode
	if permMode == "" {
		permMode = m.opts.DefaultPermissionMode
	}
	if !permMode.Valid() {
		return "", apperrors.Validation("unknown permission mode: %s", permMode)
	}

	m.mu.Lock()
	var evs []Event
	if len(m.sessions) >= m.opts.MaxSessions {
		if ev, ok := m.sweepLocked(); ok {
			evs = append(evs, ev)
		}
		if len(m.sessions) >= m.opts.MaxSessions {
			m.commit(evs...)
			log.Warn().Int("maxSessions", m.opts.MaxSessions).Msg("Session capacity reached")
			return "", apperrors.New(apperrors.ErrCodeCapacity,
				fmt.Sprintf("session limit of %d reached", m.opts.MaxSessions), nil)
		}
	}

	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := m.sessions[id]; exists {
		m.commit(evs...)
		return "", apperrors.New(apperrors.ErrCodeSessionCollision, fmt.Sprintf("session %s already exists", id), nil)
	}

	now := m.now()
	m.sessions[id] = &models.Session{
		ID:               id,
		Mode:             mode,
		WorkingDirectory: cfg.WorkingDirectory,
		PermissionMode:   permMode,
		CreatedAt:        now,
		LastActivity:     now,
		Metadata:         copyMetadata(cfg.Metadata),
		IsActive:         true,
	}
	m.propagateMode(mode)

	log.Info().Str("sessionId", id).Str("mode", string(mode)).Int("live", len(m.sessions)).Msg("Session created")
	evs = append(evs, Event{Type: EventCreated, SessionID: id, Mode: mode, Timestamp: now})
	m.commit(evs...)
	return id, nil
}

// GetSession returns a copy of the session and touches its activity.
func (m *Manager) GetSession(id string) (*models.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	m.touch(s)
	return s.Clone(), true
}

// UpdateSession applies the non-nil fields of upd. It returns false when the
// session does not exist.
func (m *Manager) UpdateSession(id string, upd models.SessionUpdate) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}

	var evs []Event
	changed := false
	now := m.now()

	if upd.Mode != nil && *upd.Mode != s.Mode {
		if !upd.Mode.Valid() {
			log.Warn().Str("sessionId", id).Str("mode", string(*upd.Mode)).Msg("Ignoring unknown session mode")
		} else {
			prev := s.Mode
			s.Mode = *upd.Mode
			m.propagateMode(s.Mode)
			changed = true
			evs = append(evs, Event{Type: EventModeChanged, SessionID: id, Mode: s.Mode, PrevMode: prev, Timestamp: now})
		}
	}
	if upd.WorkingDirectory != nil && *upd.WorkingDirectory != s.WorkingDirectory {
		s.WorkingDirectory = *upd.WorkingDirectory
		changed = true
	}
	if upd.PermissionMode != nil && *upd.PermissionMode != s.PermissionMode && upd.PermissionMode.Valid() {
		s.PermissionMode = *upd.PermissionMode
		changed = true
	}
	for k, v := range upd.Metadata {
		if old, ok := s.Metadata[k]; ok && reflect.DeepEqual(old, v) {
			continue
		}
		s.Metadata[k] = v
		changed = true
	}

	if changed {
		m.touch(s)
		evs = append(evs, Event{Type: EventUpdated, SessionID: id, Mode: s.Mode, Timestamp: now})
	}
	m.commit(evs...)
	return true
}

// CancelSession marks the session cancelled; later prompts fail fast.
func (m *Manager) CancelSession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	if s.Cancelled {
		m.mu.Unlock()
		return true
	}
	s.Cancelled = true
	m.touch(s)
	log.Info().Str("sessionId", id).Msg("Session cancelled")
	m.commit(Event{Type: EventUpdated, SessionID: id, Mode: s.Mode, Timestamp: m.now()})
	return true
}

// DestroySession removes the session. It returns false when it did not exist.
func (m *Manager) DestroySession(id string) bool {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.IsActive = false
	delete(m.sessions, id)

	log.Info().Str("sessionId", id).Int64("toolCalls", s.ToolCallCount).Msg("Session destroyed")
	m.commit(Event{Type: EventDestroyed, SessionID: id, Timestamp: m.now()})
	return true
}

// IncrementToolCall bumps the tool-call counter and returns the new value,
// or 0 when the session does not exist.
func (m *Manager) IncrementToolCall(id string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return 0
	}
	s.ToolCallCount++
	m.touch(s)
	return s.ToolCallCount
}

// Sweep destroys inactive and idle sessions and returns their ids.
func (m *Manager) Sweep() []string {
	m.mu.Lock()
	ev, ok := m.sweepLocked()
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.commit(ev)
	return ev.SessionIDs
}

func (m *Manager) sweepLocked() (Event, bool) {
	now := m.now()
	var evicted []string
	for id, s := range m.sessions {
		if !s.IsActive || now.Sub(s.LastActivity) >= m.opts.SessionTimeout {
			s.IsActive = false
			delete(m.sessions, id)
			evicted = append(evicted, id)
		}
	}
	if len(evicted) == 0 {
		return Event{}, false
	}
	sort.Strings(evicted)
	log.Info().Int("evicted", len(evicted)).Int("live", len(m.sessions)).Msg("Idle sessions evicted")
	return Event{Type: EventTimeout, SessionIDs: evicted, Timestamp: now}, true
}

// ExportSession returns a serializable snapshot without touching activity.
func (m *Manager) ExportSession(id string) (models.SessionSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return models.SessionSnapshot{}, false
	}
	return snapshotOf(s), true
}

// ExportAll returns snapshots of every live session, ordered by id.
func (m *Manager) ExportAll() []models.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.SessionSnapshot, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, snapshotOf(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ImportSession rebuilds a session from snap. The session is always active
// after import. An empty snapshot id gets a generated one.
func (m *Manager) ImportSession(snap models.SessionSnapshot) (string, error) {
	mode := snap.Mode
	if mode == "" {
		mode = m.opts.DefaultMode
	}
	if !mode.Valid() {
		return "", apperrors.Validation("unknown session mode: %s", mode)
	}
	permMode := snap.PermissionMode
	if !permMode.Valid() {
		permMode = m.opts.DefaultPermissionMode
	}

	m.mu.Lock()
	var evs []Event
	if len(m.sessions) >= m.opts.MaxSessions {
		if ev, ok := m.sweepLocked(); ok {
			evs = append(evs, ev)
		}
		if len(m.sessions) >= m.opts.MaxSessions {
			m.commit(evs...)
			return "", apperrors.New(apperrors.ErrCodeCapacity,
				fmt.Sprintf("session limit of %d reached", m.opts.MaxSessions), nil)
		}
	}

	id := snap.ID
	if id == "" {
		id = uuid.NewString()
	} else if _, exists := m.sessions[id]; exists {
		m.commit(evs...)
		return "", apperrors.New(apperrors.ErrCodeSessionCollision, fmt.Sprintf("session %s already exists", id), nil)
	}

	now := m.now()
	created := now
	if snap.CreatedAt > 0 {
		if t := time.UnixMilli(snap.CreatedAt); t.Before(now) {
			created = t
		}
	}
	count := snap.ToolCallCount
	if count < 0 {
		count = 0
	}

	m.sessions[id] = &models.Session{
		ID:               id,
		Mode:             mode,
		WorkingDirectory: snap.WorkingDirectory,
		PermissionMode:   permMode,
		CreatedAt:        created,
		LastActivity:     now,
		ToolCallCount:    count,
		Metadata:         copyMetadata(snap.Metadata),
		IsActive:         true,
	}
	m.propagateMode(mode)

	log.Info().Str("sessionId", id).Msg("Session imported")
	evs = append(evs, Event{Type: EventCreated, SessionID: id, Mode: mode, Imported: true, Timestamp: now})
	m.commit(evs...)
	return id, nil
}

// ListSessions returns copies of all live sessions without touching them.
func (m *Manager) ListSessions() []*models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*models.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// DestroyAll removes every session, emitting one destroyed event each.
func (m *Manager) DestroyAll() int {
	m.mu.Lock()
	now := m.now()
	evs := make([]Event, 0, len(m.sessions))
	for id, s := range m.sessions {
		s.IsActive = false
		delete(m.sessions, id)
		evs = append(evs, Event{Type: EventDestroyed, SessionID: id, Timestamp: now})
	}
	sort.Slice(evs, func(i, j int) bool { return evs[i].SessionID < evs[j].SessionID })
	m.commit(evs...)
	return len(evs)
}

func (m *Manager) touch(s *models.Session) {
	now := m.now()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

func (m *Manager) propagateMode(mode models.SessionMode) {
	if m.policy == nil {
		return
	}
	if err := m.policy.SetMode(mode); err != nil {
		log.Warn().Err(err).Str("mode", string(mode)).Msg("Failed to propagate session mode")
	}
}

func snapshotOf(s *models.Session) models.SessionSnapshot {
	return models.SessionSnapshot{
		ID:               s.ID,
		Mode:             s.Mode,
		WorkingDirectory: s.WorkingDirectory,
		PermissionMode:   s.PermissionMode,
		CreatedAt:        s.CreatedAt.UnixMilli(),
		LastActivity:     s.LastActivity.UnixMilli(),
		ToolCallCount:    s.ToolCallCount,
		Metadata:         copyMetadata(s.Metadata),
		IsActive:         s.IsActive,
	}
}

func copyMetadata(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
