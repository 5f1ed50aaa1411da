// Package permission decides whether a tool may run under the active mode.
package permission

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soddygo/kode-acp/pkg/models"
)

// Wildcard matches every tool name in an approve or deny set.
const Wildcard = "*"

// DefaultRetention is how long decisions stay cached before a purge drops them.
const DefaultRetention = time.Hour

// Decision reasons.
const (
	ReasonAutoApproved     = "auto-approved by mode"
	ReasonAutoDenied       = "auto-denied by mode"
	ReasonRequiresApproval = "requires explicit approval"
)

// Mode is a named policy bundle.
type Mode struct {
	AutoApprove map[string]bool
	AutoDeny    map[string]bool
	Name        models.SessionMode
	Description string
}

// Decision is one recorded permission outcome.
type Decision struct {
	Timestamp time.Time
	Tool      string
	Mode      models.SessionMode
	Reason    string
	Allowed   bool
}

var readTools = []string{"read_file", "list_directory", "glob", "search_files"}

// BuiltinModes returns the four built-in modes keyed by name.
func BuiltinModes() map[models.SessionMode]*Mode {
	return map[models.SessionMode]*Mode{
		models.ModeDefault: {
			Name:        models.ModeDefault,
			Description: "Approve reads and search, deny writes and command execution",
			AutoApprove: set(readTools...),
			AutoDeny:    set("write_file", "edit_file", "run_command"),
		},
		models.ModeAcceptEdits: {
			Name:        models.ModeAcceptEdits,
			Description: "Approve reads and search, deny command execution, writes need approval",
			AutoApprove: set(readTools...),
			AutoDeny:    set("run_command"),
		},
		models.ModeBypassPermissions: {
			Name:        models.ModeBypassPermissions,
			Description: "Approve every tool",
			AutoApprove: set(Wildcard),
			AutoDeny:    set(),
		},
		models.ModePlan: {
			Name:        models.ModePlan,
			Description: "Deny every tool",
			AutoApprove: set(),
			AutoDeny:    set(Wildcard),
		},
	}
}

// Policy holds the active mode and the decision cache of that mode.
type Policy struct {
	modes     map[models.SessionMode]*Mode
	decisions map[string]Decision
	now       func() time.Time
	active    models.SessionMode
	mu        sync.RWMutex
}

// NewPolicy creates a policy in the default mode over the built-in modes.
// extraApproved names are added to the approve set of the default and
// accept_edits modes.
func NewPolicy(extraApproved ...string) *Policy {
	modes := BuiltinModes()
	for _, name := range extraApproved {
		for _, m := range []models.SessionMode{models.ModeDefault, models.ModeAcceptEdits} {
			modes[m].AutoApprove[name] = true
			delete(modes[m].AutoDeny, name)
		}
	}
	return &Policy{
		modes:     modes,
		decisions: make(map[string]Decision),
		now:       time.Now,
		active:    models.ModeDefault,
	}
}

// Mode returns the active mode name.
func (p *Policy) Mode() models.SessionMode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Modes returns the known modes sorted by name.
func (p *Policy) Modes() []Mode {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Mode, 0, len(p.modes))
	for _, m := range p.modes {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetMode switches the active mode and clears the decision cache. Unknown
// names leave both untouched.
func (p *Policy) SetMode(name models.SessionMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setModeLocked(name)
}

func (p *Policy) setModeLocked(name models.SessionMode) error {
	if _, ok := p.modes[name]; !ok {
		return fmt.Errorf("unknown permission mode: %s", name)
	}
	if p.active != name {
		log.Debug().Str("from", string(p.active)).Str("to", string(name)).Msg("Permission mode switched")
	}
	p.active = name
	p.decisions = make(map[string]Decision)
	return nil
}

// RequestPermission decides for tool under the active mode and records the decision.
func (p *Policy) RequestPermission(tool string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decideLocked(tool).Allowed
}

// RequestPermissionAs aligns the active mode with mode and decides in one
// step, so a concurrent caller cannot switch modes in between. The cache is
// cleared only when the mode actually changes.
func (p *Policy) RequestPermissionAs(mode models.SessionMode, tool string) (Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active != mode {
		if err := p.setModeLocked(mode); err != nil {
			return Decision{}, err
		}
	}
	return p.decideLocked(tool), nil
}

func (p *Policy) decideLocked(tool string) Decision {
	mode := p.modes[p.active]
	d := Decision{Tool: tool, Mode: p.active, Timestamp: p.now()}

	switch {
	case mode.AutoApprove[tool] || mode.AutoApprove[Wildcard]:
		d.Allowed, d.Reason = true, ReasonAutoApproved
	case mode.AutoDeny[tool] || mode.AutoDeny[Wildcard]:
		d.Allowed, d.Reason = false, ReasonAutoDenied
	default:
		d.Allowed, d.Reason = false, ReasonRequiresApproval
	}

	p.decisions[tool] = d
	if !d.Allowed {
		log.Debug().Str("tool", tool).Str("mode", string(p.active)).Str("reason", d.Reason).Msg("Tool permission denied")
	}
	return d
}

// Decision returns the cached decision for tool, if any.
func (p *Policy) Decision(tool string) (Decision, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	d, ok := p.decisions[tool]
	return d, ok
}

// DecisionCount returns the number of cached decisions.
func (p *Policy) DecisionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.decisions)
}

// PurgeDecisions drops decisions older than retention and returns how many
// were removed. A non-positive retention selects DefaultRetention.
func (p *Policy) PurgeDecisions(retention time.Duration) int {
	if retention <= 0 {
		retention = DefaultRetention
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	cutoff := p.now().Add(-retention)
	removed := 0
	for tool, d := range p.decisions {
		if d.Timestamp.Before(cutoff) {
			delete(p.decisions, tool)
			removed++
		}
	}
	return removed
}

func set(names ...string) map[string]bool {
	out := make(map[string]bool, len(names))
	for _, n := range names {
		out[n] = true
	}
	return out
}
