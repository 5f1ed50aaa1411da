package llm

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// ParallelRequest is one entry of an ExecuteInParallel batch. ModelName
// wins over Pointer; with neither the current model is used.
type ParallelRequest struct {
	Options   models.InvokeOptions
	Prompt    string
	ModelName string
	Pointer   models.Pointer
}

// ParallelResult is the outcome of one ParallelRequest. Model is the
// resolved profile name, or the requested name when resolution failed.
type ParallelResult struct {
	Error    error
	Model    string
	Response string
	Duration time.Duration
}

// Registry owns model profiles, purpose pointers and the current model.
type Registry struct {
	invoker  Invoker
	profiles map[string]models.ModelProfile
	pointers models.ModelPointers
	current  string
	order    []string
	mu       sync.RWMutex
}

// NewRegistry creates a registry from pf. A nil pf selects DefaultProfiles.
func NewRegistry(pf *ProfileFile, invoker Invoker) (*Registry, error) {
	if invoker == nil {
		invoker = NewProviderRouter()
	}
	r := &Registry{invoker: invoker}
	if err := r.ReloadProfiles(pf); err != nil {
		return nil, err
	}
	return r, nil
}

// ReloadProfiles replaces the profile set and pointers atomically. The
// current model is kept when it still exists, otherwise pf.Current or the
// first profile is selected.
func (r *Registry) ReloadProfiles(pf *ProfileFile) error {
	if pf == nil {
		pf = DefaultProfiles()
	}
	if err := pf.Validate(); err != nil {
		return apperrors.New(apperrors.ErrCodeValidation, "invalid model profiles", err)
	}

	profiles := make(map[string]models.ModelProfile, len(pf.Profiles))
	order := make([]string, 0, len(pf.Profiles))
	for _, p := range pf.Profiles {
		profiles[p.Name] = p
		order = append(order, p.Name)
	}
	pointers := make(models.ModelPointers, len(pf.Pointers))
	for k, v := range pf.Pointers {
		pointers[k] = v
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.current
	if _, ok := profiles[current]; !ok {
		current = ""
		if _, ok := profiles[pf.Current]; ok {
			current = pf.Current
		} else if len(order) > 0 {
			current = order[0]
		}
	}
	r.profiles, r.order, r.pointers, r.current = profiles, order, pointers, current

	log.Info().Int("profiles", len(order)).Str("current", current).Msg("Model profiles loaded")
	return nil
}

// Profiles returns the profiles in definition order.
func (r *Registry) Profiles() []models.ModelProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelProfile, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.profiles[name])
	}
	return out
}

// Profile returns a profile by name.
func (r *Registry) Profile(name string) (models.ModelProfile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[name]
	return p, ok
}

// Names returns a sorted list of profile names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	sort.Strings(names)
	return names
}

// CurrentModel returns the current profile name, empty when none exist.
func (r *Registry) CurrentModel() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrentModel selects name as the current model. It returns false and
// changes nothing when name is unknown.
func (r *Registry) SetCurrentModel(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[name]; !ok {
		return false
	}
	if r.current != name {
		log.Info().Str("from", r.current).Str("to", name).Msg("Current model switched")
	}
	r.current = name
	return true
}

// Pointers returns a copy of the purpose pointers.
func (r *Registry) Pointers() models.ModelPointers {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(models.ModelPointers, len(r.pointers))
	for k, v := range r.pointers {
		out[k] = v
	}
	return out
}

// SetPointer assigns a purpose slot. The target must exist at assignment
// time; it can still dangle later after a reload removes it.
func (r *Registry) SetPointer(ptr models.Pointer, name string) error {
	if !ptr.Valid() {
		return apperrors.Validation("unknown pointer: %s", ptr)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[name]; !ok {
		return apperrors.NotFound("profile not found: %s", name)
	}
	r.pointers[ptr] = name
	return nil
}

// ResolvePointer returns the profile a purpose slot points at.
func (r *Registry) ResolvePointer(ptr models.Pointer) (models.ModelProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.pointers[ptr]
	if !ok {
		return models.ModelProfile{}, apperrors.NotFound("pointer not set: %s", ptr)
	}
	p, ok := r.profiles[name]
	if !ok {
		return models.ModelProfile{}, apperrors.NotFound("profile not found: %s (pointer %s)", name, ptr)
	}
	return p, nil
}

// Resolve returns the named profile, or the current one when name is empty.
func (r *Registry) Resolve(name string) (models.ModelProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if name == "" {
		name = r.current
	}
	p, ok := r.profiles[name]
	if !ok {
		if name == "" {
			return models.ModelProfile{}, apperrors.NotFound("profile not found: no current model")
		}
		return models.ModelProfile{}, apperrors.NotFound("profile not found: %s", name)
	}
	return p, nil
}

// ExecuteWithModel resolves the target profile and invokes it. Invoker
// failures are returned unmodified.
func (r *Registry) ExecuteWithModel(ctx context.Context, prompt, modelName string, opts models.InvokeOptions) (string, error) {
	profile, err := r.Resolve(modelName)
	if err != nil {
		return "", err
	}
	return r.invoke(ctx, profile, prompt, opts)
}

// Invoke runs prompt against an already resolved profile.
func (r *Registry) Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error) {
	return r.invoke(ctx, profile, prompt, opts)
}

func (r *Registry) invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("model %s panicked: %v", profile.Name, rec)
		}
	}()
	return r.invoker.Invoke(ctx, profile, prompt, opts)
}

func (r *Registry) resolveRequest(req ParallelRequest) (models.ModelProfile, string, error) {
	switch {
	case req.ModelName != "":
		p, err := r.Resolve(req.ModelName)
		return p, req.ModelName, err
	case req.Pointer != "":
		p, err := r.ResolvePointer(req.Pointer)
		if err != nil {
			return p, string(req.Pointer), err
		}
		return p, p.Name, nil
	default:
		p, err := r.Resolve("")
		return p, p.Name, err
	}
}

// ExecuteInParallel runs every request concurrently and waits for all of
// them. A failing request yields an entry with Error set and never cancels
// its siblings. Results are returned in submission order.
func (r *Registry) ExecuteInParallel(ctx context.Context, reqs []ParallelRequest) []ParallelResult {
	results := make([]ParallelResult, len(reqs))

	// Goroutines never return an error so one failure cannot cancel the rest.
	var g errgroup.Group
	for i, req := range reqs {
		g.Go(func() error {
			start := time.Now()
			var res ParallelResult

			profile, label, err := r.resolveRequest(req)
			res.Model = label
			if err == nil {
				res.Response, err = r.invoke(ctx, profile, req.Prompt, req.Options)
			}
			res.Error = err
			res.Duration = time.Since(start)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, res := range results {
		if res.Error != nil {
			failed++
		}
	}
	log.Debug().Int("requests", len(reqs)).Int("failed", failed).Msg("Parallel model batch finished")
	return results
}
