// Package llm holds model profiles and dispatches prompts to model backends.
package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/soddygo/kode-acp/pkg/models"
)

// Invoker runs one prompt against one model profile.
type Invoker interface {
	Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error) {
	return f(ctx, profile, prompt, opts)
}

// ProviderRouter dispatches invocations by profile provider.
type ProviderRouter struct {
	providers map[string]Invoker
	mu        sync.RWMutex
}

// NewProviderRouter creates a router with the echo provider registered.
func NewProviderRouter() *ProviderRouter {
	r := &ProviderRouter{providers: make(map[string]Invoker)}
	r.providers[EchoProvider] = EchoInvoker{}
	return r
}

// Register adds a provider. Registering a taken name fails.
func (r *ProviderRouter) Register(name string, inv Invoker) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %s already registered", name)
	}
	r.providers[name] = inv
	return nil
}

// Get retrieves a provider by name.
func (r *ProviderRouter) Get(name string) (Invoker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("provider %s not found", name)
	}
	return inv, nil
}

// List returns the registered provider names, sorted.
func (r *ProviderRouter) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke routes to the provider named by profile.Provider.
func (r *ProviderRouter) Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error) {
	inv, err := r.Get(profile.Provider)
	if err != nil {
		return "", err
	}
	return inv.Invoke(ctx, profile, prompt, opts)
}

// EchoProvider is the name of the built-in simulated backend.
const EchoProvider = "echo"

// EchoInvoker answers every prompt by quoting it back. It honours
// cancellation and the MaxTokens limit, counted in words.
type EchoInvoker struct{}

// Invoke implements Invoker.
func (EchoInvoker) Invoke(ctx context.Context, profile models.ModelProfile, prompt string, opts models.InvokeOptions) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	text := strings.TrimSpace(prompt)
	limit := opts.MaxTokens
	if limit <= 0 {
		limit = profile.MaxTokens
	}
	if words := strings.Fields(text); limit > 0 && len(words) > limit {
		text = strings.Join(words[:limit], " ")
	}
	return fmt.Sprintf("[%s] %s", profile.Name, text), nil
}
