package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/soddygo/kode-acp/pkg/errors"
	"github.com/soddygo/kode-acp/pkg/models"
)

// DefaultTimeout is the hard deadline applied to one tool execution.
const DefaultTimeout = 5 * time.Minute

// Executor runs internal tool calls. Implementations may block on I/O.
type Executor interface {
	ExecuteTool(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error)

// ExecuteTool calls f.
func (f ExecutorFunc) ExecuteTool(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error) {
	return f(ctx, call)
}

type pendingCall struct {
	started time.Time
	name    string
}

// Dispatcher runs calls through an Executor with a hard timeout and keeps
// the set of in-flight requests bounded by reclaiming timed-out slots.
type Dispatcher struct {
	executor  Executor
	pending   map[string]pendingCall
	onTimeout func(callID string)
	timeout   time.Duration
	mu        sync.Mutex
}

// NewDispatcher creates a dispatcher. A non-positive timeout selects DefaultTimeout.
func NewDispatcher(executor Executor, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		executor: executor,
		pending:  make(map[string]pendingCall),
		timeout:  timeout,
	}
}

// SetOnTimeout registers a callback invoked with the id of each timed-out call.
func (d *Dispatcher) SetOnTimeout(fn func(callID string)) {
	d.mu.Lock()
	d.onTimeout = fn
	d.mu.Unlock()
}

// Execute runs call. Executor errors and panics become error-tagged results;
// only the deadline produces an error (TIMEOUT), after the pending slot has
// been reclaimed.
func (d *Dispatcher) Execute(ctx context.Context, call models.InternalToolCall) (models.ToolResult, error) {
	d.mu.Lock()
	if _, busy := d.pending[call.ID]; busy {
		d.mu.Unlock()
		return models.ToolResult{}, apperrors.Validation("tool call %s is already in flight", call.ID)
	}
	d.pending[call.ID] = pendingCall{name: call.Name, started: time.Now()}
	d.mu.Unlock()

	execCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan models.ToolResult, 1)
	go func() {
		done <- d.run(execCtx, call)
	}()

	select {
	case result := <-done:
		d.release(call.ID)
		return result, nil
	case <-execCtx.Done():
		d.release(call.ID)
		if ctx.Err() != nil {
			return models.ToolResult{}, apperrors.New(apperrors.ErrCodeTimeout, "tool call cancelled", ctx.Err())
		}
		log.Warn().
			Str("callId", call.ID).
			Str("tool", call.Name).
			Dur("timeout", d.timeout).
			Msg("Tool execution timed out, pending request rejected")
		d.mu.Lock()
		onTimeout := d.onTimeout
		d.mu.Unlock()
		if onTimeout != nil {
			onTimeout(call.ID)
		}
		return models.ToolResult{}, apperrors.New(apperrors.ErrCodeTimeout,
			fmt.Sprintf("tool %s exceeded %s", call.Name, d.timeout), nil)
	}
}

func (d *Dispatcher) run(ctx context.Context, call models.InternalToolCall) (result models.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("tool", call.Name).Msg("Tool executor panicked")
			result = models.ToolResult{CallID: call.ID, Content: fmt.Sprintf("tool %s failed: %v", call.Name, r), IsError: true}
		}
	}()

	res, err := d.executor.ExecuteTool(ctx, call)
	if err != nil {
		return models.ToolResult{CallID: call.ID, Content: err.Error(), IsError: true}
	}
	res.CallID = call.ID
	return res
}

func (d *Dispatcher) release(callID string) {
	d.mu.Lock()
	delete(d.pending, callID)
	d.mu.Unlock()
}

// Pending returns the number of in-flight executions.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Timeout returns the configured deadline.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}
