package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

func TestNew_GlobalProvider(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)
	require.NotNil(t, m)

	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Message(ctx, "prompt", true)
		m.ToolCall(ctx, "read_file", false)
		m.Denial(ctx, "run_command", "default")
		m.Evicted(ctx, 3)
		m.ModelLatency(ctx, "echo-large", 12*time.Millisecond, true)
	})
}

func TestNew_NoopMeter(t *testing.T) {
	m, err := New(noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	assert.NotNil(t, m.messages)
	assert.NotNil(t, m.modelLatency)
}

func TestNilMetrics(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.Message(ctx, "x", false)
		m.ToolCall(ctx, "x", true)
		m.Denial(ctx, "x", "plan")
		m.Evicted(ctx, 1)
		m.ModelLatency(ctx, "x", time.Second, false)
	})
}
