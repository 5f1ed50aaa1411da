// Package telemetry records adapter metrics through OpenTelemetry.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "kode-acp"

// Metrics holds the adapter instruments. A nil *Metrics records nothing.
type Metrics struct {
	messages     metric.Int64Counter
	toolCalls    metric.Int64Counter
	denials      metric.Int64Counter
	evicted      metric.Int64Counter
	modelLatency metric.Float64Histogram
}

// New creates the instruments on meter. A nil meter uses the global
// provider, which is a no-op unless an SDK has been installed.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}

	messages, err := meter.Int64Counter(
		"acp.messages",
		metric.WithDescription("Inbound protocol messages by type and outcome"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating messages counter: %w", err)
	}

	toolCalls, err := meter.Int64Counter(
		"acp.tool_calls",
		metric.WithDescription("Tool calls by external tool name and outcome"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating tool calls counter: %w", err)
	}

	denials, err := meter.Int64Counter(
		"acp.permission.denials",
		metric.WithDescription("Tool calls refused by the permission policy"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating denials counter: %w", err)
	}

	evicted, err := meter.Int64Counter(
		"acp.sessions.evicted",
		metric.WithDescription("Sessions removed by the idle sweep"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating evicted counter: %w", err)
	}

	modelLatency, err := meter.Float64Histogram(
		"acp.model.latency",
		metric.WithDescription("Model invocation latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating model latency histogram: %w", err)
	}

	return &Metrics{
		messages:     messages,
		toolCalls:    toolCalls,
		denials:      denials,
		evicted:      evicted,
		modelLatency: modelLatency,
	}, nil
}

// Message counts one handled message.
func (m *Metrics) Message(ctx context.Context, msgType string, ok bool) {
	if m == nil {
		return
	}
	m.messages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", msgType),
		attribute.Bool("ok", ok),
	))
}

// ToolCall counts one tool call.
func (m *Metrics) ToolCall(ctx context.Context, tool string, isError bool) {
	if m == nil {
		return
	}
	m.toolCalls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.Bool("error", isError),
	))
}

// Denial counts one permission denial.
func (m *Metrics) Denial(ctx context.Context, tool, mode string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("mode", mode),
	))
}

// Evicted counts sessions removed by a sweep.
func (m *Metrics) Evicted(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.evicted.Add(ctx, int64(n))
}

// ModelLatency records one model invocation.
func (m *Metrics) ModelLatency(ctx context.Context, model string, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.modelLatency.Record(ctx, float64(d.Microseconds())/1000, metric.WithAttributes(
		attribute.String("model", model),
		attribute.Bool("ok", ok),
	))
}
