// Package telemetry defines the logging, metrics, and tracing facade used
// throughout the kernel. Packages depend on the Logger/Metrics/Tracer
// interfaces, never on goa.design/clue or OpenTelemetry directly, so a
// kernel.World can be constructed with either the Clue-backed implementation
// or the Noop implementation without touching call sites.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Logger emits structured log messages. Implementations read formatting and
// severity-threshold settings from the context rather than from fields on
// the Logger itself, matching goa.design/clue/log's context-carried config.
type Logger interface {
	Debug(ctx context.Context, msg string, keyvals ...any)
	Info(ctx context.Context, msg string, keyvals ...any)
	Warn(ctx context.Context, msg string, keyvals ...any)
	Error(ctx context.Context, msg string, keyvals ...any)
}

// Metrics records counters, timers, and gauges. Tag arguments are flattened
// key-value string pairs (k1, v1, k2, v2, ...), mirroring StatsD-style tag
// conventions used across the kernel's metric call sites.
type Metrics interface {
	IncCounter(name string, value float64, tags ...string)
	RecordTimer(name string, duration time.Duration, tags ...string)
	RecordGauge(name string, value float64, tags ...string)
}

// Tracer starts and retrieves spans. Start both enters a new span and
// returns the context carrying it; Span recovers the current span from a
// context that already has one (e.g. inside a reducer invocation that
// received its context from the plan engine).
type Tracer interface {
	Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, Span)
	Span(ctx context.Context) Span
}

// Span is a single unit of tracing work. Methods mirror the subset of
// go.opentelemetry.io/otel/trace.Span the kernel actually uses.
type Span interface {
	End(opts ...trace.SpanEndOption)
	AddEvent(name string, attrs ...any)
	SetStatus(code codes.Code, description string)
	RecordError(err error, opts ...trace.EventOption)
}
