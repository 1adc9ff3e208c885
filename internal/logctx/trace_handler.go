package logctx

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// TraceHandler decorates records with the trace_id and span_id of the span
// carried by the logging context. The ids stay at the top level of the record
// even when the logger has opened groups.
type TraceHandler struct {
	// base has every attr added before the first group.
	base slog.Handler
	// grouped is base with groups applied, nil while no group is open.
	grouped slog.Handler
	steps   []step
}

// step is a WithGroup or WithAttrs call made after the first group.
type step struct {
	group string
	attrs []slog.Attr
}

// NewTraceHandler panics if h is nil.
func NewTraceHandler(h slog.Handler) *TraceHandler {
	if h == nil {
		panic("logctx: NewTraceHandler called with nil handler")
	}

	return &TraceHandler{base: h}
}

func (h *TraceHandler) current() slog.Handler {
	if h.grouped != nil {
		return h.grouped
	}

	return h.base
}

func (h *TraceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *TraceHandler) Handle(ctx context.Context, r slog.Record) error {
	ids := spanAttrs(ctx)

	switch {
	case ids == nil:
		return h.current().Handle(ctx, r)
	case h.grouped == nil:
		r.AddAttrs(ids...)

		return h.base.Handle(ctx, r)
	}

	// rebuild the group chain on top of the ids
	out := h.base.WithAttrs(ids)

	for _, s := range h.steps {
		if s.group != "" {
			out = out.WithGroup(s.group)
		} else {
			out = out.WithAttrs(s.attrs)
		}
	}

	return out.Handle(ctx, r)
}

func (h *TraceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	if h.grouped == nil {
		return &TraceHandler{base: h.base.WithAttrs(attrs)}
	}

	return h.then(step{attrs: attrs}, h.grouped.WithAttrs(attrs))
}

func (h *TraceHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	return h.then(step{group: name}, h.current().WithGroup(name))
}

func (h *TraceHandler) then(s step, grouped slog.Handler) *TraceHandler {
	steps := make([]step, len(h.steps), len(h.steps)+1)
	copy(steps, h.steps)

	return &TraceHandler{base: h.base, grouped: grouped, steps: append(steps, s)}
}

// spanAttrs returns nil when ctx carries no valid span context.
func spanAttrs(ctx context.Context) []slog.Attr {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}

	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}
