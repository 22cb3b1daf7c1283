package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span attribute keys.
const (
	AttrWorker      = "worker.name"
	AttrRPCMethod   = "rpc.method"
	AttrRPCID       = "rpc.request.id"
	AttrRPCTimeout  = "rpc.timeout_ms"
	AttrExitCode    = "worker.exit_code"
	AttrChatID      = "chat.id"
	AttrChatMode    = "chat.mode"
	AttrChunkCount  = "chat.chunks"
	AttrCloseReason = "chat.close_reason"
)

// Span names.
const (
	SpanRPCCall     = "rpc.call"
	SpanChatSession = "chat.session"
)

// Event names.
const (
	EventAbortSent = "chat.abort_sent"
)

// OrNoop returns t, or a no-op tracer when t is nil.
func OrNoop(t trace.Tracer) trace.Tracer {
	if t == nil {
		return noop.NewTracerProvider().Tracer("noop")
	}
	return t
}

// StartRPCSpan opens a client span for one RPC call.
func StartRPCSpan(ctx context.Context, t trace.Tracer, worker, method, id string) (context.Context, trace.Span) {
	return OrNoop(t).Start(ctx, SpanRPCCall,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrWorker, worker),
			attribute.String(AttrRPCMethod, method),
			attribute.String(AttrRPCID, id),
		),
	)
}

// StartSessionSpan opens a span covering one chat session's lifetime.
func StartSessionSpan(ctx context.Context, t trace.Tracer, chatID, mode string) (context.Context, trace.Span) {
	return OrNoop(t).Start(ctx, SpanChatSession,
		trace.WithAttributes(
			attribute.String(AttrChatID, chatID),
			attribute.String(AttrChatMode, mode),
		),
	)
}

// EndSpan records err (if any) as the span status and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
