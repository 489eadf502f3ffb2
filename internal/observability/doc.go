// Package observability provides metrics, structured logging, and distributed
// tracing for the session runtime.
//
// # Metrics
//
// Prometheus metrics are registered on the default registry at package init
// under the loom_ prefix. They track turns, token usage, stream retries, tool
// executions, compactions, event delivery, and active sessions. Leaf packages
// record directly through the package-level collectors or the Record* helpers:
//
//	observability.RecordTurn("anthropic", "completed", time.Since(start))
//	observability.StreamRetries.WithLabelValues("openai").Inc()
//
// # Logging
//
// Logger wraps log/slog with session/turn/tool-call correlation pulled from
// context and automatic redaction of API keys and other secrets:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info"})
//	ctx := observability.AddSessionID(ctx, sessionID)
//	logger.Info(ctx, "Turn completed", "provider", "anthropic", "tokens", 1024)
//
// # Tracing
//
// Tracer wraps OpenTelemetry with span helpers following the turn lifecycle:
// session.turn, llm.<provider>, tool.<name>, compaction.run, journal.save.
// With no OTLP endpoint configured the tracer is a no-op, so callers can
// construct one unconditionally:
//
//	tracer, shutdown := observability.NewTracer(observability.TraceConfig{
//	    ServiceName: "loom",
//	    Endpoint:    os.Getenv("OTEL_ENDPOINT"),
//	})
//	defer shutdown(context.Background())
package observability
