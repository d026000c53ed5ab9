// Package observability provides logging, metrics, and tracing
// functionality for the gatekeeper.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	logger.WithContext(ctx).Named("audit").Info("check",
//	    observability.String("principal", "42"),
//	)
//
// WithContext picks up the request id set by the HTTP middleware and the
// trace and span ids of the active span.
//
// # Metrics
//
// A Registry wraps a dedicated Prometheus registry. Component packages
// register their own collectors on it and the registry serves /metrics:
//
//	reg := observability.NewRegistry("gatekeeper")
//	handler := reg.Handler()
//
// # Tracing
//
// OpenTelemetry tracing with parent-based sampling and optional OTLP gRPC
// export:
//
//	tracer, err := observability.NewTracer(cfg)
//	defer tracer.Shutdown(ctx)
package observability
