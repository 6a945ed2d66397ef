// Package observability provides logging, metrics, and tracing
// functionality for the key server.
//
// # Logging
//
// The Logger interface provides structured logging backed by zap:
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("key verified",
//	    observability.String("key_id", keyID),
//	    observability.Bool("valid", true),
//	)
//
// The level of a logger returned by NewLogger can be changed at runtime
// with SetLevel, which is how configuration hot-reload applies new levels.
//
// # Metrics
//
// Metrics owns the registry behind /metrics. Component packages keep
// their own collector singletons and bridge them with MustRegister.
//
// # Tracing
//
// NewTracer installs an OpenTelemetry tracer provider with an OTLP gRPC
// exporter when tracing is enabled.
package observability
