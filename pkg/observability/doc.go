// Package observability provides OpenTelemetry tracing and metrics for the
// trust core's services. Every exported gauge and histogram is exported via
// OTLP gRPC — there is no Prometheus scrape endpoint in this stack.
//
// # Tracing
//
// Initialize at process startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Create spans around a pipeline step:
//
//	ctx, span := p.StartSpan(ctx, "ingest.validate_envelope")
//	defer span.End()
//
// # Metrics
//
// RED metrics (request/error/duration) are recorded automatically via
// TrackOperation. The ingest-gateway health surface additionally reports
// four domain gauges — ingest rate, DB write latency, queue depth, and
// agent heartbeat lag — through RecordIngestRate, RecordDBWriteLatency,
// RecordQueueDepth, and RecordHeartbeatLag.
package observability
