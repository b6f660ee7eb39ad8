// Package telemetry wires logging, tracing and metrics for rb.
//
// Logging uses zerolog with a console or JSON writer. Each apply runs
// under an OpenTelemetry span with child spans per phase (evaluate,
// persist), exported to stdout or an OTLP collector when configured.
// Metrics are kept in a private Prometheus registry and, because rb exits
// after each command, written once to a node_exporter textfile on
// Shutdown rather than served over HTTP.
package telemetry
