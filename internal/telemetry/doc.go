// Package telemetry wraps OpenTelemetry SDK initialization and provides a
// centrally configured TracerProvider for run and node spans. When tracing
// is disabled it hands out nil tracers and never connects to anything.
package telemetry
