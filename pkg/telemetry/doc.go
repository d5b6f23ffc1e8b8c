// Package telemetry groups the observability surfaces of Gatewarden.
//
//   - logging: structured slog-backed logging with level and format config
//   - health: liveness and readiness probes, including the quota store check
//
// Prometheus metrics live next to the code they instrument, in
// pkg/admission/metrics.go, rather than here.
package telemetry
