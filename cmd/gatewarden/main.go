// Gatewarden is a multi-level admission control engine for HTTP services.
//
// It decides, atomically and across instances, whether a request may
// proceed, checking layered quotas in a fixed order:
//   - Global service quota
//   - Per-origin quota
//   - Per-resource quota
//   - Per-identity quota, parameterized by subscription tier
//
// with whitelist bypass, circuit breaker gating and cadence-driven tier
// adjustment on top.
//
// Usage:
//
//	# Start the engine with default configuration
//	gatewarden run
//
//	# Start with a custom configuration file
//	gatewarden run --config /etc/gatewarden/config.yaml
//
//	# Validate configuration without starting
//	gatewarden run --dry-run
//
//	# Show version information
//	gatewarden version
package main

func main() {
	Execute()
}
