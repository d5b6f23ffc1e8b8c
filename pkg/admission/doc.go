// Package admission implements the multi-level admission-control engine.
//
// # Overview
//
// The Controller decides, per unit of work, whether to admit or reject it
// under four simultaneously enforced quota scopes: global, per-origin,
// per-resource, and per-identity-tier. Accounting state lives in a shared
// store (see the store subpackage); the engine itself is stateless logic,
// so any number of processes can enforce one set of quotas.
//
// # Decision flow
//
//	CheckAdmission(identity, origin, resource, cost)
//	  1. Whitelist: exact identity or CIDR origin match bypasses entirely.
//	  2. Circuit breakers: an open circuit for the global or resource scope
//	     rejects before any quota is charged.
//	  3. Scope checks in fixed order: global, origin, resource, identity.
//	     The first rejection short-circuits; later scopes are neither
//	     evaluated nor charged. Cheapest, most aggregated checks run first
//	     so system-wide overload is shed before per-identity lookups.
//	  4. On full success the identity-tier bucket's post-consumption
//	     metadata (remaining, reset) is the canonical result metadata.
//
// # Failure policy
//
// Each scope carries an explicit fail-open or fail-closed policy for store
// outages. Fail-closed denies with a "service protecting itself" reason;
// fail-open admits and logs. Either way the caller receives a well-formed
// Result. Defaults: global and resource fail closed (they protect scarce
// shared resources), origin fails open (best-effort abuse control),
// identity fails closed.
//
// # Subpackages
//
//   - store: atomic shared state backends (memory, SQLite, Redis)
//   - bucket: token bucket and sliding window accountants
//   - tier: identity→tier resolution
//   - whitelist: bypass list with CIDR support
//   - breaker: per-scope circuit breaker
//   - policy: cadence-driven tier adjustment
//   - clock: injectable time source
package admission
