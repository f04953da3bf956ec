// Package health serves the liveness and readiness endpoints.
//
// Liveness is [Up]. Readiness is [Require] over named dependencies: the
// [ShutdownGate] and, when rate limits are shared, the [Redis] store. A
// failing readiness check answers 503 with "<dependency>: <reason>" and sets
// [FailedHeader] to the dependency name.
package health
