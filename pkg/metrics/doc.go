// Package metrics exposes Prometheus instrumentation for the coordination
// engine (lock acquisitions, wait rounds, cache hit/miss, exchange traffic,
// storage CAS outcomes) and a small health/readiness/liveness HTTP surface,
// both modeled on the teacher's metrics package: package-level metric
// variables registered once in init(), a Timer helper for histogram
// observations, and JSON health handlers served alongside /metrics.
package metrics
