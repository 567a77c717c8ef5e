/*
Package metrics exposes Prometheus collectors for the client core.

Collectors cover the certificate pipeline (validated/rejected counters), the
key bundle engine (load outcomes, corrupted key gauge), the sync engine
(inbound/outbound outcomes, conflicts, self-heals, durations) and the local
storage flush path.

Call Register once at startup, then serve Handler on an HTTP mux:

	metrics.Register()
	http.Handle("/metrics", metrics.Handler())

The Timer helper mirrors the usual start/observe pattern:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SyncDuration)
*/
package metrics
