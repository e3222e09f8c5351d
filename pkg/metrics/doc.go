// Package metrics exposes the control plane's Prometheus metrics:
// deployment and project inventory gauges sampled from the store,
// per-loop run and error counters, and reconcile latency.
package metrics
