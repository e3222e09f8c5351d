// Package controller runs the deployment control loops. The
// Orchestrator owns five independent loops (reconcile, health,
// terminate, cancel, expire) that read desired state from the store,
// drive it through a backend, and write results back. The
// ProjectDeleter runs the staged project deletion protocol alongside
// them. All loops are crash-safe: every step is idempotent and any
// interrupted pass is simply retried on the next tick.
package controller
