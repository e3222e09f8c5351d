/*
Package local implements the deployment backend for a single host
running containerd: one container per deployment, a random host port
from the ephemeral range forwarded to the container's HTTP port.

Reconciliation is a small phase machine persisted in controller
metadata (NotStarted, CreatingContainer, StartingContainer,
WaitingForHealth, Completed). Every phase is idempotent; a crash
between container creation and the metadata write is recovered through
the deterministic container name, which doubles as the containerd ID.
When the orchestrator marks a deployment Unhealthy, reconcile turns
into a recovery attempt: a stopped container is restarted, a missing
one is rebuilt on the same port.
*/
package local
