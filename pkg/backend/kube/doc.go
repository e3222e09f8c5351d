/*
Package kube implements the deployment backend for a Kubernetes
cluster.

A deployment materializes as five resources in a per-project
namespace: the namespace itself, a registry pull Secret shared by the
namespace, a per-group ClusterIP Service and Ingress, and a
per-deployment ReplicaSet whose selector includes the deployment ID.
Reconciliation is a nine-phase machine persisted in controller
metadata; create/apply phases fall through within one call while
phases waiting on the cluster yield to the orchestrator. Everything is
written with server-side apply under the "rise" field manager, so
reruns converge instead of conflicting.

Traffic switching is blue/green on the Service selector: only after
the new ReplicaSet is ready and healthy does SwitchingTraffic pin the
Service to the new deployment's labels. The Completed phase keeps
scanning for drift (replica count, container image, selector) and
recreates the ReplicaSet via delete-and-wait when it finds any.

The package also hosts two auxiliary loops: the pull secret refresher,
which replaces registry credentials at half their nominal lifetime,
and the namespace cleaner, which holds the
kubernetes.rise.dev/namespace project finalizer.
*/
package kube
