// Package backend defines the contract between the deployment
// orchestrator and the substrate a deployment runs on. Two
// implementations exist: backend/local runs one container per
// deployment on the host's containerd, backend/kube materializes
// Namespace, Secret, Service, ReplicaSet and Ingress on a cluster.
package backend
