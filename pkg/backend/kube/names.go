package kube

import (
	"regexp"
	"strings"

	"github.com/rise-dev/rise/pkg/types"
)

const (
	// FieldManager is the server-side apply field manager for every
	// resource this backend owns.
	FieldManager = "rise"

	// PullSecretName is the per-namespace registry pull secret.
	PullSecretName = "rise-registry-creds"

	// NamespaceFinalizer is the project finalizer owned by the
	// namespace cleanup loop.
	NamespaceFinalizer = "kubernetes.rise.dev/namespace"

	LabelManagedBy    = "rise.dev/managed-by"
	LabelProject      = "rise.dev/project"
	LabelGroup        = "rise.dev/deployment-group"
	LabelDeploymentID = "rise.dev/deployment-id"

	managedByValue = "rise"

	// lastRefreshAnnotation records when the pull secret's credentials
	// were minted.
	lastRefreshAnnotation = "rise.dev/last-refresh"
)

var invalidNameRuns = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeName makes a string usable as a Kubernetes resource name or
// label value: runs of invalid characters collapse to "--", leading
// and trailing dashes are trimmed.
func sanitizeName(s string) string {
	s = invalidNameRuns.ReplaceAllString(strings.ToLower(s), "--")
	return strings.Trim(s, "-")
}

// namespaceName renders the namespace format for a project.
func namespaceName(format, project string) string {
	if format == "" {
		format = "rise-{project_name}"
	}
	return sanitizeName(strings.ReplaceAll(format, "{project_name}", project))
}

// groupResourceName names the per-group Service and Ingress.
func groupResourceName(group string) string {
	if group == "" || group == types.DefaultDeploymentGroup {
		return types.DefaultDeploymentGroup
	}
	return sanitizeName(group)
}

// replicaSetName names the per-deployment ReplicaSet.
func replicaSetName(project, deploymentID string) string {
	return sanitizeName(project + "-" + deploymentID)
}

// deploymentLabels is the full label set stamped on every resource of
// a deployment. The ReplicaSet selector uses the same set, so each
// ReplicaSet selects exactly its own pods and the Service selector can
// be pinned to one deployment for the traffic switch.
func deploymentLabels(d *types.Deployment) map[string]string {
	group := d.DeploymentGroup
	if group == "" {
		group = types.DefaultDeploymentGroup
	}
	return map[string]string{
		LabelManagedBy:    managedByValue,
		LabelProject:      sanitizeName(d.Project),
		LabelGroup:        sanitizeName(group),
		LabelDeploymentID: sanitizeName(d.ID),
	}
}
