package types

import (
	"encoding/json"
	"time"
)

// DefaultDeploymentGroup is the group used when a deployment intent does
// not name one. The default group drives the project's convenience
// ActiveDeploymentID pointer and derived status.
const DefaultDeploymentGroup = "default"

// Deployment is a single attempt to run one image for a project. It is
// identified by (Project, ID) where ID is a short client-visible
// identifier (e.g. "20251220-100000"). Rows are never physically
// deleted; terminal rows are retained for audit.
type Deployment struct {
	ID        string
	UID       string // internal UUID, referenced by RolledBackFromDeploymentID
	Project   string
	CreatedBy string

	Status          DeploymentStatus
	DeploymentGroup string

	// Image is the full image reference the backend should run.
	// ImageDigest, when set, pins the resolved digest.
	Image       string
	ImageDigest string

	// HTTPPort is the port the application listens on inside the
	// container (1-65535).
	HTTPPort int

	// IsActive marks the deployment that receives traffic for its
	// (Project, DeploymentGroup). At most one row per group is active,
	// and only Healthy rows may become active.
	IsActive bool

	// ControllerMetadata is a backend-private JSON blob. The
	// orchestrator persists it verbatim between reconcile calls and
	// never inspects it.
	ControllerMetadata json.RawMessage

	RolledBackFromDeploymentID string

	ExpiresAt         *time.Time
	TerminationReason TerminationReason

	DeploymentURL string
	ErrorMessage  string

	CreatedAt time.Time
	UpdatedAt time.Time

	// StatusChangedAt is when Status last changed. Timeouts key off it
	// rather than UpdatedAt, which moves on every metadata write.
	StatusChangedAt time.Time

	CompletedAt *time.Time
}

// Project is a named collection of deployments with a single owner.
type Project struct {
	Name       string
	Visibility ProjectVisibility

	// Exactly one of OwnerUserID / OwnerTeamID is set.
	OwnerUserID string
	OwnerTeamID string

	Status ProjectStatus

	// Finalizers is an ordered set of string tags owned by per-resource
	// controllers. The project cannot be physically deleted while any
	// remain.
	Finalizers []string

	// ActiveDeploymentID mirrors the active deployment of the default
	// group for cheap reads.
	ActiveDeploymentID string
	ProjectURL         string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasFinalizer reports whether the project carries the given finalizer.
func (p *Project) HasFinalizer(name string) bool {
	for _, f := range p.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// ProjectVisibility controls ingress auth annotations on the
// Kubernetes backend.
type ProjectVisibility string

const (
	ProjectVisibilityPublic  ProjectVisibility = "public"
	ProjectVisibilityPrivate ProjectVisibility = "private"
)

// ProjectStatus is derived from the default group's deployments except
// for the controller-owned sentinels Deleting and Terminated.
type ProjectStatus string

const (
	ProjectStatusStopped    ProjectStatus = "stopped"
	ProjectStatusDeploying  ProjectStatus = "deploying"
	ProjectStatusRunning    ProjectStatus = "running"
	ProjectStatusFailed     ProjectStatus = "failed"
	ProjectStatusDeleting   ProjectStatus = "deleting"
	ProjectStatusTerminated ProjectStatus = "terminated"
)

// EnvVar is one environment variable attached to a deployment or held
// as a project template. Secret values are stored encrypted and only
// decrypted at inject time.
type EnvVar struct {
	Key           string
	Value         string
	IsSecret      bool
	IsRetrievable bool
}

// Extension is an installed project extension. Deletion of a project
// blocks while any extension row exists.
type Extension struct {
	ID        string
	Project   string
	Kind      string
	CreatedAt time.Time
}

// HealthStatus is the result of a backend health probe. A missing
// underlying resource is reported as unhealthy, not as an error, so the
// orchestrator can decide policy.
type HealthStatus struct {
	Healthy   bool
	Message   string
	LastCheck time.Time
}

// DeploymentURLs carries the addresses a deployment is reachable at.
type DeploymentURLs struct {
	PrimaryURL       string
	CustomDomainURLs []string
}
