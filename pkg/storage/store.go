package storage

import (
	"encoding/json"
	"errors"

	"github.com/rise-dev/rise/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a create collides with an existing
	// row.
	ErrDuplicate = errors.New("already exists")

	// ErrInvalidTransition is returned when a status write is rejected
	// by the deployment state machine. Controllers treat it as benign:
	// the row has usually moved to a cleanup state concurrently.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotDeletable is returned when a project still holds
	// finalizers, extensions or non-terminal deployments.
	ErrNotDeletable = errors.New("project not deletable")
)

// DeploymentStore is the persistent record of deployments. All status
// mutators validate against the state machine and stamp UpdatedAt;
// terminal transitions additionally stamp CompletedAt and clear
// IsActive.
type DeploymentStore interface {
	CreateDeployment(d *types.Deployment) error
	GetDeployment(project, id string) (*types.Deployment, error)

	// MarkAsActive atomically verifies the deployment is Healthy,
	// clears IsActive on every other deployment in the same
	// (project, group) and sets it on this one. It returns the
	// deployment that was previously active, if any.
	MarkAsActive(project, id, group string) (*types.Deployment, error)

	FindNonTerminal(limit int) ([]*types.Deployment, error)
	FindByStatus(status types.DeploymentStatus) ([]*types.Deployment, error)
	FindExpired(limit int) ([]*types.Deployment, error)
	FindActiveForProjectAndGroup(project, group string) (*types.Deployment, error)
	FindLastForProjectAndGroup(project, group string) (*types.Deployment, error)
	FindNonTerminalForProject(project string) ([]*types.Deployment, error)
	FindNonTerminalForProjectAndGroup(project, group string) ([]*types.Deployment, error)
	FindActiveStatusForProjectAndGroup(project, group string) ([]*types.Deployment, error)

	UpdateDeploymentStatus(project, id string, to types.DeploymentStatus) error
	MarkTerminating(project, id string, reason types.TerminationReason) error
	MarkCancelling(project, id string) error
	MarkCancelled(project, id string) error
	MarkFailed(project, id, message string) error
	MarkStopped(project, id string) error
	MarkSuperseded(project, id string) error
	MarkExpired(project, id string) error
	MarkHealthy(project, id string) error
	MarkUnhealthy(project, id, message string) error

	UpdateControllerMetadata(project, id string, metadata json.RawMessage) error
	UpdateDeploymentURL(project, id, url string) error
}

// ProjectStore is the persistent record of projects and their
// finalizers. Derived status is recomputed through
// UpdateCalculatedStatus; only the Deleting and Terminated sentinels
// are set directly.
type ProjectStore interface {
	CreateProject(p *types.Project) error
	GetProject(name string) (*types.Project, error)
	ListProjects() ([]*types.Project, error)
	FindProjectsByStatus(status types.ProjectStatus) ([]*types.Project, error)

	// AddFinalizer is idempotent; RemoveFinalizer tolerates absence.
	AddFinalizer(name, finalizer string) error
	RemoveFinalizer(name, finalizer string) error

	SetProjectStatus(name string, status types.ProjectStatus) error
	SetActiveDeployment(name, deploymentID, projectURL string) error
	UpdateCalculatedStatus(name string) error

	// DeleteProject physically removes the row. It fails with
	// ErrNotDeletable while any finalizer, extension row or
	// non-terminal deployment remains.
	DeleteProject(name string) error
}

// EnvVarStore holds project env var templates and per-deployment env
// vars. Secret values are stored as ciphertext; Decrypted listing is
// the caller's concern via the security package.
type EnvVarStore interface {
	ListDeploymentEnvVars(project, deploymentID string) ([]types.EnvVar, error)
	UpsertDeploymentEnvVar(project, deploymentID, key, value string, isSecret, isRetrievable bool) error
	ListProjectEnvVars(project string) ([]types.EnvVar, error)
	UpsertProjectEnvVar(project, key, value string, isSecret, isRetrievable bool) error
	CopyProjectEnvVarsToDeployment(project, deploymentID string) error
	CopyDeploymentEnvVarsToDeployment(project, sourceID, targetID string) error
}

// ExtensionStore tracks installed project extensions. Project deletion
// blocks while any row exists.
type ExtensionStore interface {
	CreateExtension(e *types.Extension) error
	DeleteExtension(project, id string) error
	CountProjectExtensions(project string) (int, error)
}

// Store aggregates every store the control plane uses. A single
// BoltStore implements all of them; the narrower interfaces exist so
// components and tests can depend on just what they need.
type Store interface {
	DeploymentStore
	ProjectStore
	EnvVarStore
	ExtensionStore

	Close() error
}
