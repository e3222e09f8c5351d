package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/rise-dev/rise/pkg/types"
)

// ErrNotReady is returned by StreamLogs while the deployment's
// container or pod is not addressable yet.
var ErrNotReady = errors.New("deployment not ready for logs")

// ReconcileResult is what a reconcile call hands back to the
// orchestrator. Metadata is persisted verbatim and fed into the next
// call; Status is subject to state machine validation before it is
// written.
type ReconcileResult struct {
	Status        types.DeploymentStatus
	DeploymentURL string
	Metadata      json.RawMessage
	ErrorMessage  string
}

// LogOptions control log streaming from a backend.
type LogOptions struct {
	Follow     bool
	Tail       int
	Timestamps bool
	Since      time.Duration
}

// Backend materializes deployments on some substrate. Implementations
// must be idempotent and interruption safe: every method may be called
// again after a crash with whatever metadata the previous call managed
// to persist.
type Backend interface {
	// Reconcile advances the deployment toward its desired state.
	// Transient failures are encoded as an unchanged status plus
	// ErrorMessage; hard failures as Status=Failed.
	Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) ReconcileResult

	// HealthCheck probes the deployment. A missing underlying resource
	// is unhealthy, never an error.
	HealthCheck(ctx context.Context, d *types.Deployment) (*types.HealthStatus, error)

	// Cancel cleans up a deployment that never got infrastructure.
	Cancel(ctx context.Context, d *types.Deployment) error

	// Terminate removes the deployment's infrastructure. It must not
	// touch resources shared with other deployments of the project.
	Terminate(ctx context.Context, d *types.Deployment) error

	// Stop is a best effort quiesce; backends may make it a no-op.
	Stop(ctx context.Context, d *types.Deployment) error

	// StreamLogs streams the deployment's logs. Returns ErrNotReady
	// until the workload is addressable.
	StreamLogs(ctx context.Context, d *types.Deployment, opts LogOptions) (io.ReadCloser, error)

	// DeploymentURLs reports where the deployment is reachable.
	DeploymentURLs(d *types.Deployment, p *types.Project) (*types.DeploymentURLs, error)
}
