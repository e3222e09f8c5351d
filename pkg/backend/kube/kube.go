package kube

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"k8s.io/client-go/kubernetes"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/registry"
	"github.com/rise-dev/rise/pkg/security"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// Backend materializes deployments on a Kubernetes cluster as
// Namespace → pull Secret → Service → ReplicaSet → Ingress, with a
// blue/green traffic switch on the Service selector.
type Backend struct {
	client      kubernetes.Interface
	provider    registry.Provider
	deployments storage.DeploymentStore
	projects    storage.ProjectStore
	envs        storage.EnvVarStore
	enc         security.Encryptor
	cfg         Config
	logger      zerolog.Logger
}

// New creates the Kubernetes backend.
func New(client kubernetes.Interface, provider registry.Provider, store storage.Store, enc security.Encryptor, cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Backend{
		client:      client,
		provider:    provider,
		deployments: store,
		projects:    store,
		envs:        store,
		enc:         enc,
		cfg:         cfg,
		logger:      log.WithComponent("kube-backend"),
	}, nil
}

// Reconcile drives the nine-phase machine. Cheap phases (creates and
// applies) fall through within one call; phases that wait on the
// cluster (ReplicaSet readiness, health) yield control back to the
// orchestrator.
func (b *Backend) Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) backend.ReconcileResult {
	switch d.Status {
	case types.DeploymentStatusPushed, types.DeploymentStatusDeploying,
		types.DeploymentStatusHealthy, types.DeploymentStatusUnhealthy:
	default:
		// The image must be in the registry before the cluster can
		// pull it.
		return backend.ReconcileResult{Status: d.Status, Metadata: d.ControllerMetadata}
	}

	md := decodeMetadata(d.ControllerMetadata)
	md.HTTPPort = httpPort(d)
	if md.ImageTag == "" {
		md.ImageTag = b.resolveImage(d)
	}

	report := types.DeploymentStatusDeploying
	if d.Status == types.DeploymentStatusUnhealthy {
		report = types.DeploymentStatusUnhealthy
		b.rewindIfReplicaSetGone(ctx, d, md)
	}

	for {
		switch md.Phase {
		case PhaseNotStarted:
			md.Phase = PhaseCreatingNamespace

		case PhaseCreatingNamespace:
			md.Namespace = namespaceName(b.cfg.NamespaceFormat, d.Project)
			if err := b.ensureNamespace(ctx, md.Namespace); err != nil {
				return b.transient(d, md, report, err)
			}
			if err := b.projects.AddFinalizer(d.Project, NamespaceFinalizer); err != nil {
				return b.transient(d, md, report, err)
			}
			md.Phase = PhaseCreatingImagePullSecret

		case PhaseCreatingImagePullSecret:
			if err := b.applyPullSecret(ctx, md.Namespace); err != nil {
				return b.retryable(d, md, report, err)
			}
			md.Phase = PhaseCreatingService

		case PhaseCreatingService:
			md.ServiceName = groupResourceName(d.DeploymentGroup)
			if err := b.ensureService(ctx, md, d); err != nil {
				return b.retryable(d, md, report, err)
			}
			md.Phase = PhaseCreatingReplicaSet

		case PhaseCreatingReplicaSet:
			md.ReplicaSetName = replicaSetName(d.Project, d.ID)
			if err := b.ensureReplicaSet(ctx, md, d); err != nil {
				return b.retryable(d, md, report, err)
			}
			md.Phase = PhaseWaitingForReplicaSet
			return b.result(md, report, "", "")

		case PhaseWaitingForReplicaSet:
			fatal, reason, err := b.checkPodErrors(ctx, md, d)
			if err != nil {
				return b.retryable(d, md, report, err)
			}
			if fatal {
				return b.result(md, types.DeploymentStatusFailed, "", reason)
			}
			ready, err := b.replicaSetReady(ctx, md)
			if err != nil {
				return b.retryable(d, md, report, err)
			}
			if !ready {
				return b.result(md, report, "", "")
			}
			md.Phase = PhaseUpdatingIngress

		case PhaseUpdatingIngress:
			md.IngressName = groupResourceName(d.DeploymentGroup)
			if err := b.applyIngress(ctx, md, d, p); err != nil {
				return b.retryable(d, md, report, err)
			}
			md.Phase = PhaseWaitingForHealth
			return b.result(md, report, "", "")

		case PhaseWaitingForHealth:
			hs, err := b.healthStatus(ctx, md, d)
			if err != nil {
				return b.retryable(d, md, report, err)
			}
			if !hs.Healthy {
				return b.result(md, report, "", hs.Message)
			}
			md.Phase = PhaseSwitchingTraffic

		case PhaseSwitchingTraffic:
			if err := b.applyServicePinned(ctx, md, d); err != nil {
				return b.retryable(d, md, report, err)
			}
			md.Phase = PhaseCompleted
			return b.result(md, types.DeploymentStatusHealthy, b.cfg.deploymentURL(d), "")

		case PhaseCompleted:
			return b.driftScan(ctx, md, d, p, report)

		default:
			md.Phase = PhaseNotStarted
		}
	}
}

// driftScan is the Completed phase: keep the Service and Ingress
// converged and recreate the ReplicaSet when it drifted or vanished.
func (b *Backend) driftScan(ctx context.Context, md *metadata, d *types.Deployment, p *types.Project, report types.DeploymentStatus) backend.ReconcileResult {
	if d.IsActive {
		if err := b.applyServicePinned(ctx, md, d); err != nil {
			return b.retryable(d, md, report, err)
		}
	}
	if err := b.applyIngress(ctx, md, d, p); err != nil {
		return b.retryable(d, md, report, err)
	}

	rs, err := b.getReplicaSet(ctx, md)
	switch {
	case err != nil && isNotFound(err):
		md.Phase = PhaseCreatingReplicaSet
		return b.result(md, report, "", "")
	case err != nil:
		return b.retryable(d, md, report, err)
	}

	if b.replicaSetDrifted(rs, md, d) {
		b.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
			Msg("replicaset drifted, recreating")
		if err := b.deleteReplicaSetAndWait(ctx, md.Namespace, md.ReplicaSetName); err != nil {
			return b.retryable(d, md, report, err)
		}
		if err := b.ensureReplicaSet(ctx, md, d); err != nil {
			return b.retryable(d, md, report, err)
		}
		md.Phase = PhaseWaitingForReplicaSet
		return b.result(md, report, "", "")
	}

	return b.result(md, types.DeploymentStatusHealthy, b.cfg.deploymentURL(d), "")
}

// rewindIfReplicaSetGone rewinds an Unhealthy post-reconcile
// deployment whose ReplicaSet vanished back to the creation phase.
func (b *Backend) rewindIfReplicaSetGone(ctx context.Context, d *types.Deployment, md *metadata) {
	if md.Phase != PhaseCompleted || md.Namespace == "" || md.ReplicaSetName == "" {
		return
	}
	if _, err := b.getReplicaSet(ctx, md); isNotFound(err) {
		b.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
			Msg("replicaset gone while unhealthy, rewinding")
		md.Phase = PhaseCreatingReplicaSet
	}
}

func (b *Backend) resolveImage(d *types.Deployment) string {
	if d.ImageDigest != "" {
		return d.ImageDigest
	}
	if d.Image != "" {
		return d.Image
	}
	return b.provider.ImageTag(d.Project, d.ID, registry.ImageTagInternal)
}

func httpPort(d *types.Deployment) int {
	if d.HTTPPort > 0 {
		return d.HTTPPort
	}
	return 8080
}

func (b *Backend) result(md *metadata, status types.DeploymentStatus, url, errMsg string) backend.ReconcileResult {
	return backend.ReconcileResult{
		Status:        status,
		DeploymentURL: url,
		Metadata:      md.encode(),
		ErrorMessage:  errMsg,
	}
}

// transient reports an error without advancing; the next tick retries
// the same phase.
func (b *Backend) transient(d *types.Deployment, md *metadata, report types.DeploymentStatus, err error) backend.ReconcileResult {
	b.logger.Warn().Err(err).Str("project", d.Project).Str("deployment", d.ID).
		Str("phase", string(md.Phase)).Msg("reconcile retrying")
	return backend.ReconcileResult{
		Status:       report,
		Metadata:     md.encode(),
		ErrorMessage: err.Error(),
	}
}

// retryable is transient plus namespace-missing recovery: a deleted
// namespace resets the machine to recreate it on the next call.
func (b *Backend) retryable(d *types.Deployment, md *metadata, report types.DeploymentStatus, err error) backend.ReconcileResult {
	if isNamespaceNotFound(err) {
		b.logger.Warn().Str("project", d.Project).Str("deployment", d.ID).
			Msg("namespace missing, resetting to recreate")
		md.Namespace = ""
		md.Phase = PhaseCreatingNamespace
		return backend.ReconcileResult{
			Status:       report,
			Metadata:     md.encode(),
			ErrorMessage: fmt.Sprintf("namespace missing: %v", err),
		}
	}
	return b.transient(d, md, report, err)
}
