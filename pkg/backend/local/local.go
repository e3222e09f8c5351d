package local

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/network"
	"github.com/rise-dev/rise/pkg/registry"
	"github.com/rise-dev/rise/pkg/runtime"
	"github.com/rise-dev/rise/pkg/security"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// Config configures the local backend.
type Config struct {
	// Host is the address deployment URLs point at.
	Host string
}

// Backend runs one container per deployment on the host's containerd.
type Backend struct {
	runtime   runtime.ContainerRuntime
	ports     *network.PortAllocator
	publisher *network.HostPortPublisher
	provider  registry.Provider
	envs      storage.EnvVarStore
	enc       security.Encryptor
	host      string
	logger    zerolog.Logger
}

// New creates the local container backend.
func New(rt runtime.ContainerRuntime, provider registry.Provider, envs storage.EnvVarStore, enc security.Encryptor, cfg Config) *Backend {
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	return &Backend{
		runtime:   rt,
		ports:     network.NewPortAllocator(),
		publisher: network.NewHostPortPublisher(),
		provider:  provider,
		envs:      envs,
		enc:       enc,
		host:      cfg.Host,
		logger:    log.WithComponent("local-backend"),
	}
}

func containerName(project, deploymentID string) string {
	return fmt.Sprintf("rise-%s-%s", project, deploymentID)
}

func deployKey(d *types.Deployment) string {
	return d.Project + "/" + d.ID
}

// Reconcile advances the deployment's container through the phase
// machine. Several cheap phases run in one call; waiting on health
// yields control back to the orchestrator.
func (b *Backend) Reconcile(ctx context.Context, d *types.Deployment, p *types.Project) backend.ReconcileResult {
	md := decodeMetadata(d.ControllerMetadata)

	switch d.Status {
	case types.DeploymentStatusPushed, types.DeploymentStatusDeploying, types.DeploymentStatusHealthy, types.DeploymentStatusUnhealthy:
	default:
		return b.unchanged(d, md)
	}

	// While the row is Unhealthy every reconcile is a recovery attempt
	// and must keep reporting Unhealthy; the health loop owns the
	// flip back to Healthy.
	report := types.DeploymentStatusDeploying
	if d.Status == types.DeploymentStatusUnhealthy {
		report = types.DeploymentStatusUnhealthy
		if done, res := b.recover(ctx, d, md); done {
			return res
		}
	}

	for {
		switch md.ReconcilePhase {
		case PhaseNotStarted:
			md.ReconcilePhase = PhaseCreatingContainer

		case PhaseCreatingContainer:
			if err := b.createContainer(ctx, d, md); err != nil {
				return b.transient(d, md, report, err)
			}
			md.ReconcilePhase = PhaseStartingContainer

		case PhaseStartingContainer:
			if err := b.runtime.Start(ctx, md.ContainerID); err != nil {
				return b.transient(d, md, report, err)
			}
			md.ReconcilePhase = PhaseWaitingForHealth

		case PhaseWaitingForHealth:
			state, err := b.runtime.Inspect(ctx, md.ContainerID)
			if err != nil {
				return b.transient(d, md, report, err)
			}
			if !state.Running() {
				return b.result(md, report, "", "")
			}
			md.ReconcilePhase = PhaseCompleted

		case PhaseCompleted:
			return b.result(md, types.DeploymentStatusHealthy, b.deploymentURL(md), "")

		default:
			// Unknown phase from a newer schema; rebuild.
			md.ReconcilePhase = PhaseNotStarted
		}
	}
}

// recover handles an Unhealthy deployment before the phase machine
// runs. It returns (true, result) when the reconcile call should stop
// here and let the health loop reclassify.
func (b *Backend) recover(ctx context.Context, d *types.Deployment, md *metadata) (bool, backend.ReconcileResult) {
	if md.ContainerID == "" {
		md.ReconcilePhase = PhaseCreatingContainer // port preserved
		return false, backend.ReconcileResult{}
	}

	state, err := b.runtime.Inspect(ctx, md.ContainerID)
	if err != nil {
		return true, b.transient(d, md, types.DeploymentStatusUnhealthy, err)
	}

	switch state.Status {
	case runtime.StatusMissing:
		b.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
			Msg("container gone, rebuilding")
		md.ContainerID = ""
		md.ReconcilePhase = PhaseCreatingContainer
		return false, backend.ReconcileResult{}

	case runtime.StatusStopped, runtime.StatusCreated:
		if err := b.runtime.Start(ctx, md.ContainerID); err != nil {
			return true, b.transient(d, md, types.DeploymentStatusUnhealthy, err)
		}
		return true, b.result(md, types.DeploymentStatusUnhealthy, "", "")

	default:
		// Running or restarting; the health loop decides.
		return true, b.result(md, types.DeploymentStatusUnhealthy, "", "")
	}
}

// createContainer is the CreatingContainer phase: allocate a port,
// resolve and pull the image, create the container. A crash between
// create and the metadata write shows up as a name conflict on the
// next call; the name doubles as the container ID, so recovery is a
// lookup.
func (b *Backend) createContainer(ctx context.Context, d *types.Deployment, md *metadata) error {
	if md.AssignedPort == 0 {
		port, err := b.ports.Allocate()
		if err != nil {
			return fmt.Errorf("failed to allocate host port: %w", err)
		}
		md.AssignedPort = port
	}
	if d.HTTPPort > 0 {
		md.InternalPort = d.HTTPPort
	}
	if md.ImageTag == "" {
		md.ImageTag = b.resolveImage(d)
	}
	md.ContainerName = containerName(d.Project, d.ID)

	if err := b.runtime.Pull(ctx, md.ImageTag, b.pullAuth(ctx)); err != nil {
		return fmt.Errorf("failed to pull %s: %w", md.ImageTag, err)
	}

	env, err := b.deploymentEnv(d)
	if err != nil {
		return err
	}

	id, err := b.runtime.Create(ctx, runtime.ContainerSpec{
		Name:          md.ContainerName,
		Image:         md.ImageTag,
		Env:           env,
		HostPort:      md.AssignedPort,
		ContainerPort: md.InternalPort,
		Restart:       true,
	})
	if runtime.IsConflict(err) {
		state, ierr := b.runtime.Inspect(ctx, md.ContainerName)
		if ierr != nil {
			return ierr
		}
		if state.Status == runtime.StatusMissing {
			return fmt.Errorf("container %s conflicted but is missing", md.ContainerName)
		}
		id = md.ContainerName
	} else if err != nil {
		return fmt.Errorf("failed to create container: %w", err)
	}
	md.ContainerID = id

	b.publishPorts(ctx, d, md)
	return nil
}

// publishPorts forwards the assigned host port to the container. Port
// publishing is best effort: a failure is logged, not fatal.
func (b *Backend) publishPorts(ctx context.Context, d *types.Deployment, md *metadata) {
	ip, err := b.runtime.ContainerIP(ctx, md.ContainerID)
	if err != nil {
		b.logger.Warn().Err(err).Str("deployment", d.ID).Msg("skipping port publish")
		return
	}
	err = b.publisher.Publish(deployKey(d), ip, []network.PortMapping{{
		HostPort:      md.AssignedPort,
		ContainerPort: md.InternalPort,
	}})
	if err != nil {
		b.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to publish ports")
	}
}

// resolveImage picks the image reference to run: a pinned digest wins,
// then the client-supplied reference, then the registry tag convention.
func (b *Backend) resolveImage(d *types.Deployment) string {
	if d.ImageDigest != "" {
		return d.ImageDigest
	}
	if d.Image != "" {
		return d.Image
	}
	return b.provider.ImageTag(d.Project, d.ID, registry.ImageTagInternal)
}

// pullAuth fetches pull credentials from the registry provider. Docker
// Hub and providers without credentials pull anonymously.
func (b *Backend) pullAuth(ctx context.Context) *runtime.PullAuth {
	host := b.provider.RegistryHost()
	if host == "" || strings.Contains(host, "docker.io") {
		return nil
	}
	creds, err := b.provider.GetPullCredentials(ctx)
	if err != nil || creds.Username == "" {
		if err != nil {
			b.logger.Warn().Err(err).Msg("pull credentials unavailable, pulling anonymously")
		}
		return nil
	}
	return &runtime.PullAuth{Username: creds.Username, Password: creds.Password}
}

// deploymentEnv loads the deployment's env vars, decrypting secrets.
func (b *Backend) deploymentEnv(d *types.Deployment) ([]string, error) {
	vars, err := b.envs.ListDeploymentEnvVars(d.Project, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	env := make([]string, 0, len(vars))
	for _, v := range vars {
		value := v.Value
		if v.IsSecret {
			value, err = b.enc.Decrypt(v.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt env var %s: %w", v.Key, err)
			}
		}
		env = append(env, v.Key+"="+value)
	}
	return env, nil
}

func (b *Backend) deploymentURL(md *metadata) string {
	if md.AssignedPort == 0 {
		return ""
	}
	return fmt.Sprintf("http://%s:%d", b.host, md.AssignedPort)
}

func (b *Backend) result(md *metadata, status types.DeploymentStatus, url, errMsg string) backend.ReconcileResult {
	return backend.ReconcileResult{
		Status:        status,
		DeploymentURL: url,
		Metadata:      md.encode(),
		ErrorMessage:  errMsg,
	}
}

// unchanged reports the row as-is; used when the status gates out
// reconciliation.
func (b *Backend) unchanged(d *types.Deployment, md *metadata) backend.ReconcileResult {
	return backend.ReconcileResult{Status: d.Status, Metadata: md.encode()}
}

// transient keeps the reported status and surfaces the error message;
// the next tick retries from the same phase.
func (b *Backend) transient(d *types.Deployment, md *metadata, report types.DeploymentStatus, err error) backend.ReconcileResult {
	b.logger.Warn().Err(err).Str("project", d.Project).Str("deployment", d.ID).
		Str("phase", string(md.ReconcilePhase)).Msg("reconcile retrying")
	return backend.ReconcileResult{
		Status:       report,
		Metadata:     md.encode(),
		ErrorMessage: err.Error(),
	}
}

// HealthCheck reports healthy iff the container is running and not
// crash-looping. A missing container is unhealthy, never an error.
func (b *Backend) HealthCheck(ctx context.Context, d *types.Deployment) (*types.HealthStatus, error) {
	now := time.Now()
	md := decodeMetadata(d.ControllerMetadata)
	if md.ContainerID == "" {
		return &types.HealthStatus{Healthy: false, Message: "container not created", LastCheck: now}, nil
	}

	state, err := b.runtime.Inspect(ctx, md.ContainerID)
	if err != nil {
		return nil, err
	}

	switch state.Status {
	case runtime.StatusRunning:
		return &types.HealthStatus{Healthy: true, LastCheck: now}, nil
	case runtime.StatusRestarting:
		return &types.HealthStatus{Healthy: false, Message: "container restarting", LastCheck: now}, nil
	case runtime.StatusMissing:
		return &types.HealthStatus{Healthy: false, Message: "container missing", LastCheck: now}, nil
	default:
		return &types.HealthStatus{
			Healthy:   false,
			Message:   fmt.Sprintf("container %s (exit code %d)", state.Status, state.ExitCode),
			LastCheck: now,
		}, nil
	}
}

// Cancel is a no-op: a pre-infrastructure deployment never created a
// container.
func (b *Backend) Cancel(ctx context.Context, d *types.Deployment) error {
	return nil
}

// Terminate removes the deployment's container and its published
// ports. Idempotent; a missing container counts as done.
func (b *Backend) Terminate(ctx context.Context, d *types.Deployment) error {
	md := decodeMetadata(d.ControllerMetadata)
	if md.ContainerID == "" {
		return nil
	}
	if err := b.publisher.Unpublish(deployKey(d)); err != nil {
		b.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to unpublish ports")
	}
	if err := b.runtime.Remove(ctx, md.ContainerID); err != nil {
		return fmt.Errorf("failed to remove container: %w", err)
	}
	return nil
}

// Stop quiesces the container without removing it.
func (b *Backend) Stop(ctx context.Context, d *types.Deployment) error {
	md := decodeMetadata(d.ControllerMetadata)
	if md.ContainerID == "" {
		return nil
	}
	return b.runtime.Stop(ctx, md.ContainerID, 10*time.Second)
}

// StreamLogs streams the container's logs.
func (b *Backend) StreamLogs(ctx context.Context, d *types.Deployment, opts backend.LogOptions) (io.ReadCloser, error) {
	md := decodeMetadata(d.ControllerMetadata)
	if md.ContainerID == "" {
		return nil, backend.ErrNotReady
	}

	runtimeOpts := runtime.LogOptions{
		Follow: opts.Follow,
		Tail:   opts.Tail,
	}
	if opts.Since > 0 {
		runtimeOpts.Since = time.Now().Add(-opts.Since)
	}
	return b.runtime.Logs(ctx, md.ContainerID, runtimeOpts)
}

// DeploymentURLs reports the local address the deployment listens on.
func (b *Backend) DeploymentURLs(d *types.Deployment, p *types.Project) (*types.DeploymentURLs, error) {
	md := decodeMetadata(d.ControllerMetadata)
	if md.AssignedPort == 0 {
		return &types.DeploymentURLs{}, nil
	}
	return &types.DeploymentURLs{PrimaryURL: b.deploymentURL(md)}, nil
}
