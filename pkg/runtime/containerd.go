package runtime

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes/docker"
	"github.com/containerd/containerd/runtime/restart"
	cerrdefs "github.com/containerd/errdefs"
)

const (
	// DefaultNamespace is the containerd namespace all platform
	// containers live in.
	DefaultNamespace = "rise"

	// DefaultSocketPath is the default containerd socket.
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultLogDir holds per-container log files.
	DefaultLogDir = "/var/log/rise/containers"
)

// ContainerdRuntime implements ContainerRuntime on containerd.
type ContainerdRuntime struct {
	client    *containerd.Client
	namespace string
	logDir    string
}

// ContainerdConfig configures the containerd runtime.
type ContainerdConfig struct {
	SocketPath string
	Namespace  string
	LogDir     string
}

// NewContainerdRuntime connects to containerd.
func NewContainerdRuntime(cfg ContainerdConfig) (*ContainerdRuntime, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultNamespace
	}
	if cfg.LogDir == "" {
		cfg.LogDir = DefaultLogDir
	}

	client, err := containerd.New(cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}

	return &ContainerdRuntime{
		client:    client,
		namespace: cfg.Namespace,
		logDir:    cfg.LogDir,
	}, nil
}

// Close closes the containerd client connection.
func (r *ContainerdRuntime) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (r *ContainerdRuntime) logPath(containerID string) string {
	return filepath.Join(r.logDir, containerID+".log")
}

// Pull pulls an image, authenticating when auth carries credentials.
func (r *ContainerdRuntime) Pull(ctx context.Context, image string, auth *PullAuth) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if auth != nil && auth.Username != "" {
		authorizer := docker.NewDockerAuthorizer(docker.WithAuthCreds(
			func(string) (string, string, error) {
				return auth.Username, auth.Password, nil
			}))
		resolver := docker.NewResolver(docker.ResolverOptions{
			Hosts: docker.ConfigureDefaultRegistries(docker.WithAuthorizer(authorizer)),
		})
		opts = append(opts, containerd.WithResolver(resolver))
	}

	if _, err := r.client.Pull(ctx, image, opts...); err != nil {
		return fmt.Errorf("failed to pull image %s: %w", image, err)
	}
	return nil
}

// Create creates a container from spec. The container ID is spec.Name;
// a name collision surfaces as a conflict the caller can recover from
// with Inspect.
func (r *ContainerdRuntime) Create(ctx context.Context, spec ContainerSpec) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	specOpts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}

	containerOpts := []containerd.NewContainerOpts{
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(specOpts...),
	}
	if spec.Restart {
		containerOpts = append(containerOpts,
			restart.WithStatus(containerd.Running),
			restart.WithLogURIString("file://"+r.logPath(spec.Name)),
		)
	}

	container, err := r.client.NewContainer(ctx, spec.Name, containerOpts...)
	if err != nil {
		if cerrdefs.IsAlreadyExists(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to create container %s: %w", spec.Name, err)
	}
	return container.ID(), nil
}

// Start starts the container's task. Starting an already running
// container is a no-op; a stopped task is replaced.
func (r *ContainerdRuntime) Start(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		status, err := task.Status(ctx)
		if err == nil && status.Status == containerd.Running {
			return nil
		}
		if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.LogFile(r.logPath(containerID)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}
	return nil
}

// Stop gracefully stops a container's task with SIGTERM, escalating to
// SIGKILL after timeout. A container without a task counts as stopped.
func (r *ContainerdRuntime) Stop(ctx context.Context, containerID string, timeout time.Duration) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	// Clear the restart label first so the monitor does not revive the
	// task we are about to kill.
	if _, err := container.SetLabels(ctx, map[string]string{restart.StatusLabel: ""}); err != nil {
		return fmt.Errorf("failed to clear restart label: %w", err)
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return nil
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to signal task: %w", err)
	}

	select {
	case <-statusC:
	case <-time.After(timeout):
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !cerrdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// Remove stops and deletes a container, its snapshot and its log file.
// A missing container counts as removed.
func (r *ContainerdRuntime) Remove(ctx context.Context, containerID string) error {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	if err := r.Stop(ctx, containerID, 10*time.Second); err != nil {
		return err
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !cerrdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container %s: %w", containerID, err)
	}

	_ = os.Remove(r.logPath(containerID))
	return nil
}

// Inspect reports the container's state. A missing container is not an
// error; it maps to StatusMissing.
func (r *ContainerdRuntime) Inspect(ctx context.Context, containerID string) (*ContainerState, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return &ContainerState{Status: StatusMissing}, nil
		}
		return nil, fmt.Errorf("failed to load container %s: %w", containerID, err)
	}

	labels, err := container.Labels(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read container labels: %w", err)
	}
	wantsRunning := labels[restart.StatusLabel] == string(containerd.Running)

	task, err := container.Task(ctx, nil)
	if err != nil {
		if wantsRunning {
			return &ContainerState{Status: StatusRestarting}, nil
		}
		return &ContainerState{Status: StatusCreated}, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get task status: %w", err)
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		return &ContainerState{Status: StatusRunning}, nil
	case containerd.Stopped:
		if wantsRunning {
			return &ContainerState{Status: StatusRestarting, ExitCode: status.ExitStatus}, nil
		}
		return &ContainerState{Status: StatusStopped, ExitCode: status.ExitStatus}, nil
	case containerd.Created:
		return &ContainerState{Status: StatusCreated}, nil
	default:
		return &ContainerState{Status: StatusStopped, ExitCode: status.ExitStatus}, nil
	}
}

// IPLabel is where the CNI attach hook records the container's
// address.
const IPLabel = "rise.network/ip"

// ContainerIP returns the container's IP as recorded by the network
// attach hook. Containers that were never attached have no IP.
func (r *ContainerdRuntime) ContainerIP(ctx context.Context, containerID string) (string, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	container, err := r.client.LoadContainer(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("failed to load container %s: %w", containerID, err)
	}
	labels, err := container.Labels(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read container labels: %w", err)
	}
	ip := labels[IPLabel]
	if ip == "" {
		return "", fmt.Errorf("no IP address recorded for container %s", containerID)
	}
	return ip, nil
}

// Logs returns the container's log stream from its log file.
func (r *ContainerdRuntime) Logs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error) {
	path := r.logPath(containerID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("no logs for container %s: %w", containerID, err)
	}
	return openLogStream(ctx, path, opts)
}
