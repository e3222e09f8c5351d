package runtime

import (
	"context"
	"io"
	"time"

	cerrdefs "github.com/containerd/errdefs"
)

// ContainerStatus is the coarse state of a managed container.
type ContainerStatus string

const (
	// StatusRunning means the container has a live task.
	StatusRunning ContainerStatus = "running"

	// StatusRestarting means the container crashed and the restart
	// monitor will bring it back up.
	StatusRestarting ContainerStatus = "restarting"

	// StatusStopped means the container exists but has no running task.
	StatusStopped ContainerStatus = "stopped"

	// StatusCreated means the container exists but was never started.
	StatusCreated ContainerStatus = "created"

	// StatusMissing means no container with that ID exists.
	StatusMissing ContainerStatus = "missing"
)

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	// Name doubles as the container ID; creation conflicts on it.
	Name  string
	Image string
	Env   []string

	// HostPort/ContainerPort are recorded for the caller's port
	// publisher; the runtime itself does no port wiring.
	HostPort      int
	ContainerPort int

	// Restart keeps the container running across crashes via the
	// containerd restart monitor.
	Restart bool
}

// ContainerState is the result of inspecting a container.
type ContainerState struct {
	Status   ContainerStatus
	ExitCode uint32
}

// Running reports whether the container is up and not crash-looping.
func (s *ContainerState) Running() bool {
	return s.Status == StatusRunning
}

// PullAuth carries registry credentials for an image pull. A nil or
// zero value means anonymous.
type PullAuth struct {
	Username string
	Password string
}

// LogOptions control log streaming.
type LogOptions struct {
	Follow bool
	// Tail limits output to the last N lines; zero means everything.
	Tail int
	// Since drops lines written before this time. Best effort: the
	// log file carries no per-line timestamps, so filtering uses the
	// file modification time.
	Since time.Time
}

// ContainerRuntime is the contract the local backend drives containers
// through.
type ContainerRuntime interface {
	Pull(ctx context.Context, image string, auth *PullAuth) error
	Create(ctx context.Context, spec ContainerSpec) (string, error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string, timeout time.Duration) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (*ContainerState, error)
	ContainerIP(ctx context.Context, containerID string) (string, error)
	Logs(ctx context.Context, containerID string, opts LogOptions) (io.ReadCloser, error)
	Close() error
}

// IsConflict reports whether err means a container with that name
// already exists. Callers recover by inspecting the existing one.
func IsConflict(err error) bool {
	return cerrdefs.IsAlreadyExists(err)
}

// IsNotFound reports whether err means the container does not exist.
func IsNotFound(err error) bool {
	return cerrdefs.IsNotFound(err)
}
