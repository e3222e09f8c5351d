package local

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/network"
	"github.com/rise-dev/rise/pkg/registry"
	"github.com/rise-dev/rise/pkg/runtime"
	"github.com/rise-dev/rise/pkg/security"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

type fakeRuntime struct {
	containers map[string]*runtime.ContainerState
	pulled     []string
	started    []string
	removed    []string
	conflict   bool
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: map[string]*runtime.ContainerState{}}
}

func (f *fakeRuntime) Pull(ctx context.Context, image string, auth *runtime.PullAuth) error {
	f.pulled = append(f.pulled, image)
	return nil
}

func (f *fakeRuntime) Create(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if f.conflict {
		return "", fmt.Errorf("create %s: %w", spec.Name, cerrdefs.ErrAlreadyExists)
	}
	f.containers[spec.Name] = &runtime.ContainerState{Status: runtime.StatusCreated}
	return spec.Name, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	f.started = append(f.started, id)
	state, ok := f.containers[id]
	if !ok {
		return fmt.Errorf("no such container %s", id)
	}
	state.Status = runtime.StatusRunning
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string, timeout time.Duration) error {
	if state, ok := f.containers[id]; ok {
		state.Status = runtime.StatusStopped
	}
	return nil
}

func (f *fakeRuntime) Remove(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.containers, id)
	return nil
}

func (f *fakeRuntime) Inspect(ctx context.Context, id string) (*runtime.ContainerState, error) {
	state, ok := f.containers[id]
	if !ok {
		return &runtime.ContainerState{Status: runtime.StatusMissing}, nil
	}
	copied := *state
	return &copied, nil
}

func (f *fakeRuntime) ContainerIP(ctx context.Context, id string) (string, error) {
	return "", fmt.Errorf("no IP address recorded for container %s", id)
}

func (f *fakeRuntime) Logs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	return nil, fmt.Errorf("no logs")
}

func (f *fakeRuntime) Close() error { return nil }

func newTestBackend(t *testing.T, rt runtime.ContainerRuntime) (*Backend, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	enc, err := security.NewAESEncryptorFromPassword("test-key")
	require.NoError(t, err)

	b := New(rt, registry.NewOCIProvider(""), store, enc, Config{})
	return b, store
}

func testDeployment(status types.DeploymentStatus) *types.Deployment {
	return &types.Deployment{
		ID:              "20251220-100000",
		Project:         "web",
		Status:          status,
		DeploymentGroup: types.DefaultDeploymentGroup,
		HTTPPort:        3000,
	}
}

func decodeTestMetadata(t *testing.T, raw json.RawMessage) *metadata {
	t.Helper()
	md := decodeMetadata(raw)
	return md
}

func TestReconcileHappyPath(t *testing.T) {
	rt := newFakeRuntime()
	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusPushed)

	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})

	assert.Equal(t, types.DeploymentStatusHealthy, res.Status)

	md := decodeTestMetadata(t, res.Metadata)
	assert.Equal(t, PhaseCompleted, md.ReconcilePhase)
	assert.Equal(t, "rise-web-20251220-100000", md.ContainerName)
	assert.Equal(t, md.ContainerName, md.ContainerID)
	assert.GreaterOrEqual(t, md.AssignedPort, network.PortRangeStart)
	assert.LessOrEqual(t, md.AssignedPort, network.PortRangeEnd)
	assert.Equal(t, 3000, md.InternalPort)
	assert.Equal(t, "web:20251220-100000", md.ImageTag)
	assert.Equal(t, fmt.Sprintf("http://localhost:%d", md.AssignedPort), res.DeploymentURL)

	assert.Equal(t, []string{"web:20251220-100000"}, rt.pulled)
}

func TestReconcileGatesOnStatus(t *testing.T) {
	rt := newFakeRuntime()
	b, _ := newTestBackend(t, rt)

	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusPending,
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
		types.DeploymentStatusTerminating,
		types.DeploymentStatusStopped,
	} {
		d := testDeployment(status)
		res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})
		assert.Equal(t, status, res.Status, "status %s must not reconcile", status)
		assert.Empty(t, rt.pulled)
	}

	// Even a pre-built image does not run before the row reaches
	// Pushed; intake enters such rows at Pushed directly.
	d := testDeployment(types.DeploymentStatusPending)
	d.Image = "docker.io/library/nginx:1.27"
	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})
	assert.Equal(t, types.DeploymentStatusPending, res.Status)
	assert.Empty(t, rt.pulled)
}

func TestReconcileRecoversFromCreateConflict(t *testing.T) {
	// A previous process crashed after creating the container but
	// before persisting the container ID. The deterministic name lets
	// the next call adopt the existing container.
	rt := newFakeRuntime()
	rt.containers["rise-web-20251220-100000"] = &runtime.ContainerState{Status: runtime.StatusCreated}
	rt.conflict = true

	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusDeploying)
	d.ControllerMetadata = (&metadata{
		ReconcilePhase: PhaseCreatingContainer,
		AssignedPort:   50000,
		InternalPort:   3000,
	}).encode()

	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})

	md := decodeTestMetadata(t, res.Metadata)
	assert.Equal(t, "rise-web-20251220-100000", md.ContainerID)
	assert.Equal(t, 50000, md.AssignedPort, "port must survive the crash")
	assert.Equal(t, types.DeploymentStatusHealthy, res.Status)
}

func TestReconcileUnhealthyMissingContainerRebuilds(t *testing.T) {
	rt := newFakeRuntime()
	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusUnhealthy)
	d.ControllerMetadata = (&metadata{
		ReconcilePhase: PhaseCompleted,
		ContainerID:    "rise-web-20251220-100000",
		ContainerName:  "rise-web-20251220-100000",
		AssignedPort:   51000,
		InternalPort:   3000,
		ImageTag:       "web:20251220-100000",
	}).encode()

	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})

	md := decodeTestMetadata(t, res.Metadata)
	assert.Equal(t, 51000, md.AssignedPort, "rebuild must keep the port")
	assert.Equal(t, "rise-web-20251220-100000", md.ContainerID)
	assert.Equal(t, PhaseCompleted, md.ReconcilePhase)
	assert.Equal(t, types.DeploymentStatusHealthy, res.Status)
}

func TestReconcileUnhealthyStoppedContainerRestarts(t *testing.T) {
	rt := newFakeRuntime()
	rt.containers["c1"] = &runtime.ContainerState{Status: runtime.StatusStopped}

	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusUnhealthy)
	d.ControllerMetadata = (&metadata{
		ReconcilePhase: PhaseCompleted,
		ContainerID:    "c1",
	}).encode()

	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})

	assert.Equal(t, types.DeploymentStatusUnhealthy, res.Status,
		"health loop, not reconcile, flips back to Healthy")
	assert.Equal(t, []string{"c1"}, rt.started)
}

func TestReconcileUnhealthyRunningContainerLeftAlone(t *testing.T) {
	rt := newFakeRuntime()
	rt.containers["c1"] = &runtime.ContainerState{Status: runtime.StatusRunning}

	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusUnhealthy)
	d.ControllerMetadata = (&metadata{ReconcilePhase: PhaseCompleted, ContainerID: "c1"}).encode()

	res := b.Reconcile(context.Background(), d, &types.Project{Name: "web"})

	assert.Equal(t, types.DeploymentStatusUnhealthy, res.Status)
	assert.Empty(t, rt.started)
}

func TestHealthCheck(t *testing.T) {
	rt := newFakeRuntime()
	rt.containers["running"] = &runtime.ContainerState{Status: runtime.StatusRunning}
	rt.containers["restarting"] = &runtime.ContainerState{Status: runtime.StatusRestarting}
	rt.containers["stopped"] = &runtime.ContainerState{Status: runtime.StatusStopped, ExitCode: 137}

	b, _ := newTestBackend(t, rt)

	tests := []struct {
		name        string
		containerID string
		healthy     bool
	}{
		{"running", "running", true},
		{"restarting", "restarting", false},
		{"stopped", "stopped", false},
		{"missing", "nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := testDeployment(types.DeploymentStatusHealthy)
			d.ControllerMetadata = (&metadata{ContainerID: tt.containerID}).encode()

			hs, err := b.HealthCheck(context.Background(), d)
			require.NoError(t, err)
			assert.Equal(t, tt.healthy, hs.Healthy)
			if !tt.healthy {
				assert.NotEmpty(t, hs.Message)
			}
		})
	}
}

func TestHealthCheckWithoutContainer(t *testing.T) {
	b, _ := newTestBackend(t, newFakeRuntime())
	d := testDeployment(types.DeploymentStatusHealthy)

	hs, err := b.HealthCheck(context.Background(), d)
	require.NoError(t, err)
	assert.False(t, hs.Healthy)
}

func TestTerminateRemovesContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.containers["c1"] = &runtime.ContainerState{Status: runtime.StatusRunning}

	b, _ := newTestBackend(t, rt)
	d := testDeployment(types.DeploymentStatusTerminating)
	d.ControllerMetadata = (&metadata{ContainerID: "c1"}).encode()

	require.NoError(t, b.Terminate(context.Background(), d))
	assert.Equal(t, []string{"c1"}, rt.removed)

	// Second call is a no-op against the now missing container.
	require.NoError(t, b.Terminate(context.Background(), d))
}

func TestTerminateWithoutContainer(t *testing.T) {
	b, _ := newTestBackend(t, newFakeRuntime())
	require.NoError(t, b.Terminate(context.Background(), testDeployment(types.DeploymentStatusTerminating)))
}

func TestStreamLogsNotReady(t *testing.T) {
	b, _ := newTestBackend(t, newFakeRuntime())
	_, err := b.StreamLogs(context.Background(), testDeployment(types.DeploymentStatusDeploying), backend.LogOptions{})
	assert.ErrorIs(t, err, backend.ErrNotReady)
}

func TestDeploymentEnvDecryptsSecrets(t *testing.T) {
	rt := newFakeRuntime()
	b, store := newTestBackend(t, rt)

	cipher, err := b.enc.Encrypt("s3cret")
	require.NoError(t, err)
	require.NoError(t, store.UpsertDeploymentEnvVar("web", "20251220-100000", "PORT", "3000", false, true))
	require.NoError(t, store.UpsertDeploymentEnvVar("web", "20251220-100000", "TOKEN", cipher, true, false))

	env, err := b.deploymentEnv(testDeployment(types.DeploymentStatusPushed))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"PORT=3000", "TOKEN=s3cret"}, env)
}
