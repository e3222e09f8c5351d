package controller

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// fakeBackend scripts reconcile and health responses per deployment ID
// and records lifecycle calls.
type fakeBackend struct {
	reconcileFn func(d *types.Deployment) backend.ReconcileResult
	healthFn    func(d *types.Deployment) *types.HealthStatus

	terminated []string
	cancelled  []string
	termErr    error
}

func (f *fakeBackend) Reconcile(_ context.Context, d *types.Deployment, _ *types.Project) backend.ReconcileResult {
	if f.reconcileFn != nil {
		return f.reconcileFn(d)
	}
	return backend.ReconcileResult{Status: d.Status}
}

func (f *fakeBackend) HealthCheck(_ context.Context, d *types.Deployment) (*types.HealthStatus, error) {
	if f.healthFn != nil {
		return f.healthFn(d), nil
	}
	return &types.HealthStatus{Healthy: true}, nil
}

func (f *fakeBackend) Cancel(_ context.Context, d *types.Deployment) error {
	f.cancelled = append(f.cancelled, d.ID)
	return nil
}

func (f *fakeBackend) Terminate(_ context.Context, d *types.Deployment) error {
	if f.termErr != nil {
		return f.termErr
	}
	f.terminated = append(f.terminated, d.ID)
	return nil
}

func (f *fakeBackend) Stop(context.Context, *types.Deployment) error { return nil }

func (f *fakeBackend) StreamLogs(context.Context, *types.Deployment, backend.LogOptions) (io.ReadCloser, error) {
	return nil, backend.ErrNotReady
}

func (f *fakeBackend) DeploymentURLs(*types.Deployment, *types.Project) (*types.DeploymentURLs, error) {
	return &types.DeploymentURLs{}, nil
}

func newTestOrchestrator(t *testing.T, fb *fakeBackend, cfg Config) (*Orchestrator, storage.Store) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return New(s, fb, cfg), s
}

func createProject(t *testing.T, s storage.Store, name string) {
	t.Helper()
	require.NoError(t, s.CreateProject(&types.Project{
		Name:        name,
		Visibility:  types.ProjectVisibilityPublic,
		OwnerUserID: "u1",
	}))
}

func createDeployment(t *testing.T, s storage.Store, project, id string, status types.DeploymentStatus) {
	t.Helper()
	require.NoError(t, s.CreateDeployment(&types.Deployment{
		ID:              id,
		Project:         project,
		DeploymentGroup: types.DefaultDeploymentGroup,
		HTTPPort:        8080,
	}))
	walkTo(t, s, project, id, status)
}

// walkTo advances a Pending row along the happy path to status.
func walkTo(t *testing.T, s storage.Store, project, id string, to types.DeploymentStatus) {
	t.Helper()
	if to == types.DeploymentStatusPending {
		return
	}
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
		types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying,
		types.DeploymentStatusHealthy,
	} {
		require.NoError(t, s.UpdateDeploymentStatus(project, id, status))
		if status == to {
			return
		}
	}
	t.Fatalf("cannot reach %s via the happy path", to)
}

func TestReconcileActivatesAndSupersedes(t *testing.T) {
	fb := &fakeBackend{
		reconcileFn: func(d *types.Deployment) backend.ReconcileResult {
			if d.Status == types.DeploymentStatusDeploying {
				return backend.ReconcileResult{
					Status:        types.DeploymentStatusHealthy,
					DeploymentURL: "http://localhost:50000",
				}
			}
			return backend.ReconcileResult{Status: d.Status}
		},
	}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")

	// An established active deployment.
	createDeployment(t, s, "web", "old", types.DeploymentStatusHealthy)
	_, err := s.MarkAsActive("web", "old", types.DefaultDeploymentGroup)
	require.NoError(t, err)

	// A new one mid-rollout.
	createDeployment(t, s, "web", "new", types.DeploymentStatusDeploying)

	o.reconcileTick(context.Background())

	got, err := s.GetDeployment("web", "new")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusHealthy, got.Status)
	assert.True(t, got.IsActive)
	assert.Equal(t, "http://localhost:50000", got.DeploymentURL)

	old, err := s.GetDeployment("web", "old")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, old.Status)
	assert.Equal(t, types.TerminationReasonSuperseded, old.TerminationReason)
	assert.False(t, old.IsActive)

	p, err := s.GetProject("web")
	require.NoError(t, err)
	assert.Equal(t, "new", p.ActiveDeploymentID)
	assert.Equal(t, "http://localhost:50000", p.ProjectURL)
}

func TestReconcileSkipsCleanupStates(t *testing.T) {
	var seen []string
	fb := &fakeBackend{
		reconcileFn: func(d *types.Deployment) backend.ReconcileResult {
			seen = append(seen, d.ID)
			return backend.ReconcileResult{Status: d.Status}
		},
	}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")

	createDeployment(t, s, "web", "running", types.DeploymentStatusDeploying)
	createDeployment(t, s, "web", "doomed", types.DeploymentStatusHealthy)
	require.NoError(t, s.MarkTerminating("web", "doomed", types.TerminationReasonUserStopped))

	o.reconcileTick(context.Background())

	assert.Equal(t, []string{"running"}, seen)
}

func TestReconcileTimesOutDeploying(t *testing.T) {
	// The backend persists metadata on every tick while waiting for
	// health; that must not keep resetting the Deploying clock.
	fb := &fakeBackend{
		reconcileFn: func(d *types.Deployment) backend.ReconcileResult {
			return backend.ReconcileResult{
				Status:   d.Status,
				Metadata: []byte(`{"reconcile_phase":"WaitingForHealth"}`),
			}
		},
	}
	o, s := newTestOrchestrator(t, fb, Config{DeployingTimeout: 30 * time.Millisecond})
	createProject(t, s, "web")
	createDeployment(t, s, "web", "stuck", types.DeploymentStatusDeploying)

	o.reconcileTick(context.Background())

	got, err := s.GetDeployment("web", "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusDeploying, got.Status, "not timed out yet")
	assert.NotEmpty(t, got.ControllerMetadata)

	time.Sleep(50 * time.Millisecond)
	o.reconcileTick(context.Background())

	got, err = s.GetDeployment("web", "stuck")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, got.Status)
	assert.Equal(t, types.TerminationReasonFailed, got.TerminationReason)
}

func TestSweepStuckBuilds(t *testing.T) {
	fb := &fakeBackend{}
	o, s := newTestOrchestrator(t, fb, Config{StuckBuildTimeout: time.Nanosecond})
	createProject(t, s, "web")

	createDeployment(t, s, "web", "abandoned", types.DeploymentStatusBuilding)

	// Pre-built image rows enter at Pushed and wait on the backend,
	// not on a client; the sweep leaves them alone.
	createDeployment(t, s, "web", "prebuilt", types.DeploymentStatusPushed)

	time.Sleep(5 * time.Millisecond)
	o.sweepStuckBuilds()

	got, err := s.GetDeployment("web", "abandoned")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusFailed, got.Status)
	assert.Equal(t, "client interrupted the build", got.ErrorMessage)

	kept, err := s.GetDeployment("web", "prebuilt")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusPushed, kept.Status)
}

func TestHealthTickFlapsBothWays(t *testing.T) {
	healthy := true
	fb := &fakeBackend{
		healthFn: func(*types.Deployment) *types.HealthStatus {
			return &types.HealthStatus{Healthy: healthy, Message: "container stopped"}
		},
	}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")
	createDeployment(t, s, "web", "d1", types.DeploymentStatusHealthy)

	healthy = false
	o.healthTick(context.Background())

	got, err := s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusUnhealthy, got.Status)
	assert.Equal(t, "container stopped", got.ErrorMessage)

	healthy = true
	o.healthTick(context.Background())

	got, err = s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusHealthy, got.Status)
}

func TestTerminateTickAppliesReasonStatus(t *testing.T) {
	fb := &fakeBackend{}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")

	cases := []struct {
		id     string
		reason types.TerminationReason
		want   types.DeploymentStatus
	}{
		{"d-stop", types.TerminationReasonUserStopped, types.DeploymentStatusStopped},
		{"d-super", types.TerminationReasonSuperseded, types.DeploymentStatusSuperseded},
		{"d-exp", types.TerminationReasonExpired, types.DeploymentStatusExpired},
		{"d-fail", types.TerminationReasonFailed, types.DeploymentStatusFailed},
	}
	for _, tc := range cases {
		createDeployment(t, s, "web", tc.id, types.DeploymentStatusHealthy)
		require.NoError(t, s.MarkTerminating("web", tc.id, tc.reason))
	}

	o.terminateTick(context.Background())

	for _, tc := range cases {
		got, err := s.GetDeployment("web", tc.id)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got.Status, tc.id)
		require.NotNil(t, got.CompletedAt, tc.id)
	}
	assert.Len(t, fb.terminated, len(cases))
}

func TestTerminateTickRetriesOnBackendError(t *testing.T) {
	fb := &fakeBackend{termErr: assert.AnError}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")
	createDeployment(t, s, "web", "d1", types.DeploymentStatusHealthy)
	require.NoError(t, s.MarkTerminating("web", "d1", types.TerminationReasonUserStopped))

	o.terminateTick(context.Background())

	got, err := s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, got.Status, "stays queued for retry")
}

func TestCancelTick(t *testing.T) {
	fb := &fakeBackend{}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")
	createDeployment(t, s, "web", "d1", types.DeploymentStatusBuilding)
	require.NoError(t, s.MarkCancelling("web", "d1"))

	o.cancelTick(context.Background())

	got, err := s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusCancelled, got.Status)
	assert.Equal(t, []string{"d1"}, fb.cancelled)
}

func TestExpireTick(t *testing.T) {
	fb := &fakeBackend{}
	o, s := newTestOrchestrator(t, fb, Config{})
	createProject(t, s, "web")

	past := time.Now().Add(-time.Hour)
	require.NoError(t, s.CreateDeployment(&types.Deployment{
		ID:        "ephemeral",
		Project:   "web",
		ExpiresAt: &past,
	}))
	walkTo(t, s, "web", "ephemeral", types.DeploymentStatusHealthy)

	o.expireTick(context.Background())

	got, err := s.GetDeployment("web", "ephemeral")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, got.Status)
	assert.Equal(t, types.TerminationReasonExpired, got.TerminationReason)
}

func TestProjectDeleterProtocol(t *testing.T) {
	fb := &fakeBackend{}
	o, s := newTestOrchestrator(t, fb, Config{})
	pd := NewProjectDeleter(s, time.Second)
	createProject(t, s, "web")

	createDeployment(t, s, "web", "running", types.DeploymentStatusHealthy)
	createDeployment(t, s, "web", "building", types.DeploymentStatusBuilding)
	require.NoError(t, s.AddFinalizer("web", "kubernetes.rise.dev/namespace"))
	require.NoError(t, s.SetProjectStatus("web", types.ProjectStatusDeleting))

	// First sweep drains deployments: pre-infrastructure rows are
	// cancelled, running ones terminated.
	pd.sweep()

	running, err := s.GetDeployment("web", "running")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, running.Status)

	building, err := s.GetDeployment("web", "building")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusCancelling, building.Status)

	// Let the lifecycle loops retire them.
	o.terminateTick(context.Background())
	o.cancelTick(context.Background())

	// Deployments are drained but the finalizer still blocks deletion.
	pd.sweep()
	p, err := s.GetProject("web")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusDeleting, p.Status)

	require.NoError(t, s.RemoveFinalizer("web", "kubernetes.rise.dev/namespace"))

	// An installed extension also blocks deletion.
	require.NoError(t, s.CreateExtension(&types.Extension{ID: "e1", Project: "web", Kind: "postgres"}))
	pd.sweep()
	_, err = s.GetProject("web")
	require.NoError(t, err)

	require.NoError(t, s.DeleteExtension("web", "e1"))
	pd.sweep()

	_, err = s.GetProject("web")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProjectDeleterIgnoresLiveProjects(t *testing.T) {
	_, s := newTestOrchestrator(t, &fakeBackend{}, Config{})
	pd := NewProjectDeleter(s, time.Second)
	createProject(t, s, "web")
	createDeployment(t, s, "web", "d1", types.DeploymentStatusHealthy)

	pd.sweep()

	p, err := s.GetProject("web")
	require.NoError(t, err)
	assert.NotEqual(t, types.ProjectStatusTerminated, p.Status)
	got, err := s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusHealthy, got.Status)
}
