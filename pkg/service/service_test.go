package service

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

// urlBackend implements just enough of the backend contract for intake.
type urlBackend struct{}

func (urlBackend) Reconcile(context.Context, *types.Deployment, *types.Project) backend.ReconcileResult {
	return backend.ReconcileResult{}
}

func (urlBackend) HealthCheck(context.Context, *types.Deployment) (*types.HealthStatus, error) {
	return &types.HealthStatus{Healthy: true}, nil
}

func (urlBackend) Cancel(context.Context, *types.Deployment) error    { return nil }
func (urlBackend) Terminate(context.Context, *types.Deployment) error { return nil }
func (urlBackend) Stop(context.Context, *types.Deployment) error      { return nil }

func (urlBackend) StreamLogs(context.Context, *types.Deployment, backend.LogOptions) (io.ReadCloser, error) {
	return nil, backend.ErrNotReady
}

func (urlBackend) DeploymentURLs(d *types.Deployment, _ *types.Project) (*types.DeploymentURLs, error) {
	return &types.DeploymentURLs{PrimaryURL: "https://" + d.Project + ".rise.dev"}, nil
}

func newTestService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	svc := New(s, urlBackend{}, Config{IssuerURL: "https://auth.rise.dev"})
	require.NoError(t, s.CreateProject(&types.Project{
		Name:        "web",
		Visibility:  types.ProjectVisibilityPublic,
		OwnerUserID: "u1",
	}))
	return svc, s
}

func envMap(t *testing.T, s storage.Store, project, id string) map[string]string {
	t.Helper()
	vars, err := s.ListDeploymentEnvVars(project, id)
	require.NoError(t, err)
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[v.Key] = v.Value
	}
	return m
}

func TestCreateDeploymentInjectsRuntimeEnv(t *testing.T) {
	svc, s := newTestService(t)
	require.NoError(t, s.UpsertProjectEnvVar("web", "DATABASE_URL", "postgres://db", false, true))

	d, err := svc.CreateDeployment(CreateRequest{
		Project:   "web",
		CreatedBy: "u1",
		HTTPPort:  3000,
	})
	require.NoError(t, err)

	assert.Equal(t, types.DeploymentStatusPending, d.Status)
	assert.Equal(t, types.DefaultDeploymentGroup, d.DeploymentGroup)
	assert.NotEmpty(t, d.UID)

	env := envMap(t, s, "web", d.ID)
	assert.Equal(t, "3000", env["PORT"])
	assert.Equal(t, "https://web.rise.dev", env["RISE_PUBLIC_URL"])
	assert.Equal(t, "https://auth.rise.dev", env["RISE_ISSUER"])
	assert.Equal(t, "https://web.rise.dev", env["RISE_APP_URL"])
	assert.Equal(t, "https://web.rise.dev", env["RISE_APP_URLS"])
	assert.Equal(t, "postgres://db", env["DATABASE_URL"], "project env vars are copied")
}

func TestCreateDeploymentValidation(t *testing.T) {
	svc, _ := newTestService(t)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"uppercase group", CreateRequest{Project: "web", DeploymentGroup: "MR-6"}},
		{"leading dash group", CreateRequest{Project: "web", DeploymentGroup: "-foo"}},
		{"port out of range", CreateRequest{Project: "web", HTTPPort: 70000}},
		{"zero expiry", CreateRequest{Project: "web", ExpiresIn: "0d"}},
		{"bad expiry unit", CreateRequest{Project: "web", ExpiresIn: "7x"}},
		{"bad image", CreateRequest{Project: "web", Image: "::::"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.CreateDeployment(tc.req)
			assert.ErrorIs(t, err, ErrBadRequest)
		})
	}
}

func TestCreateDeploymentNormalizesImage(t *testing.T) {
	svc, _ := newTestService(t)

	d, err := svc.CreateDeployment(CreateRequest{Project: "web", Image: "nginx"})
	require.NoError(t, err)
	assert.Equal(t, "docker.io/library/nginx", d.Image)
}

func TestCreateDeploymentPreBuiltImageStartsAtPushed(t *testing.T) {
	svc, s := newTestService(t)

	// With the image already built there is no client build phase, so
	// the row must enter at Pushed; a Pending row would never be
	// picked up by the backends.
	d, err := svc.CreateDeployment(CreateRequest{
		Project: "web",
		Image:   "registry.example.com/web:v1",
	})
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusPushed, d.Status)

	got, err := s.GetDeployment("web", d.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusPushed, got.Status)
	require.NoError(t, s.UpdateDeploymentStatus("web", d.ID, types.DeploymentStatusDeploying))
}

func TestCreateDeploymentSetsExpiry(t *testing.T) {
	svc, _ := newTestService(t)

	d, err := svc.CreateDeployment(CreateRequest{Project: "web", ExpiresIn: "2h"})
	require.NoError(t, err)
	require.NotNil(t, d.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), *d.ExpiresAt, time.Minute)
}

func TestCreateDeploymentRejectsDeletingProject(t *testing.T) {
	svc, s := newTestService(t)
	require.NoError(t, s.SetProjectStatus("web", types.ProjectStatusDeleting))

	_, err := svc.CreateDeployment(CreateRequest{Project: "web"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestRollbackFromSupersededDeployment(t *testing.T) {
	svc, s := newTestService(t)

	source := &types.Deployment{
		ID:          "20251220-100000",
		UID:         "src-uid",
		Project:     "web",
		Image:       "registry.example.com/web:20251220-100000",
		ImageDigest: "sha256:abc",
		HTTPPort:    3000,
	}
	require.NoError(t, s.CreateDeployment(source))
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusBuilding, types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying, types.DeploymentStatusHealthy,
	} {
		require.NoError(t, s.UpdateDeploymentStatus("web", source.ID, status))
	}
	require.NoError(t, s.MarkTerminating("web", source.ID, types.TerminationReasonSuperseded))
	require.NoError(t, s.MarkSuperseded("web", source.ID))
	require.NoError(t, s.UpsertDeploymentEnvVar("web", source.ID, "FEATURE_FLAG", "on", false, true))

	d, err := svc.CreateDeployment(CreateRequest{
		Project:          "web",
		FromDeployment:   source.ID,
		UseSourceEnvVars: true,
	})
	require.NoError(t, err)

	assert.Equal(t, types.DeploymentStatusPushed, d.Status, "rollbacks skip the build pipeline")
	assert.Equal(t, source.Image, d.Image)
	assert.Equal(t, source.ImageDigest, d.ImageDigest)
	assert.Equal(t, source.HTTPPort, d.HTTPPort)
	assert.Equal(t, "src-uid", d.RolledBackFromDeploymentID)

	env := envMap(t, s, "web", d.ID)
	assert.Equal(t, "on", env["FEATURE_FLAG"], "env vars come from the source deployment")
}

func TestRollbackRequiresRollbackableSource(t *testing.T) {
	svc, s := newTestService(t)

	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "d1", Project: "web"}))
	require.NoError(t, s.MarkFailed("web", "d1", "boom"))

	_, err := svc.CreateDeployment(CreateRequest{Project: "web", FromDeployment: "d1"})
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestStopDeployment(t *testing.T) {
	svc, s := newTestService(t)

	// A pre-infrastructure row is cancelled, not terminated.
	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "building", Project: "web"}))
	require.NoError(t, s.UpdateDeploymentStatus("web", "building", types.DeploymentStatusBuilding))
	require.NoError(t, svc.StopDeployment("web", "building"))

	got, err := s.GetDeployment("web", "building")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusCancelling, got.Status)

	// A running row is terminated with reason UserStopped.
	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "running", Project: "web"}))
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusBuilding, types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying, types.DeploymentStatusHealthy,
	} {
		require.NoError(t, s.UpdateDeploymentStatus("web", "running", status))
	}
	require.NoError(t, svc.StopDeployment("web", "running"))

	got, err = s.GetDeployment("web", "running")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusTerminating, got.Status)
	assert.Equal(t, types.TerminationReasonUserStopped, got.TerminationReason)

	// Terminal rows are rejected.
	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "done", Project: "web"}))
	require.NoError(t, s.MarkFailed("web", "done", "boom"))
	assert.ErrorIs(t, svc.StopDeployment("web", "done"), ErrBadRequest)
}

func TestCancelDeployment(t *testing.T) {
	svc, s := newTestService(t)

	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "d1", Project: "web"}))
	require.NoError(t, svc.CancelDeployment("web", "d1"))

	got, err := s.GetDeployment("web", "d1")
	require.NoError(t, err)
	assert.Equal(t, types.DeploymentStatusCancelling, got.Status)

	// Healthy deployments are stopped, never cancelled.
	require.NoError(t, s.CreateDeployment(&types.Deployment{ID: "d2", Project: "web"}))
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusBuilding, types.DeploymentStatusPushed,
		types.DeploymentStatusDeploying, types.DeploymentStatusHealthy,
	} {
		require.NoError(t, s.UpdateDeploymentStatus("web", "d2", status))
	}
	assert.ErrorIs(t, svc.CancelDeployment("web", "d2"), ErrBadRequest)
}

func TestDeleteProjectIsIdempotent(t *testing.T) {
	svc, s := newTestService(t)

	require.NoError(t, svc.DeleteProject("web"))
	require.NoError(t, svc.DeleteProject("web"))

	p, err := s.GetProject("web")
	require.NoError(t, err)
	assert.Equal(t, types.ProjectStatusDeleting, p.Status)
}
