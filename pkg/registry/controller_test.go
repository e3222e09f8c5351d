package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

type fakeRepos struct {
	created  []string
	deleted  []string
	orphaned []string
	fail     bool
}

func (f *fakeRepos) CreateRepository(ctx context.Context, project string) error {
	if f.fail {
		return assert.AnError
	}
	f.created = append(f.created, project)
	return nil
}

func (f *fakeRepos) DeleteRepository(ctx context.Context, project string) error {
	f.deleted = append(f.deleted, project)
	return nil
}

func (f *fakeRepos) TagRepositoryOrphaned(ctx context.Context, project string) error {
	f.orphaned = append(f.orphaned, project)
	return nil
}

func newRegistryTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	s, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestProvisionAddsFinalizerOnce(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))

	repos := &fakeRepos{}
	c := NewController(s, repos, ControllerConfig{})

	c.provision(context.Background())
	c.provision(context.Background())

	assert.Equal(t, []string{"proj"}, repos.created, "second pass must skip finalized project")

	p, err := s.GetProject("proj")
	require.NoError(t, err)
	assert.True(t, p.HasFinalizer(RepositoryFinalizer))
}

func TestProvisionSkipsDeletingProjects(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))
	require.NoError(t, s.SetProjectStatus("proj", types.ProjectStatusDeleting))

	repos := &fakeRepos{}
	c := NewController(s, repos, ControllerConfig{})
	c.provision(context.Background())

	assert.Empty(t, repos.created)
}

func TestProvisionFailureLeavesFinalizerOff(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))

	repos := &fakeRepos{fail: true}
	c := NewController(s, repos, ControllerConfig{})
	c.provision(context.Background())

	p, err := s.GetProject("proj")
	require.NoError(t, err)
	assert.False(t, p.HasFinalizer(RepositoryFinalizer))
}

func TestCleanupAutoRemove(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))
	require.NoError(t, s.AddFinalizer("proj", RepositoryFinalizer))
	require.NoError(t, s.SetProjectStatus("proj", types.ProjectStatusDeleting))

	repos := &fakeRepos{}
	c := NewController(s, repos, ControllerConfig{AutoRemove: true})
	c.cleanup(context.Background())

	assert.Equal(t, []string{"proj"}, repos.deleted)
	assert.Empty(t, repos.orphaned)

	p, err := s.GetProject("proj")
	require.NoError(t, err)
	assert.False(t, p.HasFinalizer(RepositoryFinalizer))
}

func TestCleanupOrphanMode(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))
	require.NoError(t, s.AddFinalizer("proj", RepositoryFinalizer))
	require.NoError(t, s.SetProjectStatus("proj", types.ProjectStatusDeleting))

	repos := &fakeRepos{}
	c := NewController(s, repos, ControllerConfig{AutoRemove: false})
	c.cleanup(context.Background())

	assert.Equal(t, []string{"proj"}, repos.orphaned)
	assert.Empty(t, repos.deleted)
}

func TestCleanupIgnoresProjectsWithoutFinalizer(t *testing.T) {
	s := newRegistryTestStore(t)
	require.NoError(t, s.CreateProject(&types.Project{Name: "proj", OwnerUserID: "u1"}))
	require.NoError(t, s.SetProjectStatus("proj", types.ProjectStatusDeleting))

	repos := &fakeRepos{}
	c := NewController(s, repos, ControllerConfig{AutoRemove: true})
	c.cleanup(context.Background())

	assert.Empty(t, repos.deleted)
	assert.Empty(t, repos.orphaned)
}

func TestImageTagFormats(t *testing.T) {
	ecr := &ECRProvider{region: "us-east-1", registryHost: "123.dkr.ecr.us-east-1.amazonaws.com"}
	assert.Equal(t, "123.dkr.ecr.us-east-1.amazonaws.com/proj:20251220-100000",
		ecr.ImageTag("proj", "20251220-100000", ImageTagInternal))

	oci := NewOCIProvider("")
	assert.Equal(t, "proj:20251220-100000", oci.ImageTag("proj", "20251220-100000", ImageTagClientFacing))

	oci = NewOCIProvider("registry.example.com")
	assert.Equal(t, "registry.example.com/proj:20251220-100000", oci.ImageTag("proj", "20251220-100000", ImageTagClientFacing))
}
