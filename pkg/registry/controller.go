package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// RepositoryFinalizer is the finalizer this controller owns on
// projects whose repository it created.
const RepositoryFinalizer = "ecr.aws/repository"

// Controller provisions per-project registry repositories and cleans
// them up on project deletion. It is one of the finalizer holders in
// the project deletion protocol: the project deleter waits until this
// controller has removed RepositoryFinalizer.
type Controller struct {
	store storage.ProjectStore
	repos RepositoryManager

	// autoRemove deletes repositories on project deletion; otherwise
	// they are tagged orphaned and left behind.
	autoRemove bool

	provisionInterval time.Duration
	cleanupInterval   time.Duration

	logger zerolog.Logger
}

// ControllerConfig configures the repository controller.
type ControllerConfig struct {
	AutoRemove        bool
	ProvisionInterval time.Duration
	CleanupInterval   time.Duration
}

// NewController creates the repository finalizer controller.
func NewController(store storage.ProjectStore, repos RepositoryManager, cfg ControllerConfig) *Controller {
	if cfg.ProvisionInterval <= 0 {
		cfg.ProvisionInterval = 10 * time.Second
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Second
	}
	return &Controller{
		store:             store,
		repos:             repos,
		autoRemove:        cfg.AutoRemove,
		provisionInterval: cfg.ProvisionInterval,
		cleanupInterval:   cfg.CleanupInterval,
		logger:            log.WithComponent("registry-controller"),
	}
}

// Start launches the provision and cleanup loops. They stop when ctx
// is cancelled.
func (c *Controller) Start(ctx context.Context) {
	go c.runLoop(ctx, c.provisionInterval, c.provision)
	go c.runLoop(ctx, c.cleanupInterval, c.cleanup)
}

func (c *Controller) runLoop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fn(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// provision creates repositories for live projects that do not carry
// the finalizer yet. The finalizer is added only after the repository
// exists, so a crash between the two steps re-runs creation, which is
// idempotent.
func (c *Controller) provision(ctx context.Context) {
	projects, err := c.store.ListProjects()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list projects")
		return
	}

	for _, p := range projects {
		if p.Status == types.ProjectStatusDeleting || p.Status == types.ProjectStatusTerminated {
			continue
		}
		if p.HasFinalizer(RepositoryFinalizer) {
			continue
		}

		if err := c.repos.CreateRepository(ctx, p.Name); err != nil {
			c.logger.Error().Err(err).Str("project", p.Name).Msg("failed to create repository")
			continue
		}
		if err := c.store.AddFinalizer(p.Name, RepositoryFinalizer); err != nil {
			c.logger.Error().Err(err).Str("project", p.Name).Msg("failed to add finalizer")
			continue
		}
		c.logger.Info().Str("project", p.Name).Msg("repository provisioned")
	}
}

// cleanup releases repositories of deleting projects, then removes the
// finalizer so the project deleter can proceed.
func (c *Controller) cleanup(ctx context.Context) {
	projects, err := c.store.FindProjectsByStatus(types.ProjectStatusDeleting)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list deleting projects")
		return
	}

	for _, p := range projects {
		if !p.HasFinalizer(RepositoryFinalizer) {
			continue
		}

		if c.autoRemove {
			err = c.repos.DeleteRepository(ctx, p.Name)
		} else {
			err = c.repos.TagRepositoryOrphaned(ctx, p.Name)
		}
		if err != nil {
			c.logger.Error().Err(err).Str("project", p.Name).Msg("failed to release repository")
			continue
		}

		if err := c.store.RemoveFinalizer(p.Name, RepositoryFinalizer); err != nil {
			c.logger.Error().Err(err).Str("project", p.Name).Msg("failed to remove finalizer")
			continue
		}
		c.logger.Info().Str("project", p.Name).Bool("deleted", c.autoRemove).Msg("repository released")
	}
}
