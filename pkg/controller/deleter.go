package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// DefaultDeleteInterval is how often the project deleter sweeps.
const DefaultDeleteInterval = 5 * time.Second

// ProjectDeleter drives projects marked Deleting to physical deletion.
// It first drains the project's deployments through the normal
// cancellation and termination machinery, then waits for finalizer
// owners and extensions to release the project, and only then deletes
// the row. Each sweep advances a project at most one step; progress
// resumes on the next tick, so restarts are harmless.
type ProjectDeleter struct {
	store    storage.Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewProjectDeleter creates a deleter sweeping at the given interval.
func NewProjectDeleter(store storage.Store, interval time.Duration) *ProjectDeleter {
	if interval <= 0 {
		interval = DefaultDeleteInterval
	}
	return &ProjectDeleter{
		store:    store,
		interval: interval,
		logger:   log.WithComponent("project-deleter"),
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (pd *ProjectDeleter) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(pd.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				pd.sweep()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (pd *ProjectDeleter) sweep() {
	projects, err := pd.store.ListProjects()
	if err != nil {
		pd.logger.Error().Err(err).Msg("failed to list projects")
		return
	}

	for _, p := range projects {
		if p.Status != types.ProjectStatusDeleting {
			continue
		}
		pd.advance(p)
	}
}

// advance moves one Deleting project toward deletion: drain
// deployments, then wait for finalizers, then extensions, then delete.
func (pd *ProjectDeleter) advance(p *types.Project) {
	logger := pd.logger.With().Str("project", p.Name).Logger()

	deployments, err := pd.store.FindNonTerminalForProject(p.Name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to list deployments")
		return
	}
	if len(deployments) > 0 {
		for _, d := range deployments {
			switch {
			case d.Status.IsPreInfrastructure():
				if err := pd.store.MarkCancelling(d.Project, d.ID); err != nil {
					logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to cancel deployment")
				}
			case d.Status == types.DeploymentStatusTerminating, d.Status == types.DeploymentStatusCancelling:
				// Already draining.
			default:
				if err := pd.store.MarkTerminating(d.Project, d.ID, types.TerminationReasonUserStopped); err != nil {
					logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to terminate deployment")
				}
			}
		}
		logger.Debug().Int("remaining", len(deployments)).Msg("waiting for deployments to drain")
		return
	}

	if len(p.Finalizers) > 0 {
		logger.Debug().Strs("finalizers", p.Finalizers).Msg("waiting for finalizers")
		return
	}

	n, err := pd.store.CountProjectExtensions(p.Name)
	if err != nil {
		logger.Error().Err(err).Msg("failed to count extensions")
		return
	}
	if n > 0 {
		logger.Debug().Int("extensions", n).Msg("waiting for extensions to be removed")
		return
	}

	if err := pd.store.SetProjectStatus(p.Name, types.ProjectStatusTerminated); err != nil {
		logger.Warn().Err(err).Msg("failed to mark project terminated")
		return
	}
	if err := pd.store.DeleteProject(p.Name); err != nil {
		logger.Error().Err(err).Msg("failed to delete project")
		return
	}
	logger.Info().Msg("project deleted")
}
