package controller

import (
	"bytes"
	"context"
	"errors"
	"time"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// reconcileTick advances a batch of non-terminal deployments through
// their backend and runs the stuck-in-build sweep.
func (o *Orchestrator) reconcileTick(ctx context.Context) {
	o.sweepStuckBuilds()

	deployments, err := o.store.FindNonTerminal(reconcileBatch)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues("reconcile").Inc()
		o.logger.Error().Err(err).Msg("failed to list deployments")
		return
	}

	for _, d := range deployments {
		switch d.Status {
		case types.DeploymentStatusTerminating, types.DeploymentStatusCancelling:
			// Owned by the terminate and cancel loops.
			continue
		}

		if d.Status == types.DeploymentStatusDeploying && time.Since(d.StatusChangedAt) > o.cfg.DeployingTimeout {
			o.logger.Warn().Str("project", d.Project).Str("deployment", d.ID).
				Dur("age", time.Since(d.StatusChangedAt)).Msg("deployment timed out in Deploying")
			if err := o.store.MarkTerminating(d.Project, d.ID, types.TerminationReasonFailed); err != nil {
				o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to mark terminating")
			}
			o.recalc(d.Project)
			continue
		}

		project, err := o.store.GetProject(d.Project)
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues("reconcile").Inc()
			o.logger.Error().Err(err).Str("project", d.Project).Msg("failed to load project")
			continue
		}

		timer := metrics.NewTimer()
		res := o.backend.Reconcile(ctx, d, project)
		timer.ObserveDuration(metrics.ReconcileDuration)

		o.persistResult(d, res)
	}
}

// sweepStuckBuilds fails pre-Pushed rows whose client stopped
// reporting progress. Deployments created from a pre-built image never
// pass through here: intake enters them at Pushed.
func (o *Orchestrator) sweepStuckBuilds() {
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusPending,
		types.DeploymentStatusBuilding,
		types.DeploymentStatusPushing,
	} {
		deployments, err := o.store.FindByStatus(status)
		if err != nil {
			o.logger.Error().Err(err).Msg("failed to list deployments for stuck sweep")
			return
		}
		for _, d := range deployments {
			if time.Since(d.StatusChangedAt) <= o.cfg.StuckBuildTimeout {
				continue
			}
			o.logger.Warn().Str("project", d.Project).Str("deployment", d.ID).
				Str("status", string(d.Status)).Msg("build abandoned, failing deployment")
			if err := o.store.MarkFailed(d.Project, d.ID, "client interrupted the build"); err != nil {
				o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to fail stuck build")
			}
			o.recalc(d.Project)
		}
	}
}

// persistResult writes a reconcile result back to the store: metadata,
// URL and status, each only when it changed. A rejected transition
// means the row moved concurrently (usually into cleanup); that is
// logged and ignored.
func (o *Orchestrator) persistResult(d *types.Deployment, res backend.ReconcileResult) {
	if len(res.Metadata) > 0 && !bytes.Equal(res.Metadata, d.ControllerMetadata) {
		if err := o.store.UpdateControllerMetadata(d.Project, d.ID, res.Metadata); err != nil {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to persist metadata")
		}
	}
	if res.DeploymentURL != "" && res.DeploymentURL != d.DeploymentURL {
		if err := o.store.UpdateDeploymentURL(d.Project, d.ID, res.DeploymentURL); err != nil {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to persist deployment URL")
		}
	}

	if res.Status == d.Status {
		return
	}

	var err error
	switch res.Status {
	case types.DeploymentStatusHealthy:
		err = o.store.MarkHealthy(d.Project, d.ID)
	case types.DeploymentStatusUnhealthy:
		err = o.store.MarkUnhealthy(d.Project, d.ID, res.ErrorMessage)
	case types.DeploymentStatusFailed:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "deployment failed"
		}
		err = o.store.MarkFailed(d.Project, d.ID, msg)
	default:
		err = o.store.UpdateDeploymentStatus(d.Project, d.ID, res.Status)
	}
	if err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			o.logger.Debug().Str("deployment", d.ID).
				Str("from", string(d.Status)).Str("to", string(res.Status)).
				Msg("transition rejected, row moved concurrently")
		} else {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to persist status")
		}
		return
	}
	metrics.DeploymentTransitionsTotal.WithLabelValues(string(res.Status)).Inc()

	if res.Status == types.DeploymentStatusHealthy {
		o.activate(d, res.DeploymentURL)
	}
	o.recalc(d.Project)
}

// activate runs the activation protocol after a deployment became
// Healthy: flip the group's active pointer to it and supersede
// whatever was active before. The prior active is looked up before
// MarkAsActive so the new row cannot come back as "current active".
func (o *Orchestrator) activate(d *types.Deployment, url string) {
	group := d.DeploymentGroup
	if group == "" {
		group = types.DefaultDeploymentGroup
	}

	prior, err := o.store.FindActiveForProjectAndGroup(d.Project, group)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		o.logger.Error().Err(err).Str("deployment", d.ID).Msg("failed to find prior active")
		return
	}

	if _, err := o.store.MarkAsActive(d.Project, d.ID, group); err != nil {
		o.logger.Error().Err(err).Str("deployment", d.ID).Msg("failed to mark active")
		return
	}
	metrics.ActivationsTotal.Inc()

	superseded := map[string]struct{}{}
	if prior != nil && prior.ID != d.ID && !prior.Status.IsTerminal() {
		o.supersede(prior)
		superseded[prior.ID] = struct{}{}
	}

	// Sweep stragglers: other Healthy/Unhealthy rows in the group that
	// never were the active pointer. Pre-Healthy rows are left alone.
	actives, err := o.store.FindActiveStatusForProjectAndGroup(d.Project, group)
	if err != nil {
		o.logger.Warn().Err(err).Str("project", d.Project).Msg("failed to sweep group actives")
	}
	for _, other := range actives {
		if other.ID == d.ID {
			continue
		}
		if _, done := superseded[other.ID]; done {
			continue
		}
		o.supersede(other)
	}

	if group == types.DefaultDeploymentGroup {
		if err := o.store.SetActiveDeployment(d.Project, d.ID, url); err != nil {
			o.logger.Warn().Err(err).Str("project", d.Project).Msg("failed to update active pointer")
		}
	}
	o.recalc(d.Project)

	o.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
		Str("group", group).Msg("deployment activated")
}

func (o *Orchestrator) supersede(d *types.Deployment) {
	if err := o.store.MarkTerminating(d.Project, d.ID, types.TerminationReasonSuperseded); err != nil {
		o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to supersede")
	}
}
