package controller

import (
	"context"

	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/types"
)

// healthTick probes Healthy deployments for degradation and Unhealthy
// ones for recovery. Unhealthy rows are never timed out to Failed;
// they persist until recovered or explicitly terminated.
func (o *Orchestrator) healthTick(ctx context.Context) {
	for _, status := range []types.DeploymentStatus{
		types.DeploymentStatusHealthy,
		types.DeploymentStatusUnhealthy,
	} {
		deployments, err := o.store.FindByStatus(status)
		if err != nil {
			metrics.LoopErrorsTotal.WithLabelValues("health").Inc()
			o.logger.Error().Err(err).Msg("failed to list deployments for health check")
			return
		}

		for _, d := range deployments {
			hs, err := o.backend.HealthCheck(ctx, d)
			if err != nil {
				metrics.LoopErrorsTotal.WithLabelValues("health").Inc()
				o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("health check failed")
				continue
			}

			switch {
			case d.Status == types.DeploymentStatusHealthy && !hs.Healthy:
				o.logger.Warn().Str("project", d.Project).Str("deployment", d.ID).
					Str("reason", hs.Message).Msg("deployment became unhealthy")
				if err := o.store.MarkUnhealthy(d.Project, d.ID, hs.Message); err != nil {
					o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to mark unhealthy")
					continue
				}
				o.recalc(d.Project)

			case d.Status == types.DeploymentStatusUnhealthy && hs.Healthy:
				o.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
					Msg("deployment recovered")
				if err := o.store.MarkHealthy(d.Project, d.ID); err != nil {
					o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to mark healthy")
					continue
				}
				o.recalc(d.Project)
			}
		}
	}
}

// terminateTick removes infrastructure of Terminating deployments and
// applies the terminal status their termination reason dictates.
func (o *Orchestrator) terminateTick(ctx context.Context) {
	deployments, err := o.store.FindByStatus(types.DeploymentStatusTerminating)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues("terminate").Inc()
		o.logger.Error().Err(err).Msg("failed to list terminating deployments")
		return
	}

	for _, d := range deployments {
		if err := o.backend.Terminate(ctx, d); err != nil {
			metrics.LoopErrorsTotal.WithLabelValues("terminate").Inc()
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("terminate failed, will retry")
			continue
		}

		switch d.TerminationReason.TerminalStatus() {
		case types.DeploymentStatusSuperseded:
			err = o.store.MarkSuperseded(d.Project, d.ID)
		case types.DeploymentStatusExpired:
			err = o.store.MarkExpired(d.Project, d.ID)
		case types.DeploymentStatusFailed:
			msg := d.ErrorMessage
			if msg == "" {
				msg = "deployment failed"
			}
			err = o.store.MarkFailed(d.Project, d.ID, msg)
		default:
			err = o.store.MarkStopped(d.Project, d.ID)
		}
		if err != nil {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to finalize termination")
			continue
		}
		metrics.DeploymentTransitionsTotal.WithLabelValues(string(d.TerminationReason.TerminalStatus())).Inc()
		o.recalc(d.Project)
	}
}

// cancelTick cleans up Cancelling deployments, which never got
// infrastructure, and marks them Cancelled.
func (o *Orchestrator) cancelTick(ctx context.Context) {
	deployments, err := o.store.FindByStatus(types.DeploymentStatusCancelling)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues("cancel").Inc()
		o.logger.Error().Err(err).Msg("failed to list cancelling deployments")
		return
	}

	for _, d := range deployments {
		if err := o.backend.Cancel(ctx, d); err != nil {
			metrics.LoopErrorsTotal.WithLabelValues("cancel").Inc()
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("cancel failed, will retry")
			continue
		}
		if err := o.store.MarkCancelled(d.Project, d.ID); err != nil {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to mark cancelled")
			continue
		}
		o.recalc(d.Project)
	}
}

// expireTick sends deployments past their expiry into termination.
func (o *Orchestrator) expireTick(ctx context.Context) {
	deployments, err := o.store.FindExpired(expireBatch)
	if err != nil {
		metrics.LoopErrorsTotal.WithLabelValues("expire").Inc()
		o.logger.Error().Err(err).Msg("failed to list expired deployments")
		return
	}

	for _, d := range deployments {
		o.logger.Info().Str("project", d.Project).Str("deployment", d.ID).Msg("deployment expired")
		if err := o.store.MarkTerminating(d.Project, d.ID, types.TerminationReasonExpired); err != nil {
			o.logger.Warn().Err(err).Str("deployment", d.ID).Msg("failed to expire")
			continue
		}
		o.recalc(d.Project)
	}
}
