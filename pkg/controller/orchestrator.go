package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/storage"
)

// Defaults for the loop periods and timeouts.
const (
	DefaultReconcileInterval = 5 * time.Second
	DefaultHealthInterval    = 5 * time.Second
	DefaultTerminateInterval = 5 * time.Second
	DefaultCancelInterval    = 5 * time.Second
	DefaultExpireInterval    = 60 * time.Second

	// DefaultDeployingTimeout bounds how long a deployment may sit in
	// Deploying before it is failed.
	DefaultDeployingTimeout = 5 * time.Minute

	// DefaultStuckBuildTimeout bounds how long a pre-Pushed row may go
	// without progress before the client is presumed gone.
	DefaultStuckBuildTimeout = 10 * time.Minute

	// reconcileBatch is how many rows one reconcile tick takes on.
	reconcileBatch = 10

	// expireBatch is how many expired rows one expire tick takes on.
	expireBatch = 50
)

// Config tunes the orchestrator's loops. Zero values pick defaults.
type Config struct {
	ReconcileInterval time.Duration
	HealthInterval    time.Duration
	TerminateInterval time.Duration
	CancelInterval    time.Duration
	ExpireInterval    time.Duration

	DeployingTimeout  time.Duration
	StuckBuildTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = DefaultReconcileInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.TerminateInterval <= 0 {
		c.TerminateInterval = DefaultTerminateInterval
	}
	if c.CancelInterval <= 0 {
		c.CancelInterval = DefaultCancelInterval
	}
	if c.ExpireInterval <= 0 {
		c.ExpireInterval = DefaultExpireInterval
	}
	if c.DeployingTimeout <= 0 {
		c.DeployingTimeout = DefaultDeployingTimeout
	}
	if c.StuckBuildTimeout <= 0 {
		c.StuckBuildTimeout = DefaultStuckBuildTimeout
	}
}

// Orchestrator runs the five deployment loops against one backend.
// All coordination between loops flows through the store; the loops
// themselves share no mutable state and never crash on store or
// backend errors.
type Orchestrator struct {
	store   storage.Store
	backend backend.Backend
	cfg     Config
	logger  zerolog.Logger
}

// New creates the deployment orchestrator.
func New(store storage.Store, be backend.Backend, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		store:   store,
		backend: be,
		cfg:     cfg,
		logger:  log.WithComponent("orchestrator"),
	}
}

// Start launches the reconcile, health, terminate, cancel and expire
// loops. They stop when ctx is cancelled; in-flight work completes
// naturally because every backend phase is idempotent.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.runLoop(ctx, "reconcile", o.cfg.ReconcileInterval, o.reconcileTick)
	go o.runLoop(ctx, "health", o.cfg.HealthInterval, o.healthTick)
	go o.runLoop(ctx, "terminate", o.cfg.TerminateInterval, o.terminateTick)
	go o.runLoop(ctx, "cancel", o.cfg.CancelInterval, o.cancelTick)
	go o.runLoop(ctx, "expire", o.cfg.ExpireInterval, o.expireTick)
}

func (o *Orchestrator) runLoop(ctx context.Context, name string, interval time.Duration, tick func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			metrics.LoopRunsTotal.WithLabelValues(name).Inc()
			tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// recalc refreshes the project's derived status after a deployment
// mutation. Failures are logged, never fatal.
func (o *Orchestrator) recalc(project string) {
	if err := o.store.UpdateCalculatedStatus(project); err != nil {
		o.logger.Warn().Err(err).Str("project", project).Msg("failed to recompute project status")
	}
}
