package metrics

import (
	"time"

	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

var deploymentStatuses = []types.DeploymentStatus{
	types.DeploymentStatusPending,
	types.DeploymentStatusBuilding,
	types.DeploymentStatusPushing,
	types.DeploymentStatusPushed,
	types.DeploymentStatusDeploying,
	types.DeploymentStatusHealthy,
	types.DeploymentStatusUnhealthy,
	types.DeploymentStatusCancelling,
	types.DeploymentStatusTerminating,
	types.DeploymentStatusCancelled,
	types.DeploymentStatusStopped,
	types.DeploymentStatusSuperseded,
	types.DeploymentStatusFailed,
	types.DeploymentStatusExpired,
}

// Collector periodically samples the store into the inventory gauges.
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a metrics collector.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting every 15 seconds.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, status := range deploymentStatuses {
		deployments, err := c.store.FindByStatus(status)
		if err != nil {
			continue
		}
		DeploymentsTotal.WithLabelValues(string(status)).Set(float64(len(deployments)))
	}

	projects, err := c.store.ListProjects()
	if err != nil {
		return
	}
	counts := map[types.ProjectStatus]int{}
	for _, p := range projects {
		counts[p.Status]++
	}
	for status, n := range counts {
		ProjectsTotal.WithLabelValues(string(status)).Set(float64(n))
	}
}
