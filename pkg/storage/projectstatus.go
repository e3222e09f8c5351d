package storage

import (
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rise-dev/rise/pkg/types"
)

// UpdateCalculatedStatus recomputes the project's derived status from
// the default group's deployments. The Deleting and Terminated
// sentinels are controller-owned and never overwritten here.
func (s *BoltStore) UpdateCalculatedStatus(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		if p.Status == types.ProjectStatusDeleting || p.Status == types.ProjectStatusTerminated {
			return nil
		}

		var active, last *types.Deployment
		err = forEachDeploymentTx(tx, name, func(d *types.Deployment) error {
			if d.DeploymentGroup != types.DefaultDeploymentGroup {
				return nil
			}
			if d.IsActive {
				active = d
			}
			if last == nil || d.CreatedAt.After(last.CreatedAt) {
				last = d
			}
			return nil
		})
		if err != nil {
			return err
		}

		if active == nil {
			p.ActiveDeploymentID = ""
		} else {
			p.ActiveDeploymentID = active.ID
		}
		p.Status = deriveProjectStatus(active, last)
		p.UpdatedAt = time.Now().UTC()
		return putProjectTx(tx, p)
	})
}

func deriveProjectStatus(active, last *types.Deployment) types.ProjectStatus {
	if active != nil {
		switch active.Status {
		case types.DeploymentStatusHealthy:
			return types.ProjectStatusRunning
		case types.DeploymentStatusUnhealthy:
			return types.ProjectStatusFailed
		case types.DeploymentStatusTerminating, types.DeploymentStatusCancelling:
			return types.ProjectStatusDeploying
		default:
			if active.Status.IsTerminal() {
				return types.ProjectStatusStopped
			}
			return types.ProjectStatusDeploying
		}
	}

	if last == nil || last.Status.IsTerminal() {
		return types.ProjectStatusStopped
	}
	return types.ProjectStatusDeploying
}
