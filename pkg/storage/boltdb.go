package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rise-dev/rise/pkg/types"
)

var (
	// Bucket names
	bucketDeployments = []byte("deployments")
	bucketProjects    = []byte("projects")
	bucketEnvVars     = []byte("env_vars")
	bucketExtensions  = []byte("extensions")
)

// BoltStore implements Store using BoltDB. Every mutator runs inside a
// single bolt Update transaction, which is what gives the control plane
// its serialized status transitions and the at-most-one-active
// guarantee without any extra locking.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rise.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDeployments,
			bucketProjects,
			bucketEnvVars,
			bucketExtensions,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func deploymentKey(project, id string) []byte {
	return []byte(project + "/" + id)
}

func getDeploymentTx(tx *bolt.Tx, project, id string) (*types.Deployment, error) {
	data := tx.Bucket(bucketDeployments).Get(deploymentKey(project, id))
	if data == nil {
		return nil, fmt.Errorf("deployment %s/%s: %w", project, id, ErrNotFound)
	}
	var d types.Deployment
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func putDeploymentTx(tx *bolt.Tx, d *types.Deployment) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeployments).Put(deploymentKey(d.Project, d.ID), data)
}

// forEachDeploymentTx walks every deployment; when project is non-empty
// only that project's rows are visited.
func forEachDeploymentTx(tx *bolt.Tx, project string, fn func(*types.Deployment) error) error {
	b := tx.Bucket(bucketDeployments)
	if project == "" {
		return b.ForEach(func(k, v []byte) error {
			var d types.Deployment
			if err := json.Unmarshal(v, &d); err != nil {
				return err
			}
			return fn(&d)
		})
	}

	prefix := []byte(project + "/")
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var d types.Deployment
		if err := json.Unmarshal(v, &d); err != nil {
			return err
		}
		if err := fn(&d); err != nil {
			return err
		}
	}
	return nil
}

// CreateDeployment inserts a new deployment with IsActive unset.
func (s *BoltStore) CreateDeployment(d *types.Deployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeployments)
		if b.Get(deploymentKey(d.Project, d.ID)) != nil {
			return fmt.Errorf("deployment %s/%s: %w", d.Project, d.ID, ErrDuplicate)
		}

		now := time.Now().UTC()
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = now
		d.StatusChangedAt = now
		d.IsActive = false
		if d.Status == "" {
			d.Status = types.DeploymentStatusPending
		}
		if d.DeploymentGroup == "" {
			d.DeploymentGroup = types.DefaultDeploymentGroup
		}
		return putDeploymentTx(tx, d)
	})
}

func (s *BoltStore) GetDeployment(project, id string) (*types.Deployment, error) {
	var d *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		d, err = getDeploymentTx(tx, project, id)
		return err
	})
	return d, err
}

// transition applies a validated status change plus an optional extra
// mutation in one transaction.
func (s *BoltStore) transition(project, id string, to types.DeploymentStatus, mutate func(*types.Deployment)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeploymentTx(tx, project, id)
		if err != nil {
			return err
		}
		if !types.ValidTransition(d.Status, to) {
			return fmt.Errorf("%s/%s: %s -> %s: %w", project, id, d.Status, to, ErrInvalidTransition)
		}

		d.Status = to
		now := time.Now().UTC()
		d.UpdatedAt = now
		d.StatusChangedAt = now
		if to.IsTerminal() {
			d.CompletedAt = &now
			d.IsActive = false
		}
		if mutate != nil {
			mutate(d)
		}
		return putDeploymentTx(tx, d)
	})
}

func (s *BoltStore) UpdateDeploymentStatus(project, id string, to types.DeploymentStatus) error {
	return s.transition(project, id, to, nil)
}

func (s *BoltStore) MarkTerminating(project, id string, reason types.TerminationReason) error {
	return s.transition(project, id, types.DeploymentStatusTerminating, func(d *types.Deployment) {
		d.TerminationReason = reason
	})
}

func (s *BoltStore) MarkCancelling(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusCancelling, nil)
}

func (s *BoltStore) MarkCancelled(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusCancelled, nil)
}

func (s *BoltStore) MarkFailed(project, id, message string) error {
	return s.transition(project, id, types.DeploymentStatusFailed, func(d *types.Deployment) {
		d.ErrorMessage = message
	})
}

func (s *BoltStore) MarkStopped(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusStopped, nil)
}

func (s *BoltStore) MarkSuperseded(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusSuperseded, nil)
}

func (s *BoltStore) MarkExpired(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusExpired, nil)
}

func (s *BoltStore) MarkHealthy(project, id string) error {
	return s.transition(project, id, types.DeploymentStatusHealthy, func(d *types.Deployment) {
		d.ErrorMessage = ""
	})
}

func (s *BoltStore) MarkUnhealthy(project, id, message string) error {
	return s.transition(project, id, types.DeploymentStatusUnhealthy, func(d *types.Deployment) {
		d.ErrorMessage = message
	})
}

// MarkAsActive flips traffic to the given deployment. The whole
// operation is one transaction: verify Healthy, clear IsActive on the
// group's other rows, set it here. Returns the replaced deployment.
func (s *BoltStore) MarkAsActive(project, id, group string) (*types.Deployment, error) {
	var replaced *types.Deployment
	err := s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeploymentTx(tx, project, id)
		if err != nil {
			return err
		}
		if d.Status != types.DeploymentStatusHealthy {
			return fmt.Errorf("deployment %s/%s is %s, only healthy deployments can be activated", project, id, d.Status)
		}

		now := time.Now().UTC()
		err = forEachDeploymentTx(tx, project, func(other *types.Deployment) error {
			if other.ID == id || other.DeploymentGroup != group || !other.IsActive {
				return nil
			}
			replaced = other
			other.IsActive = false
			other.UpdatedAt = now
			return putDeploymentTx(tx, other)
		})
		if err != nil {
			return err
		}

		d.IsActive = true
		d.UpdatedAt = now
		return putDeploymentTx(tx, d)
	})
	if err != nil {
		return nil, err
	}
	return replaced, nil
}

// FindNonTerminal returns up to limit non-terminal deployments, oldest
// updated first, which gives the reconcile loop fair scheduling.
func (s *BoltStore) FindNonTerminal(limit int) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, "", func(d *types.Deployment) error {
			if !d.Status.IsTerminal() {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) FindByStatus(status types.DeploymentStatus) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, "", func(d *types.Deployment) error {
			if d.Status == status {
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// FindExpired returns deployments whose expiry has passed and that are
// not already terminal or in a cleanup state.
func (s *BoltStore) FindExpired(limit int) ([]*types.Deployment, error) {
	now := time.Now().UTC()
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, "", func(d *types.Deployment) error {
			if d.ExpiresAt == nil || d.ExpiresAt.After(now) {
				return nil
			}
			switch {
			case d.Status.IsTerminal():
			case d.Status == types.DeploymentStatusTerminating:
			case d.Status == types.DeploymentStatusCancelling:
			default:
				out = append(out, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *BoltStore) FindActiveForProjectAndGroup(project, group string) (*types.Deployment, error) {
	var found *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, project, func(d *types.Deployment) error {
			if d.DeploymentGroup == group && d.IsActive {
				found = d
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("active deployment for %s/%s: %w", project, group, ErrNotFound)
	}
	return found, nil
}

// FindLastForProjectAndGroup returns the most recently created
// deployment of the group.
func (s *BoltStore) FindLastForProjectAndGroup(project, group string) (*types.Deployment, error) {
	var last *types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, project, func(d *types.Deployment) error {
			if d.DeploymentGroup != group {
				return nil
			}
			if last == nil || d.CreatedAt.After(last.CreatedAt) {
				last = d
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, fmt.Errorf("last deployment for %s/%s: %w", project, group, ErrNotFound)
	}
	return last, nil
}

func (s *BoltStore) FindNonTerminalForProject(project string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, project, func(d *types.Deployment) error {
			if !d.Status.IsTerminal() {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) FindNonTerminalForProjectAndGroup(project, group string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, project, func(d *types.Deployment) error {
			if d.DeploymentGroup == group && !d.Status.IsTerminal() {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

// FindActiveStatusForProjectAndGroup returns the group's deployments
// whose status is Healthy or Unhealthy, used by the activation
// protocol's supersede sweep.
func (s *BoltStore) FindActiveStatusForProjectAndGroup(project, group string) ([]*types.Deployment, error) {
	var out []*types.Deployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return forEachDeploymentTx(tx, project, func(d *types.Deployment) error {
			if d.DeploymentGroup == group && d.Status.IsActive() {
				out = append(out, d)
			}
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) UpdateControllerMetadata(project, id string, metadata json.RawMessage) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeploymentTx(tx, project, id)
		if err != nil {
			return err
		}
		d.ControllerMetadata = metadata
		d.UpdatedAt = time.Now().UTC()
		return putDeploymentTx(tx, d)
	})
}

func (s *BoltStore) UpdateDeploymentURL(project, id, url string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		d, err := getDeploymentTx(tx, project, id)
		if err != nil {
			return err
		}
		d.DeploymentURL = url
		d.UpdatedAt = time.Now().UTC()
		return putDeploymentTx(tx, d)
	})
}

// Project operations

func getProjectTx(tx *bolt.Tx, name string) (*types.Project, error) {
	data := tx.Bucket(bucketProjects).Get([]byte(name))
	if data == nil {
		return nil, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	var p types.Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func putProjectTx(tx *bolt.Tx, p *types.Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketProjects).Put([]byte(p.Name), data)
}

func (s *BoltStore) CreateProject(p *types.Project) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketProjects).Get([]byte(p.Name)) != nil {
			return fmt.Errorf("project %s: %w", p.Name, ErrDuplicate)
		}
		now := time.Now().UTC()
		if p.CreatedAt.IsZero() {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		if p.Status == "" {
			p.Status = types.ProjectStatusStopped
		}
		return putProjectTx(tx, p)
	})
}

func (s *BoltStore) GetProject(name string) (*types.Project, error) {
	var p *types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getProjectTx(tx, name)
		return err
	})
	return p, err
}

func (s *BoltStore) ListProjects() ([]*types.Project, error) {
	var out []*types.Project
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketProjects).ForEach(func(k, v []byte) error {
			var p types.Project
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			out = append(out, &p)
			return nil
		})
	})
	return out, err
}

func (s *BoltStore) FindProjectsByStatus(status types.ProjectStatus) ([]*types.Project, error) {
	projects, err := s.ListProjects()
	if err != nil {
		return nil, err
	}
	var out []*types.Project
	for _, p := range projects {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

// AddFinalizer appends the finalizer if not already present.
func (s *BoltStore) AddFinalizer(name, finalizer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		if p.HasFinalizer(finalizer) {
			return nil
		}
		p.Finalizers = append(p.Finalizers, finalizer)
		p.UpdatedAt = time.Now().UTC()
		return putProjectTx(tx, p)
	})
}

func (s *BoltStore) RemoveFinalizer(name, finalizer string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		kept := p.Finalizers[:0]
		for _, f := range p.Finalizers {
			if f != finalizer {
				kept = append(kept, f)
			}
		}
		p.Finalizers = kept
		p.UpdatedAt = time.Now().UTC()
		return putProjectTx(tx, p)
	})
}

func (s *BoltStore) SetProjectStatus(name string, status types.ProjectStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		p.Status = status
		p.UpdatedAt = time.Now().UTC()
		return putProjectTx(tx, p)
	})
}

func (s *BoltStore) SetActiveDeployment(name, deploymentID, projectURL string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		p.ActiveDeploymentID = deploymentID
		p.ProjectURL = projectURL
		p.UpdatedAt = time.Now().UTC()
		return putProjectTx(tx, p)
	})
}

// DeleteProject physically removes the project row and its env var
// templates. The guards mirror the deletion protocol: no finalizers, no
// extensions, no non-terminal deployments.
func (s *BoltStore) DeleteProject(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		p, err := getProjectTx(tx, name)
		if err != nil {
			return err
		}
		if len(p.Finalizers) > 0 {
			return fmt.Errorf("project %s still has finalizers %v: %w", name, p.Finalizers, ErrNotDeletable)
		}

		count := 0
		prefix := []byte(name + "/")
		c := tx.Bucket(bucketExtensions).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		if count > 0 {
			return fmt.Errorf("project %s still has %d extensions: %w", name, count, ErrNotDeletable)
		}

		nonTerminal := 0
		err = forEachDeploymentTx(tx, name, func(d *types.Deployment) error {
			if !d.Status.IsTerminal() {
				nonTerminal++
			}
			return nil
		})
		if err != nil {
			return err
		}
		if nonTerminal > 0 {
			return fmt.Errorf("project %s still has %d non-terminal deployments: %w", name, nonTerminal, ErrNotDeletable)
		}

		if err := tx.Bucket(bucketEnvVars).Delete(projectEnvKey(name)); err != nil {
			return err
		}
		return tx.Bucket(bucketProjects).Delete([]byte(name))
	})
}

// Env var operations

func deploymentEnvKey(project, id string) []byte {
	return []byte("deployment/" + project + "/" + id)
}

func projectEnvKey(project string) []byte {
	return []byte("project/" + project)
}

func getEnvVarsTx(tx *bolt.Tx, key []byte) ([]types.EnvVar, error) {
	data := tx.Bucket(bucketEnvVars).Get(key)
	if data == nil {
		return nil, nil
	}
	var vars []types.EnvVar
	if err := json.Unmarshal(data, &vars); err != nil {
		return nil, err
	}
	return vars, nil
}

func putEnvVarsTx(tx *bolt.Tx, key []byte, vars []types.EnvVar) error {
	data, err := json.Marshal(vars)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketEnvVars).Put(key, data)
}

func upsertEnvVarTx(tx *bolt.Tx, key []byte, v types.EnvVar) error {
	vars, err := getEnvVarsTx(tx, key)
	if err != nil {
		return err
	}
	replaced := false
	for i := range vars {
		if vars[i].Key == v.Key {
			vars[i] = v
			replaced = true
			break
		}
	}
	if !replaced {
		vars = append(vars, v)
	}
	return putEnvVarsTx(tx, key, vars)
}

func (s *BoltStore) ListDeploymentEnvVars(project, deploymentID string) ([]types.EnvVar, error) {
	var vars []types.EnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		vars, err = getEnvVarsTx(tx, deploymentEnvKey(project, deploymentID))
		return err
	})
	return vars, err
}

func (s *BoltStore) UpsertDeploymentEnvVar(project, deploymentID, key, value string, isSecret, isRetrievable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return upsertEnvVarTx(tx, deploymentEnvKey(project, deploymentID), types.EnvVar{
			Key:           key,
			Value:         value,
			IsSecret:      isSecret,
			IsRetrievable: isRetrievable,
		})
	})
}

func (s *BoltStore) ListProjectEnvVars(project string) ([]types.EnvVar, error) {
	var vars []types.EnvVar
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		vars, err = getEnvVarsTx(tx, projectEnvKey(project))
		return err
	})
	return vars, err
}

func (s *BoltStore) UpsertProjectEnvVar(project, key, value string, isSecret, isRetrievable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return upsertEnvVarTx(tx, projectEnvKey(project), types.EnvVar{
			Key:           key,
			Value:         value,
			IsSecret:      isSecret,
			IsRetrievable: isRetrievable,
		})
	})
}

func (s *BoltStore) CopyProjectEnvVarsToDeployment(project, deploymentID string) error {
	return s.copyEnvVars(projectEnvKey(project), deploymentEnvKey(project, deploymentID))
}

func (s *BoltStore) CopyDeploymentEnvVarsToDeployment(project, sourceID, targetID string) error {
	return s.copyEnvVars(deploymentEnvKey(project, sourceID), deploymentEnvKey(project, targetID))
}

// copyEnvVars merges the source set into the target, keeping any key
// already present on the target (injected platform vars win).
func (s *BoltStore) copyEnvVars(srcKey, dstKey []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		src, err := getEnvVarsTx(tx, srcKey)
		if err != nil {
			return err
		}
		dst, err := getEnvVarsTx(tx, dstKey)
		if err != nil {
			return err
		}
		existing := make(map[string]bool, len(dst))
		for _, v := range dst {
			existing[v.Key] = true
		}
		for _, v := range src {
			if !existing[v.Key] {
				dst = append(dst, v)
			}
		}
		return putEnvVarsTx(tx, dstKey, dst)
	})
}

// Extension operations

func (s *BoltStore) CreateExtension(e *types.Extension) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if e.CreatedAt.IsZero() {
			e.CreatedAt = time.Now().UTC()
		}
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketExtensions).Put([]byte(e.Project+"/"+e.ID), data)
	})
}

func (s *BoltStore) DeleteExtension(project, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketExtensions).Delete([]byte(project + "/" + id))
	})
}

func (s *BoltStore) CountProjectExtensions(project string) (int, error) {
	count := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		prefix := []byte(project + "/")
		c := tx.Bucket(bucketExtensions).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			count++
		}
		return nil
	})
	return count, err
}
