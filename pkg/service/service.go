package service

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
	"github.com/rise-dev/rise/pkg/validate"
)

// ErrBadRequest marks intake validation failures so transport layers
// can map them to a 400-class response.
var ErrBadRequest = errors.New("bad request")

// deploymentIDFormat yields client-visible IDs like "20251220-100000".
const deploymentIDFormat = "20060102-150405"

// Config tunes the intake service.
type Config struct {
	// IssuerURL is injected as RISE_ISSUER into every deployment.
	IssuerURL string
}

// Service is the deployment intake: it owns creation (including
// rollbacks) and the user-facing stop/cancel/delete requests. All of
// these only write intent to the store; the controller loops do the
// actual work.
type Service struct {
	store   storage.Store
	backend backend.Backend
	cfg     Config
	logger  zerolog.Logger
}

// New creates the intake service.
func New(store storage.Store, be backend.Backend, cfg Config) *Service {
	return &Service{
		store:   store,
		backend: be,
		cfg:     cfg,
		logger:  log.WithComponent("service"),
	}
}

// CreateRequest is a request for a new deployment.
type CreateRequest struct {
	Project   string
	CreatedBy string

	// DeploymentGroup defaults to "default" when empty.
	DeploymentGroup string

	// Image, when set, is a pre-built image; the deployment skips the
	// client build phase. ImageDigest optionally pins it.
	Image       string
	ImageDigest string

	// HTTPPort is the container port the app listens on; 0 leaves the
	// backend default (8080).
	HTTPPort int

	// ExpiresIn is an optional lifetime like "7d", "2h" or "30m".
	ExpiresIn string

	// FromDeployment requests a rollback: the new deployment reuses the
	// named deployment's image and starts at Pushed.
	FromDeployment string

	// UseSourceEnvVars copies env vars from the rollback source instead
	// of the project's current templates.
	UseSourceEnvVars bool
}

// CreateDeployment validates the request, inserts the deployment row
// and seeds its environment variables. The returned deployment is in
// Pending (or Pushed for rollbacks and pre-built images); the
// reconcile loop picks it up from there.
func (s *Service) CreateDeployment(req CreateRequest) (*types.Deployment, error) {
	project, err := s.store.GetProject(req.Project)
	if err != nil {
		return nil, fmt.Errorf("project %s: %w", req.Project, err)
	}
	switch project.Status {
	case types.ProjectStatusDeleting, types.ProjectStatusTerminated:
		return nil, fmt.Errorf("project %s is being deleted: %w", req.Project, ErrBadRequest)
	}

	group := req.DeploymentGroup
	if group == "" {
		group = types.DefaultDeploymentGroup
	}
	if err := validate.DeploymentGroup(group); err != nil {
		return nil, fmt.Errorf("%s: %w", err, ErrBadRequest)
	}
	if req.HTTPPort != 0 {
		if err := validate.HTTPPort(req.HTTPPort); err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrBadRequest)
		}
	}

	var expiresAt *time.Time
	if req.ExpiresIn != "" {
		ttl, err := validate.ExpiresIn(req.ExpiresIn)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrBadRequest)
		}
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}

	image := req.Image
	if image != "" {
		if image, err = validate.NormalizeImage(image); err != nil {
			return nil, fmt.Errorf("%s: %w", err, ErrBadRequest)
		}
	}

	d := &types.Deployment{
		ID:              time.Now().UTC().Format(deploymentIDFormat),
		UID:             uuid.NewString(),
		Project:         req.Project,
		CreatedBy:       req.CreatedBy,
		DeploymentGroup: group,
		Image:           image,
		ImageDigest:     req.ImageDigest,
		HTTPPort:        req.HTTPPort,
		ExpiresAt:       expiresAt,
	}
	if d.Image != "" || d.ImageDigest != "" {
		// The image already exists, so the row skips the client build
		// pipeline; reconcile takes it straight to Deploying.
		d.Status = types.DeploymentStatusPushed
	}

	var source *types.Deployment
	if req.FromDeployment != "" {
		source, err = s.store.GetDeployment(req.Project, req.FromDeployment)
		if err != nil {
			return nil, fmt.Errorf("rollback source %s: %w", req.FromDeployment, err)
		}
		if !source.Status.IsRollbackable() {
			return nil, fmt.Errorf("deployment %s is %s, only healthy or superseded deployments can be rolled back to: %w",
				source.ID, source.Status, ErrBadRequest)
		}
		d.Status = types.DeploymentStatusPushed
		d.Image = source.Image
		d.ImageDigest = source.ImageDigest
		d.HTTPPort = source.HTTPPort
		d.RolledBackFromDeploymentID = source.UID
	}

	if err := s.store.CreateDeployment(d); err != nil {
		return nil, fmt.Errorf("failed to create deployment: %w", err)
	}

	if source != nil && req.UseSourceEnvVars {
		err = s.store.CopyDeploymentEnvVarsToDeployment(req.Project, source.ID, d.ID)
	} else {
		err = s.store.CopyProjectEnvVarsToDeployment(req.Project, d.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to seed env vars: %w", err)
	}
	if err := s.injectRuntimeEnv(d, project); err != nil {
		return nil, err
	}

	s.logger.Info().Str("project", d.Project).Str("deployment", d.ID).
		Str("group", group).Bool("rollback", source != nil).Msg("deployment created")
	return d, nil
}

// injectRuntimeEnv writes the variables every deployment receives:
// PORT plus the URLs the app needs to address itself and its issuer.
func (s *Service) injectRuntimeEnv(d *types.Deployment, p *types.Project) error {
	port := d.HTTPPort
	if port == 0 {
		port = 8080
	}

	urls, err := s.backend.DeploymentURLs(d, p)
	if err != nil {
		return fmt.Errorf("failed to compute deployment urls: %w", err)
	}
	appURL := p.ProjectURL
	if appURL == "" {
		appURL = urls.PrimaryURL
	}
	appURLs := lo.Uniq(lo.Compact(append([]string{urls.PrimaryURL}, urls.CustomDomainURLs...)))

	env := map[string]string{
		"PORT":            strconv.Itoa(port),
		"RISE_PUBLIC_URL": urls.PrimaryURL,
		"RISE_ISSUER":     s.cfg.IssuerURL,
		"RISE_APP_URL":    appURL,
		"RISE_APP_URLS":   strings.Join(appURLs, ","),
	}
	for key, value := range env {
		if err := s.store.UpsertDeploymentEnvVar(d.Project, d.ID, key, value, false, true); err != nil {
			return fmt.Errorf("failed to inject %s: %w", key, err)
		}
	}
	return nil
}

// StopDeployment requests a graceful stop. Rows without infrastructure
// are cancelled instead of terminated.
func (s *Service) StopDeployment(project, id string) error {
	d, err := s.store.GetDeployment(project, id)
	if err != nil {
		return err
	}
	if d.Status.IsTerminal() {
		return fmt.Errorf("deployment %s is already %s: %w", id, d.Status, ErrBadRequest)
	}

	if d.Status.IsPreInfrastructure() {
		err = s.store.MarkCancelling(project, id)
	} else {
		err = s.store.MarkTerminating(project, id, types.TerminationReasonUserStopped)
	}
	if err != nil {
		return err
	}
	return s.recalc(project)
}

// CancelDeployment aborts an in-flight deployment.
func (s *Service) CancelDeployment(project, id string) error {
	d, err := s.store.GetDeployment(project, id)
	if err != nil {
		return err
	}
	if !d.Status.IsCancellable() {
		return fmt.Errorf("deployment %s is %s and cannot be cancelled: %w", id, d.Status, ErrBadRequest)
	}
	if err := s.store.MarkCancelling(project, id); err != nil {
		return err
	}
	return s.recalc(project)
}

// DeleteProject marks the project Deleting; the deletion controller
// drains and removes it from there.
func (s *Service) DeleteProject(name string) error {
	p, err := s.store.GetProject(name)
	if err != nil {
		return err
	}
	if p.Status == types.ProjectStatusDeleting {
		return nil
	}
	return s.store.SetProjectStatus(name, types.ProjectStatusDeleting)
}

func (s *Service) recalc(project string) error {
	if err := s.store.UpdateCalculatedStatus(project); err != nil {
		s.logger.Warn().Err(err).Str("project", project).Msg("failed to recompute project status")
	}
	return nil
}
