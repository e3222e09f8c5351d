package registry

import (
	"context"
	"time"
)

// ImageTagKind distinguishes tags meant for client-side pushes from
// tags the backends use internally.
type ImageTagKind string

const (
	ImageTagClientFacing ImageTagKind = "client_facing"
	ImageTagInternal     ImageTagKind = "internal"
)

// Credentials are short-lived push credentials for one repository.
type Credentials struct {
	URL      string
	Username string
	Password string

	// ExpiresIn is the nominal credential lifetime; zero means the
	// credentials do not expire (or expiry is unknown).
	ExpiresIn time.Duration
}

// PullCredentials authenticate image pulls. Both fields empty means
// anonymous pulls.
type PullCredentials struct {
	Username string
	Password string
}

// Provider abstracts the container registry the platform pushes to and
// the backends pull from.
type Provider interface {
	// GetCredentials returns push credentials for the project's
	// repository.
	GetCredentials(ctx context.Context, repository string) (*Credentials, error)

	// GetPullCredentials returns credentials for pulling images; both
	// fields are empty when the registry allows (or requires)
	// anonymous access.
	GetPullCredentials(ctx context.Context) (*PullCredentials, error)

	// RegistryHost is the registry hostname, or empty when images are
	// addressed without one (client-side docker login).
	RegistryHost() string

	// ImageTag builds the image reference for a deployment.
	ImageTag(project, deploymentID string, kind ImageTagKind) string

	// CredentialLifetime is the nominal lifetime of pull credentials;
	// the Kubernetes secret refresh loop replaces pull secrets older
	// than half of it. Zero disables refreshing.
	CredentialLifetime() time.Duration
}

// RepositoryManager is implemented by providers that own per-project
// repositories. The repository finalizer controller drives it.
type RepositoryManager interface {
	// CreateRepository is idempotent; "already exists" is success.
	CreateRepository(ctx context.Context, project string) error

	// DeleteRepository removes the repository and its images. Missing
	// repositories are success.
	DeleteRepository(ctx context.Context, project string) error

	// TagRepositoryOrphaned marks the repository orphaned=true instead
	// of deleting it.
	TagRepositoryOrphaned(ctx context.Context, project string) error
}

func imageTag(host, project, deploymentID string) string {
	if host == "" {
		return project + ":" + deploymentID
	}
	return host + "/" + project + ":" + deploymentID
}
