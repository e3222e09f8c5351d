package registry

import (
	"context"
	"time"
)

// OCIProvider targets a generic OCI registry where authentication is
// handled client-side with docker login. The control plane itself
// holds no credentials, so every credential call returns empty values
// and pulls are anonymous unless the daemon is already logged in.
type OCIProvider struct {
	host string
}

// NewOCIProvider creates a provider for the given registry host; host
// may be empty for purely local image references.
func NewOCIProvider(host string) *OCIProvider {
	return &OCIProvider{host: host}
}

func (p *OCIProvider) GetCredentials(ctx context.Context, repository string) (*Credentials, error) {
	return &Credentials{URL: p.host}, nil
}

func (p *OCIProvider) GetPullCredentials(ctx context.Context) (*PullCredentials, error) {
	return &PullCredentials{}, nil
}

func (p *OCIProvider) RegistryHost() string {
	return p.host
}

func (p *OCIProvider) ImageTag(project, deploymentID string, kind ImageTagKind) string {
	return imageTag(p.host, project, deploymentID)
}

func (p *OCIProvider) CredentialLifetime() time.Duration {
	return 0
}
