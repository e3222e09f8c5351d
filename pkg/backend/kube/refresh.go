package kube

import (
	"context"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/rise-dev/rise/pkg/types"
)

// DefaultSecretRefreshInterval is how often the refresh sweep runs.
const DefaultSecretRefreshInterval = time.Hour

// RunSecretRefresh periodically replaces pull secrets before their
// registry credentials expire. A secret is refreshed once its
// last-refresh annotation is older than half the credential lifetime.
// Providers with non-expiring credentials never refresh. Blocks until
// ctx is cancelled.
func (b *Backend) RunSecretRefresh(ctx context.Context, interval time.Duration) {
	lifetime := b.provider.CredentialLifetime()
	if lifetime <= 0 {
		return
	}
	if interval <= 0 {
		interval = DefaultSecretRefreshInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.refreshSecrets(ctx, lifetime/2)
		case <-ctx.Done():
			return
		}
	}
}

// refreshSecrets sweeps every namespace hosting a live deployment.
func (b *Backend) refreshSecrets(ctx context.Context, maxAge time.Duration) {
	namespaces := map[string]struct{}{}
	for _, status := range []types.DeploymentStatus{types.DeploymentStatusHealthy, types.DeploymentStatusUnhealthy} {
		deployments, err := b.deployments.FindByStatus(status)
		if err != nil {
			b.logger.Error().Err(err).Msg("failed to list deployments for secret refresh")
			return
		}
		for _, d := range deployments {
			if md := decodeMetadata(d.ControllerMetadata); md.Namespace != "" {
				namespaces[md.Namespace] = struct{}{}
			}
		}
	}

	for ns := range namespaces {
		if !b.secretStale(ctx, ns, maxAge) {
			continue
		}
		if err := b.applyPullSecret(ctx, ns); err != nil {
			b.logger.Error().Err(err).Str("namespace", ns).Msg("failed to refresh pull secret")
			continue
		}
		b.logger.Info().Str("namespace", ns).Msg("pull secret refreshed")
	}
}

func (b *Backend) secretStale(ctx context.Context, namespace string, maxAge time.Duration) bool {
	secret, err := b.client.CoreV1().Secrets(namespace).Get(ctx, PullSecretName, metav1.GetOptions{})
	if isNotFound(err) {
		return true
	}
	if err != nil {
		b.logger.Warn().Err(err).Str("namespace", namespace).Msg("failed to read pull secret")
		return false
	}

	last, err := time.Parse(time.RFC3339, secret.Annotations[lastRefreshAnnotation])
	if err != nil {
		return true
	}
	return time.Since(last) > maxAge
}
