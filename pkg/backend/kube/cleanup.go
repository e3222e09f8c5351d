package kube

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/storage"
	"github.com/rise-dev/rise/pkg/types"
)

// NamespaceCleaner is the second finalizer holder in the project
// deletion protocol: it deletes the project's namespace and then
// releases the kubernetes.rise.dev/namespace finalizer.
type NamespaceCleaner struct {
	client   kubernetes.Interface
	projects storage.ProjectStore
	format   string
	interval time.Duration
	logger   zerolog.Logger
}

// NewNamespaceCleaner creates the cleanup loop.
func NewNamespaceCleaner(client kubernetes.Interface, projects storage.ProjectStore, namespaceFormat string, interval time.Duration) *NamespaceCleaner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &NamespaceCleaner{
		client:   client,
		projects: projects,
		format:   namespaceFormat,
		interval: interval,
		logger:   log.WithComponent("namespace-cleaner"),
	}
}

// Start launches the loop; it stops when ctx is cancelled.
func (c *NamespaceCleaner) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// sweep releases the namespace finalizer of every deleting project.
func (c *NamespaceCleaner) sweep(ctx context.Context) {
	projects, err := c.projects.FindProjectsByStatus(types.ProjectStatusDeleting)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list deleting projects")
		return
	}

	for _, p := range projects {
		if !p.HasFinalizer(NamespaceFinalizer) {
			continue
		}

		namespace := namespaceName(c.format, p.Name)
		err := c.client.CoreV1().Namespaces().Delete(ctx, namespace, metav1.DeleteOptions{})
		if err != nil && !isNotFound(err) {
			c.logger.Error().Err(err).Str("project", p.Name).Str("namespace", namespace).
				Msg("failed to delete namespace")
			continue
		}

		if err := c.projects.RemoveFinalizer(p.Name, NamespaceFinalizer); err != nil {
			c.logger.Error().Err(err).Str("project", p.Name).Msg("failed to remove finalizer")
			continue
		}
		c.logger.Info().Str("project", p.Name).Str("namespace", namespace).Msg("namespace released")
	}
}
