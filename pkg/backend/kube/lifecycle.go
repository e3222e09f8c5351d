package kube

import (
	"context"
	"fmt"
	"io"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/types"
)

// Terminate removes the deployment's ReplicaSet. Shared resources
// (namespace, pull secret, and the default group's Service/Ingress)
// are never touched; a non-default group's Service and Ingress go away
// with its last deployment.
func (b *Backend) Terminate(ctx context.Context, d *types.Deployment) error {
	md := decodeMetadata(d.ControllerMetadata)
	if md.Namespace == "" || md.ReplicaSetName == "" {
		return nil
	}

	err := b.client.AppsV1().ReplicaSets(md.Namespace).Delete(ctx, md.ReplicaSetName, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete replicaset %s: %w", md.ReplicaSetName, err)
	}

	group := d.DeploymentGroup
	if group == "" || group == types.DefaultDeploymentGroup {
		return nil
	}

	remaining, err := b.deployments.FindNonTerminalForProjectAndGroup(d.Project, group)
	if err != nil {
		return fmt.Errorf("failed to count group deployments: %w", err)
	}
	for _, other := range remaining {
		if other.ID != d.ID {
			return nil
		}
	}

	// Last one out turns off the group's Service and Ingress.
	name := groupResourceName(group)
	if err := b.client.CoreV1().Services(md.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete service %s: %w", name, err)
	}
	if err := b.client.NetworkingV1().Ingresses(md.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete ingress %s: %w", name, err)
	}
	return nil
}

// Cancel cleans up whatever a pre-infrastructure deployment managed to
// create, which is at most its ReplicaSet.
func (b *Backend) Cancel(ctx context.Context, d *types.Deployment) error {
	md := decodeMetadata(d.ControllerMetadata)
	if md.Namespace == "" || md.ReplicaSetName == "" {
		return nil
	}
	err := b.client.AppsV1().ReplicaSets(md.Namespace).Delete(ctx, md.ReplicaSetName, metav1.DeleteOptions{})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete replicaset %s: %w", md.ReplicaSetName, err)
	}
	return nil
}

// Stop is a no-op on this backend; the terminate loop owns resource
// removal.
func (b *Backend) Stop(ctx context.Context, d *types.Deployment) error {
	return nil
}

// StreamLogs streams logs from the deployment's first pod.
func (b *Backend) StreamLogs(ctx context.Context, d *types.Deployment, opts backend.LogOptions) (io.ReadCloser, error) {
	md := decodeMetadata(d.ControllerMetadata)
	if md.Namespace == "" {
		return nil, backend.ErrNotReady
	}

	pods, err := b.podsForDeployment(ctx, md, d)
	if err != nil {
		return nil, err
	}
	var pod *corev1.Pod
	for i := range pods {
		if pods[i].Status.Phase == corev1.PodRunning || pods[i].Status.Phase == corev1.PodSucceeded {
			pod = &pods[i]
			break
		}
	}
	if pod == nil {
		return nil, backend.ErrNotReady
	}

	logOpts := &corev1.PodLogOptions{
		Follow:     opts.Follow,
		Timestamps: opts.Timestamps,
	}
	if opts.Tail > 0 {
		tail := int64(opts.Tail)
		logOpts.TailLines = &tail
	}
	if opts.Since > 0 {
		since := int64(opts.Since.Seconds())
		logOpts.SinceSeconds = &since
	}
	return b.client.CoreV1().Pods(md.Namespace).GetLogs(pod.Name, logOpts).Stream(ctx)
}

// DeploymentURLs renders the deployment's external URL from the
// configured templates.
func (b *Backend) DeploymentURLs(d *types.Deployment, p *types.Project) (*types.DeploymentURLs, error) {
	return &types.DeploymentURLs{PrimaryURL: b.cfg.deploymentURL(d)}, nil
}
