package kube

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/rise-dev/rise/pkg/types"
)

// fatalWaitingReasons are container waiting-state reasons that no
// amount of retrying fixes.
var fatalWaitingReasons = map[string]struct{}{
	"InvalidImageName":           {},
	"ErrImagePull":               {},
	"ImageInspectError":          {},
	"CrashLoopBackOff":           {},
	"CreateContainerConfigError": {},
	"CreateContainerError":       {},
	"RunContainerError":          {},
}

// crashRestartThreshold is how many restarts after a non-zero exit
// count as irrecoverable.
const crashRestartThreshold = 3

// checkPodErrors scans the deployment's pods for irrecoverable
// container errors. It returns (true, reason) when one is found.
func (b *Backend) checkPodErrors(ctx context.Context, md *metadata, d *types.Deployment) (bool, string, error) {
	pods, err := b.podsForDeployment(ctx, md, d)
	if err != nil {
		return false, "", err
	}

	for _, pod := range pods {
		for _, cs := range pod.Status.ContainerStatuses {
			if fatal, reason := containerError(cs); fatal {
				return true, reason, nil
			}
		}
	}
	return false, "", nil
}

func containerError(cs corev1.ContainerStatus) (bool, string) {
	if w := cs.State.Waiting; w != nil {
		if _, fatal := fatalWaitingReasons[w.Reason]; fatal {
			return true, fmt.Sprintf("%s: %s", w.Reason, w.Message)
		}
	}
	if t := cs.State.Terminated; t != nil && t.ExitCode != 0 && cs.RestartCount >= crashRestartThreshold {
		return true, fmt.Sprintf("container exited with code %d after %d restarts", t.ExitCode, cs.RestartCount)
	}
	return false, ""
}

// replicaSetReady reports whether the ReplicaSet has all desired
// replicas ready.
func (b *Backend) replicaSetReady(ctx context.Context, md *metadata) (bool, error) {
	rs, err := b.getReplicaSet(ctx, md)
	if err != nil {
		return false, err
	}
	desired := int32(1)
	if rs.Spec.Replicas != nil {
		desired = *rs.Spec.Replicas
	}
	return rs.Status.ReadyReplicas >= desired, nil
}

// healthStatus is the two-step probe: pod errors first, then
// ReplicaSet readiness. Missing resources are unhealthy, not errors.
func (b *Backend) healthStatus(ctx context.Context, md *metadata, d *types.Deployment) (*types.HealthStatus, error) {
	now := time.Now()

	fatal, reason, err := b.checkPodErrors(ctx, md, d)
	if err != nil {
		if isNotFound(err) {
			return &types.HealthStatus{Healthy: false, Message: err.Error(), LastCheck: now}, nil
		}
		return nil, err
	}
	if fatal {
		return &types.HealthStatus{Healthy: false, Message: reason, LastCheck: now}, nil
	}

	ready, err := b.replicaSetReady(ctx, md)
	if err != nil {
		if isNotFound(err) {
			return &types.HealthStatus{Healthy: false, Message: "replicaset missing", LastCheck: now}, nil
		}
		return nil, err
	}
	if !ready {
		return &types.HealthStatus{Healthy: false, Message: "replicas not ready", LastCheck: now}, nil
	}
	return &types.HealthStatus{Healthy: true, LastCheck: now}, nil
}

// HealthCheck probes the deployment's cluster resources.
func (b *Backend) HealthCheck(ctx context.Context, d *types.Deployment) (*types.HealthStatus, error) {
	md := decodeMetadata(d.ControllerMetadata)
	if md.Namespace == "" || md.ReplicaSetName == "" {
		return &types.HealthStatus{Healthy: false, Message: "not deployed", LastCheck: time.Now()}, nil
	}
	return b.healthStatus(ctx, md, d)
}
