package kube

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	netv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	appsv1apply "k8s.io/client-go/applyconfigurations/apps/v1"
	corev1apply "k8s.io/client-go/applyconfigurations/core/v1"
	metav1apply "k8s.io/client-go/applyconfigurations/meta/v1"
	netv1apply "k8s.io/client-go/applyconfigurations/networking/v1"

	"github.com/rise-dev/rise/pkg/types"
)

// replicaSetDeleteTimeout caps the wait for a drifted ReplicaSet to
// disappear before recreation.
const replicaSetDeleteTimeout = 30 * time.Second

var applyOpts = metav1.ApplyOptions{FieldManager: FieldManager, Force: true}

func isNotFound(err error) bool {
	return apierrors.IsNotFound(err)
}

// isNamespaceNotFound detects "namespace not found" from any API
// call, which means someone deleted the namespace under us.
func isNamespaceNotFound(err error) bool {
	if err == nil || !apierrors.IsNotFound(err) {
		return false
	}
	var statusErr *apierrors.StatusError
	if errors.As(err, &statusErr) && statusErr.ErrStatus.Details != nil {
		return statusErr.ErrStatus.Details.Kind == "namespaces"
	}
	return strings.Contains(err.Error(), "namespaces")
}

// ensureNamespace applies the project namespace with the configured
// annotations. Apply doubles as "patch annotations to match desired"
// for an existing namespace.
func (b *Backend) ensureNamespace(ctx context.Context, namespace string) error {
	ns := corev1apply.Namespace(namespace).
		WithLabels(map[string]string{LabelManagedBy: managedByValue})
	if len(b.cfg.NamespaceAnnotations) > 0 {
		ns = ns.WithAnnotations(b.cfg.NamespaceAnnotations)
	}
	if _, err := b.client.CoreV1().Namespaces().Apply(ctx, ns, applyOpts); err != nil {
		return fmt.Errorf("failed to apply namespace %s: %w", namespace, err)
	}
	return nil
}

type dockerConfigJSON struct {
	Auths map[string]dockerAuthEntry `json:"auths"`
}

type dockerAuthEntry struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Auth     string `json:"auth"`
}

// applyPullSecret materializes the registry pull secret in the
// namespace. Providers without credentials (anonymous registries) get
// no secret.
func (b *Backend) applyPullSecret(ctx context.Context, namespace string) error {
	creds, err := b.provider.GetPullCredentials(ctx)
	if err != nil {
		return fmt.Errorf("failed to get pull credentials: %w", err)
	}
	if creds.Username == "" {
		return nil
	}

	host := b.provider.RegistryHost()
	if host == "" {
		host = "https://index.docker.io/v1/"
	}
	cfg := dockerConfigJSON{Auths: map[string]dockerAuthEntry{
		host: {
			Username: creds.Username,
			Password: creds.Password,
			Auth:     base64.StdEncoding.EncodeToString([]byte(creds.Username + ":" + creds.Password)),
		},
	}}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}

	secret := corev1apply.Secret(PullSecretName, namespace).
		WithLabels(map[string]string{LabelManagedBy: managedByValue}).
		WithAnnotations(map[string]string{lastRefreshAnnotation: time.Now().UTC().Format(time.RFC3339)}).
		WithType(corev1.SecretTypeDockerConfigJson).
		WithData(map[string][]byte{corev1.DockerConfigJsonKey: raw})

	if _, err := b.client.CoreV1().Secrets(namespace).Apply(ctx, secret, applyOpts); err != nil {
		return fmt.Errorf("failed to apply pull secret: %w", err)
	}
	return nil
}

// ensureService creates the group's Service when absent. An existing
// Service keeps its selector: it may still be routing to the previous
// deployment, and only the traffic switch repoints it.
func (b *Backend) ensureService(ctx context.Context, md *metadata, d *types.Deployment) error {
	_, err := b.client.CoreV1().Services(md.Namespace).Get(ctx, md.ServiceName, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !isNotFound(err) || isNamespaceNotFound(err) {
		return err
	}
	return b.applyServicePinned(ctx, md, d)
}

// applyServicePinned applies the group Service with its selector
// pinned to this deployment's labels: the blue/green flip.
func (b *Backend) applyServicePinned(ctx context.Context, md *metadata, d *types.Deployment) error {
	svc := corev1apply.Service(md.ServiceName, md.Namespace).
		WithLabels(map[string]string{
			LabelManagedBy: managedByValue,
			LabelProject:   sanitizeName(d.Project),
			LabelGroup:     groupResourceName(d.DeploymentGroup),
		}).
		WithSpec(corev1apply.ServiceSpec().
			WithType(corev1.ServiceTypeClusterIP).
			WithSelector(deploymentLabels(d)).
			WithPorts(corev1apply.ServicePort().
				WithName("http").
				WithPort(80).
				WithTargetPort(intstr.FromInt32(int32(md.HTTPPort)))))

	if _, err := b.client.CoreV1().Services(md.Namespace).Apply(ctx, svc, applyOpts); err != nil {
		return fmt.Errorf("failed to apply service %s: %w", md.ServiceName, err)
	}
	return nil
}

func (b *Backend) getReplicaSet(ctx context.Context, md *metadata) (*appsv1.ReplicaSet, error) {
	return b.client.AppsV1().ReplicaSets(md.Namespace).Get(ctx, md.ReplicaSetName, metav1.GetOptions{})
}

// ensureReplicaSet creates the deployment's ReplicaSet, recreating it
// when the existing one drifted.
func (b *Backend) ensureReplicaSet(ctx context.Context, md *metadata, d *types.Deployment) error {
	rs, err := b.getReplicaSet(ctx, md)
	if isNotFound(err) && !isNamespaceNotFound(err) {
		return b.applyReplicaSet(ctx, md, d)
	}
	if err != nil {
		return err
	}
	if b.replicaSetDrifted(rs, md, d) {
		if err := b.deleteReplicaSetAndWait(ctx, md.Namespace, md.ReplicaSetName); err != nil {
			return err
		}
		return b.applyReplicaSet(ctx, md, d)
	}
	return nil
}

// replicaSetDrifted compares actual vs desired on the three fields
// that matter: replica count, first container image, selector.
func (b *Backend) replicaSetDrifted(rs *appsv1.ReplicaSet, md *metadata, d *types.Deployment) bool {
	if rs.Spec.Replicas == nil || *rs.Spec.Replicas != 1 {
		return true
	}
	if len(rs.Spec.Template.Spec.Containers) == 0 ||
		rs.Spec.Template.Spec.Containers[0].Image != md.ImageTag {
		return true
	}
	if rs.Spec.Selector == nil || !maps.Equal(rs.Spec.Selector.MatchLabels, deploymentLabels(d)) {
		return true
	}
	return false
}

// deleteReplicaSetAndWait deletes the ReplicaSet and polls until it is
// gone, capped at replicaSetDeleteTimeout.
func (b *Backend) deleteReplicaSetAndWait(ctx context.Context, namespace, name string) error {
	policy := metav1.DeletePropagationBackground
	err := b.client.AppsV1().ReplicaSets(namespace).Delete(ctx, name, metav1.DeleteOptions{PropagationPolicy: &policy})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete replicaset %s: %w", name, err)
	}

	return wait.PollUntilContextTimeout(ctx, time.Second, replicaSetDeleteTimeout, true,
		func(ctx context.Context) (bool, error) {
			_, err := b.client.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
			if isNotFound(err) {
				return true, nil
			}
			return false, nil
		})
}

func (b *Backend) applyReplicaSet(ctx context.Context, md *metadata, d *types.Deployment) error {
	lbls := deploymentLabels(d)

	env, err := b.podEnv(d)
	if err != nil {
		return err
	}

	container := corev1apply.Container().
		WithName("app").
		WithImage(md.ImageTag).
		WithPorts(corev1apply.ContainerPort().
			WithName("http").
			WithContainerPort(int32(md.HTTPPort))).
		WithEnv(env...)

	podSpec := corev1apply.PodSpec().
		WithContainers(container).
		WithImagePullSecrets(corev1apply.LocalObjectReference().WithName(PullSecretName))
	if len(b.cfg.NodeSelector) > 0 {
		podSpec = podSpec.WithNodeSelector(b.cfg.NodeSelector)
	}

	rs := appsv1apply.ReplicaSet(md.ReplicaSetName, md.Namespace).
		WithLabels(lbls).
		WithSpec(appsv1apply.ReplicaSetSpec().
			WithReplicas(1).
			WithSelector(metav1apply.LabelSelector().WithMatchLabels(lbls)).
			WithTemplate(corev1apply.PodTemplateSpec().
				WithLabels(lbls).
				WithSpec(podSpec)))

	if _, err := b.client.AppsV1().ReplicaSets(md.Namespace).Apply(ctx, rs, applyOpts); err != nil {
		return fmt.Errorf("failed to apply replicaset %s: %w", md.ReplicaSetName, err)
	}
	return nil
}

// podEnv loads the deployment's env vars, decrypting secrets.
func (b *Backend) podEnv(d *types.Deployment) ([]*corev1apply.EnvVarApplyConfiguration, error) {
	vars, err := b.envs.ListDeploymentEnvVars(d.Project, d.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	env := make([]*corev1apply.EnvVarApplyConfiguration, 0, len(vars))
	for _, v := range vars {
		value := v.Value
		if v.IsSecret {
			value, err = b.enc.Decrypt(v.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to decrypt env var %s: %w", v.Key, err)
			}
		}
		env = append(env, corev1apply.EnvVar().WithName(v.Key).WithValue(value))
	}
	return env, nil
}

// applyIngress applies the group's Ingress with annotations derived
// from project visibility.
func (b *Backend) applyIngress(ctx context.Context, md *metadata, d *types.Deployment, p *types.Project) error {
	host := b.cfg.deploymentHost(d)
	if host == "" {
		// No URL template covers this group; nothing to expose.
		return nil
	}

	ann := map[string]string{}
	maps.Copy(ann, b.cfg.IngressAnnotations)
	if b.cfg.PathPrefixRewrite {
		ann["nginx.ingress.kubernetes.io/rewrite-target"] = "/$2"
		ann["nginx.ingress.kubernetes.io/x-forwarded-prefix"] = "/"
	}
	if p != nil && p.Visibility == types.ProjectVisibilityPrivate {
		ann["nginx.ingress.kubernetes.io/auth-url"] = b.cfg.AuthURL
		ann["nginx.ingress.kubernetes.io/auth-signin"] = b.cfg.AuthSigninURL
	}

	spec := netv1apply.IngressSpec().
		WithRules(netv1apply.IngressRule().
			WithHost(host).
			WithHTTP(netv1apply.HTTPIngressRuleValue().
				WithPaths(netv1apply.HTTPIngressPath().
					WithPath("/").
					WithPathType(netv1.PathTypePrefix).
					WithBackend(netv1apply.IngressBackend().
						WithService(netv1apply.IngressServiceBackend().
							WithName(md.ServiceName).
							WithPort(netv1apply.ServiceBackendPort().WithNumber(80)))))))
	if b.cfg.IngressClass != "" {
		spec = spec.WithIngressClassName(b.cfg.IngressClass)
	}
	if b.cfg.TLSSecretName != "" {
		spec = spec.WithTLS(netv1apply.IngressTLS().
			WithHosts(host).
			WithSecretName(b.cfg.TLSSecretName))
	}

	ing := netv1apply.Ingress(md.IngressName, md.Namespace).
		WithLabels(map[string]string{
			LabelManagedBy: managedByValue,
			LabelProject:   sanitizeName(d.Project),
			LabelGroup:     groupResourceName(d.DeploymentGroup),
		}).
		WithAnnotations(ann).
		WithSpec(spec)

	if _, err := b.client.NetworkingV1().Ingresses(md.Namespace).Apply(ctx, ing, applyOpts); err != nil {
		return fmt.Errorf("failed to apply ingress %s: %w", md.IngressName, err)
	}
	return nil
}

// podsForDeployment lists the deployment's pods via the deployment-id
// label.
func (b *Backend) podsForDeployment(ctx context.Context, md *metadata, d *types.Deployment) ([]corev1.Pod, error) {
	selector := labels.Set{LabelDeploymentID: sanitizeName(d.ID)}.String()
	pods, err := b.client.CoreV1().Pods(md.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, err
	}
	return pods.Items, nil
}
