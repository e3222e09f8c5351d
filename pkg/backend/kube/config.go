package kube

import (
	"fmt"
	"strings"

	"github.com/rise-dev/rise/pkg/types"
)

// Config configures the Kubernetes backend.
type Config struct {
	// IngressClass is set as the ingressClassName on every Ingress.
	IngressClass string

	// ProductionURLTemplate renders the default group's URL; it must
	// contain the {project_name} placeholder.
	ProductionURLTemplate string

	// StagingURLTemplate renders non-default group URLs; it may use
	// {project_name} and {deployment_group}. Empty means non-default
	// groups get no URL.
	StagingURLTemplate string

	// NamespaceFormat renders the per-project namespace; defaults to
	// "rise-{project_name}".
	NamespaceFormat string

	// IngressAnnotations and NamespaceAnnotations are merged onto the
	// respective resources.
	IngressAnnotations   map[string]string
	NamespaceAnnotations map[string]string

	// TLSSecretName, when set, adds a TLS block to every Ingress.
	TLSSecretName string

	// NodeSelector constrains where deployment pods run.
	NodeSelector map[string]string

	// AuthURL and AuthSigninURL feed the Nginx auth annotations on
	// private projects.
	AuthURL       string
	AuthSigninURL string

	// PathPrefixRewrite adds the Nginx rewrite annotations used for
	// path-prefix routing.
	PathPrefixRewrite bool
}

// Validate checks template placeholders at startup.
func (c *Config) Validate() error {
	if c.ProductionURLTemplate == "" {
		return fmt.Errorf("kubernetes backend requires a production URL template")
	}
	if !strings.Contains(c.ProductionURLTemplate, "{project_name}") {
		return fmt.Errorf("production URL template must contain {project_name}")
	}
	if c.StagingURLTemplate != "" && !strings.Contains(c.StagingURLTemplate, "{project_name}") {
		return fmt.Errorf("staging URL template must contain {project_name}")
	}
	return nil
}

// deploymentURL renders the externally visible URL for a deployment,
// or "" when no template covers its group. Scheme-less templates like
// "{project_name}.apps.example.com" render as https URLs.
func (c *Config) deploymentURL(d *types.Deployment) string {
	group := d.DeploymentGroup
	if group == "" || group == types.DefaultDeploymentGroup {
		return withScheme(strings.ReplaceAll(c.ProductionURLTemplate, "{project_name}", sanitizeName(d.Project)))
	}
	if c.StagingURLTemplate == "" {
		return ""
	}
	url := strings.ReplaceAll(c.StagingURLTemplate, "{project_name}", sanitizeName(d.Project))
	return withScheme(strings.ReplaceAll(url, "{deployment_group}", sanitizeName(group)))
}

func withScheme(url string) string {
	if url == "" || strings.Contains(url, "://") {
		return url
	}
	return "https://" + url
}

// deploymentHost is the URL's host part, used as the Ingress rule
// host.
func (c *Config) deploymentHost(d *types.Deployment) string {
	url := c.deploymentURL(d)
	url = strings.TrimPrefix(url, "https://")
	url = strings.TrimPrefix(url, "http://")
	host, _, _ := strings.Cut(url, "/")
	return host
}
