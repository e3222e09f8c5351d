package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend kinds.
const (
	BackendLocal      = "local-container"
	BackendKubernetes = "kubernetes"
)

// Registry provider kinds.
const (
	RegistryECR = "ecr"
	RegistryOCI = "oci"
)

// Config is the server configuration, loaded from a YAML file.
type Config struct {
	// DataDir holds the bolt database. Defaults to /var/lib/rise.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// EncryptionKey protects secret environment variables at rest.
	EncryptionKey string `yaml:"encryption_key"`

	// IssuerURL is injected into deployments as RISE_ISSUER.
	IssuerURL string `yaml:"issuer_url"`

	// MetricsAddr serves /metrics; empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`

	// Backend selects the deployment substrate.
	Backend string `yaml:"backend"`

	Intervals  Intervals        `yaml:"intervals"`
	Local      LocalConfig      `yaml:"local"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Registry   RegistryConfig   `yaml:"registry"`
}

// Intervals are the controller loop periods, in seconds. Zero values
// pick the defaults.
type Intervals struct {
	Reconcile     int `yaml:"reconcile"`
	HealthCheck   int `yaml:"health_check"`
	Termination   int `yaml:"termination"`
	Cancellation  int `yaml:"cancellation"`
	Expiration    int `yaml:"expiration"`
	SecretRefresh int `yaml:"secret_refresh"`
}

// Duration converts a seconds value to a duration, zero if unset.
func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (i Intervals) ReconcileInterval() time.Duration     { return seconds(i.Reconcile) }
func (i Intervals) HealthCheckInterval() time.Duration   { return seconds(i.HealthCheck) }
func (i Intervals) TerminationInterval() time.Duration   { return seconds(i.Termination) }
func (i Intervals) CancellationInterval() time.Duration  { return seconds(i.Cancellation) }
func (i Intervals) ExpirationInterval() time.Duration    { return seconds(i.Expiration) }
func (i Intervals) SecretRefreshInterval() time.Duration { return seconds(i.SecretRefresh) }

// LocalConfig configures the local-container backend.
type LocalConfig struct {
	// Host is the hostname used in deployment URLs.
	Host string `yaml:"host"`

	// ContainerdSocket overrides the default containerd socket path.
	ContainerdSocket string `yaml:"containerd_socket"`

	// LogDir overrides where container logs are written.
	LogDir string `yaml:"log_dir"`
}

// KubernetesConfig configures the kubernetes backend.
type KubernetesConfig struct {
	// Kubeconfig path; empty uses in-cluster config.
	Kubeconfig string `yaml:"kubeconfig"`

	IngressClass          string            `yaml:"ingress_class"`
	ProductionURLTemplate string            `yaml:"production_url_template"`
	StagingURLTemplate    string            `yaml:"staging_url_template"`
	NamespaceFormat       string            `yaml:"namespace_format"`
	IngressAnnotations    map[string]string `yaml:"ingress_annotations"`
	NamespaceAnnotations  map[string]string `yaml:"namespace_annotations"`
	TLSSecretName         string            `yaml:"tls_secret_name"`
	NodeSelector          map[string]string `yaml:"node_selector"`
	AuthURL               string            `yaml:"auth_url"`
	AuthSigninURL         string            `yaml:"auth_signin_url"`
	PathPrefixRewrite     bool              `yaml:"path_prefix_rewrite"`
}

// RegistryConfig selects and configures the image registry provider.
type RegistryConfig struct {
	Provider string `yaml:"provider"`

	// ECR settings.
	Region  string `yaml:"region"`
	RoleARN string `yaml:"role_arn"`

	// RegistryHost is the registry for the oci provider, or an explicit
	// override for ecr.
	RegistryHost string `yaml:"registry_host"`

	// AutoRemoveRepositories deletes repositories on project deletion
	// instead of tagging them for manual cleanup.
	AutoRemoveRepositories bool `yaml:"auto_remove_repositories"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/rise"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Backend == "" {
		c.Backend = BackendLocal
	}
	if c.Local.Host == "" {
		c.Local.Host = "localhost"
	}
	if c.Registry.Provider == "" {
		c.Registry.Provider = RegistryOCI
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal:
	case BackendKubernetes:
		if c.Kubernetes.ProductionURLTemplate == "" {
			return fmt.Errorf("kubernetes.production_url_template is required")
		}
	default:
		return fmt.Errorf("unknown backend %q: must be %s or %s", c.Backend, BackendLocal, BackendKubernetes)
	}

	switch c.Registry.Provider {
	case RegistryOCI:
	case RegistryECR:
		if c.Registry.Region == "" {
			return fmt.Errorf("registry.region is required for the ecr provider")
		}
		if c.Registry.RoleARN == "" {
			return fmt.Errorf("registry.role_arn is required for the ecr provider")
		}
	default:
		return fmt.Errorf("unknown registry provider %q: must be %s or %s", c.Registry.Provider, RegistryECR, RegistryOCI)
	}

	if c.EncryptionKey == "" {
		return fmt.Errorf("encryption_key is required")
	}
	return nil
}
