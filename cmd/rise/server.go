package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rise-dev/rise/pkg/backend"
	"github.com/rise-dev/rise/pkg/backend/kube"
	"github.com/rise-dev/rise/pkg/backend/local"
	"github.com/rise-dev/rise/pkg/config"
	"github.com/rise-dev/rise/pkg/controller"
	"github.com/rise-dev/rise/pkg/log"
	"github.com/rise-dev/rise/pkg/metrics"
	"github.com/rise-dev/rise/pkg/registry"
	"github.com/rise-dev/rise/pkg/runtime"
	"github.com/rise-dev/rise/pkg/security"
	"github.com/rise-dev/rise/pkg/storage"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the deployment controller",
	Long: `Start the deployment control plane: the reconcile, health,
termination, cancellation and expiration loops, the project deletion
controller, and the registry repository controller.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServer(configPath)
	},
}

func init() {
	serverCmd.Flags().StringP("config", "c", "/etc/rise/rise.yaml", "Path to the configuration file")
}

func runServer(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: true})
	logger := log.WithComponent("server")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}
	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	enc, err := security.NewAESEncryptorFromPassword(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	provider, err := buildProvider(cfg)
	if err != nil {
		return err
	}

	be, cleanup, err := buildBackend(ctx, cfg, store, provider, enc)
	if err != nil {
		return err
	}
	defer cleanup()

	orch := controller.New(store, be, controller.Config{
		ReconcileInterval: cfg.Intervals.ReconcileInterval(),
		HealthInterval:    cfg.Intervals.HealthCheckInterval(),
		TerminateInterval: cfg.Intervals.TerminationInterval(),
		CancelInterval:    cfg.Intervals.CancellationInterval(),
		ExpireInterval:    cfg.Intervals.ExpirationInterval(),
	})
	orch.Start(ctx)
	logger.Info().Str("backend", cfg.Backend).Msg("deployment loops started")

	controller.NewProjectDeleter(store, 0).Start(ctx)

	if repos, ok := provider.(registry.RepositoryManager); ok {
		registry.NewController(store, repos, registry.ControllerConfig{
			AutoRemove: cfg.Registry.AutoRemoveRepositories,
		}).Start(ctx)
		logger.Info().Msg("repository controller started")
	}

	collector := metrics.NewCollector(store)
	collector.Start()
	defer collector.Stop()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics endpoint listening")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func buildProvider(cfg *config.Config) (registry.Provider, error) {
	switch cfg.Registry.Provider {
	case config.RegistryECR:
		return registry.NewECRProvider(registry.ECRConfig{
			Region:       cfg.Registry.Region,
			RoleARN:      cfg.Registry.RoleARN,
			RegistryHost: cfg.Registry.RegistryHost,
		})
	default:
		return registry.NewOCIProvider(cfg.Registry.RegistryHost), nil
	}
}

// buildBackend constructs the configured backend plus a cleanup
// function for its process-wide resources.
func buildBackend(ctx context.Context, cfg *config.Config, store storage.Store, provider registry.Provider, enc security.Encryptor) (backend.Backend, func(), error) {
	switch cfg.Backend {
	case config.BackendKubernetes:
		restCfg, err := kubeRestConfig(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		client, err := kubernetes.NewForConfig(restCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create kubernetes client: %w", err)
		}

		be, err := kube.New(client, provider, store, enc, kube.Config{
			IngressClass:          cfg.Kubernetes.IngressClass,
			ProductionURLTemplate: cfg.Kubernetes.ProductionURLTemplate,
			StagingURLTemplate:    cfg.Kubernetes.StagingURLTemplate,
			NamespaceFormat:       cfg.Kubernetes.NamespaceFormat,
			IngressAnnotations:    cfg.Kubernetes.IngressAnnotations,
			NamespaceAnnotations:  cfg.Kubernetes.NamespaceAnnotations,
			TLSSecretName:         cfg.Kubernetes.TLSSecretName,
			NodeSelector:          cfg.Kubernetes.NodeSelector,
			AuthURL:               cfg.Kubernetes.AuthURL,
			AuthSigninURL:         cfg.Kubernetes.AuthSigninURL,
			PathPrefixRewrite:     cfg.Kubernetes.PathPrefixRewrite,
		})
		if err != nil {
			return nil, nil, err
		}

		kube.NewNamespaceCleaner(client, store, cfg.Kubernetes.NamespaceFormat, 0).Start(ctx)
		go be.RunSecretRefresh(ctx, cfg.Intervals.SecretRefreshInterval())

		return be, func() {}, nil

	default:
		rt, err := runtime.NewContainerdRuntime(runtime.ContainerdConfig{
			SocketPath: cfg.Local.ContainerdSocket,
			LogDir:     cfg.Local.LogDir,
		})
		if err != nil {
			return nil, nil, err
		}
		be := local.New(rt, provider, store, enc, local.Config{Host: cfg.Local.Host})
		return be, func() { rt.Close() }, nil
	}
}

func kubeRestConfig(kubeconfig string) (*rest.Config, error) {
	if kubeconfig != "" {
		restCfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
		}
		return restCfg, nil
	}
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load in-cluster config: %w", err)
	}
	return restCfg, nil
}
