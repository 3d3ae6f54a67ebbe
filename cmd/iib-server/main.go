package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	ctrlruntimeclient "sigs.k8s.io/controller-runtime/pkg/client"

	imagev1 "github.com/openshift/api/image/v1"

	"github.com/release-engineering/iib/pkg/api"
	"github.com/release-engineering/iib/pkg/artifact"
	"github.com/release-engineering/iib/pkg/build"
	"github.com/release-engineering/iib/pkg/cache"
	"github.com/release-engineering/iib/pkg/config"
	"github.com/release-engineering/iib/pkg/database"
	"github.com/release-engineering/iib/pkg/git"
	"github.com/release-engineering/iib/pkg/gitlab"
	"github.com/release-engineering/iib/pkg/konflux"
	"github.com/release-engineering/iib/pkg/logs"
	"github.com/release-engineering/iib/pkg/messaging"
	"github.com/release-engineering/iib/pkg/metrics"
	"github.com/release-engineering/iib/pkg/queue"
	"github.com/release-engineering/iib/pkg/registry"
	"github.com/release-engineering/iib/pkg/web"
)

type options struct {
	configPath    string
	dockercfgPath string
	gracePeriod   time.Duration
	migrateOnly   bool
}

func gatherOptions() options {
	o := options{}
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&o.configPath, "config", "", "Path to the IIB configuration file")
	fs.StringVar(&o.dockercfgPath, "dockercfg-path", "", "Path to the docker config holding the registry push credentials")
	fs.DurationVar(&o.gracePeriod, "grace-period", 10*time.Second, "Grace period for HTTP server shutdown")
	fs.BoolVar(&o.migrateOnly, "migrate-only", false, "Apply the database migrations and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		logrus.WithError(err).Fatal("Failed to parse the flags")
	}
	return o
}

func validateOptions(o options) error {
	if o.configPath == "" {
		return fmt.Errorf("--config is required")
	}
	if _, err := os.Stat(o.configPath); err != nil {
		return fmt.Errorf("--config points to a nonexistent file: %w", err)
	}
	if o.dockercfgPath != "" {
		if _, err := os.Stat(o.dockercfgPath); err != nil {
			return fmt.Errorf("--dockercfg-path points to a nonexistent file: %w", err)
		}
	}
	return nil
}

func setupLogging(cfg *config.Config) error {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	return nil
}

// loadClusterConfig prefers an explicit kubeconfig and falls back to
// the in-cluster service account.
func loadClusterConfig() (*rest.Config, error) {
	if env := os.Getenv(clientcmd.RecommendedConfigPathEnvVar); env != "" {
		credentials, err := clientcmd.NewDefaultClientConfigLoadingRules().Load()
		if err != nil {
			return nil, fmt.Errorf("could not load credentials from config: %w", err)
		}
		clusterConfig, err := clientcmd.NewDefaultClientConfig(*credentials, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("could not load client configuration: %w", err)
		}
		return clusterConfig, nil
	}
	return rest.InClusterConfig()
}

// imageStreamClient builds the client for the cluster hosting the
// index.db pull-through cache.
func imageStreamClient() (ctrlruntimeclient.Client, error) {
	clusterConfig, err := loadClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load the cluster config: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := imagev1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to register the image types: %w", err)
	}
	return ctrlruntimeclient.New(clusterConfig, ctrlruntimeclient.Options{Scheme: scheme})
}

func main() {
	o := gatherOptions()
	if err := validateOptions(o); err != nil {
		logrus.WithError(err).Fatal("Invalid options")
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load the configuration")
	}
	if err := setupLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	db, err := database.Connect(cfg.DatabaseURI)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to the database")
	}
	defer db.Close()
	if err := database.Migrate(db); err != nil {
		logrus.WithError(err).Fatal("Failed to apply the database migrations")
	}
	if o.migrateOnly {
		logrus.Info("The database migrations are up to date")
		return
	}
	store := database.NewStore(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logsStore, err := logs.NewStore(ctx, cfg, logrus.WithField("component", "logs"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the request log store")
	}
	logrus.AddHook(logs.NewHook(logsStore))

	publisher, err := messaging.NewPublisher(cfg, logrus.WithField("component", "messaging"))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the messaging publisher")
	}

	region, err := cache.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to set up the cache region")
	}
	images := registry.NewClient(region)

	var artifactOptions []artifact.Option
	if cfg.UseImagestreamCache {
		client, err := imageStreamClient()
		if err != nil {
			logrus.WithError(err).Fatal("Failed to set up the imagestream cache client")
		}
		artifactOptions = append(artifactOptions, artifact.WithImageStreamCache(artifact.NewImageStreamCache(client, cfg)))
	}
	artifacts := artifact.NewStore(cfg, artifactOptions...)

	m := metrics.New()
	driver := build.NewDriver(cfg, build.Dependencies{
		Store:     store,
		Logs:      logsStore,
		Publisher: publisher,
		Images:    images,
		Artifacts: artifacts,
		Git:       git.NewDriver(cfg, gitlab.NewClient(cfg)),
		Pipelines: func() (build.PipelineClient, error) {
			return konflux.NewClient(cfg, logrus.WithField("component", "konflux"))
		},
		Manifests: registry.NewManifestListPusher(logrus.WithField("component", "manifests"), o.dockercfgPath),
		Opm:       build.NewExecOpm(logrus.WithField("component", "opm")),
		Metrics:   m,
	}, logrus.WithField("component", "build"))

	manager := queue.NewManager(cfg, logrus.WithField("component", "queue"))
	manager.Start(ctx)
	dispatch := func(user string, requestID int64, payload api.Payload) error {
		return manager.Enqueue(user, payload.Overwrite(), queue.Task{
			RequestID: requestID,
			Args:      api.RedactedArgs(payload),
			Run: func(ctx context.Context) {
				driver.HandleRequest(ctx, requestID, payload)
			},
		})
	}

	server := web.NewServer(cfg, store, logsStore, publisher, dispatch, m, logrus.WithField("component", "web"))
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logrus.WithField("address", cfg.ListenAddr).Info("Serving the IIB API")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Fatal("The HTTP server failed")
		}
	}()

	<-ctx.Done()
	logrus.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), o.gracePeriod)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("Failed to shut down the HTTP server cleanly")
	}
	// In-flight builds finish before the workers exit; new submissions
	// were already refused once the listener closed.
	manager.Stop()
}
