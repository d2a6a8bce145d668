package main

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/secd-project/secd/cmd"
	"github.com/secd-project/secd/internal/hook"
	"github.com/secd-project/secd/internal/orchestrator"
	"github.com/secd-project/secd/internal/reaper"
	"github.com/secd-project/secd/pkg/cluster"
	"github.com/secd-project/secd/pkg/config"
	"github.com/secd-project/secd/pkg/docker"
	"github.com/secd-project/secd/pkg/gitlab"
	"github.com/secd-project/secd/pkg/keycloak"
	"github.com/secd-project/secd/pkg/signals"
	"github.com/secd-project/secd/pkg/vault"
)

var (
	app = kingpin.New("secd-server", "Secure compute orchestrator: turns verified pushes into credential-isolated runs").Version(cmd.VersionStanza())

	configFile = app.Flag("config", "Path to the configuration file").Default("/etc/secd/config.yaml").String()
	cacheTTL   = app.Flag("membership-cache-ttl", "Cache TTL for identity membership checks").Default("5m").Duration()

	commonOpts = cmd.NewCommonOptions(app).WithMetrics(app)
)

func init() {
	prometheus.MustRegister(cmd.BuildInfo)
}

// identityClient joins the cached membership checks with the admin surface
// the temporary-user protocol needs.
type identityClient struct {
	keycloak.Memberships
	admin *keycloak.Client
}

func (c identityClient) CreateTempUser(ctx context.Context, externalUserID string) (string, error) {
	return c.admin.CreateTempUser(ctx, externalUserID)
}

func (c identityClient) DeleteUser(ctx context.Context, userID string) error {
	return c.admin.DeleteUser(ctx, userID)
}

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))
	logger := commonOpts.Logger()

	ctx, cancel := signals.SetupSignalHandler()
	defer cancel()

	cfg, err := config.Load(*configFile)
	if err != nil {
		app.Fatalf("failed to load configuration: %v", err)
	}

	clientset, err := cluster.NewClientset(cfg.K8s.ConfigPath)
	if err != nil {
		app.Fatalf("failed to connect to the cluster: %v", err)
	}
	clusterClient := cluster.NewClient(clientset, logger)

	gitlabClient, err := gitlab.NewClient(gitlab.Config{
		URL:      cfg.GitLab.URL,
		Token:    cfg.GitLab.Token,
		Username: cfg.GitLab.Username,
		RepoRoot: cfg.Path.RepoPath,
	}, logger)
	if err != nil {
		app.Fatalf("failed to create gitlab client: %v", err)
	}

	keycloakClient := keycloak.NewClient(keycloak.Config{
		URL:           cfg.Keycloak.URL,
		Realm:         cfg.Keycloak.Realm,
		Username:      cfg.Keycloak.Username,
		Password:      cfg.Keycloak.Password,
		AdminClientID: cfg.Keycloak.AdminClientID,
		ClientID:      cfg.Keycloak.ClientID,
		ClientSecret:  cfg.Keycloak.ClientSecret,
	}, logger)

	vaultClient, err := vault.NewClient(cfg.Vault.Address, cfg.Vault.Token, logger)
	if err != nil {
		app.Fatalf("failed to create vault client: %v", err)
	}
	if err := vaultClient.Ping(ctx); err != nil {
		app.Fatalf("vault is not ready: %v", err)
	}

	builder, err := docker.NewBuilder(cfg.Registry, logger)
	if err != nil {
		app.Fatalf("failed to create image builder: %v", err)
	}

	orch := orchestrator.New(
		gitlabClient,
		identityClient{
			Memberships: keycloak.NewCachedMemberships(logger, keycloakClient, *cacheTTL),
			admin:       keycloakClient,
		},
		builder,
		vaultClient,
		clusterClient,
		orchestrator.Options{
			RepoRoot:  cfg.Path.RepoPath,
			CacheRoot: cfg.Path.CachePath,
			PVCRoot:   cfg.K8s.PVCPath,
			Database:  cfg.Database,
		},
		logger,
	)

	go commonOpts.ListenAndServeMetrics(logger)
	go reaper.New(clusterClient, gitlabClient, logger).Run(ctx)

	handler := hook.NewHandler(ctx, cfg.GitLab.Secret, orch, logger)
	server := &http.Server{Addr: cfg.HTTP.ListenAddress, Handler: handler.Router()}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "failed to shut down cleanly", "event", "http.shutdown")
		}
	}()

	logger.Info("listening for webhooks", "event", "http.listen", "address", cfg.HTTP.ListenAddress)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		app.Fatalf("server failed: %v", err)
	}
}
