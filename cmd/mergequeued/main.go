package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/greenline/mergequeue/internal/config"
	"github.com/greenline/mergequeue/internal/coordinator"
	"github.com/greenline/mergequeue/internal/discovery"
	"github.com/greenline/mergequeue/internal/gitop"
	"github.com/greenline/mergequeue/internal/gitop/libgit"
	"github.com/greenline/mergequeue/internal/gitop/shellgit"
	"github.com/greenline/mergequeue/internal/model"
	"github.com/greenline/mergequeue/internal/registry"
	"github.com/greenline/mergequeue/internal/store/pg"
	"github.com/greenline/mergequeue/internal/vcshost"
	"github.com/greenline/mergequeue/internal/vcshost/gitea"
	"github.com/greenline/mergequeue/internal/vcshost/github"
	"github.com/greenline/mergequeue/internal/vcshost/gitlab"
	"github.com/greenline/mergequeue/internal/web"
	"github.com/greenline/mergequeue/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	})))

	slog.Info("starting mergequeued",
		"listen", cfg.ListenAddr,
		"repos", cfg.Repos,
		"topic", cfg.Topic,
		"git_backend", cfg.GitBackend,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pg.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	st := pg.New(pool)
	git := newGitOperator(cfg)

	hosts, giteaClient, err := newHostSet(cfg)
	if err != nil {
		return fmt.Errorf("configure vcs hosts: %w", err)
	}

	coord := coordinator.New(st, git, hosts)

	reg := registry.New(&registry.Deps{
		Store:  st,
		Git:    git,
		Config: cfg,
		Gitea:  giteaClient,
	})

	for _, ref := range cfg.Repos {
		if err := reg.Add(ctx, ref); err != nil {
			return fmt.Errorf("register repo %s: %w", ref, err)
		}
	}

	if cfg.Topic != "" && giteaClient != nil {
		discDeps := &discovery.Deps{
			Gitea:         giteaClient,
			Registry:      reg,
			Topic:         cfg.Topic,
			ExplicitRepos: cfg.Repos,
		}

		if err := discovery.DiscoverOnce(ctx, discDeps); err != nil {
			slog.Warn("initial discovery failed, continuing with explicit repos", "error", err)
		}

		go discovery.Run(ctx, discDeps, cfg.DiscoveryInterval)
	}

	mux := http.NewServeMux()

	webhookSecrets := webhook.Secrets{
		Gitea:  cfg.WebhookSecret,
		GitLab: cfg.WebhookSecret,
		GitHub: cfg.WebhookSecret,
	}
	mux.Handle(cfg.WebhookPath+"/", http.StripPrefix(cfg.WebhookPath, webhook.NewMux(webhookSecrets, reg, coord)))

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	webDeps := &web.Deps{
		Store:           st,
		Repos:           reg,
		Gitea:           giteaClient,
		RefreshInterval: int(cfg.RefreshInterval.Seconds()),
	}
	mux.Handle("/", web.NewMux(webDeps))

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	slog.Info("shutdown complete")

	return nil
}

// newGitOperator selects the Git Operator backend per cfg.GitBackend: "shell"
// (default, shells out to the system git binary) or "libgit" (pure-Go,
// no git binary dependency).
func newGitOperator(cfg *config.Config) gitop.Operator {
	if cfg.GitBackend == "libgit" {
		return libgit.New(cfg.GitMirrors)
	}

	return shellgit.New(cfg.GitMirrors)
}

// newHostSet wires one vcshost.Client per configured host kind. The Gitea
// client is also returned concretely (its broader interface, not just
// vcshost.Client) since the registry, discovery, and web dashboard all need
// Gitea-specific calls (branch protection, webhook setup, topic discovery,
// PR metadata) that the generic interface doesn't carry.
func newHostSet(cfg *config.Config) (coordinator.HostSet, gitea.Client, error) {
	hosts := coordinator.HostSet{}

	var giteaClient gitea.Client

	if cfg.Gitea.URL != "" && cfg.Gitea.Token != "" {
		giteaClient = gitea.NewHTTPClient(cfg.Gitea.URL, cfg.Gitea.Token)
		hosts[model.KindGitea] = giteaClient
	}

	if cfg.GitLab.URL != "" && cfg.GitLab.Token != "" {
		client, err := gitlab.New(cfg.GitLab.URL, cfg.GitLab.Token)
		if err != nil {
			return nil, nil, fmt.Errorf("create gitlab client: %w", err)
		}

		hosts[model.KindGitLab] = client
	}

	if client, err := newGitHubClient(cfg); err != nil {
		return nil, nil, err
	} else if client != nil {
		hosts[model.KindGitHub] = client
	}

	if len(hosts) == 0 {
		return nil, nil, errors.New("no vcs host configured")
	}

	return hosts, giteaClient, nil
}

func newGitHubClient(cfg *config.Config) (vcshost.Client, error) {
	if cfg.GitHub.AppID != 0 && cfg.GitHub.InstallationID != 0 && cfg.GitHub.PrivateKeyPath != "" {
		client, err := github.NewAppClient(cfg.GitHub.AppID, cfg.GitHub.InstallationID, cfg.GitHub.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("create github app client: %w", err)
		}

		return client, nil
	}

	if cfg.GitHub.Token != "" {
		return github.NewTokenClient(cfg.GitHub.Token), nil
	}

	return nil, nil
}
