// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github-commit-feed/internal/api"
	"github-commit-feed/internal/config"
	"github-commit-feed/internal/database"
	"github-commit-feed/internal/feed"
	"github-commit-feed/internal/github"
	"github-commit-feed/internal/refresh"
	"github-commit-feed/internal/syncer"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	setLogLevel(cfg.LogLevel, logLevel)
	logger.Info("Configuration loaded successfully", "repo", cfg.Repo.String(), "branch", cfg.GithubBranch, "refresh_interval", cfg.RefreshInterval.String())

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Open the commit store and run migrations
	store, err := database.Open(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("Database connection established")

	if err := store.Migrate(); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	var ghOpts []github.Option
	if cfg.GithubAPIURL != "" {
		ghOpts = append(ghOpts, github.WithBaseURL(cfg.GithubAPIURL))
	}
	ghClient, err := github.NewClient(cfg.GithubToken, logger, ghOpts...)
	if err != nil {
		return fmt.Errorf("failed to create GitHub client: %w", err)
	}
	if repo, err := ghClient.GetRepository(ctx, cfg.Repo.Owner, cfg.Repo.Name); err != nil {
		logger.Warn("Could not look up repository on GitHub, feed requests will fail until it is reachable", "error", err)
	} else {
		logger.Info("Repository found on GitHub", "url", repo.GetHTMLURL(), "default_branch", repo.GetDefaultBranch())
	}

	appSyncer := syncer.NewSyncer(store, ghClient, logger, cfg.Repo, cfg.GithubBranch)
	gate := refresh.NewGate(store, appSyncer, cfg.RefreshInterval, logger)
	router := api.NewRouter(store, gate, feed.NewBuilder(cfg.Repo, cfg.FeedURL), logger)

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Port)),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 6. Serve until a shutdown signal arrives
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Server running", "addr", server.Addr, "feed_url", cfg.FeedURL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Exiting.")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
