package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/difytools/difymirror/internal/config"
	"github.com/difytools/difymirror/internal/dify"
	"github.com/difytools/difymirror/internal/dslversion"
	"github.com/difytools/difymirror/internal/httpapi"
	"github.com/difytools/difymirror/internal/store"
	"github.com/difytools/difymirror/internal/syncer"
)

const usage = `usage: difymirror <command> [flags]

commands:
  sync    run one sync batch against the configured instances
  dsl     version one application's DSL export
  serve   run the admin API and the scheduled sync loop
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	switch os.Args[1] {
	case "sync":
		os.Exit(runSync(cfg, logger, os.Args[2:]))
	case "dsl":
		os.Exit(runDSL(cfg, logger, os.Args[2:]))
	case "serve":
		os.Exit(runServe(cfg, logger))
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// openStore builds the configured store and applies the seed file when one
// is declared. A dry run always gets a throwaway in-memory store so nothing
// durable is touched.
func openStore(ctx context.Context, cfg *config.Config, dryRun bool) (store.Store, error) {
	dsn := cfg.StoreDSN
	if dryRun {
		dsn = "memory://"
	}
	st, err := store.BuildFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cfg.SeedFile != "" {
		seed, err := config.LoadSeed(cfg.SeedFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		if err := config.ApplySeed(ctx, st, seed); err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	return st, nil
}

func buildClient(cfg *config.Config, logger *zap.Logger) *dify.Client {
	return dify.NewClient(dify.Options{
		HTTPClient: &http.Client{Timeout: cfg.HTTPTimeout},
		TokenTTL:   cfg.TokenTTL,
		Logger:     logger,
	})
}

func runSync(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	instanceID := fs.String("instance", "", "limit the run to one instance id")
	accountID := fs.String("account", "", "limit the run to one account id")
	appType := fs.String("type", "", "limit the run to one app type (chat, workflow, advanced-chat)")
	dryRun := fs.Bool("dry-run", false, "run against a throwaway in-memory store")
	_ = fs.Parse(args)

	ctx := context.Background()
	st, err := openStore(ctx, cfg, *dryRun)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()

	orchestrator, err := syncer.NewOrchestrator(syncer.Options{
		Store:  st,
		Client: buildClient(cfg, logger),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", zap.Error(err))
		return 1
	}

	stats, err := orchestrator.SyncApps(ctx, syncer.Scope{
		InstanceID: *instanceID,
		AccountID:  *accountID,
		AppType:    *appType,
	})
	printJSON(stats)
	if err != nil {
		logger.Error("sync run failed", zap.Error(err))
		return 1
	}
	if stats.Errors > 0 {
		return 2
	}
	return 0
}

func runDSL(cfg *config.Config, logger *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("dsl", flag.ExitOnError)
	appID := fs.String("app", "", "local application id to version")
	_ = fs.Parse(args)
	if *appID == "" {
		fmt.Fprintln(os.Stderr, "dsl: -app is required")
		return 2
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()

	app, err := st.GetApplication(ctx, *appID)
	if err != nil {
		logger.Error("application lookup failed", zap.String("app_id", *appID), zap.Error(err))
		return 1
	}
	acct, err := st.GetAccount(ctx, app.AccountID)
	if err != nil {
		logger.Error("owning account lookup failed", zap.String("account_id", app.AccountID), zap.Error(err))
		return 1
	}
	inst, err := st.GetInstance(ctx, app.InstanceID)
	if err != nil {
		logger.Error("owning instance lookup failed", zap.String("instance_id", app.InstanceID), zap.Error(err))
		return 1
	}

	manager, err := dslversion.NewManager(dslversion.Options{
		Store:  st,
		Client: buildClient(cfg, logger),
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build dsl manager", zap.Error(err))
		return 1
	}
	result := manager.SyncAppDSL(ctx, inst, acct, app)
	printJSON(result)
	if !result.Success {
		return 1
	}
	return 0
}

func runServe(cfg *config.Config, logger *zap.Logger) int {
	ctx := context.Background()
	st, err := openStore(ctx, cfg, false)
	if err != nil {
		logger.Error("failed to open store", zap.Error(err))
		return 1
	}
	defer func() { _ = st.Close() }()

	if cfg.SeedFile != "" {
		if err := config.WatchSeed(ctx, st, cfg.SeedFile, logger); err != nil {
			logger.Warn("seed watcher unavailable", zap.Error(err))
		}
	}

	client := buildClient(cfg, logger)
	feed := httpapi.NewFeed()
	orchestrator, err := syncer.NewOrchestrator(syncer.Options{
		Store:   st,
		Client:  client,
		Logger:  logger,
		OnEvent: feed.Publish,
	})
	if err != nil {
		logger.Error("failed to build orchestrator", zap.Error(err))
		return 1
	}
	manager, err := dslversion.NewManager(dslversion.Options{
		Store:  st,
		Client: client,
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to build dsl manager", zap.Error(err))
		return 1
	}

	if cfg.SyncInterval > 0 {
		go scheduledSyncLoop(ctx, orchestrator, cfg.SyncInterval, logger)
	}

	server := httpapi.NewServer(st, orchestrator, manager, feed, httpapi.ServerConfig{
		AuthToken: cfg.AuthToken,
		Logger:    logger,
	})
	logger.Info("admin api listening", zap.String("addr", cfg.ListenAddr))
	if err := http.ListenAndServe(cfg.ListenAddr, server); err != nil {
		logger.Error("server failed", zap.Error(err))
		return 1
	}
	return 0
}

func scheduledSyncLoop(ctx context.Context, orchestrator *syncer.Orchestrator, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := orchestrator.SyncApps(ctx, syncer.Scope{})
			if err != nil {
				logger.Error("scheduled sync failed", zap.Error(err))
				continue
			}
			logger.Info("scheduled sync completed",
				zap.Int("synced_apps", stats.SyncedApps),
				zap.Int("errors", stats.Errors))
		}
	}
}

func printJSON(v any) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}
