package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/chessmirror/chessmirror/internal/analysis"
	"github.com/chessmirror/chessmirror/internal/cache"
	"github.com/chessmirror/chessmirror/internal/config"
	"github.com/chessmirror/chessmirror/internal/engine"
	"github.com/chessmirror/chessmirror/internal/importer"
	serverhttp "github.com/chessmirror/chessmirror/internal/interfaces/http"
	"github.com/chessmirror/chessmirror/internal/models"
	"github.com/chessmirror/chessmirror/internal/persistence/postgres"
	"github.com/chessmirror/chessmirror/internal/ratelimit"
	"github.com/chessmirror/chessmirror/internal/scheduler"
)

const (
	analyticsCacheEntries = 4096
	evalCacheEntries      = 16384
	evalCacheTTL          = 24 * time.Hour
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP service",
		Long:  "Starts the importer, engine pool, analysis scheduler and HTTP server.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	log.Info().Str("tier", string(cfg.Tier)).Str("version", version).Msg("Starting chessmirror")

	db, store, err := postgres.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	schemaCtx, cancelSchema := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelSchema()
	if err := postgres.EnsureSchema(schemaCtx, db); err != nil {
		return err
	}

	// Analytics responses live in Redis when configured, otherwise in
	// an in-process LRU.
	var responseStore cache.Store
	if cfg.RedisAddr != "" {
		redisStore, err := cache.NewRedisStore(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		responseStore = redisStore
		log.Info().Str("addr", cfg.RedisAddr).Msg("Using redis response cache")
	} else {
		ttlStore, err := cache.NewTTLCache(analyticsCacheEntries, cfg.CacheTTL)
		if err != nil {
			return err
		}
		responseStore = ttlStore
	}
	analytics, err := cache.NewAnalyticsCache(responseStore, cfg.CacheTTL)
	if err != nil {
		return err
	}

	pool := engine.NewPool(cfg.Engine)
	defer pool.Close()

	// Position evaluations are deterministic per (fen, depth, skill),
	// so they get a long-lived cache of their own.
	evalStore, err := cache.NewTTLCache(evalCacheEntries, evalCacheTTL)
	if err != nil {
		return err
	}
	analyzer := analysis.NewAnalyzer(pool, evalStore)

	sources := map[models.Platform]importer.Source{
		models.PlatformLichess:  importer.NewLichessClient(os.Getenv("CM_LICHESS_TOKEN")),
		models.PlatformChessCom: importer.NewChessComClient(),
	}
	imports := importer.New(store.Games, store.PGNs, sources, analytics, cfg.Import)

	quota := ratelimit.NewQuota(store.Usage, cfg.Quota.AnonymousDailyCap, cfg.Quota.FreeTierMonthlyCap)

	sched := scheduler.New(*store, analyzer, quota, analytics, imports, cfg.Engine)
	sched.Start()
	defer sched.Stop()

	handlers := serverhttp.NewHandlers(sched, imports, pool, *store, analytics, cfg.Engine)
	server, err := serverhttp.NewServer(cfg.HTTP, handlers)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
