// Command syncengine is the sync-engine entry point: it wires config,
// logging, the credential vault, Redis, Postgres, the marketplace
// client, the merge/projection pipeline, the scheduler, and the admin
// HTTP surface together, then runs until an OS signal asks it to stop.
//
// Grounded on the teacher's gateway main.go: config.Load -> logger.New
// -> Redis connect-and-ping -> subsystem wiring -> background pollers
// Start()/Stop() -> signal.Notify -> graceful http.Server.Shutdown. The
// teacher's per-vendor LLM provider registration is replaced with this
// system's single Wildberries client plus a Google Sheets service
// factory.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/rs/zerolog"

	"github.com/wbsync/syncengine/internal/adminhttp"
	"github.com/wbsync/syncengine/internal/cache"
	"github.com/wbsync/syncengine/internal/config"
	"github.com/wbsync/syncengine/internal/logging"
	"github.com/wbsync/syncengine/internal/metrics"
	"github.com/wbsync/syncengine/internal/model"
	"github.com/wbsync/syncengine/internal/orchestrator"
	"github.com/wbsync/syncengine/internal/ratelimit"
	"github.com/wbsync/syncengine/internal/redisclient"
	"github.com/wbsync/syncengine/internal/scheduler"
	"github.com/wbsync/syncengine/internal/sheetsprojector"
	"github.com/wbsync/syncengine/internal/synclog"
	"github.com/wbsync/syncengine/internal/tenantstore"
	"github.com/wbsync/syncengine/internal/vault"
	"github.com/wbsync/syncengine/internal/wbclient"
)

func main() {
	cfg := config.Load()
	log := logging.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("sync engine starting")

	if missing := cfg.Validate(); len(missing) > 0 {
		log.Fatal().Strs("missing", missing).Msg("required configuration is missing")
	}

	v, err := vault.New(cfg.MasterKeyBase64)
	if err != nil {
		log.Fatal().Err(err).Msg("vault init failed")
	}

	rdb, err := redisclient.New(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	if err := redisclient.Ping(rdb); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — cache and rate limiter will fail open")
	} else {
		log.Info().Msg("redis connected")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres pool init failed")
	}
	defer pool.Close()

	limiter := ratelimit.New(log).WithRedisBackend(rdb)
	tenantCache := cache.New(rdb, log)

	marketplaceCfg := wbclient.DefaultConfig()
	marketplaceCfg.AnalyticsBaseURL = cfg.WBAnalyticsBaseURL
	marketplaceCfg.StatisticsBaseURL = cfg.WBStatisticsBaseURL
	marketplaceClient := wbclient.New(marketplaceCfg, limiter, log)

	tenants := tenantstore.New(pool)

	sink := synclog.NewPostgresSink(pool)
	logs := synclog.New(log, sink, synclog.DefaultConfig())
	logs.Start(ctx)

	m := metrics.New(log)

	sheetsFactory := newSheetsServiceFactory(log)
	orch := orchestrator.New(tenants, v, marketplaceClient, tenantCache, sheetsFactory, log)

	schedCfg := scheduler.DefaultConfig()
	if cfg.WorkerPoolSize > 0 {
		schedCfg.WorkerPoolSize = cfg.WorkerPoolSize
	}
	if cfg.JobHardTimeout > 0 {
		schedCfg.HardTimeout = cfg.JobHardTimeout
	}
	if cfg.JobSoftTimeout > 0 {
		schedCfg.SoftTimeout = cfg.JobSoftTimeout
	}
	if cfg.ShutdownDrain > 0 {
		schedCfg.ShutdownDrain = cfg.ShutdownDrain
	}

	sched := scheduler.New(schedCfg, tenants, trackedRunner(orch, m), logs, log)
	sched.Start()

	adminCfg := adminhttp.DefaultConfig()
	adminCfg.AdminToken = cfg.AdminToken
	adminHandler := adminhttp.New(sched, logs, tenants, m, log)
	router := adminhttp.NewRouter(adminCfg, log, adminHandler)

	srv := &http.Server{
		Addr:         cfg.AdminAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.AdminAddr).Msg("admin surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	sched.Stop()
	logs.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("sync engine stopped gracefully")
	}
}

// trackedRunner wraps the orchestrator's RunSync so every terminal
// SyncLog also updates the Prometheus-style metrics registry.
func trackedRunner(orch *orchestrator.Orchestrator, m *metrics.Metrics) scheduler.Runner {
	return func(ctx context.Context, tenantID string, trigger model.Trigger) *model.SyncLog {
		log := orch.RunSync(ctx, tenantID, trigger)
		m.TrackSyncCompletion(tenantID, string(log.Status), log.Duration, log.ProductsProcessed)
		return log
	}
}

// newSheetsServiceFactory builds an orchestrator.SheetsServiceFactory
// that authenticates against the Google Sheets API with a tenant's
// decrypted service-account JSON credential blob, the ecosystem-standard
// way of authenticating server-to-server against Google APIs in Go.
func newSheetsServiceFactory(log zerolog.Logger) orchestrator.SheetsServiceFactory {
	return func(ctx context.Context, decryptedCreds []byte) (orchestrator.SpreadsheetProjector, error) {
		jwtCfg, err := google.JWTConfigFromJSON(decryptedCreds, sheets.SpreadsheetsScope)
		if err != nil {
			return nil, err
		}

		httpClient := jwtCfg.Client(ctx)
		svc, err := sheets.NewService(ctx, option.WithHTTPClient(httpClient))
		if err != nil {
			return nil, err
		}

		return sheetsprojector.New(svc, log), nil
	}
}
