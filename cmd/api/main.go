package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telecom-ingest/db"
	"telecom-ingest/internal/audit"
	"telecom-ingest/internal/auth"
	"telecom-ingest/internal/config"
	"telecom-ingest/internal/costs"
	"telecom-ingest/internal/gateway"
	"telecom-ingest/internal/health"
	"telecom-ingest/internal/httpapi"
	"telecom-ingest/internal/ingest"
	"telecom-ingest/internal/integrations"
	"telecom-ingest/internal/ledger"
	"telecom-ingest/internal/poller"
	"telecom-ingest/internal/queue"
	"telecom-ingest/internal/signature"
	"telecom-ingest/internal/telephony"
	"telecom-ingest/pkg/logger"
	"telecom-ingest/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/sync/errgroup"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, stop, cfg, log); err != nil {
		log.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, stop context.CancelFunc, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	vault, err := integrations.NewVault(cfg.Vault.Key)
	if err != nil {
		return err
	}

	if cfg.DB.RunMigrations {
		if err := db.MigrateUp(logger.Component(log, "migrate"), cfg.PostgresURL()); err != nil {
			return err
		}
	}

	sqlDB, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return err
	}
	defer rdb.Close()

	// Storage.
	auditSvc := audit.NewService(audit.NewPostgresRepo(sqlDB))
	integRepo := integrations.NewPostgresRepo(sqlDB)
	integSvc := integrations.NewService(integRepo, vault, auditSvc)
	integSvc.DefaultGrace = cfg.Webhook.RotationGrace
	queueStore := queue.NewPostgresStore(sqlDB, cfg.Ingest.NotifyChannel)
	eventStore := ledger.NewPostgresStore(sqlDB)
	converter := costs.NewConverter(costs.NewPostgresRepo(sqlDB))

	httpClient := telephony.NewHTTPClient(cfg.Poller.CallTimeout, cfg.Poller.RatePerSecond, 0)
	registry := telephony.DefaultRegistry(httpClient)

	// Workers.
	processor := ingest.NewProcessor(integSvc, registry, eventStore, converter, cfg.App.ReportingCurrency)
	wake, err := queue.Listen(ctx, logger.Component(log, "queue-listener"), cfg.PostgresURL(), cfg.Ingest.NotifyChannel)
	if err != nil {
		// Workers still poll on their idle tick.
		log.Warn("queue listener unavailable", "err", err)
	}
	pool := &queue.Pool{
		Store:         queueStore,
		Handler:       processor,
		Backoff:       queue.Backoff{Base: cfg.Ingest.BackoffBase, Max: cfg.Ingest.BackoffMax, Jitter: 0.2},
		Workers:       cfg.Ingest.Workers,
		Lease:         cfg.Ingest.ClaimTimeout,
		IdlePoll:      cfg.Ingest.IdlePoll,
		SweepInterval: cfg.Ingest.SweepInterval,
		Wake:          wake,
		OnDeadLetter:  deadLetterAudit(integRepo, auditSvc),
		Log:           logger.Component(log, "worker"),
	}

	p := &poller.Poller{
		Integrations:        integSvc,
		Registry:            registry,
		Ledger:              eventStore,
		Queue:               queueStore,
		Limiter:             poller.RedisLimiter{RDB: rdb},
		ProviderCap:         cfg.Poller.ProviderConcurrency,
		CapTTL:              cfg.Poller.CallTimeout * 4,
		Concurrency:         cfg.Poller.Concurrency,
		RecentLimit:         cfg.Poller.RecentLimit,
		BackfillDefaultDays: cfg.Poller.BackfillDefaultDays,
		BackfillMaxDays:     cfg.Poller.BackfillMaxDays,
		MaxRetries:          cfg.Ingest.MaxRetries,
		Log:                 logger.Component(log, "poller"),
	}
	triggers := poller.NewTriggers(ctx, p, poller.RedisLocker{RDB: rdb}, 30*time.Minute)

	var scheduler *poller.Scheduler
	if cfg.Poller.Enabled {
		if scheduler, err = poller.NewScheduler(triggers, cfg.Poller.Schedule, logger.Component(log, "scheduler")); err != nil {
			return err
		}
	}

	monitor := &health.Monitor{
		Integrations: integRepo,
		Queue:        queueStore,
		Registry:     registry,
		Window:       cfg.Health.Window,
		PollInterval: cfg.Poller.Interval,
		Log:          logger.Component(log, "health"),
	}

	// HTTP.
	webhooks := &gateway.Handler{
		Integrations:  integRepo,
		Secrets:       integSvc,
		Queue:         queueStore,
		Registry:      registry,
		Verifier:      signature.NewVerifier(cfg.Webhook.FreshnessWindow),
		Audit:         auditSvc,
		RequireSecret: cfg.Webhook.RequireSecret,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
		MaxRetries:    cfg.Ingest.MaxRetries,
	}
	api := httpapi.Handlers{
		Events:       ledger.NewQueryService(eventStore),
		Integrations: integSvc,
		Queue:        queueStore,
		Triggers:     triggers,
		Audit:        auditSvc,
		MaxRetries:   cfg.Ingest.MaxRetries,
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, sqlDB, webhooks, api, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error {
		monitor.Run(gctx, cfg.Health.Interval)
		return nil
	})
	g.Go(func() error {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			stop()
			return err
		}
		return nil
	})
	if scheduler != nil {
		scheduler.Start()
	}

	<-gctx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	triggers.Wait()
	err = g.Wait()

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
	return err
}

// deadLetterAudit records every dead-lettered item against its integration's account.
func deadLetterAudit(repo integrations.Repository, a *audit.Service) queue.DeadLetterHook {
	return func(ctx context.Context, it queue.Item, lastErr string) {
		in, err := repo.Get(ctx, it.IntegrationID)
		if err != nil {
			logger.From(ctx).Warn("dead-letter audit skipped", "queue_item_id", it.ID, "err", err)
			return
		}
		if err := a.LogDeadLettered(ctx, in.AccountID, in.ID, it.ID, it.Attempts, lastErr); err != nil {
			logger.From(ctx).Warn("dead-letter audit failed", "queue_item_id", it.ID, "err", err)
		}
	}
}
