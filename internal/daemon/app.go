// SPDX-License-Identifier: MIT

// Package daemon assembles the control plane: every subsystem is built from
// one Config and supervised by a single errgroup, so a fatal error in any
// loop brings the process down for a clean restart.
package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/dalstonhq/dalston/internal/audit"
	"github.com/dalstonhq/dalston/internal/blob"
	"github.com/dalstonhq/dalston/internal/bus"
	"github.com/dalstonhq/dalston/internal/config"
	"github.com/dalstonhq/dalston/internal/flags"
	"github.com/dalstonhq/dalston/internal/jobs"
	"github.com/dalstonhq/dalston/internal/log"
	"github.com/dalstonhq/dalston/internal/orchestrator"
	"github.com/dalstonhq/dalston/internal/queue"
	"github.com/dalstonhq/dalston/internal/registry"
	"github.com/dalstonhq/dalston/internal/retention"
	"github.com/dalstonhq/dalston/internal/scanner"
	"github.com/dalstonhq/dalston/internal/sessionrouter"
	"github.com/dalstonhq/dalston/internal/sessions"
	"github.com/dalstonhq/dalston/internal/settings"
	"github.com/dalstonhq/dalston/internal/store"
	"github.com/dalstonhq/dalston/internal/webhook"
)

// App owns every long-lived subsystem of one dalstond instance.
type App struct {
	cfg *config.Config
	rdb *redis.Client

	Store    *store.Store
	Blobs    blob.Store
	Bus      bus.Bus
	Queue    *queue.Queue
	Flags    *flags.Flags
	Registry *registry.Registry

	Settings  *settings.Resolver
	Retention *retention.Engine
	Webhooks  *webhook.Scheduler
	Jobs      *jobs.Service
	Sessions  *sessions.Service
	Router    *sessionrouter.Router

	orchestrator *orchestrator.Orchestrator
	scanner      *scanner.Scanner

	logger zerolog.Logger
}

// New builds the full dependency graph. Nothing starts running until Run.
func New(cfg *config.Config) (*App, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		DB:       cfg.RedisDB,
		Password: cfg.RedisPassword,
	})

	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening state store: %w", err)
	}
	blobs, err := blob.NewFSStore(cfg.BlobRoot)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("daemon: opening blob store: %w", err)
	}

	auditLog := audit.NewLogger(st)
	eventBus := bus.NewRedis(rdb)
	q := queue.New(rdb)
	fl := flags.New(rdb, cfg.CancelFlagTTL)
	reg := registry.New(rdb)
	resolver := settings.NewResolver(st, auditLog)

	ret := retention.New(st, blobs, auditLog, retention.Config{
		SweepInterval: cfg.RetentionSweepInterval,
		BatchSize:     cfg.RetentionBatchSize,
	})

	hooks := webhook.NewScheduler(st, blobs, auditLog, webhook.Config{
		PollInterval:  cfg.WebhookPollInterval,
		MaxConcurrent: cfg.WebhookMaxConcurrent,
		MaxAttempts:   cfg.WebhookMaxAttempts,
		SendTimeout:   cfg.WebhookSendTimeout,
		GlobalSecret:  cfg.WebhookGlobalSecret,
	})

	orc := orchestrator.New(st, q, eventBus, blobs, fl, reg, ret, hooks, orchestrator.Config{
		EngineUnavailable: cfg.EngineUnavailable,
		EngineWaitTimeout: cfg.EngineWaitTimeout,
		TaskTimeout:       cfg.TaskTimeout,
		TaskMaxRetries:    cfg.TaskMaxRetries,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		EngineUnavailableFn: func(ctx context.Context) config.EngineUnavailableBehavior {
			return config.EngineUnavailableBehavior(resolver.Get(ctx,
				"", settings.NamespaceOrchestrator, settings.KeyEngineUnavailableBehavior,
				"DALSTON_ENGINE_UNAVAILABLE_BEHAVIOR", string(cfg.EngineUnavailable)))
		},
	})

	lock := flags.NewLeaderLock(rdb, cfg.InstanceID, cfg.LeaderLockTTL)
	scn := scanner.New(st, q, eventBus, fl, reg, lock, scanner.Config{
		ScanInterval:     cfg.ScanInterval,
		StaleThreshold:   cfg.StaleThreshold,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	})

	router := sessionrouter.New(reg, eventBus, sessionrouter.Config{
		SessionTTL:        cfg.SessionRecordTTL,
		CheckInterval:     cfg.HealthCheckInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ReconcileInterval: cfg.ReconcileInterval,
	})

	jobSvc := jobs.New(st, blobs, eventBus, fl, ret, auditLog)
	sessSvc := sessions.New(st, router, ret, jobSvc)

	return &App{
		cfg:          cfg,
		rdb:          rdb,
		Store:        st,
		Blobs:        blobs,
		Bus:          eventBus,
		Queue:        q,
		Flags:        fl,
		Registry:     reg,
		Settings:     resolver,
		Retention:    ret,
		Webhooks:     hooks,
		Jobs:         jobSvc,
		Sessions:     sessSvc,
		Router:       router,
		orchestrator: orc,
		scanner:      scn,
		logger:       log.WithComponent("daemon"),
	}, nil
}

// Run starts every background loop and blocks until the context ends or one
// loop fails fatally.
func (a *App) Run(ctx context.Context) error {
	if err := a.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("daemon: redis unreachable at %s: %w", a.cfg.RedisAddr, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.orchestrator.Run(ctx) })
	g.Go(func() error { return a.scanner.Run(ctx) })
	g.Go(func() error { return a.Retention.Run(ctx) })
	g.Go(func() error { return a.Webhooks.Run(ctx) })
	g.Go(func() error { return a.Router.RunHealthMonitor(ctx) })
	g.Go(func() error { return a.Router.RunReconciler(ctx) })
	g.Go(func() error { return a.Sessions.RunOfflineWatcher(ctx, a.Bus) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return a.serveMetrics(ctx) })
	}

	a.logger.Info().
		Str("instance_id", a.cfg.InstanceID).
		Str("redis_addr", a.cfg.RedisAddr).
		Str("db_path", a.cfg.DBPath).
		Msg("control plane running")

	err := g.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

// Close releases process-held resources after Run returns.
func (a *App) Close() error {
	var firstErr error
	if a.Bus != nil {
		if err := a.Bus.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
