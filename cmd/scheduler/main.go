package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mkravets/eventsched/internal/bus"
	"github.com/mkravets/eventsched/internal/config"
	"github.com/mkravets/eventsched/internal/db"
	"github.com/mkravets/eventsched/internal/engine"
	httpx "github.com/mkravets/eventsched/internal/http"
	"github.com/mkravets/eventsched/internal/intake"
	"github.com/mkravets/eventsched/internal/observability"
	"github.com/mkravets/eventsched/internal/registry"
	"github.com/mkravets/eventsched/internal/repo/postgres"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

func main() {
	// Load the config set up
	cfg := config.Load()

	// start up the observability logger
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := observability.InitTracer(ctx, "eventsched-scheduler", cfg.OTLPEndpoint)
		if err != nil {
			log.Error("tracer init failed", "err", err)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	promReg := prometheus.NewRegistry()
	prom := observability.NewProm(promReg)

	pool, err := db.NewPool(cfg.DBURL, 10)
	if err != nil {
		log.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	kv := redisq.New(redisq.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer kv.Close()

	if err := kv.Ping(ctx); err != nil {
		log.Error("redis connect failed", "err", err)
		os.Exit(1)
	}

	definitionsRepo := postgres.NewDefinitionsRepo(pool, prom)
	delayedRepo := postgres.NewDelayedRepo(pool, prom)
	analyticsRepo := postgres.NewAnalyticsRepo(pool, prom)
	hotStore := redisq.NewStore(kv, prom)

	// the bus producer is an external collaborator; dev runs ship a
	// log-backed publisher behind the same breaker discipline
	publisher := bus.NewProtectedPublisher(bus.NewLogPublisher(log), bus.ProtectedPublisherConfig{
		Timeout: cfg.Scheduler.PublishTimeout,
	})

	eng := engine.New(cfg.Scheduler, engine.Deps{
		Log:          log,
		Prom:         prom,
		Definitions:  definitionsRepo,
		Delayed:      delayedRepo,
		Hot:          hotStore,
		Analytics:    analyticsRepo,
		Bus:          publisher,
		BreakerState: publisher.State,
	})

	// manifest-declared schedules are synced before the generator starts
	reg := registry.New(definitionsRepo, log)
	if n, err := reg.SyncFile(ctx, cfg.ManifestPath); err != nil {
		log.Error("manifest sync failed", "path", cfg.ManifestPath, "err", err)
		os.Exit(1)
	} else if n > 0 {
		log.Info("manifest synced", "schedules", n)
	}

	eng.Start(ctx)
	defer eng.Stop()

	router := httpx.NewRouter(httpx.RouterDeps{
		Log:          log,
		Engine:       eng,
		Prom:         prom,
		Definitions:  definitionsRepo,
		Delayed:      delayedRepo,
		Hot:          hotStore,
		Analytics:    analyticsRepo,
		Intake:       intake.New(eng, log),
		PingDB:       pingFn(pool.Ping),
		PingKV:       pingFn(kv.Ping),
		JWTSecret:    cfg.JWTSecret,
		BreakerState: publisher.State,
		PromRegistry: promReg,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("scheduler starting", "port", cfg.Port, "env", cfg.Env, "node", eng.NodeID())
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("scheduler shutting down")

	shutdownCtx, cancel := config.WithTimeout(cfg.Scheduler.ShutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}
	log.Info("shutdown complete")
}

func pingFn(ping func(context.Context) error) func() error {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return ping(ctx)
	}
}
