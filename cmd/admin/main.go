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
	"github.com/mkravets/eventsched/internal/observability"
	"github.com/mkravets/eventsched/internal/repo/postgres"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// The admin binary serves the HTTP surface without running any workers, for
// deployments that keep the API horizontally scaled while a single scheduler
// node owns the loops.
func main() {
	cfg := config.Load()
	log := observability.NewLogger(cfg.Env)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		os.Interrupt,
		syscall.SIGTERM,
	)
	defer stop()

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

	definitionsRepo := postgres.NewDefinitionsRepo(pool, prom)
	delayedRepo := postgres.NewDelayedRepo(pool, prom)
	analyticsRepo := postgres.NewAnalyticsRepo(pool, prom)
	hotStore := redisq.NewStore(kv, prom)

	publisher := bus.NewProtectedPublisher(bus.NewLogPublisher(log), bus.ProtectedPublisherConfig{
		Timeout: cfg.Scheduler.PublishTimeout,
	})

	// engine is constructed for its API methods; Start is never called here
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

	router := httpx.NewRouter(httpx.RouterDeps{
		Log:          log,
		Engine:       eng,
		Prom:         prom,
		Definitions:  definitionsRepo,
		Delayed:      delayedRepo,
		Hot:          hotStore,
		Analytics:    analyticsRepo,
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
		log.Info("admin api starting", "port", cfg.Port, "env", cfg.Env)
		err := srv.ListenAndServe()

		if err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("admin api shutting down")

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
