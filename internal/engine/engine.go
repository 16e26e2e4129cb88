package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/mkravets/eventsched/internal/bus"
	"github.com/mkravets/eventsched/internal/config"
	"github.com/mkravets/eventsched/internal/domain/event"
	"github.com/mkravets/eventsched/internal/domain/schedule"
	"github.com/mkravets/eventsched/internal/faults"
	"github.com/mkravets/eventsched/internal/observability"
	"github.com/mkravets/eventsched/internal/repo/redisq"
)

// DefinitionStore is the document tier as seen by the engine.
type DefinitionStore interface {
	Create(ctx context.Context, d schedule.CronDefinition) (schedule.CronDefinition, error)
	GetByID(ctx context.Context, id schedule.DefinitionID) (schedule.CronDefinition, error)
	FindDue(ctx context.Context, now time.Time, limit int) ([]schedule.CronDefinition, error)
	AdvanceBookkeeping(ctx context.Context, id schedule.DefinitionID, lastFire time.Time, nextFire *time.Time, execErr string) error
	SetNextFire(ctx context.Context, id schedule.DefinitionID, next time.Time) error
	Disable(ctx context.Context, id schedule.DefinitionID, reason string) error
	AppendExecution(ctx context.Context, rec schedule.ExecutionRecord) error
	DeleteExecutionsBefore(ctx context.Context, before time.Time) (int64, error)
	CountActive(ctx context.Context) (int64, error)
}

// DelayedStore is the columnar tier as seen by the engine.
type DelayedStore interface {
	Insert(ctx context.Context, e event.DelayedEvent) (event.DelayedEvent, error)
	Get(ctx context.Context, id event.EventID) (event.DelayedEvent, error)
	RangeDue(ctx context.Context, cutoff time.Time, limit int) ([]event.DelayedEvent, error)
	MarkPromoted(ctx context.Context, id event.EventID, hotKey string, at time.Time) error
	CancelPending(ctx context.Context, id event.EventID) error
	FinishPromoted(ctx context.Context, id event.EventID, status event.Status, errMsg string, at time.Time) error
	MarkError(ctx context.Context, id event.EventID, errMsg string) error
	Replay(ctx context.Context, id event.EventID, scheduledAt time.Time) error
	CountByStatus(ctx context.Context) (map[string]int64, error)
	DeleteTerminalBefore(ctx context.Context, before time.Time) (int64, error)
	StuckPromoted(ctx context.Context, promotedBefore time.Time, limit int) ([]event.DelayedEvent, error)
}

// HotStore is the key-value tier as seen by the engine.
type HotStore interface {
	Put(ctx context.Context, e event.HotEvent) error
	Get(ctx context.Context, id event.HotEventID) (event.HotEvent, error)
	Delete(ctx context.Context, id event.HotEventID) error
	DueIDs(ctx context.Context, now time.Time, limit int) ([]event.HotEventID, error)
	TryLock(ctx context.Context, id event.HotEventID, token string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, id event.HotEventID, token string) error
	LockExists(ctx context.Context, id event.HotEventID) (bool, error)
	Claim(ctx context.Context, id event.HotEventID, node string, at time.Time) (event.HotEvent, error)
	MarkTerminal(ctx context.Context, e event.HotEvent, status event.HotStatus, errMsg string, at time.Time) error
	Requeue(ctx context.Context, e event.HotEvent, nextAt time.Time, lastErr string) error
	Release(ctx context.Context, e event.HotEvent) error
	Health(ctx context.Context, now time.Time) (redisq.QueueHealth, error)
	SweepOrphans(ctx context.Context, now time.Time, grace time.Duration, limit int) (int, error)
	ReindexLost(ctx context.Context, limit int) (int, error)
	StaleReservations(ctx context.Context, now time.Time, claimTTL time.Duration, limit int) ([]event.HotEvent, error)
}

type AnalyticsStore interface {
	Insert(ctx context.Context, row event.AnalyticsRow) error
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

const (
	WorkerCron       = "cron_generator"
	WorkerPromoter   = "promoter"
	WorkerDispatcher = "dispatcher"
	WorkerJanitor    = "janitor"
)

// Deps wires the engine to its stores and bus. Now is optional; tests inject
// a fake clock through it.
type Deps struct {
	Log         *slog.Logger
	Prom        *observability.Prom
	Definitions DefinitionStore
	Delayed     DelayedStore
	Hot         HotStore
	Analytics   AnalyticsStore
	Bus         bus.Publisher

	Now    func() time.Time
	NodeID string

	// BreakerState reports the bus breaker ("closed"/"half-open"/"open");
	// optional, feeds the breaker gauge.
	BreakerState func() string
}

// Engine runs the four scheduler workers and exposes the scheduling API.
type Engine struct {
	cfg  config.Scheduler
	log  *slog.Logger
	prom *observability.Prom

	defs      DefinitionStore
	delayed   DelayedStore
	hot       HotStore
	analytics AnalyticsStore
	bus       bus.Publisher

	now      func() time.Time
	nodeID   string
	retry    faults.RetryConfig
	validate *validator.Validate

	breakerState func() string

	stats map[string]*observability.WorkerStats
	busy  map[string]*sync.Mutex

	// promoter batch backoff after a tick where nothing could be written
	promoterFails     int
	promoterHoldUntil time.Time

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(cfg config.Scheduler, deps Deps) *Engine {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	nodeID := deps.NodeID
	if nodeID == "" {
		host, _ := os.Hostname()
		nodeID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		cfg:       cfg,
		log:       log,
		prom:      deps.Prom,
		defs:      deps.Definitions,
		delayed:   deps.Delayed,
		hot:       deps.Hot,
		analytics: deps.Analytics,
		bus:       deps.Bus,
		now:       now,
		nodeID:    nodeID,
		retry: faults.RetryConfig{
			Base:       cfg.RetryBase,
			Max:        cfg.RetryMax,
			Multiplier: cfg.RetryMultiplier,
			Jitter:     cfg.RetryJitter,
		},
		validate:     validator.New(),
		breakerState: deps.BreakerState,
		stats: map[string]*observability.WorkerStats{
			WorkerCron:       observability.NewWorkerStats(),
			WorkerPromoter:   observability.NewWorkerStats(),
			WorkerDispatcher: observability.NewWorkerStats(),
			WorkerJanitor:    observability.NewWorkerStats(),
		},
		busy: map[string]*sync.Mutex{
			WorkerCron:       {},
			WorkerPromoter:   {},
			WorkerDispatcher: {},
			WorkerJanitor:    {},
		},
	}
}

func (e *Engine) NodeID() string { return e.nodeID }

// Start launches the worker loops. Stop (or ctx cancellation) shuts them
// down; in-flight ticks finish first.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true

	e.spawn(runCtx, WorkerCron, e.cfg.CronTick, e.cronTick)
	e.spawn(runCtx, WorkerPromoter, e.cfg.PromoteTick, e.promoteTick)
	e.spawn(runCtx, WorkerDispatcher, e.cfg.DispatchTick, e.dispatchTick)
	e.spawn(runCtx, WorkerJanitor, e.cfg.JanitorTick, e.janitorTick)

	e.log.Info("engine started",
		"node", e.nodeID,
		"cron_tick", e.cfg.CronTick,
		"promote_tick", e.cfg.PromoteTick,
		"dispatch_tick", e.cfg.DispatchTick,
		"janitor_tick", e.cfg.JanitorTick,
	)
}

func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.running = false
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info("engine stopped", "node", e.nodeID)
}

func (e *Engine) spawn(ctx context.Context, name string, tick time.Duration, fn func(context.Context) (int, error)) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()

		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				e.log.Info("worker shutting down", "worker", name)
				return
			case <-ticker.C:
				e.runTick(ctx, name, fn)
			}
		}
	}()
}

func (e *Engine) runTick(ctx context.Context, name string, fn func(context.Context) (int, error)) {
	stats := e.stats[name]

	// a tick still running from the last interval wins; this one is dropped
	if !e.busy[name].TryLock() {
		stats.IncSkipped()
		e.log.Debug("tick skipped, previous still running", "worker", name)
		return
	}
	defer e.busy[name].Unlock()

	start := time.Now()

	n, err := fn(ctx)

	elapsed := time.Since(start)
	stats.AddItems(n)
	stats.TickDone(e.now(), elapsed)
	if err != nil {
		stats.IncErrors()
		e.log.Error("worker tick failed", "worker", name, "error", err, "kind", string(faults.Classify(err)))
	}

	if e.prom != nil {
		e.prom.WorkerTickSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
		e.prom.WorkerTickTime.WithLabelValues(name).Set(float64(e.now().Unix()))
	}
}

// RunTickNow executes one worker tick synchronously; the admin trigger
// endpoints and tests use it. A trigger racing the worker's own tick is
// dropped, same as an overlapping ticker fire.
func (e *Engine) RunTickNow(ctx context.Context, worker string) (int, error) {
	fn, ok := e.tickFn(worker)
	if !ok {
		return 0, faults.Validation("engine.run_tick", fmt.Errorf("unknown worker %q", worker))
	}

	if !e.busy[worker].TryLock() {
		e.stats[worker].IncSkipped()
		e.log.Warn("manual tick skipped, worker busy", "worker", worker)
		return 0, nil
	}
	defer e.busy[worker].Unlock()

	return fn(ctx)
}

func (e *Engine) tickFn(worker string) (func(context.Context) (int, error), bool) {
	switch worker {
	case WorkerCron:
		return e.cronTick, true
	case WorkerPromoter:
		return e.promoteTick, true
	case WorkerDispatcher:
		return e.dispatchTick, true
	case WorkerJanitor:
		return e.janitorTick, true
	}
	return nil, false
}

func (e *Engine) WorkerStats() map[string]observability.WorkerStatsSnapshot {
	out := make(map[string]observability.WorkerStatsSnapshot, len(e.stats))
	for name, s := range e.stats {
		out[name] = s.Snapshot()
	}
	return out
}
