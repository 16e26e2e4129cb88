package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

type Prom struct {
	RequestsTotal    *prometheus.CounterVec
	RequestsDuration *prometheus.HistogramVec
	InFlight         *prometheus.GaugeVec

	// Stores (logical op, not raw SQL / raw commands)
	DbQueryDuration *prometheus.HistogramVec
	DbErrorsTotal   *prometheus.CounterVec
	KvOpDuration    *prometheus.HistogramVec
	KvErrorsTotal   *prometheus.CounterVec

	// Scheduler
	ScheduledTotal    *prometheus.CounterVec // tier, source
	CronFirings       *prometheus.CounterVec // outcome
	PromotedTotal     prometheus.Counter
	PublishedTotal    *prometheus.CounterVec // result=success|retry|error|skipped_stale
	PublishDuration   prometheus.Histogram
	RetriesTotal      prometheus.Counter
	StaleTotal        *prometheus.CounterVec // action=published|skipped
	JanitorRepairs    *prometheus.CounterVec // kind=stuck_claim|orphan_index|promotion|expired_index
	QueueDepth        *prometheus.GaugeVec   // bucket=overdue|ready|future
	DispatcherLag     prometheus.Gauge
	WorkerTickTime    *prometheus.GaugeVec   // worker -> unix seconds of last tick
	WorkerTickSeconds *prometheus.HistogramVec
	BreakerOpen       *prometheus.GaugeVec // dep -> 1 when open
}

func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "route", "status"},
		),
		RequestsDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventsched",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency distributions.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "route", "status"},
		),
		InFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventsched",
				Name:      "http_in_flight_requests",
				Help:      "Current number of in-flight HTTP requests.",
			},
			[]string{"method", "route"},
		),
		DbQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventsched",
				Subsystem: "db",
				Name:      "query_duration_seconds",
				Help:      "DB operation latency (logical op, not raw SQL)",
				Buckets:   []float64{0.005, 0.01, 0.02, 0.05, 0.1, 0.2, 0.35, 0.5, 1, 2, 5},
			},
			[]string{"op", "status"},
		),
		DbErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "db",
				Name:      "errors_total",
				Help:      "DB errors by logical op and class.",
			},
			[]string{"op", "class"},
		),
		KvOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventsched",
				Subsystem: "kv",
				Name:      "op_duration_seconds",
				Help:      "Key-value tier operation latency by logical op.",
				Buckets:   []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25, 0.5, 1},
			},
			[]string{"op", "status"},
		),
		KvErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "kv",
				Name:      "errors_total",
				Help:      "Key-value tier errors by logical op.",
			},
			[]string{"op"},
		),
		ScheduledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "scheduled_total",
				Help:      "Events accepted by the scheduling API, by target tier and source.",
			},
			[]string{"tier", "source"},
		),
		CronFirings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "cron_firings_total",
				Help:      "Cron generator firings by outcome.",
			},
			[]string{"outcome"},
		),
		PromotedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "promoted_total",
				Help:      "Events promoted from the columnar tier to the hot tier.",
			},
		),
		PublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "published_total",
				Help:      "Dispatch outcomes.",
			},
			[]string{"result"},
		),
		PublishDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "publish_duration_seconds",
				Help:      "Bus publish latency.",
				Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "dispatch_retries_total",
				Help:      "Publish attempts re-queued for retry.",
			},
		),
		StaleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "stale_events_total",
				Help:      "Events past their max delay, by action taken.",
			},
			[]string{"action"},
		),
		JanitorRepairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "janitor_repairs_total",
				Help:      "Janitor repairs by kind.",
			},
			[]string{"kind"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "hot_queue_depth",
				Help:      "Hot tier index depth by bucket.",
			},
			[]string{"bucket"},
		),
		DispatcherLag: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "dispatcher_lag_seconds",
				Help:      "now minus the oldest due score in the hot index.",
			},
		),
		WorkerTickTime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "worker_last_tick_timestamp",
				Help:      "Unix time of each worker's last completed tick.",
			},
			[]string{"worker"},
		),
		WorkerTickSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "worker_tick_duration_seconds",
				Help:      "Per-tick work duration by worker.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"worker"},
		),
		BreakerOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "eventsched",
				Subsystem: "engine",
				Name:      "breaker_open",
				Help:      "1 when the named dependency breaker is open.",
			},
			[]string{"dep"},
		),
	}

	reg.MustRegister(
		p.RequestsTotal, p.RequestsDuration, p.InFlight,
		p.DbQueryDuration, p.DbErrorsTotal, p.KvOpDuration, p.KvErrorsTotal,
		p.ScheduledTotal, p.CronFirings, p.PromotedTotal, p.PublishedTotal,
		p.PublishDuration, p.RetriesTotal, p.StaleTotal, p.JanitorRepairs,
		p.QueueDepth, p.DispatcherLag, p.WorkerTickTime, p.WorkerTickSeconds,
		p.BreakerOpen,
	)

	return p
}

func (p *Prom) GinHandleMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()

		// route template is only available after routing; best effort:
		route := ctx.FullPath()
		if route == "" {
			route = "unmatched"
		}

		method := ctx.Request.Method
		p.InFlight.WithLabelValues(method, route).Inc()
		defer p.InFlight.WithLabelValues(method, route).Dec()
		ctx.Next()

		status := strconv.Itoa(ctx.Writer.Status())
		secs := time.Since(start).Seconds()

		p.RequestsTotal.WithLabelValues(method, route, status).Inc()
		p.RequestsDuration.WithLabelValues(method, route, status).Observe(secs)
	}
}
