// Package observability defines the Prometheus metric holders for the
// three ForgeOS services. Each holder is constructed against an
// explicit registry so tests and multi-service binaries never collide
// on the default registerer.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LatencyBucketsMs are the histogram buckets shared by every duration
// metric, expressed in milliseconds.
var LatencyBucketsMs = []float64{50, 100, 250, 500, 1000, 2500, 5000}

// StoreMetrics tracks shared-state operations regardless of backend.
type StoreMetrics struct {
	Ops           *prometheus.CounterVec
	Errors        *prometheus.CounterVec
	LastErrorUnix prometheus.Gauge
}

// NewStoreMetrics registers the store metric family on reg.
func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		Ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_store_ops_total",
			Help: "Shared-state store operations by op name",
		}, []string{"op"}),
		Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_store_errors_total",
			Help: "Shared-state store operation failures by op name",
		}, []string{"op"}),
		LastErrorUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_store_last_error_timestamp_seconds",
			Help: "Unix time of the most recent store error",
		}),
	}
	reg.MustRegister(m.Ops, m.Errors, m.LastErrorUnix)
	return m
}

// Observe records one store operation outcome.
func (m *StoreMetrics) Observe(op string, err error) {
	if m == nil {
		return
	}
	m.Ops.WithLabelValues(op).Inc()
	if err != nil {
		m.Errors.WithLabelValues(op).Inc()
		m.LastErrorUnix.SetToCurrentTime()
	}
}

// SchedulerMetrics is the holder for the scheduler service.
type SchedulerMetrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	TicksTotal      prometheus.Counter
	TickSkipped     *prometheus.CounterVec
	DueAgents       prometheus.Gauge
	AgentsTotal     prometheus.Gauge
	QueueReady      prometheus.Gauge
	QueueProcessing prometheus.Gauge
	QueueInflight   prometheus.Gauge

	TasksEnqueued      prometheus.Counter
	TasksClaimed       prometheus.Counter
	TasksAcked         prometheus.Counter
	TasksRequeued      prometheus.Counter
	TasksDropped       prometheus.Counter
	QueueFull          prometheus.Counter
	BootRecoveries     prometheus.Counter
	BootTasksRecovered prometheus.Counter

	DispatchStarted prometheus.Counter
	DispatchOK      prometheus.Counter
	DispatchFailed  prometheus.Counter
	DispatchSkipped *prometheus.CounterVec
	CallbackLatency prometheus.Histogram
	DedupeSkipped   prometheus.Counter
	DedupeFailOpen  prometheus.Counter

	LeaderAcquired    prometheus.Counter
	LeaderRenewFailed prometheus.Counter
	LeaderTransitions prometheus.Counter
	LeaderStatus      prometheus.Gauge
	LeaderFence       prometheus.Gauge
	LeaderBackoffMs   prometheus.Gauge

	AuthDecisions   *prometheus.CounterVec
	QuotaExceeded   *prometheus.CounterVec
	JWKSFetches     *prometheus.CounterVec
	UpstreamLatency *prometheus.HistogramVec
	UpstreamErrors  *prometheus.CounterVec
	BreakerOpen     *prometheus.CounterVec

	Store *StoreMetrics
}

// NewSchedulerMetrics registers the scheduler metric families on reg.
func NewSchedulerMetrics(reg prometheus.Registerer) *SchedulerMetrics {
	m := &SchedulerMetrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_http_requests_total",
			Help: "HTTP requests by route, method, and status",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgeos_scheduler_http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}, []string{"route"}),
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_ticks_total",
			Help: "Scheduler tick passes executed",
		}),
		TickSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_ticks_skipped_total",
			Help: "Tick passes skipped by reason",
		}, []string{"reason"}),
		DueAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_due_agents",
			Help: "Due agents seen by the most recent tick",
		}),
		AgentsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_agents",
			Help: "Registered agents",
		}),
		QueueReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_queue_ready",
			Help: "Tasks waiting in the ready list",
		}),
		QueueProcessing: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_queue_processing",
			Help: "Tasks sitting in the processing list",
		}),
		QueueInflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_queue_inflight",
			Help: "Tasks with live execution leases",
		}),
		TasksEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_tasks_enqueued_total",
			Help: "Cycle tasks accepted into the queue",
		}),
		TasksClaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_tasks_claimed_total",
			Help: "Cycle tasks claimed by dispatch workers",
		}),
		TasksAcked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_tasks_acked_total",
			Help: "Cycle tasks acknowledged after dispatch",
		}),
		TasksRequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_tasks_requeued_total",
			Help: "Expired-lease tasks returned to the ready list",
		}),
		TasksDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_tasks_dropped_total",
			Help: "Tasks discarded because their payload vanished",
		}),
		QueueFull: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_queue_full_total",
			Help: "Enqueue attempts rejected at the depth cap",
		}),
		BootRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_boot_recoveries_total",
			Help: "Boot-time queue recovery passes",
		}),
		BootTasksRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_boot_tasks_recovered_total",
			Help: "Tasks restored to ready during boot recovery",
		}),
		DispatchStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_dispatch_started_total",
			Help: "Cycle dispatches begun",
		}),
		DispatchOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_dispatch_success_total",
			Help: "Cycle dispatches that completed successfully",
		}),
		DispatchFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_dispatch_failed_total",
			Help: "Cycle dispatches that failed",
		}),
		DispatchSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_dispatch_skipped_total",
			Help: "Claimed tasks skipped before dispatch by reason",
		}, []string{"reason"}),
		CallbackLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeos_scheduler_callback_duration_ms",
			Help:    "Agent callback POST latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}),
		DedupeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_callback_dedupe_skipped_total",
			Help: "Dispatches skipped because the idempotency key was taken",
		}),
		DedupeFailOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_callback_dedupe_fail_open_total",
			Help: "Idempotency checks that failed open on store errors",
		}),
		LeaderAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_leader_acquired_total",
			Help: "Successful leader lock acquisitions",
		}),
		LeaderRenewFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_leader_renew_failed_total",
			Help: "Leader lease renewals that failed",
		}),
		LeaderTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_scheduler_leader_transitions_total",
			Help: "Leadership state changes on this replica",
		}),
		LeaderStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_leader_status",
			Help: "1 when this replica holds the leader lock",
		}),
		LeaderFence: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_leader_fence_token",
			Help: "Fence token of the currently held leadership, 0 otherwise",
		}),
		LeaderBackoffMs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_scheduler_leader_backoff_ms",
			Help: "Current acquisition backoff in milliseconds",
		}),
		AuthDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_auth_decisions_total",
			Help: "Authentication and authorization outcomes",
		}, []string{"outcome"}),
		QuotaExceeded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_quota_exceeded_total",
			Help: "Requests rejected by per-subject quotas",
		}, []string{"bucket"}),
		JWKSFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_jwks_fetches_total",
			Help: "JWKS and OIDC discovery fetches by outcome",
		}, []string{"outcome"}),
		UpstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgeos_scheduler_market_probe_duration_ms",
			Help:    "Market data probe latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}, []string{"probe"}),
		UpstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_market_probe_errors_total",
			Help: "Market data probe failures",
		}, []string{"probe"}),
		BreakerOpen: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_scheduler_market_breaker_open_total",
			Help: "Probe calls short-circuited by an open breaker",
		}, []string{"probe"}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.TicksTotal, m.TickSkipped, m.DueAgents, m.AgentsTotal,
		m.QueueReady, m.QueueProcessing, m.QueueInflight,
		m.TasksEnqueued, m.TasksClaimed, m.TasksAcked, m.TasksRequeued, m.TasksDropped,
		m.QueueFull, m.BootRecoveries, m.BootTasksRecovered,
		m.DispatchStarted, m.DispatchOK, m.DispatchFailed, m.DispatchSkipped,
		m.CallbackLatency, m.DedupeSkipped, m.DedupeFailOpen,
		m.LeaderAcquired, m.LeaderRenewFailed, m.LeaderTransitions,
		m.LeaderStatus, m.LeaderFence, m.LeaderBackoffMs,
		m.AuthDecisions, m.QuotaExceeded, m.JWKSFetches,
		m.UpstreamLatency, m.UpstreamErrors, m.BreakerOpen,
	)
	m.Store = NewStoreMetrics(reg)
	return m
}

// ObserveHTTP satisfies the httpapi metrics middleware hook.
func (m *SchedulerMetrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}

// ConsumerMetrics is the holder for the callback consumer service.
type ConsumerMetrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	EventsAccepted  prometheus.Counter
	EventsDuplicate prometheus.Counter
	StaleFence      prometheus.Counter
	FenceAdvances   prometheus.Counter
	RingSize        prometheus.Gauge

	ReceiptsStored  prometheus.Counter
	ReceiptsDeduped prometheus.Counter
	ReceiptArchive  *prometheus.CounterVec

	StreamClients prometheus.Gauge

	Store *StoreMetrics
}

// NewConsumerMetrics registers the consumer metric families on reg.
func NewConsumerMetrics(reg prometheus.Registerer) *ConsumerMetrics {
	m := &ConsumerMetrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_consumer_http_requests_total",
			Help: "HTTP requests by route, method, and status",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgeos_consumer_http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}, []string{"route"}),
		EventsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_cycle_events_accepted_total",
			Help: "Cycle callbacks accepted as new",
		}),
		EventsDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_cycle_events_duplicate_total",
			Help: "Cycle callbacks answered as idempotent duplicates",
		}),
		StaleFence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_stale_fence_rejections_total",
			Help: "Cycle callbacks rejected with a stale fence token",
		}),
		FenceAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_fence_advances_total",
			Help: "Observed per-agent fence token advances",
		}),
		RingSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_consumer_event_ring_size",
			Help: "Events currently held in the in-memory ring",
		}),
		ReceiptsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_receipts_stored_total",
			Help: "Execution receipts accepted and stored",
		}),
		ReceiptsDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_consumer_receipts_deduped_total",
			Help: "Execution receipt posts answered as duplicates",
		}),
		ReceiptArchive: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_consumer_receipt_archive_total",
			Help: "Postgres receipt archive writes by outcome",
		}, []string{"outcome"}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_consumer_stream_clients",
			Help: "Connected websocket event-stream clients",
		}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.EventsAccepted, m.EventsDuplicate, m.StaleFence, m.FenceAdvances, m.RingSize,
		m.ReceiptsStored, m.ReceiptsDeduped, m.ReceiptArchive,
		m.StreamClients,
	)
	m.Store = NewStoreMetrics(reg)
	return m
}

// ObserveHTTP satisfies the httpapi metrics middleware hook.
func (m *ConsumerMetrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}

// SignerMetrics is the holder for the audit signer service.
type SignerMetrics struct {
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec

	SignOutcomes *prometheus.CounterVec
	SignLatency  prometheus.Histogram
	ChainAppends prometheus.Counter
	ChainLength  prometheus.Gauge
	Verified     *prometheus.CounterVec
}

// NewSignerMetrics registers the signer metric families on reg.
func NewSignerMetrics(reg prometheus.Registerer) *SignerMetrics {
	m := &SignerMetrics{
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_signer_http_requests_total",
			Help: "HTTP requests by route, method, and status",
		}, []string{"route", "method", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forgeos_signer_http_request_duration_ms",
			Help:    "HTTP request latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}, []string{"route"}),
		SignOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_signer_sign_total",
			Help: "Signing attempts by backend and outcome",
		}, []string{"backend", "outcome"}),
		SignLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forgeos_signer_sign_duration_ms",
			Help:    "Signing latency in milliseconds",
			Buckets: LatencyBucketsMs,
		}),
		ChainAppends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forgeos_signer_chain_appends_total",
			Help: "Records appended to the hash-chained audit log",
		}),
		ChainLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "forgeos_signer_chain_records",
			Help: "Records in the audit log since process start",
		}),
		Verified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forgeos_signer_verify_total",
			Help: "Signature verification requests by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(
		m.HTTPRequests, m.HTTPLatency,
		m.SignOutcomes, m.SignLatency, m.ChainAppends, m.ChainLength, m.Verified,
	)
	return m
}

// ObserveHTTP satisfies the httpapi metrics middleware hook.
func (m *SignerMetrics) ObserveHTTP(route, method string, status int, elapsed time.Duration) {
	m.HTTPRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.HTTPLatency.WithLabelValues(route).Observe(float64(elapsed.Milliseconds()))
}
