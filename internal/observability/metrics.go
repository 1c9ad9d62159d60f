package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce             sync.Once
	httpDurationHistogram    *prometheus.HistogramVec
	ledgerPostingCounter     *prometheus.CounterVec
	versionConflictCounter   *prometheus.CounterVec
	escrowTransitionCounter  *prometheus.CounterVec
	intakeEventCounter       *prometheus.CounterVec
	transferOutcomeCounter   *prometheus.CounterVec
	terminalTransfersGauge   prometheus.Gauge
	balanceDriftCounter      prometheus.Counter
	processedCacheCounter    *prometheus.CounterVec
	notificationDropsCounter *prometheus.CounterVec
	workerRunCounter         *prometheus.CounterVec
	httpRejectionCounter     *prometheus.CounterVec
	httpInFlightGauge        prometheus.Gauge
	gatewayErrorCounter      *prometheus.CounterVec
)

// Init registers all Prometheus collectors.
func Init() {
	registerOnce.Do(func() {
		httpDurationHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"})

		ledgerPostingCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_postings_total",
			Help: "Ledger credit/debit outcomes by entry type",
		}, []string{"type", "outcome"})

		versionConflictCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optimistic_version_conflicts_total",
			Help: "Version-check misses that forced a transaction retry",
		}, []string{"operation"})

		escrowTransitionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "escrow_transitions_total",
			Help: "Escrow transition outcomes by target state",
		}, []string{"target", "outcome"})

		intakeEventCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processor_events_total",
			Help: "Processor notification intake outcomes",
		}, []string{"type", "outcome"})

		transferOutcomeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transfer_attempt_outcomes_total",
			Help: "Outbound transfer attempt outcomes",
		}, []string{"status"})

		terminalTransfersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transfer_terminally_failed_queue_size",
			Help: "Transfers waiting for manual intervention after exhausting retries",
		})

		balanceDriftCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_balance_drift_total",
			Help: "Accounts whose balance disagreed with the completed journal",
		})

		processedCacheCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "processed_event_cache_total",
			Help: "Redis processed-event cache lookups",
		}, []string{"outcome"})

		notificationDropsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_publish_failures_total",
			Help: "Fire-and-forget notifications that could not be delivered",
		}, []string{"reason"})

		workerRunCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "worker_runs_total",
			Help: "Background worker run outcomes",
		}, []string{"worker", "result"})

		httpRejectionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_rejections_total",
			Help: "Requests refused by middleware before reaching a handler",
		}, []string{"reason"})

		httpInFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Requests currently being served",
		})

		gatewayErrorCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Processor calls that ended without an answer, by error code",
		}, []string{"code"})

		prometheus.MustRegister(
			httpDurationHistogram,
			ledgerPostingCounter,
			versionConflictCounter,
			escrowTransitionCounter,
			intakeEventCounter,
			transferOutcomeCounter,
			terminalTransfersGauge,
			balanceDriftCounter,
			processedCacheCounter,
			notificationDropsCounter,
			workerRunCounter,
			httpRejectionCounter,
			httpInFlightGauge,
			gatewayErrorCounter,
		)
	})
}

func ObserveHTTP(method, path string, status int, duration time.Duration) {
	if httpDurationHistogram == nil {
		return
	}
	httpDurationHistogram.WithLabelValues(method, path, strconv.Itoa(status)).Observe(duration.Seconds())
}

func IncrementLedgerPosting(entryType, outcome string) {
	if ledgerPostingCounter == nil {
		return
	}
	ledgerPostingCounter.WithLabelValues(entryType, outcome).Inc()
}

func IncrementVersionConflict(operation string) {
	if versionConflictCounter == nil {
		return
	}
	versionConflictCounter.WithLabelValues(operation).Inc()
}

func IncrementEscrowTransition(target, outcome string) {
	if escrowTransitionCounter == nil {
		return
	}
	escrowTransitionCounter.WithLabelValues(target, outcome).Inc()
}

func IncrementIntakeEvent(eventType, outcome string) {
	if intakeEventCounter == nil {
		return
	}
	intakeEventCounter.WithLabelValues(eventType, outcome).Inc()
}

func IncrementTransferOutcome(status string) {
	if transferOutcomeCounter == nil {
		return
	}
	transferOutcomeCounter.WithLabelValues(status).Inc()
}

func IncrementGatewayError(code string) {
	if gatewayErrorCounter == nil {
		return
	}
	gatewayErrorCounter.WithLabelValues(code).Inc()
}

func SetTerminalTransfers(size int) {
	if terminalTransfersGauge == nil {
		return
	}
	terminalTransfersGauge.Set(float64(size))
}

func AddBalanceDrift(n int) {
	if balanceDriftCounter == nil {
		return
	}
	balanceDriftCounter.Add(float64(n))
}

func IncrementProcessedCache(outcome string) {
	if processedCacheCounter == nil {
		return
	}
	processedCacheCounter.WithLabelValues(outcome).Inc()
}

func IncrementNotificationFailure(reason string) {
	if notificationDropsCounter == nil {
		return
	}
	notificationDropsCounter.WithLabelValues(reason).Inc()
}

func IncrementWorkerRun(worker, result string) {
	if workerRunCounter == nil {
		return
	}
	workerRunCounter.WithLabelValues(worker, result).Inc()
}

// IncrementHTTPRejection counts requests stopped by rate limiting, auth or a
// recovered panic.
func IncrementHTTPRejection(reason string) {
	if httpRejectionCounter == nil {
		return
	}
	httpRejectionCounter.WithLabelValues(reason).Inc()
}

// TrackInFlight increments the in-flight gauge and returns the matching
// decrement.
func TrackInFlight() func() {
	if httpInFlightGauge == nil {
		return func() {}
	}
	httpInFlightGauge.Inc()
	return httpInFlightGauge.Dec
}
