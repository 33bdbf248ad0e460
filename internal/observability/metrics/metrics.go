package metrics

import (
	"database/sql"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	metricPrefix = "scada_"

	resultSuccess = "success"
	resultError   = "error"
)

var (
	registerOnce sync.Once

	cacheEvents          *prometheus.CounterVec
	cachePersistFailures *prometheus.CounterVec
	cacheLockWait        *prometheus.HistogramVec
	cacheSpooled         *prometheus.CounterVec
	consistencyMismatch  *prometheus.CounterVec

	supervisionTransitions *prometheus.CounterVec
	aliveExpirations       *prometheus.CounterVec
	aliveSweepLatency      prometheus.Histogram

	oscillationChanges *prometheus.CounterVec
	oscillationSweep   prometheus.Histogram
	oscillatingAlarms  prometheus.Gauge
	alarmEventsTotal   *prometheus.CounterVec

	ruleResolveTotal   *prometheus.CounterVec
	ruleResolveLatency *prometheus.HistogramVec

	daqRequests  *prometheus.CounterVec
	configApply  *prometheus.CounterVec
	eventPublish *prometheus.CounterVec
	commands     *prometheus.CounterVec
)

// Init registers metrics and DB-backed gauges.
func Init(db *sql.DB, logger zerolog.Logger) {
	registerOnce.Do(func() {
		cacheEvents = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_events_total",
				Help: "Cache listener events by cache and type",
			},
			[]string{"cache", "event"},
		)
		cachePersistFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_persist_failures_total",
				Help: "Write-through persistence failures by cache",
			},
			[]string{"cache"},
		)
		cacheLockWait = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "cache_lock_wait_seconds",
				Help:    "Time spent waiting for a key write lock",
				Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"cache"},
		)
		cacheSpooled = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_spool_total",
				Help: "Retry spool operations by cache and result",
			},
			[]string{"cache", "result"},
		)
		consistencyMismatch = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "cache_consistency_mismatch_total",
				Help: "Startup consistency check mismatches by cache",
			},
			[]string{"cache"},
		)

		supervisionTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "supervision_transitions_total",
				Help: "Supervision status transitions by kind and target status",
			},
			[]string{"kind", "status"},
		)
		aliveExpirations = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alive_timer_expirations_total",
				Help: "Alive timers expired by the monitor",
			},
			[]string{"kind"},
		)
		aliveSweepLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alive_sweep_seconds",
				Help:    "Alive monitor sweep duration",
				Buckets: prometheus.DefBuckets,
			},
		)

		oscillationChanges = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_oscillation_changes_total",
				Help: "Oscillation flag changes by direction",
			},
			[]string{"direction"},
		)
		oscillationSweep = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "alarm_oscillation_sweep_seconds",
				Help:    "Oscillation checker sweep duration",
				Buckets: prometheus.DefBuckets,
			},
		)
		oscillatingAlarms = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "alarm_oscillating",
				Help: "Alarms currently flagged as oscillating",
			},
		)
		alarmEventsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "alarm_events_total",
				Help: "Alarm state changes by type",
			},
			[]string{"type"},
		)

		ruleResolveTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "rule_resolve_total",
				Help: "Rule dependency resolutions by result",
			},
			[]string{"result"},
		)
		ruleResolveLatency = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "rule_resolve_latency_seconds",
				Help:    "Rule dependency resolution latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"result"},
		)

		daqRequests = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "daq_requests_total",
				Help: "Requests sent to acquisition processes by kind and result",
			},
			[]string{"kind", "result"},
		)
		configApply = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "configuration_apply_total",
				Help: "Configuration documents applied by result",
			},
			[]string{"result"},
		)

		eventPublish = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "events_published_total",
				Help: "Outbound events by type and delivery result",
			},
			[]string{"event_type", "result"},
		)
		commands = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "commands_total",
				Help: "Control commands by final status",
			},
			[]string{"status"},
		)

		prometheus.MustRegister(
			cacheEvents,
			cachePersistFailures,
			cacheLockWait,
			cacheSpooled,
			consistencyMismatch,
			supervisionTransitions,
			aliveExpirations,
			aliveSweepLatency,
			oscillationChanges,
			oscillationSweep,
			oscillatingAlarms,
			alarmEventsTotal,
			ruleResolveTotal,
			ruleResolveLatency,
			daqRequests,
			configApply,
			eventPublish,
			commands,
		)
		if db != nil {
			registerDBMetrics(db, logger)
		}
	})
}

// IncCacheEvent increments the listener event counter.
func IncCacheEvent(cache, event string) {
	if cacheEvents != nil {
		cacheEvents.WithLabelValues(label(cache), label(event)).Inc()
	}
}

// IncCachePersistFailure increments the persistence failure counter.
func IncCachePersistFailure(cache string) {
	if cachePersistFailures != nil {
		cachePersistFailures.WithLabelValues(label(cache)).Inc()
	}
}

// ObserveLockWait records how long a writer waited for a key lock.
func ObserveLockWait(cache string, wait time.Duration) {
	if cacheLockWait != nil {
		cacheLockWait.WithLabelValues(label(cache)).Observe(wait.Seconds())
	}
}

// IncSpool counts retry spool enqueue/ack/error operations.
func IncSpool(cache, result string) {
	if cacheSpooled != nil {
		cacheSpooled.WithLabelValues(label(cache), label(result)).Inc()
	}
}

// IncConsistencyMismatch increments the consistency mismatch counter.
func IncConsistencyMismatch(cache string) {
	if consistencyMismatch != nil {
		consistencyMismatch.WithLabelValues(label(cache)).Inc()
	}
}

// IncSupervisionTransition counts a status transition.
func IncSupervisionTransition(kind, status string) {
	if supervisionTransitions != nil {
		supervisionTransitions.WithLabelValues(label(kind), label(status)).Inc()
	}
}

// IncAliveExpiration counts an expired alive timer.
func IncAliveExpiration(kind string) {
	if aliveExpirations != nil {
		aliveExpirations.WithLabelValues(label(kind)).Inc()
	}
}

// ObserveAliveSweep records one alive monitor sweep.
func ObserveAliveSweep(duration time.Duration) {
	if aliveSweepLatency != nil {
		aliveSweepLatency.Observe(duration.Seconds())
	}
}

// IncOscillation counts oscillation flag changes, direction is "set" or "cleared".
func IncOscillation(direction string) {
	if oscillationChanges != nil {
		oscillationChanges.WithLabelValues(label(direction)).Inc()
	}
}

// ObserveOscillationSweep records one checker pass and the number of alarms still oscillating.
func ObserveOscillationSweep(duration time.Duration, stillOscillating int) {
	if oscillationSweep != nil {
		oscillationSweep.Observe(duration.Seconds())
	}
	if oscillatingAlarms != nil {
		oscillatingAlarms.Set(float64(stillOscillating))
	}
}

// IncAlarmEvent increments alarm event counter by type.
func IncAlarmEvent(eventType string) {
	if alarmEventsTotal != nil {
		alarmEventsTotal.WithLabelValues(label(eventType)).Inc()
	}
}

// ObserveRuleResolve records resolver latency and result.
func ObserveRuleResolve(err error, duration time.Duration) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if ruleResolveTotal != nil {
		ruleResolveTotal.WithLabelValues(result).Inc()
	}
	if ruleResolveLatency != nil {
		ruleResolveLatency.WithLabelValues(result).Observe(duration.Seconds())
	}
}

// IncDAQRequest counts an outbound acquisition request.
func IncDAQRequest(kind, result string) {
	if daqRequests != nil {
		daqRequests.WithLabelValues(label(kind), label(result)).Inc()
	}
}

// IncConfigApply counts an applied configuration document.
func IncConfigApply(err error) {
	result := resultSuccess
	if err != nil {
		result = resultError
	}
	if configApply != nil {
		configApply.WithLabelValues(result).Inc()
	}
}

// IncEventPublish counts an outbound event by delivery result.
func IncEventPublish(eventType, result string) {
	if eventPublish != nil {
		eventPublish.WithLabelValues(label(eventType), label(result)).Inc()
	}
}

// IncCommand counts a control command by final status.
func IncCommand(status string) {
	if commands != nil {
		commands.WithLabelValues(label(status)).Inc()
	}
}

func label(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
