package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/server-guardian/internal/version"
)

const namespace = "guardian"

type GuardianMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// control loop
	throughput        prometheus.Gauge
	dailyBytes        prometheus.Gauge
	dailyUnique       prometheus.Gauge
	activeAddrs       prometheus.Gauge
	throttleState     prometheus.Gauge
	overageSeconds    prometheus.Gauge
	ceilingMbit       prometheus.Gauge
	lastTickTs        prometheus.Gauge
	tickDur           prometheus.Histogram
	throttleEngaged   prometheus.Counter
	rolloversTotal    prometheus.Counter
	sampleErrors      *prometheus.CounterVec
	enforcementErrors *prometheus.CounterVec
	breakerTrips      *prometheus.CounterVec
	checkpointErrors  prometheus.Counter
	reportErrors      *prometheus.CounterVec

	// ops server
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	httpPanicTotal prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge
}

// New returns a fresh registry with the go/process collectors and every
// guardian series registered.
func New() *GuardianMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &GuardianMetrics{
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throughput_mbps",
			Help:      "Interface throughput (rx+tx) measured on the last tick, in Mbit/s",
		}),
		dailyBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_traffic_bytes",
			Help:      "Bytes (rx+tx) accounted to the current day",
		}),
		dailyUnique: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "daily_unique_addresses",
			Help:      "Distinct client addresses seen during the current day",
		}),
		activeAddrs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_addresses",
			Help:      "Distinct remote addresses with an established connection on the last tick",
		}),
		throttleState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "throttle_state",
			Help:      "Throttle state (0 normal, 1 throttled)",
		}),
		overageSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "overage_seconds",
			Help:      "Consecutive seconds the throughput has been above the trigger rate",
		}),
		ceilingMbit: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bandwidth_ceiling_mbit",
			Help:      "Bandwidth ceiling most recently applied to the interface",
		}),
		lastTickTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_tick_timestamp_seconds",
			Help:      "Unix timestamp of the last completed control loop tick",
		}),
		tickDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Time spent in one control loop tick, excluding the sleep",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5},
		}),
		throttleEngaged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttle_engagements_total",
			Help:      "Number of times sustained overage engaged the throttled ceiling",
		}),
		rolloversTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollovers_total",
			Help:      "Number of accounting day rollovers",
		}),
		sampleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sample_errors_total",
			Help:      "Sampler failures by sampler (traffic, connections)",
		}, []string{"sampler"}),
		enforcementErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enforcement_errors_total",
			Help:      "Enforcement command failures by action",
		}, []string{"action"}),
		breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips by reason",
		}, []string{"reason"}),
		checkpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Failed checkpoint loads or saves",
		}),
		reportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Failed report publishes by sink",
		}, []string{"sink"}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests on the ops server",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered ops server panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.throughput,
		m.dailyBytes,
		m.dailyUnique,
		m.activeAddrs,
		m.throttleState,
		m.overageSeconds,
		m.ceilingMbit,
		m.lastTickTs,
		m.tickDur,
		m.throttleEngaged,
		m.rolloversTotal,
		m.sampleErrors,
		m.enforcementErrors,
		m.breakerTrips,
		m.checkpointErrors,
		m.reportErrors,
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.httpPanicTotal,
		m.buildInfo,
		m.profilingActive,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *GuardianMetrics) Handler() http.Handler {
	return m.handler
}

func (m *GuardianMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *GuardianMetrics) SetBuildInfoFromVersion(component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         vi.AppName,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *GuardianMetrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// ObserveTick records the per-tick gauges in one call.
func (m *GuardianMetrics) ObserveTick(end time.Time, took time.Duration, rateMbps float64, activeAddrs int) {
	m.tickDur.Observe(took.Seconds())
	m.lastTickTs.Set(float64(end.Unix()))
	m.throughput.Set(rateMbps)
	m.activeAddrs.Set(float64(activeAddrs))
}

func (m *GuardianMetrics) SetDaily(totalBytes uint64, unique int) {
	m.dailyBytes.Set(float64(totalBytes))
	m.dailyUnique.Set(float64(unique))
}

func (m *GuardianMetrics) SetThrottle(throttled bool, overage time.Duration) {
	m.throttleState.Set(boolGauge(throttled))
	m.overageSeconds.Set(overage.Seconds())
}

func (m *GuardianMetrics) SetCeiling(mbit int) {
	m.ceilingMbit.Set(float64(mbit))
}

func (m *GuardianMetrics) IncThrottleEngaged() {
	m.throttleEngaged.Inc()
}

func (m *GuardianMetrics) IncRollover() {
	m.rolloversTotal.Inc()
}

func (m *GuardianMetrics) IncSampleError(sampler string) {
	m.sampleErrors.WithLabelValues(sampler).Inc()
}

func (m *GuardianMetrics) IncEnforcementError(action string) {
	m.enforcementErrors.WithLabelValues(action).Inc()
}

func (m *GuardianMetrics) IncBreakerTrip(reason string) {
	m.breakerTrips.WithLabelValues(reason).Inc()
}

func (m *GuardianMetrics) IncCheckpointError() {
	m.checkpointErrors.Inc()
}

func (m *GuardianMetrics) IncReportError(sink string) {
	m.reportErrors.WithLabelValues(sink).Inc()
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
