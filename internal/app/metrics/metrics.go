package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "farming_layer",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "farming_layer",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "path"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "ledger",
			Name:      "entries_total",
			Help:      "Total number of committed ledger entries.",
		},
		[]string{"type", "currency"},
	)

	dedupRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "ledger",
			Name:      "dedup_rejections_total",
			Help:      "Total number of external credits rejected as duplicates.",
		},
		[]string{"currency"},
	)

	accrualTicks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "accrual",
			Name:      "ticks_total",
			Help:      "Total number of reward scheduler ticks.",
		},
		[]string{"currency", "result"},
	)

	accrualAccounts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "accrual",
			Name:      "accounts_total",
			Help:      "Total number of accounts processed by the scheduler.",
		},
		[]string{"currency", "result"},
	)

	accrualDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "farming_layer",
			Subsystem: "accrual",
			Name:      "tick_duration_seconds",
			Help:      "Duration of reward scheduler ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"currency"},
	)

	referralCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "farming_layer",
			Subsystem: "referral",
			Name:      "credits_total",
			Help:      "Total number of referral reward credits by chain level.",
		},
		[]string{"level"},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		ledgerEntries,
		dedupRejections,
		accrualTicks,
		accrualAccounts,
		accrualDuration,
		referralCredits,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)

		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordLedgerEntry counts a committed ledger entry.
func RecordLedgerEntry(entryType, currency string) {
	ledgerEntries.WithLabelValues(entryType, currency).Inc()
}

// RecordDedupRejection counts a duplicate external credit.
func RecordDedupRejection(currency string) {
	dedupRejections.WithLabelValues(currency).Inc()
}

// RecordAccrualTick records one scheduler tick outcome.
func RecordAccrualTick(currency string, duration time.Duration, success bool) {
	result := "error"
	if success {
		result = "ok"
	}
	accrualTicks.WithLabelValues(currency, result).Inc()
	accrualDuration.WithLabelValues(currency).Observe(duration.Seconds())
}

// RecordAccrualAccount records one processed account within a tick.
func RecordAccrualAccount(currency string, success bool) {
	result := "error"
	if success {
		result = "ok"
	}
	accrualAccounts.WithLabelValues(currency, result).Inc()
}

// RecordReferralCredit counts one referral credit at the given chain level.
func RecordReferralCredit(level int) {
	referralCredits.WithLabelValues(strconv.Itoa(level)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if parts[0] != "accounts" {
		return "/" + parts[0]
	}
	if len(parts) == 1 {
		return "/accounts"
	}
	if len(parts) == 2 {
		return "/accounts/:account"
	}
	return "/accounts/:account/" + parts[2]
}
