// Package metrics holds the lock-free counters exposed by the supervisor,
// both as Prometheus series and as the HealthStatus snapshot sent to hosts.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splice-rpc/splice/internal/logging"
)

// Prometheus series. Names and help text intentionally mirror the counters
// named in spec.md §4.7.
var (
	TotalRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_total_requests",
		Help: "Total invocations accepted by the router.",
	})
	SuccessfulRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_successful_requests",
		Help: "Total invocations that resolved with InvokeResult.",
	})
	FailedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_failed_requests",
		Help: "Total invocations that resolved with InvokeError.",
	})
	TimeoutRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_timeout_requests",
		Help: "Total invocations that resolved via deadline expiry.",
	})
	CancelledRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_cancelled_requests",
		Help: "Total invocations that resolved via explicit Cancel.",
	})
	OverloadedRequests = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_overloaded_requests",
		Help: "Total invocations rejected for exceeding a concurrency limit.",
	})
	ActiveRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "splice_active_requests",
		Help: "Currently in-flight invocations.",
	})
	WorkerRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_worker_restarts_total",
		Help: "Total worker restarts scheduled after a failed worker generation (reloads are not counted).",
	})
	CircuitBreakerTrips = promauto.NewCounter(prometheus.CounterOpts{
		Name: "splice_circuit_breaker_trips_total",
		Help: "Total times the restart budget was exceeded.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "splice_build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "splice_errors_total",
		Help: "Error counters by subsystem/category.",
	}, []string{"where"})

	readinessMu sync.RWMutex
	readinessFn func() bool

	startedAt = time.Now()
)

// Error label constants (stable values bound cardinality).
const (
	ErrListen    = "listen"
	ErrAccept    = "accept"
	ErrHandshake = "handshake"
	ErrSpawn     = "spawn"
	ErrConnRead  = "conn_read"
	ErrConnWrite = "conn_write"
	ErrDrain     = "drain_timeout"
	ErrCircuit   = "circuit_broken"
	ErrReload    = "reload"
)

// Local mirrored counters so HealthStatus doesn't need to scrape Prometheus
// in-process, mirroring the teacher's dual-counter design.
var (
	localTotal      uint64
	localSuccessful uint64
	localFailed     uint64
	localTimeout    uint64
	localCancelled  uint64
	localActive     int64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters, embedded in HealthStatus.
type Snapshot struct {
	TotalRequests      uint64
	SuccessfulRequests uint64
	FailedRequests     uint64
	TimeoutRequests    uint64
	CancelledRequests  uint64
	ActiveRequests     uint64
	UptimeMS           uint64
	Errors             uint64
}

func Snap() Snapshot {
	return Snapshot{
		TotalRequests:      atomic.LoadUint64(&localTotal),
		SuccessfulRequests: atomic.LoadUint64(&localSuccessful),
		FailedRequests:     atomic.LoadUint64(&localFailed),
		TimeoutRequests:    atomic.LoadUint64(&localTimeout),
		CancelledRequests:  atomic.LoadUint64(&localCancelled),
		ActiveRequests:     uint64(atomic.LoadInt64(&localActive)),
		UptimeMS:           uint64(time.Since(startedAt).Milliseconds()),
		Errors:             atomic.LoadUint64(&localErrors),
	}
}

func IncAccepted() {
	TotalRequests.Inc()
	atomic.AddUint64(&localTotal, 1)
	ActiveRequests.Inc()
	atomic.AddInt64(&localActive, 1)
}

// resolve decrements the active gauge; call exactly once per pending entry
// lifecycle regardless of which terminal outcome fired.
func resolve() {
	ActiveRequests.Dec()
	atomic.AddInt64(&localActive, -1)
}

func IncSuccess() {
	resolve()
	SuccessfulRequests.Inc()
	atomic.AddUint64(&localSuccessful, 1)
}

func IncFailed() {
	resolve()
	FailedRequests.Inc()
	atomic.AddUint64(&localFailed, 1)
}

func IncTimeout() {
	resolve()
	TimeoutRequests.Inc()
	atomic.AddUint64(&localTimeout, 1)
}

func IncCancelled() {
	resolve()
	CancelledRequests.Inc()
	atomic.AddUint64(&localCancelled, 1)
}

// IncOverloaded records a rejection that never became a pending entry, so it
// does not touch the active gauge.
func IncOverloaded() { OverloadedRequests.Inc() }

func IncWorkerRestart()      { WorkerRestarts.Inc() }
func IncCircuitBreakerTrip() { CircuitBreakerTrips.Inc() }

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge and pre-registers the error label
// series so the first real error doesn't pay first-touch registration cost.
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrListen, ErrAccept, ErrHandshake, ErrSpawn, ErrConnRead, ErrConnWrite, ErrDrain, ErrCircuit, ErrReload} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}
