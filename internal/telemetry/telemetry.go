// Package telemetry unifies OpenTelemetry tracing and Prometheus metrics.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/JakeFAU/ig2spotify"

// --- CUSTOM METRIC DEFINITIONS ---

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	runTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ig2spotify_run_transitions_total",
			Help: "Total number of run state transitions, labeled by target state.",
		},
		[]string{"state"},
	)

	itemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ig2spotify_items_total",
			Help: "Total number of ledger rows written, labeled by status.",
		},
		[]string{"status"},
	)

	captureFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ig2spotify_capture_failures_total",
			Help: "Total number of failed capture attempts.",
		},
	)

	catalogLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ig2spotify_catalog_lookups_total",
			Help: "Total number of catalog searches, labeled by query tier and result.",
		},
		[]string{"tier", "result"},
	)

	ledgerLockWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ig2spotify_ledger_lock_wait_seconds",
			Help:    "Histogram of time spent acquiring the ledger file lock.",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		},
	)

	activeWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ig2spotify_active_workers",
			Help: "Number of workers currently processing a run.",
		},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ig2spotify_rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"target"},
	)
)

// ServiceInfo describes the process for trace resources.
type ServiceInfo struct {
	Name      string
	Version   string
	ProjectID string
	Region    string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	initErr   error
)

// --- INITIALIZATION ---

// InitTracing installs the global tracer provider. Spans are sampled but not
// exported until an exporter is registered on the returned provider.
func InitTracing(ctx context.Context, info ServiceInfo) (*sdktrace.TracerProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(info.Name),
				semconv.ServiceVersion(info.Version),
				semconv.CloudAccountID(info.ProjectID),
				semconv.CloudRegion(info.Region),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("failed to create resource: %w", err)
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)
		traceProv = tp
	})
	return traceProv, initErr
}

// Tracer returns the service tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InjectTraceContext copies the span context in ctx into a string carrier,
// suitable for message attributes.
func InjectTraceContext(ctx context.Context) map[string]string {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	return carrier
}

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := ""
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			routePattern = rctx.RoutePattern()
		}
		if routePattern == "" {
			routePattern = "unknown"
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRunTransition records a run entering state.
func ObserveRunTransition(state string) {
	runTransitionsTotal.WithLabelValues(state).Inc()
}

// ObserveItem records a ledger row written with status.
func ObserveItem(status string) {
	itemsTotal.WithLabelValues(status).Inc()
}

// ObserveCaptureFailure records a failed capture attempt.
func ObserveCaptureFailure() {
	captureFailuresTotal.Inc()
}

// ObserveCatalogLookup records one catalog search.
func ObserveCatalogLookup(tier, result string) {
	catalogLookupsTotal.WithLabelValues(tier, result).Inc()
}

// ObserveLedgerLockWait records how long a ledger lock acquisition took.
func ObserveLedgerLockWait(d time.Duration) {
	ledgerLockWaitSeconds.Observe(d.Seconds())
}

// IncActiveWorkers increments the active worker count.
func IncActiveWorkers() {
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active worker count.
func DecActiveWorkers() {
	activeWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(target string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(target).Observe(duration.Seconds())
}
