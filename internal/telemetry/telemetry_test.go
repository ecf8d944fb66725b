package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsStatusAndRoute(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/runs/{run_id}/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs/abc/status", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")))
	require.GreaterOrEqual(t, testutil.CollectAndCount(httpRequestDurationSeconds), 1)
}

func TestMiddlewareWithoutRouter(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/raw", nil))
	require.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")))
}

func TestDomainCounters(t *testing.T) {
	items := testutil.ToFloat64(itemsTotal.WithLabelValues("SUCCESS"))
	ObserveItem("SUCCESS")
	require.Equal(t, items+1, testutil.ToFloat64(itemsTotal.WithLabelValues("SUCCESS")))

	lookups := testutil.ToFloat64(catalogLookupsTotal.WithLabelValues("strict", "hit"))
	ObserveCatalogLookup("strict", "hit")
	require.Equal(t, lookups+1, testutil.ToFloat64(catalogLookupsTotal.WithLabelValues("strict", "hit")))

	runs := testutil.ToFloat64(runTransitionsTotal.WithLabelValues("DONE"))
	ObserveRunTransition("DONE")
	require.Equal(t, runs+1, testutil.ToFloat64(runTransitionsTotal.WithLabelValues("DONE")))

	failures := testutil.ToFloat64(captureFailuresTotal)
	ObserveCaptureFailure()
	require.Equal(t, failures+1, testutil.ToFloat64(captureFailuresTotal))

	IncActiveWorkers()
	active := testutil.ToFloat64(activeWorkers)
	DecActiveWorkers()
	require.Equal(t, active-1, testutil.ToFloat64(activeWorkers))

	ObserveLedgerLockWait(5 * time.Millisecond)
	ObserveRateLimitDelay("spotify", time.Second)
	require.Equal(t, 1, testutil.CollectAndCount(ledgerLockWaitSeconds))
}

func TestInitTracingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracing(ctx, ServiceInfo{Name: "ig2spotify-test", Version: "test"})
	require.NoError(t, err)
	require.NotNil(t, tp)
	defer func() { require.NoError(t, tp.Shutdown(ctx)) }()

	again, err := InitTracing(ctx, ServiceInfo{Name: "other"})
	require.NoError(t, err)
	require.Same(t, tp, again)

	spanCtx, span := Tracer().Start(ctx, "test")
	carrier := InjectTraceContext(spanCtx)
	span.End()
	require.Contains(t, carrier, "traceparent")
}
