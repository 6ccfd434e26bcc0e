package observability_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fairyhunter13/repowatch/internal/adapter/observability"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPipelineRunLifecycle(t *testing.T) {
	observability.StartPipelineRun("discovery")
	observability.FinishPipelineRun("discovery", "completed", 2*time.Second)

	count := testutil.ToFloat64(observability.PipelineRunsTotal.WithLabelValues("discovery", "completed"))
	assert.Equal(t, float64(1), count)
}

func TestRecordRateClientCall(t *testing.T) {
	observability.RecordRateClientCall("core", "ok", 4500)

	gauge := testutil.ToFloat64(observability.RateClientRemaining.WithLabelValues("core"))
	assert.Equal(t, float64(4500), gauge)
}

func TestRecordQueueDepth(t *testing.T) {
	observability.RecordQueueDepth("newly_eligible", 7)

	gauge := testutil.ToFloat64(observability.QueueDepth.WithLabelValues("newly_eligible"))
	assert.Equal(t, float64(7), gauge)
}

func TestRecordWatchlistScore(t *testing.T) {
	observability.RecordWatchlistScore("momentum", 82.5)
}

func TestRecordCircuitBreakerStatus(t *testing.T) {
	observability.RecordCircuitBreakerStatus("ghclient", "core", 1)

	gauge := testutil.ToFloat64(observability.CircuitBreakerStatus.WithLabelValues("ghclient", "core"))
	assert.Equal(t, float64(1), gauge)
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(observability.HTTPMetricsMiddleware)
	r.Get("/watchlist", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/watchlist", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestInitMetrics(t *testing.T) {
	assert.NotPanics(t, func() {
		observability.InitMetrics()
	})
}
