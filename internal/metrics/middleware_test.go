package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareRecordsRoutePattern(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Put("/v1/sessions/{platform}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/v1/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	beforeOK := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPut, "204"))
	beforeMissing := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404"))

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodPut, "/v1/sessions/lever", nil),
		httptest.NewRequest(http.MethodPut, "/v1/sessions/greenhouse", nil),
		httptest.NewRequest(http.MethodGet, "/v1/missing", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	require.InDelta(t, beforeOK+2, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodPut, "204")), 1e-9)
	require.InDelta(t, beforeMissing+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues(http.MethodGet, "404")), 1e-9)
	// Both session requests share one route label.
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}
