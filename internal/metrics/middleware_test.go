package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMiddleware(t *testing.T) {
	Init()
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/v1/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	okBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	notFoundBefore := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/v1/status", "/v1/missing"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.InDelta(t, okBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")), 0.001)
	require.InDelta(t, notFoundBefore+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")), 0.001)
	require.Positive(t, testutil.CollectAndCount(httpRequestDurationSeconds))
}

func TestMiddlewareWithoutRouteContext(t *testing.T) {
	handler := Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418"))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusTeapot, rec.Code)
	require.InDelta(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "418")), 0.001)
}
