package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func Test_normalizePath(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{
			name:     "acquire",
			path:     "/api/v1/replication/dc%3Dexample%2Cdc%3Dcom/acquire",
			expected: "/api/v1/replication/:suffix/acquire",
		},
		{
			name:     "replication session",
			path:     "/api/v1/replication/dc%3Dexample%2Cdc%3Dcom/sessions/7f3a/updates",
			expected: "/api/v1/replication/:suffix/sessions/:session/updates",
		},
		{
			name:     "agreement",
			path:     "/api/v1/replicas/dc=example,dc=com/agreements/a-to-b/init",
			expected: "/api/v1/replicas/:suffix/agreements/:name/init",
		},
		{
			name:     "task",
			path:     "/api/v1/tasks/0a1b2c",
			expected: "/api/v1/tasks/:id",
		},
		{
			name:     "task creation",
			path:     "/api/v1/tasks/cleanallruv",
			expected: "/api/v1/tasks/cleanallruv",
		},
		{
			name:     "root",
			path:     "/",
			expected: "/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizePath(tt.path))
		})
	}
}

func TestMetrics(t *testing.T) {
	labels := []string{"handler", "method", "path", "status", "response_code"}
	reqs := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "requests_total"}, labels)
	durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "request_duration_seconds"}, labels)

	h := Metrics("replication", reqs, durs)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ErrorHandler(0).HandleHTTPError(r.Context(), &errors.Error{Code: errors.EBusy}, w)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))

	for _, method := range []string{http.MethodGet, http.MethodGet, http.MethodPost} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/api/v1/replication/dc=x/ruv", nil))
	}

	require.Equal(t, 2.0, testutil.ToFloat64(reqs.WithLabelValues("replication", "GET", "/api/v1/replication/:suffix/ruv", "2XX", "200")))
	require.Equal(t, 1.0, testutil.ToFloat64(reqs.WithLabelValues("replication", "POST", "/api/v1/replication/:suffix/ruv", "4XX", "423")))
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	h := Logging(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/fail" {
			ErrorHandler(0).HandleHTTPError(r.Context(), &errors.Error{Code: errors.ENotFound}, w)
		}
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ok", nil))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/fail", nil))

	require.Equal(t, 1, logs.FilterMessage("Request").Len())
	failed := logs.FilterMessage("Request failed").All()
	require.Len(t, failed, 1)
	require.Equal(t, errors.ENotFound, failed[0].ContextMap()["code"])
	require.Equal(t, int64(404), failed[0].ContextMap()["status"])
}
