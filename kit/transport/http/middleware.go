package http

import (
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Middleware constructor.
type Middleware func(http.Handler) http.Handler

// Metrics counts and times the requests of a handler.
func Metrics(name string, reqMetric *prometheus.CounterVec, durMetric *prometheus.HistogramVec) Middleware {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func(start time.Time) {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				label := prometheus.Labels{
					"handler":       name,
					"method":        r.Method,
					"path":          normalizePath(r.URL.Path),
					"status":        strconv.Itoa(status/100) + "XX",
					"response_code": strconv.Itoa(status),
				}
				durMetric.With(label).Observe(time.Since(start).Seconds())
				reqMetric.With(label).Inc()
			}(time.Now())

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}

// Logging logs every request at debug level and failed ones at info.
func Logging(log *zap.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			}
			if code := ww.Header().Get(PlatformErrorCodeHeader); code != "" {
				log.Info("Request failed", append(fields, zap.String("code", code))...)
				return
			}
			log.Debug("Request", fields...)
		}
		return http.HandlerFunc(fn)
	}
}

// normalizePath replaces the identifier segments of the
// replication routes so that metrics have bounded cardinality.
func normalizePath(p string) string {
	parts := strings.Split(strings.Trim(path.Clean("/"+p), "/"), "/")
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "replication", "replicas":
			parts[i] = ":suffix"
		case "agreements":
			parts[i] = ":name"
		case "sessions":
			parts[i] = ":session"
		case "tasks":
			if parts[i] != "cleanallruv" && parts[i] != "abortcleanallruv" {
				parts[i] = ":id"
			}
		}
	}
	return "/" + strings.Join(parts, "/")
}
