package http

import (
	"net/http"

	kithttp "github.com/dirsrv/replication/kit/transport/http"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	MetricsPath = "/metrics"
	ReadyPath   = "/ready"
)

// ResourceHandler is an HTTP handler mounted under its prefix.
type ResourceHandler interface {
	http.Handler
	Prefix() string
}

// HandlerOptFn configures NewHandler.
type HandlerOptFn func(*handlerOpts)

type handlerOpts struct {
	log   *zap.Logger
	reg   *prometheus.Registry
	ready func() bool
}

// WithLog logs requests to log.
func WithLog(log *zap.Logger) HandlerOptFn {
	return func(o *handlerOpts) { o.log = log }
}

// WithMetrics registers the request metrics with reg and serves reg on
// /metrics.
func WithMetrics(reg *prometheus.Registry) HandlerOptFn {
	return func(o *handlerOpts) { o.reg = reg }
}

// WithReady reports the server ready once ready returns true.
func WithReady(ready func() bool) HandlerOptFn {
	return func(o *handlerOpts) { o.ready = ready }
}

// NewHandler mounts the resource handlers and the ready and metrics
// endpoints on one router.
func NewHandler(name string, handlers []ResourceHandler, opts ...HandlerOptFn) http.Handler {
	o := handlerOpts{log: zap.NewNop()}
	for _, fn := range opts {
		fn(&o)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer,
		middleware.RequestID,
		middleware.RealIP,
		kithttp.Logging(o.log),
	)
	if o.reg != nil {
		labels := []string{"handler", "method", "path", "status", "response_code"}
		reqs := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "http",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Number of http requests received",
		}, labels)
		durs := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "http",
			Subsystem: "api",
			Name:      "request_duration_seconds",
			Help:      "Time taken to respond to HTTP request",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, labels)
		o.reg.MustRegister(reqs, durs)
		r.Use(kithttp.Metrics(name, reqs, durs))
		r.Handle(MetricsPath, promhttp.HandlerFor(o.reg, promhttp.HandlerOpts{}))
	}

	r.Get(ReadyPath, NewReadyHandler(o.ready))
	for _, h := range handlers {
		r.Mount(h.Prefix(), h)
	}
	return r
}
