// Package metrics exposes pipeline counters of a recording session to Prometheus.
//
// A nil *Recorder is valid and records nothing, so callers that run without
// a metrics endpoint do not need to guard every call.
package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const namespace = "blelog"

// Recorder holds the session metrics on a private registry
type Recorder struct {
	registry *prometheus.Registry

	notifications     prometheus.Counter
	notificationBytes prometheus.Counter
	discarded         prometheus.Counter
	records           prometheus.Counter
	decodeErrors      prometheus.Counter
	queueLength       prometheus.Gauge
	state             *prometheus.GaugeVec
	appendLatency     prometheus.Histogram
}

// New creates a Recorder with all collectors registered
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_received_total",
			Help:      "Notifications accepted into the intake queue.",
		}),
		notificationBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_bytes_total",
			Help:      "Payload bytes of accepted notifications.",
		}),
		discarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_discarded_total",
			Help:      "Notifications that arrived after intake was closed.",
		}),
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_appended_total",
			Help:      "Records durably written to the sink.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Payload lines that could not be decoded into a record.",
		}),
		queueLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "intake_queue_length",
			Help:      "Notifications waiting for the pipeline.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "1 for the current session state, 0 otherwise.",
		}, []string{"state"}),
		appendLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "append_latency_seconds",
			Help:      "Time from notification arrival to sink commit.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
	}

	r.registry.MustRegister(
		r.notifications,
		r.notificationBytes,
		r.discarded,
		r.records,
		r.decodeErrors,
		r.queueLength,
		r.state,
		r.appendLatency,
	)
	return r
}

// Registry returns the registry the collectors live on
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) NotificationReceived(size int) {
	if r == nil {
		return
	}
	r.notifications.Inc()
	r.notificationBytes.Add(float64(size))
}

func (r *Recorder) NotificationDiscarded() {
	if r == nil {
		return
	}
	r.discarded.Inc()
}

func (r *Recorder) RecordAppended(sinceArrival time.Duration) {
	if r == nil {
		return
	}
	r.records.Inc()
	r.appendLatency.Observe(sinceArrival.Seconds())
}

func (r *Recorder) DecodeFailed(n int) {
	if r == nil {
		return
	}
	r.decodeErrors.Add(float64(n))
}

func (r *Recorder) SetQueueLength(n int) {
	if r == nil {
		return
	}
	r.queueLength.Set(float64(n))
}

// SetState marks current as the active state; every other state in all is reset to 0
func (r *Recorder) SetState(current string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		r.state.WithLabelValues(s).Set(0)
	}
	r.state.WithLabelValues(current).Set(1)
}

// Server serves /metrics and /healthz for one Recorder
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *logrus.Logger
}

// Listen binds addr and returns a server ready to Serve
func Listen(addr string, r *Recorder, logger *logrus.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr is the bound listen address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until Shutdown
func (s *Server) Serve() {
	s.logger.WithField("addr", s.Addr()).Info("Serving metrics")
	if err := s.srv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.WithError(err).Error("Metrics server exited")
	}
}

// Shutdown stops the server, waiting for in-flight scrapes up to ctx
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
