package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the selection counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	frames     *prometheus.CounterVec
	frameErrs  *prometheus.CounterVec
	evictions  prometheus.Counter
	dropped    prometheus.Counter
	queueDepth prometheus.Gauge
	bestScore  prometheus.Gauge
}

// New creates a new Metrics instance with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestframe_frames_total",
			Help: "Frames ingested, by outcome (accepted, rejected, no_face).",
		}, []string{"outcome"}),
		frameErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bestframe_frame_errors_total",
			Help: "Frames dropped by the accumulator, by reason.",
		}, []string{"reason"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bestframe_evictions_total",
			Help: "Retained frames pushed out by better ones.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bestframe_queue_dropped_total",
			Help: "Pose estimates dropped by the ingestion queue under backpressure.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bestframe_queue_depth",
			Help: "Pose estimates waiting in the ingestion queue.",
		}),
		bestScore: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bestframe_best_score",
			Help: "Score of the current rank-1 frame.",
		}),
	}
	m.registry.MustRegister(m.frames, m.frameErrs, m.evictions, m.dropped, m.queueDepth, m.bestScore)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Frame(outcome string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(outcome).Inc()
}

func (m *Metrics) FrameError(reason string) {
	if m == nil {
		return
	}
	m.frameErrs.WithLabelValues(reason).Inc()
}

func (m *Metrics) Evicted() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) BestScore(v float64) {
	if m == nil {
		return
	}
	m.bestScore.Set(v)
}

// Handler returns the Prometheus exposition handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
