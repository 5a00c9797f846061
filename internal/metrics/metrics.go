// Package metrics exposes transfer counters in Prometheus format.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tanq16/splitfetch/internal/utils"
)

// Recorder owns its registry so several recorders (tests, batch runs) never
// collide on the global one. All methods are safe on a nil *Recorder.
type Recorder struct {
	registry  *prometheus.Registry
	bytes     prometheus.Counter
	attempts  *prometheus.CounterVec
	retries   prometheus.Counter
	inflight  prometheus.Gauge
	transfers *prometheus.CounterVec
	duration  prometheus.Histogram
}

func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splitfetch_bytes_total",
			Help: "Bytes written to working files",
		}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitfetch_chunk_attempts_total",
			Help: "Chunk fetch attempts by result",
		}, []string{"result"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "splitfetch_retries_total",
			Help: "Chunk attempts scheduled for retry",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "splitfetch_chunks_inflight",
			Help: "Chunks currently being fetched",
		}),
		transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "splitfetch_transfers_total",
			Help: "Finished transfers by terminal state",
		}, []string{"state"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "splitfetch_chunk_duration_seconds",
			Help:    "Time spent per chunk attempt",
			Buckets: prometheus.DefBuckets,
		}),
	}
	r.registry.MustRegister(r.bytes, r.attempts, r.retries, r.inflight, r.transfers, r.duration)
	return r
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) AddBytes(n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.Add(float64(n))
}

func (r *Recorder) ChunkStarted() {
	if r == nil {
		return
	}
	r.inflight.Inc()
}

// ChunkFinished closes one attempt; result is "complete", "retry", "failed"
// or "canceled".
func (r *Recorder) ChunkFinished(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.inflight.Dec()
	r.attempts.WithLabelValues(result).Inc()
	r.duration.Observe(elapsed.Seconds())
	if result == "retry" {
		r.retries.Inc()
	}
}

func (r *Recorder) TransferFinished(state string) {
	if r == nil {
		return
	}
	r.transfers.WithLabelValues(state).Inc()
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, r *Recorder) error {
	log := utils.GetLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("op", "serve").Str("addr", addr).Msg("Metrics listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Str("op", "serve").Msg("Metrics server error")
		return err
	}
	return nil
}
