package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// OpRequests tracks governance boundary operations by handler, action and status.
	OpRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "governance_op_requests_total",
			Help: "Total number of governance operations by handler, action and status",
		},
		[]string{"handler", "action", "status"},
	)

	// OpLatency tracks the latency of governance boundary operations.
	OpLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "governance_op_latency_seconds",
			Help:    "Latency of governance operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"handler", "action"},
	)

	// RecalcQueuePending tracks the number of pending trust recalculation jobs.
	RecalcQueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trust_recalc_queue_pending",
			Help: "Number of pending trust recalculation jobs",
		},
	)

	// RecalcJobsProcessed counts drained recalculation jobs by outcome.
	RecalcJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_recalc_jobs_total",
			Help: "Total number of drained recalculation jobs by outcome",
		},
		[]string{"outcome"},
	)

	// SignalFeedFailures counts trust signal feed lookups that degraded to neutral.
	SignalFeedFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trust_signal_feed_failures_total",
			Help: "Total number of signal feed lookups that fell back to a neutral score",
		},
		[]string{"dimension"},
	)

	// InviteBlocks counts inviters transitioned into the blocked state.
	InviteBlocks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "invite_blocks_total",
			Help: "Total number of inviters blocked by the diversity monitor",
		},
	)
)

// Serve starts the Prometheus metrics endpoint until ctx is cancelled.
func Serve(ctx context.Context, log *zap.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown", zap.Error(err))
		}
	}()

	log.Info("metrics server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
