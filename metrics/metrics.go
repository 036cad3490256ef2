// Package metrics holds the Prometheus collectors shared by the database
// gateway and the guild reconciler.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	// QueueDepth is the number of gateway operations waiting to run.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engineer_db_queue_depth",
			Help: "Database operations waiting in the gateway queue.",
		},
	)

	// Operations counts gateway operations by kind and result.
	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engineer_db_operations_total",
			Help: "Database operations run by the gateway.",
		},
		[]string{"kind", "result"},
	)

	// OperationDuration records how long a dequeued operation took to run.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engineer_db_operation_duration_seconds",
			Help:    "Time spent executing a queued database operation.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// Repairs counts reconciler actions by kind (channel, role, hierarchy, teardown, leave).
	Repairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engineer_reconcile_repairs_total",
			Help: "Drift repairs performed by the guild reconciler.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, Operations, OperationDuration, Repairs)
}

// Result maps an error to the "result" label value.
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) {
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
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}
