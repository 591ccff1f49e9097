package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"streamingest/internal/logging"
)

var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_events_received_total",
			Help: "Events pulled from the stream",
		},
		[]string{"stream", "partition"},
	)

	RecordsForwarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_records_forwarded_total",
			Help: "Records accepted by the ingestion sink",
		},
		[]string{"stream", "partition"},
	)

	PoisonEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_poison_events_total",
			Help: "Events skipped because they could not be transformed",
		},
		[]string{"stream", "partition", "field"},
	)

	SinkAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_sink_attempts_total",
			Help: "Sink submit attempts by outcome",
		},
		[]string{"outcome"},
	)

	SinkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "streamingest_sink_submit_duration_seconds",
			Help:    "Duration of a single sink submit call",
			Buckets: prometheus.DefBuckets,
		},
	)

	CheckpointSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_checkpoint_saves_total",
			Help: "Checkpoint save attempts by outcome",
		},
		[]string{"outcome"},
	)

	PartitionFatal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamingest_partition_fatal_total",
			Help: "Partition workers stopped by a fatal error",
		},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamingest_credential_refreshes_total",
			Help: "Token refreshes by outcome",
		},
		[]string{"outcome"},
	)

	ActivePartitions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamingest_active_partitions",
			Help: "Partition workers currently running",
		},
	)
)

// Expose serves /metrics on port until ctx is done. Port 0 disables it.
func Expose(ctx context.Context, port int) *http.Server {
	if port == 0 {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.L().Error("metrics server stopped", logging.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return srv
}
