package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Training metrics
	stepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "preftune_step_duration_seconds",
			Help:    "Optimizer step duration in seconds, including accumulated forward/backward passes",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
		},
	)

	stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preftune_steps_total",
			Help: "Total number of optimizer steps by status",
		},
		[]string{"status"}, // "success" or "error"
	)

	trainLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preftune_train_loss",
			Help: "Preference loss at the last optimizer step",
		},
	)

	learningRate = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preftune_learning_rate",
			Help: "Learning rate applied at the last optimizer step",
		},
	)

	rewardMargin = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preftune_reward_margin",
			Help: "Mean chosen-minus-rejected reward at the last optimizer step",
		},
	)

	rewardAccuracy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preftune_reward_accuracy",
			Help: "Share of pairs whose chosen reward beats rejected at the last optimizer step",
		},
	)

	evalLoss = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "preftune_eval_loss",
			Help: "Preference loss over the evaluation set at the last evaluation",
		},
	)

	// Hub metrics
	datasetFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "preftune_dataset_fetch_total",
			Help: "Total number of dataset fetch attempts by status",
		},
		[]string{"status"}, // "success", "error", or "cached"
	)

	fetchRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "preftune_dataset_fetch_retries_total",
			Help: "Total number of dataset fetch retries",
		},
	)
)

// Collector provides convenience methods for recording metrics
type Collector struct {
	logger *slog.Logger
}

// NewCollector creates a new metrics collector
func NewCollector(logger *slog.Logger) *Collector {
	return &Collector{logger: logger}
}

// RecordStep records one optimizer step
func (c *Collector) RecordStep(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	stepDuration.Observe(duration.Seconds())
	stepsTotal.WithLabelValues(status).Inc()
}

// SetTrainStats publishes the step-level training gauges
func (c *Collector) SetTrainStats(loss, lr, margin, accuracy float64) {
	trainLoss.Set(loss)
	learningRate.Set(lr)
	rewardMargin.Set(margin)
	rewardAccuracy.Set(accuracy)
}

// SetEvalLoss publishes the evaluation loss gauge
func (c *Collector) SetEvalLoss(loss float64) {
	evalLoss.Set(loss)
}

// RecordFetch records a dataset fetch outcome: "success", "error", or
// "cached"
func (c *Collector) RecordFetch(status string) {
	datasetFetchTotal.WithLabelValues(status).Inc()
}

// RecordFetchRetry increments the fetch retry counter
func (c *Collector) RecordFetchRetry() {
	fetchRetries.Inc()
}

// Serve exposes the prometheus endpoint on addr until ctx is cancelled.
// It blocks; callers run it in a goroutine. An empty addr disables serving.
func Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	done := make(chan error, 1)
	go func() {
		logger.Info("Metrics endpoint listening", "addr", addr)
		done <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-done
		return nil
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
