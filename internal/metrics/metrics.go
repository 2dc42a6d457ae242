// Package metrics provides Prometheus metrics for bronze ingest runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for an ingest run. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Split metrics
	SplitsPlanned   *prometheus.CounterVec
	SplitsProcessed *prometheus.CounterVec
	SplitsSkipped   *prometheus.CounterVec
	SplitsFailed    *prometheus.CounterVec

	// Record metrics
	RecordsDecoded *prometheus.CounterVec
	DecodeErrors   *prometheus.CounterVec
	BytesRead      *prometheus.CounterVec

	// Timing metrics
	SplitDuration *prometheus.HistogramVec

	// Pipeline metrics
	InFlightSplits prometheus.Gauge
	RetryAttempts  *prometheus.CounterVec
}

var defaultMetrics *Metrics

// New registers the metrics with reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "bronze_ingest"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SplitsPlanned: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "splits_planned_total",
				Help:      "Total number of splits planned",
			},
			[]string{"format"},
		),
		SplitsProcessed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "splits_processed_total",
				Help:      "Total number of splits decoded and published",
			},
			[]string{"format"},
		),
		SplitsSkipped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "splits_skipped_total",
				Help:      "Total number of splits skipped (already completed)",
			},
			[]string{"format"},
		),
		SplitsFailed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "splits_failed_total",
				Help:      "Total number of splits that failed, by error class",
			},
			[]string{"format", "class"},
		),
		RecordsDecoded: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_decoded_total",
				Help:      "Total number of records decoded",
			},
			[]string{"format"},
		),
		DecodeErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decode_errors_total",
				Help:      "Total number of records that failed to decode",
			},
			[]string{"format"},
		),
		BytesRead: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_read_total",
				Help:      "Total number of input bytes read",
			},
			[]string{"format"},
		),
		SplitDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "split_duration_seconds",
				Help:      "Time to decode and publish a split",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"format"},
		),
		InFlightSplits: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "in_flight_splits",
				Help:      "Number of splits currently being processed",
			},
		),
		RetryAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of split retry attempts",
			},
			[]string{"format"},
		),
	}
}

// Init registers the global metrics with the default registerer.
// Call this once at startup.
func Init(namespace string) *Metrics {
	defaultMetrics = New(nil, namespace)
	return defaultMetrics
}

// Get returns the global metrics instance.
// Returns nil if Init has not been called.
func Get() *Metrics {
	return defaultMetrics
}

// Handler serves /metrics for g and a /health probe.
func Handler(g prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

// StartServer serves the default registry on address until ctx is done.
func StartServer(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           Handler(prometheus.DefaultGatherer),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AddSplitsPlanned adds to the splits planned counter.
func (m *Metrics) AddSplitsPlanned(format string, n int) {
	if m == nil {
		return
	}
	m.SplitsPlanned.WithLabelValues(format).Add(float64(n))
}

// IncSplitsProcessed increments the splits processed counter.
func (m *Metrics) IncSplitsProcessed(format string) {
	if m == nil {
		return
	}
	m.SplitsProcessed.WithLabelValues(format).Inc()
}

// IncSplitsSkipped increments the splits skipped counter.
func (m *Metrics) IncSplitsSkipped(format string) {
	if m == nil {
		return
	}
	m.SplitsSkipped.WithLabelValues(format).Inc()
}

// IncSplitsFailed increments the splits failed counter for an error class.
func (m *Metrics) IncSplitsFailed(format, class string) {
	if m == nil {
		return
	}
	m.SplitsFailed.WithLabelValues(format, class).Inc()
}

// ObserveSplit records what one split read and how long it took.
func (m *Metrics) ObserveSplit(format string, records, decodeErrors, bytes int64, d time.Duration) {
	if m == nil {
		return
	}
	m.RecordsDecoded.WithLabelValues(format).Add(float64(records))
	m.DecodeErrors.WithLabelValues(format).Add(float64(decodeErrors))
	m.BytesRead.WithLabelValues(format).Add(float64(bytes))
	m.SplitDuration.WithLabelValues(format).Observe(d.Seconds())
}

// SetInFlightSplits sets the number of in-flight splits.
func (m *Metrics) SetInFlightSplits(n float64) {
	if m == nil {
		return
	}
	m.InFlightSplits.Set(n)
}

// IncRetryAttempts increments the retry attempts counter.
func (m *Metrics) IncRetryAttempts(format string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(format).Inc()
}
