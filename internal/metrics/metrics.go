// Package metrics provides Prometheus metrics for the import pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_uploads_total",
			Help: "Total number of uploaded import files by format and result",
		},
		[]string{"format", "status"},
	)

	PrepareDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "import_prepare_duration_seconds",
			Help:    "Time spent parsing, mapping and validating an upload",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"format"},
	)

	RowsValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_rows_validated_total",
			Help: "Total number of candidate rows by verdict",
		},
		[]string{"verdict"},
	)

	// Commit metrics
	SubBatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "import_sub_batches_total",
			Help: "Total number of sub-batch commit attempts by result",
		},
		[]string{"status"},
	)

	SubBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "import_sub_batch_duration_seconds",
			Help:    "Duration of sub-batch transactions",
			Buckets: prometheus.DefBuckets,
		},
	)

	RowsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "import_rows_committed_total",
			Help: "Total number of components persisted by imports",
		},
	)

	LockRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "import_drawing_lock_retries_total",
			Help: "Total number of retries caused by drawing lock contention",
		},
	)

	// Capacity metrics
	ActiveJobs = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "import_active_jobs",
			Help: "Number of import jobs currently holding a slot",
		},
		[]string{"kind"},
	)
)

// Recorder binds the package metrics to one ingestion format so call sites
// do not repeat label values.
type Recorder struct {
	format string
}

// NewRecorder returns a recorder labelled with the given file format.
func NewRecorder(format string) *Recorder {
	return &Recorder{format: format}
}

// RecordUpload records the outcome and duration of one upload preparation.
func (r *Recorder) RecordUpload(status string, d time.Duration) {
	UploadsTotal.WithLabelValues(r.format, status).Inc()
	PrepareDuration.WithLabelValues(r.format).Observe(d.Seconds())
}

// RecordVerdicts adds verdict counts from one validation pass.
func RecordVerdicts(accepted, rejected, needsReview int) {
	RowsValidated.WithLabelValues("accepted").Add(float64(accepted))
	RowsValidated.WithLabelValues("rejected").Add(float64(rejected))
	RowsValidated.WithLabelValues("needs_review").Add(float64(needsReview))
}

// RecordSubBatch records one sub-batch commit attempt.
func RecordSubBatch(status string, rows int, d time.Duration) {
	SubBatchesTotal.WithLabelValues(status).Inc()
	SubBatchDuration.Observe(d.Seconds())
	if status == "committed" {
		RowsCommitted.Add(float64(rows))
	}
}
