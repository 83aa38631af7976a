package indexer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "indexer"

const (
	outcomeInserted  = "inserted"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"

	// the sink buffers inserts, the real outcome is counted by the flush
	outcomeAccepted = "accepted"

	skipUnrouted    = "unrouted"
	skipMismatch    = "mismatch"
	skipMalformed   = "malformed"
	skipBeforeStart = "before_start"
	skipRemoved     = "removed"
	skipNoHandler   = "no_handler"
)

type Metrics struct {
	WindowsFetched    prometheus.Counter
	WindowsFailedOpen prometheus.Counter
	LogsFetched       prometheus.Counter
	LogsSkipped       *prometheus.CounterVec
	Events            *prometheus.CounterVec
	CheckpointHeight  *prometheus.GaugeVec
	BufferedRecords   prometheus.Counter
	BufferDuplicates  prometheus.Counter
	BufferFailed      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		WindowsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_fetched_total",
			Help:      "Windows whose logs were fetched successfully.",
		}),
		WindowsFailedOpen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_failed_open_total",
			Help:      "Windows skipped after exhausting fetch retries.",
		}),
		LogsFetched: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_fetched_total",
			Help:      "Raw logs returned by the upstream.",
		}),
		LogsSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logs_skipped_total",
			Help:      "Raw logs not dispatched, by reason.",
		}, []string{"reason"}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Decoded events by source, event name and persistence outcome.",
		}, []string{"source", "event", "outcome"}),
		CheckpointHeight: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "checkpoint_height",
			Help:      "Last persisted checkpoint height per source.",
		}, []string{"source"}),
		BufferedRecords: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_flushed_records_total",
			Help:      "Records written by write-behind buffer flushes.",
		}),
		BufferDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_duplicate_records_total",
			Help:      "Buffered records skipped at flush because they were already stored.",
		}),
		BufferFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "buffer_failed_records_total",
			Help:      "Buffered records dropped because they could not be written.",
		}),
	}
}

// ObserveFlush records the outcome of a write-behind buffer flush.
func (m *Metrics) ObserveFlush(records, duplicates, failed int) {
	m.BufferedRecords.Add(float64(records - duplicates - failed))
	m.BufferDuplicates.Add(float64(duplicates))
	m.BufferFailed.Add(float64(failed))
}
