// Package metrics records per-run transfer counters with Prometheus.
//
// Each ferry invocation builds one Collector on a private registry, hands it
// to the components that do I/O, and optionally writes the registry to a
// text file in the exposition format when the run ends:
//
//	m := metrics.NewCollector()
//	loader := loader.New(writer, loader.WithMetrics(m))
//	...
//	_ = m.WriteToTextfile("ferry.prom")
//
// A nil *Collector is valid and records nothing, so components never need
// to check whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ferry"

// Directions reported by ObjectTransferred.
const (
	DirectionUpload   = "upload"
	DirectionDownload = "download"
)

// Driver attempt results reported by DriverAttempt.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Collector holds the counters of one run.
type Collector struct {
	registry *prometheus.Registry

	chunksWritten      *prometheus.CounterVec
	rowsLoaded         *prometheus.CounterVec
	chunkFailures      *prometheus.CounterVec
	apiRequests        *prometheus.CounterVec
	objectsTransferred *prometheus.CounterVec
	driverAttempts     *prometheus.CounterVec
	tableDuration      *prometheus.HistogramVec
}

// NewCollector creates a collector registered on its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		chunksWritten: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunks_written_total",
				Help:      "Chunks written to the relational store",
			},
			[]string{"table", "policy"},
		),
		rowsLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_loaded_total",
				Help:      "Rows committed to the relational store",
			},
			[]string{"table"},
		),
		chunkFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chunk_failures_total",
				Help:      "Chunk writes that aborted a table load",
			},
			[]string{"table"},
		),
		apiRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_requests_total",
				Help:      "HTTP API requests by response status",
			},
			[]string{"status"},
		),
		objectsTransferred: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "objects_transferred_total",
				Help:      "Objects moved to or from the object store",
			},
			[]string{"direction"},
		),
		driverAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "driver_attempts_total",
				Help:      "Relational driver negotiation attempts",
			},
			[]string{"driver", "result"},
		),
		tableDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "table_load_duration_seconds",
				Help:      "Wall time spent loading one table",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
			[]string{"table", "status"},
		),
	}
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ChunkWritten counts one committed chunk of rows rows.
func (c *Collector) ChunkWritten(table, policy string, rows int) {
	if c == nil {
		return
	}
	c.chunksWritten.WithLabelValues(table, policy).Inc()
	c.rowsLoaded.WithLabelValues(table).Add(float64(rows))
}

// ChunkFailed counts a chunk write that aborted table.
func (c *Collector) ChunkFailed(table string) {
	if c == nil {
		return
	}
	c.chunkFailures.WithLabelValues(table).Inc()
}

// ObserveAPIRequest counts an API call by HTTP status, or "error" when no
// response arrived.
func (c *Collector) ObserveAPIRequest(status string) {
	if c == nil {
		return
	}
	c.apiRequests.WithLabelValues(status).Inc()
}

// ObjectTransferred counts one object upload or download.
func (c *Collector) ObjectTransferred(direction string) {
	if c == nil {
		return
	}
	c.objectsTransferred.WithLabelValues(direction).Inc()
}

// DriverAttempt counts one driver negotiation attempt.
func (c *Collector) DriverAttempt(driver string, ok bool) {
	if c == nil {
		return
	}
	result := ResultFailure
	if ok {
		result = ResultSuccess
	}
	c.driverAttempts.WithLabelValues(driver, result).Inc()
}

// TableLoaded observes how long a table load took.
func (c *Collector) TableLoaded(table, status string, d time.Duration) {
	if c == nil {
		return
	}
	c.tableDuration.WithLabelValues(table, status).Observe(d.Seconds())
}

// WriteToTextfile writes every metric to filename in the text exposition
// format. The file is written atomically.
func (c *Collector) WriteToTextfile(filename string) error {
	if c == nil {
		return nil
	}
	return prometheus.WriteToTextfile(filename, c.registry)
}

// Timer measures the duration of an operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Stop returns the time elapsed since NewTimer. It may be called repeatedly.
func (t *Timer) Stop() time.Duration {
	return time.Since(t.start)
}
