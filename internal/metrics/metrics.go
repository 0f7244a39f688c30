// Package metrics exposes Prometheus metrics for inventory runs. Each
// Metrics value owns its registry so the CLI can dump it to a textfile and
// the daemon can serve it.
package metrics

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "cloudinv"

// Metrics holds the collectors. A nil *Metrics discards every observation.
type Metrics struct {
	registry *prometheus.Registry

	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	lastSuccess   *prometheus.GaugeVec
	deltaEntries  *prometheus.CounterVec
	appliedTotal  prometheus.Counter
	failedTotal   prometheus.Counter
	bytesFetched  prometheus.Counter
	snapshotItems *prometheus.GaugeVec
	triggersTotal *prometheus.CounterVec
}

// New creates a registry with the process and Go collectors and all
// inventory metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		runsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Workflow runs by workflow and outcome",
		}, []string{"workflow", "status"}),
		runDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"workflow"}),
		lastSuccess: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per workflow",
		}, []string{"workflow"}),
		deltaEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_entries_total",
			Help:      "Entries classified by the delta engine",
		}, []string{"class"}),
		appliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_applied_total",
			Help:      "Entries materialized locally by sync",
		}),
		failedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_failed_total",
			Help:      "Entries sync could not materialize",
		}),
		bytesFetched: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetched_bytes_total",
			Help:      "Bytes downloaded from the remote",
		}),
		snapshotItems: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_items",
			Help:      "Folders and files in the latest captured snapshot",
		}, []string{"kind"}),
		triggersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Daemon run triggers by source and outcome",
		}, []string{"source", "status"}),
	}
}

// ObserveRun records the outcome and duration of a workflow
func (m *Metrics) ObserveRun(workflow string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failure"
	} else {
		m.lastSuccess.WithLabelValues(workflow).SetToCurrentTime()
	}
	m.runsTotal.WithLabelValues(workflow, status).Inc()
	m.runDuration.WithLabelValues(workflow).Observe(time.Since(started).Seconds())
}

// ObserveDelta counts classified entries
func (m *Metrics) ObserveDelta(added, modified, removed int) {
	if m == nil {
		return
	}
	m.deltaEntries.WithLabelValues("new").Add(float64(added))
	m.deltaEntries.WithLabelValues("modified").Add(float64(modified))
	m.deltaEntries.WithLabelValues("removed").Add(float64(removed))
}

// EntryApplied counts one materialized entry and the bytes written for it
func (m *Metrics) EntryApplied(bytes int64) {
	if m == nil {
		return
	}
	m.appliedTotal.Inc()
	if bytes > 0 {
		m.bytesFetched.Add(float64(bytes))
	}
}

// EntryFailed counts one entry sync could not materialize
func (m *Metrics) EntryFailed() {
	if m == nil {
		return
	}
	m.failedTotal.Inc()
}

// SetSnapshotSize records the size of the latest snapshot
func (m *Metrics) SetSnapshotSize(folders, files int) {
	if m == nil {
		return
	}
	m.snapshotItems.WithLabelValues("folder").Set(float64(folders))
	m.snapshotItems.WithLabelValues("file").Set(float64(files))
}

// Trigger counts a daemon trigger
func (m *Metrics) Trigger(source, status string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(source, status).Inc()
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// WriteTextfile writes the registry for the node_exporter textfile collector
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
