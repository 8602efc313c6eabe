// Package metrics exposes Prometheus collectors for the HTTP layer and the
// artifact pipeline. A nil *Collector is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	artifactsCreated  *prometheus.CounterVec
	artifactFailures  *prometheus.CounterVec
	artifactRollbacks prometheus.Counter
	artifactsDeleted  prometheus.Counter
	ingestDuration    *prometheus.HistogramVec
	filesStored       *prometheus.CounterVec
	filesDropped      *prometheus.CounterVec

	purgeJobs *prometheus.CounterVec
}

func NewCollector(namespace string, reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	c := &Collector{}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.artifactsCreated = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_created_total",
			Help:      "Artifacts created, by type",
		},
		[]string{"type"},
	)
	c.artifactFailures = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_create_failures_total",
			Help:      "Artifact creations that failed, by type and reason",
		},
		[]string{"type", "reason"},
	)
	c.artifactRollbacks = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_rollbacks_total",
			Help:      "Artifact creations rolled back after the record was written",
		},
	)
	c.artifactsDeleted = f.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifacts_deleted_total",
			Help:      "Artifacts soft-deleted, directly or by session cascade",
		},
	)
	c.ingestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "artifact_ingest_duration_seconds",
			Help:      "Time from acquisition start to stored artifact",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"type"},
	)
	c.filesStored = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_stored_total",
			Help:      "Files written to artifact storage",
		},
		[]string{"type"},
	)
	c.filesDropped = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_files_dropped_total",
			Help:      "Candidate files dropped during ingestion, by reason",
		},
		[]string{"reason"},
	)
	c.purgeJobs = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_purge_jobs_total",
			Help:      "Background storage purge jobs, by result",
		},
		[]string{"result"},
	)
	return c
}

func (c *Collector) RecordHTTPRequest(method, path string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func (c *Collector) RecordArtifactCreated(artifactType string, stored int, d time.Duration) {
	if c == nil {
		return
	}
	c.artifactsCreated.WithLabelValues(artifactType).Inc()
	c.filesStored.WithLabelValues(artifactType).Add(float64(stored))
	c.ingestDuration.WithLabelValues(artifactType).Observe(d.Seconds())
}

func (c *Collector) RecordArtifactFailure(artifactType, reason string) {
	if c == nil {
		return
	}
	c.artifactFailures.WithLabelValues(artifactType, reason).Inc()
}

func (c *Collector) RecordRollback() {
	if c == nil {
		return
	}
	c.artifactRollbacks.Inc()
}

func (c *Collector) RecordArtifactsDeleted(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.artifactsDeleted.Add(float64(n))
}

// RecordDropped adds n to the drop counter for reason. Zero is ignored so
// unused reasons do not show up as series.
func (c *Collector) RecordDropped(reason string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.filesDropped.WithLabelValues(reason).Add(float64(n))
}

func (c *Collector) RecordPurge(result string) {
	if c == nil {
		return
	}
	c.purgeJobs.WithLabelValues(result).Inc()
}
