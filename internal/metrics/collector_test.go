package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollector_Records(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())

	c.RecordArtifactCreated("repository", 3, 2*time.Second)
	c.RecordArtifactCreated("repository", 2, time.Second)
	c.RecordDropped("extension", 4)
	c.RecordDropped("oversize", 0)
	c.RecordRollback()
	c.RecordArtifactsDeleted(2)
	c.RecordHTTPRequest("GET", "/healthz", 200, time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.artifactsCreated.WithLabelValues("repository")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.filesStored.WithLabelValues("repository")))
	assert.Equal(t, 4.0, testutil.ToFloat64(c.filesDropped.WithLabelValues("extension")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.filesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.artifactRollbacks))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.artifactsDeleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.httpRequestsTotal.WithLabelValues("GET", "/healthz", "200")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.RecordArtifactCreated("zip", 1, time.Second)
		c.RecordArtifactFailure("zip", "invalid_format")
		c.RecordRollback()
		c.RecordPurge("ok")
		c.RecordHTTPRequest("GET", "/", 200, 0)
	})
}
