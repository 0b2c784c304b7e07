package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	// Reset Prometheus registry to avoid duplicate registration
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	return NewCollector(), reg
}

func TestNewCollector(t *testing.T) {
	collector, _ := newTestCollector(t)

	assert.NotNil(t, collector, "NewCollector should return a non-nil collector")
	assert.NotNil(t, collector.connectAttempts)
	assert.NotNil(t, collector.channelState)
	assert.NotNil(t, collector.outboxDepth)
	assert.NotNil(t, collector.jobsFinished)
	assert.NotNil(t, collector.jobLatency)
	assert.NotNil(t, collector.heartbeats)
	assert.NotNil(t, collector.scriptTasks)
}

func TestChannelMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	for i := 0; i < 3; i++ {
		collector.RecordConnectAttempt()
	}
	collector.SetChannelState(2)
	collector.UpdateOutbox(7)
	collector.RecordOutboxDrop()

	assert.Equal(t, 3.0, testutil.ToFloat64(collector.connectAttempts))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.channelState))
	assert.Equal(t, 7.0, testutil.ToFloat64(collector.outboxDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.outboxDropped))
}

func TestJobMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordJobTracked()
	collector.RecordJobPoll()
	collector.RecordJobPoll()
	collector.RecordPushHint()
	collector.RecordJobFinished("completed", 0.5)
	collector.RecordJobFinished("failed", 1.5)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsTracked))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.jobPolls))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobPushHints))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFinished.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.jobsFinished.WithLabelValues("failed")))
}

func TestResultLabels(t *testing.T) {
	collector, _ := newTestCollector(t)

	collector.RecordHeartbeat(true)
	collector.RecordHeartbeat(false)
	collector.RecordHeartbeat(false)
	collector.RecordScriptTask(false)
	collector.RecordRPC(true)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.heartbeats.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.heartbeats.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.scriptTasks.WithLabelValues("js_error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.rpcCalls.WithLabelValues("ok")))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordConnectAttempt()
		collector.SetChannelState(1)
		collector.UpdateOutbox(1)
		collector.RecordOutboxDrop()
		collector.RecordJobTracked()
		collector.RecordJobFinished("completed", 0)
		collector.RecordJobPoll()
		collector.RecordPushHint()
		collector.RecordHeartbeat(true)
		collector.RecordScriptTask(true)
		collector.RecordRPC(false)
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector, _ := newTestCollector(t)

	// Prometheus metrics are safe for concurrent use
	done := make(chan bool, 100)
	for i := 0; i < 100; i++ {
		go func() {
			collector.RecordJobTracked()
			collector.RecordJobPoll()
			collector.RecordJobFinished("completed", 0.1)
			collector.UpdateOutbox(5)
			done <- true
		}()
	}
	for i := 0; i < 100; i++ {
		<-done
	}

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.jobsTracked))
}

func TestCollectorIsolation(t *testing.T) {
	newTestCollector(t)

	// A second collector panics on duplicate registration
	assert.Panics(t, func() {
		NewCollector()
	}, "Creating a second collector should panic due to duplicate registration")
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector, _ := newTestCollector(t)
	collector.RecordConnectAttempt()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "bridge_channel_connect_attempts_total 1"))
}
