// ============================================================================
// webui-bridge Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose bridge runtime metrics for Prometheus.
//
// Metric groups:
//
//   1. Push channel:
//      - bridge_channel_connect_attempts_total: dial attempts
//      - bridge_channel_state: current state (0 closed, 1 connecting,
//        2 open, 3 stopped)
//      - bridge_outbox_depth: messages waiting for an open channel
//      - bridge_outbox_dropped_total: messages dropped by a full outbox
//
//   2. Job resolution:
//      - bridge_jobs_tracked_total
//      - bridge_jobs_finished_total{state}: completed, failed, canceled,
//        timed_out
//      - bridge_job_polls_total: status requests
//      - bridge_job_push_hints_total: rpc_job_update frames for live jobs
//      - bridge_job_latency_seconds: tracked to terminal state
//
//   3. Liveness and tasks:
//      - bridge_heartbeat_beats_total{result}: ok, failed
//      - bridge_script_tasks_total{result}: ok, js_error
//      - bridge_rpc_calls_total{result}: ok, error
//
// Example queries:
//
//   # job failure ratio
//   rate(bridge_jobs_finished_total{state!="completed"}[5m])
//     / rate(bridge_jobs_finished_total[5m])
//
//   # how often the fallback poller does the work push should have done
//   rate(bridge_job_polls_total[5m]) / rate(bridge_jobs_tracked_total[5m])
//
// Every method is safe on a nil *Collector so components can run without
// instrumentation.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the bridge's Prometheus metrics.
type Collector struct {
	// push channel
	connectAttempts prometheus.Counter
	channelState    prometheus.Gauge
	outboxDepth     prometheus.Gauge
	outboxDropped   prometheus.Counter

	// job resolution
	jobsTracked  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobPolls     prometheus.Counter
	jobPushHints prometheus.Counter
	jobLatency   prometheus.Histogram

	// liveness and tasks
	heartbeats  *prometheus.CounterVec
	scriptTasks *prometheus.CounterVec
	rpcCalls    *prometheus.CounterVec
}

// NewCollector creates the collector and registers it with
// prometheus.DefaultRegisterer. A process should create exactly one.
func NewCollector() *Collector {
	c := &Collector{
		connectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_channel_connect_attempts_total",
			Help: "Total number of push channel dial attempts",
		}),
		channelState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_channel_state",
			Help: "Push channel state: 0 closed, 1 connecting, 2 open, 3 stopped",
		}),
		outboxDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_outbox_depth",
			Help: "Messages waiting for the push channel to open",
		}),
		outboxDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_outbox_dropped_total",
			Help: "Messages dropped because the outbox was full",
		}),
		jobsTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_jobs_tracked_total",
			Help: "Total number of async jobs handed to the resolver",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_jobs_finished_total",
			Help: "Jobs that reached a terminal state, by state",
		}, []string{"state"}),
		jobPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_job_polls_total",
			Help: "Job status requests issued",
		}),
		jobPushHints: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_job_push_hints_total",
			Help: "Push hints received for tracked jobs",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "bridge_job_latency_seconds",
			Help:    "Time from tracking a job to its terminal state",
			Buckets: prometheus.DefBuckets,
		}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_heartbeat_beats_total",
			Help: "Heartbeat attempts by result",
		}, []string{"result"}),
		scriptTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_script_tasks_total",
			Help: "Script tasks executed by result",
		}, []string{"result"}),
		rpcCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_rpc_calls_total",
			Help: "Request calls by result",
		}, []string{"result"}),
	}

	prometheus.MustRegister(c.connectAttempts)
	prometheus.MustRegister(c.channelState)
	prometheus.MustRegister(c.outboxDepth)
	prometheus.MustRegister(c.outboxDropped)
	prometheus.MustRegister(c.jobsTracked)
	prometheus.MustRegister(c.jobsFinished)
	prometheus.MustRegister(c.jobPolls)
	prometheus.MustRegister(c.jobPushHints)
	prometheus.MustRegister(c.jobLatency)
	prometheus.MustRegister(c.heartbeats)
	prometheus.MustRegister(c.scriptTasks)
	prometheus.MustRegister(c.rpcCalls)

	return c
}

// RecordConnectAttempt counts a dial.
func (c *Collector) RecordConnectAttempt() {
	if c == nil {
		return
	}
	c.connectAttempts.Inc()
}

// SetChannelState publishes the channel state ordinal.
func (c *Collector) SetChannelState(state int) {
	if c == nil {
		return
	}
	c.channelState.Set(float64(state))
}

// UpdateOutbox publishes the outbox depth.
func (c *Collector) UpdateOutbox(depth int) {
	if c == nil {
		return
	}
	c.outboxDepth.Set(float64(depth))
}

// RecordOutboxDrop counts a message rejected by a full outbox.
func (c *Collector) RecordOutboxDrop() {
	if c == nil {
		return
	}
	c.outboxDropped.Inc()
}

// RecordJobTracked counts a job handed to the resolver.
func (c *Collector) RecordJobTracked() {
	if c == nil {
		return
	}
	c.jobsTracked.Inc()
}

// RecordJobFinished counts a terminal job and observes its latency.
func (c *Collector) RecordJobFinished(state string, latencySeconds float64) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(state).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordJobPoll counts a status request.
func (c *Collector) RecordJobPoll() {
	if c == nil {
		return
	}
	c.jobPolls.Inc()
}

// RecordPushHint counts a push hint for a live job.
func (c *Collector) RecordPushHint() {
	if c == nil {
		return
	}
	c.jobPushHints.Inc()
}

// RecordHeartbeat counts a heartbeat outcome.
func (c *Collector) RecordHeartbeat(ok bool) {
	if c == nil {
		return
	}
	c.heartbeats.WithLabelValues(resultLabel(ok, "failed")).Inc()
}

// RecordScriptTask counts an executed script task.
func (c *Collector) RecordScriptTask(ok bool) {
	if c == nil {
		return
	}
	c.scriptTasks.WithLabelValues(resultLabel(ok, "js_error")).Inc()
}

// RecordRPC counts a request call.
func (c *Collector) RecordRPC(ok bool) {
	if c == nil {
		return
	}
	c.rpcCalls.WithLabelValues(resultLabel(ok, "error")).Inc()
}

func resultLabel(ok bool, failure string) string {
	if ok {
		return "ok"
	}
	return failure
}

// Handler serves the default gatherer in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer serves /metrics on port until the listener fails.
//
// Parameters:
//   - port: HTTP port
//
// Returns:
//   - error: listen or serve error
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
