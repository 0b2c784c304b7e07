// Package heartbeat keeps the backend informed that the front end is alive
// and gives up on the session after too many consecutive failed beats.
//
// The Monitor is driven from the event loop. Beater results must be
// delivered on the loop; the monitor's own guard timer bounds every
// attempt, so a beat that never answers still counts as a failure.
package heartbeat

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/eventloop"
	"github.com/ChuLiYu/webui-bridge/internal/metrics"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// ErrBeatTimeout is reported for an attempt that outlived the timeout.
var ErrBeatTimeout = errors.New("heartbeat timed out")

// Beater sends one heartbeat. Beat must not block; done is called at most
// once, on the event loop.
type Beater interface {
	Beat(timeout time.Duration, done func(error))
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Monitor) { m.metrics = c }
}

// Monitor schedules heartbeats.
type Monitor struct {
	cfg         types.HeartbeatConfig
	sched       eventloop.Scheduler
	beater      Beater
	onExhausted func()

	running  bool
	visible  bool
	inFlight bool
	attempt  uint64
	failures int
	timer    eventloop.Timer
	guard    eventloop.Timer

	metrics *metrics.Collector
	log     *slog.Logger
}

// New creates a stopped monitor. cfg is normalized. onExhausted runs once
// when the failure threshold is reached.
func New(cfg types.HeartbeatConfig, sched eventloop.Scheduler, beater Beater, onExhausted func(), opts ...Option) *Monitor {
	m := &Monitor{
		cfg:         cfg.Normalize(),
		sched:       sched,
		beater:      beater,
		onExhausted: onExhausted,
		visible:     true,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the normalized configuration.
func (m *Monitor) Config() types.HeartbeatConfig { return m.cfg }

// Failures returns the consecutive failure count.
func (m *Monitor) Failures() int { return m.failures }

// Running reports whether beats are scheduled.
func (m *Monitor) Running() bool { return m.running }

// Start schedules the first beat after the initial delay. A disabled config
// never beats.
func (m *Monitor) Start() {
	if m.running || !m.cfg.Enabled {
		return
	}
	m.running = true
	m.schedule(m.cfg.InitialDelay)
}

// SetVisible switches the cadence. The pending beat is rescheduled with the
// new interval; an attempt in flight picks it up when it completes.
func (m *Monitor) SetVisible(visible bool) {
	if m.visible == visible {
		return
	}
	m.visible = visible
	if m.running && !m.inFlight {
		m.schedule(m.interval())
	}
}

// Stop cancels every pending beat. Results of an attempt in flight are
// ignored afterwards.
func (m *Monitor) Stop() {
	m.running = false
	m.inFlight = false
	m.attempt++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
}

func (m *Monitor) interval() time.Duration {
	if m.visible {
		return m.cfg.IntervalVisible
	}
	return m.cfg.IntervalHidden
}

func (m *Monitor) schedule(d time.Duration) {
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = m.sched.After("heartbeat", d, func() {
		m.timer = nil
		m.beat()
	})
}

func (m *Monitor) beat() {
	if !m.running || m.inFlight {
		return
	}
	m.inFlight = true
	m.attempt++
	attempt := m.attempt
	m.guard = m.sched.After("heartbeat-timeout", m.cfg.Timeout, func() {
		m.guard = nil
		m.complete(attempt, ErrBeatTimeout)
	})
	m.beater.Beat(m.cfg.Timeout, func(err error) {
		m.complete(attempt, err)
	})
}

func (m *Monitor) complete(attempt uint64, err error) {
	if !m.running || attempt != m.attempt || !m.inFlight {
		return
	}
	m.inFlight = false
	if m.guard != nil {
		m.guard.Stop()
		m.guard = nil
	}
	m.metrics.RecordHeartbeat(err == nil)

	if err == nil {
		m.failures = 0
	} else {
		m.failures++
		m.log.Warn("heartbeat failed", "failures", m.failures, "threshold", m.cfg.MaxConsecutiveFailures, "error", err)
		if m.failures >= m.cfg.MaxConsecutiveFailures {
			m.Stop()
			if m.onExhausted != nil {
				m.onExhausted()
			}
			return
		}
	}
	m.schedule(m.interval())
}
