// ============================================================================
// webui-bridge Channel Manager
// ============================================================================
//
// Package: internal/channel
// File: manager.go
// Purpose: Keep the push channel connected and buffer outbound messages.
//
// State machine:
//
//   Closed ──Connect──→ Connecting ──opened──→ Open
//     ↑                     │                   │
//     └──── reconnect ←─────┴──── failed/closed ┘
//                timer
//
//   Stop() from any state → Stopped (terminal).
//   A session that never opened stops on its own after MaxFailedAttempts.
//
// Backoff:
//   wait = min(ReconnectWaitCap, delay), then delay = min(ReconnectCeiling,
//   delay*2). delay resets to ReconnectFloor on every successful open.
//
// Outbox:
//   Messages leave in the order they were sent. While the outbox is not
//   empty, Send appends and flushes instead of writing directly. A flush
//   that stops on a failed write is retried every FlushRetry while the
//   link stays open.
//
// The Manager is driven from the event loop only. Dial outcomes arrive
// through OnOpened / OnFailed / OnClosed tagged with the attempt number that
// produced them; outcomes of superseded attempts are ignored.
//
// ============================================================================

package channel

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/eventloop"
	"github.com/ChuLiYu/webui-bridge/internal/metrics"
	"github.com/ChuLiYu/webui-bridge/internal/outbox"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// ErrLinkClosed is returned by Link.Send after Close.
var ErrLinkClosed = errors.New("channel link closed")

// Link is an open connection.
type Link interface {
	// Send hands payload to the connection's writer without blocking.
	Send(payload []byte) error
	// Close shuts the connection down after pending writes are flushed.
	Close(reason string)
}

// Connector starts dial attempts. Connect must not block; the outcome is
// reported back to the Manager by the caller that owns the loop.
type Connector interface {
	Connect(attempt uint64)
}

// Config tunes reconnection and buffering.
type Config struct {
	ReconnectFloor    time.Duration
	ReconnectCeiling  time.Duration
	ReconnectWaitCap  time.Duration
	MaxFailedAttempts int
	QueueCapacity     int
	FlushRetry        time.Duration
}

// DefaultConfig returns the standard backoff settings.
func DefaultConfig() Config {
	return Config{
		ReconnectFloor:    120 * time.Millisecond,
		ReconnectCeiling:  2500 * time.Millisecond,
		ReconnectWaitCap:  1500 * time.Millisecond,
		MaxFailedAttempts: 8,
		QueueCapacity:     outbox.DefaultCapacity,
		FlushRetry:        50 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ReconnectFloor <= 0 {
		c.ReconnectFloor = d.ReconnectFloor
	}
	if c.ReconnectCeiling < c.ReconnectFloor {
		c.ReconnectCeiling = d.ReconnectCeiling
	}
	if c.ReconnectWaitCap <= 0 {
		c.ReconnectWaitCap = d.ReconnectWaitCap
	}
	if c.MaxFailedAttempts <= 0 {
		c.MaxFailedAttempts = d.MaxFailedAttempts
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = d.QueueCapacity
	}
	if c.FlushRetry <= 0 {
		c.FlushRetry = d.FlushRetry
	}
	return c
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// WithStateHook registers a callback invoked on every state change.
func WithStateHook(fn func(types.ChannelState)) Option {
	return func(m *Manager) { m.onState = fn }
}

// Manager owns the push channel state.
type Manager struct {
	cfg       Config
	sched     eventloop.Scheduler
	connector Connector
	queue     *outbox.Queue

	state      types.ChannelState
	link       Link
	attempt    uint64
	delay      time.Duration
	everOpened bool
	failed     int
	reconnect  eventloop.Timer
	flushRetry eventloop.Timer

	onState func(types.ChannelState)
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewManager creates a Manager in the Closed state. No connection is made
// until Connect or Send.
func NewManager(cfg Config, sched eventloop.Scheduler, connector Connector, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	m := &Manager{
		cfg:       cfg,
		sched:     sched,
		connector: connector,
		queue:     outbox.New(cfg.QueueCapacity),
		state:     types.ChannelClosed,
		delay:     cfg.ReconnectFloor,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// State returns the current channel state.
func (m *Manager) State() types.ChannelState { return m.state }

// PushCapable reports whether the backend can currently reach us by push.
func (m *Manager) PushCapable() bool {
	return m.state == types.ChannelOpen || m.state == types.ChannelConnecting
}

// QueueLen returns the number of buffered outbound messages.
func (m *Manager) QueueLen() int { return m.queue.Len() }

// FailedAttempts returns the consecutive failure count.
func (m *Manager) FailedAttempts() int { return m.failed }

// IsCurrent reports whether attempt is the live connection attempt.
func (m *Manager) IsCurrent(attempt uint64) bool {
	return attempt == m.attempt && m.state != types.ChannelStopped
}

// Connect starts a dial unless one is running, scheduled, or the channel is
// already open or stopped.
func (m *Manager) Connect() {
	if m.state != types.ChannelClosed || m.reconnect != nil {
		return
	}
	if !m.everOpened && m.failed >= m.cfg.MaxFailedAttempts {
		m.stop("max failed attempts")
		return
	}
	m.attempt++
	m.setState(types.ChannelConnecting)
	m.metrics.RecordConnectAttempt()
	m.log.Debug("push channel connecting", "attempt", m.attempt)
	m.connector.Connect(m.attempt)
}

// Send writes payload immediately when open, queues it otherwise and drops
// it once stopped. It reports whether the payload was written now.
func (m *Manager) Send(payload []byte) bool {
	switch m.state {
	case types.ChannelStopped:
		m.log.Debug("push channel stopped, message dropped")
		return false
	case types.ChannelOpen:
		return m.sendOpen(payload)
	}
	m.enqueue(payload)
	m.Connect()
	return false
}

// sendOpen keeps FIFO order on an open link: queued messages go first.
func (m *Manager) sendOpen(payload []byte) bool {
	if m.queue.Len() > 0 {
		if !m.enqueue(payload) {
			return false
		}
		m.flush()
		return m.queue.Len() == 0
	}
	err := m.link.Send(payload)
	if err == nil {
		return true
	}
	m.log.Debug("push channel write failed, queueing", "error", err)
	if m.enqueue(payload) {
		m.scheduleFlush()
	}
	return false
}

func (m *Manager) enqueue(payload []byte) bool {
	ok := m.queue.Push(payload)
	if !ok {
		m.metrics.RecordOutboxDrop()
		m.log.Debug("outbox full, message dropped", "capacity", m.cfg.QueueCapacity)
	}
	m.metrics.UpdateOutbox(m.queue.Len())
	return ok
}

// flush drains the outbox into the open link. A write failure leaves the
// rest queued and arms a retry.
func (m *Manager) flush() {
	sent, err := m.queue.Flush(m.link.Send)
	m.metrics.UpdateOutbox(m.queue.Len())
	if err != nil {
		m.log.Debug("outbox flush interrupted", "sent", sent, "remaining", m.queue.Len(), "error", err)
		m.scheduleFlush()
	}
}

func (m *Manager) scheduleFlush() {
	if m.flushRetry != nil {
		return
	}
	m.flushRetry = m.sched.After("flush-retry", m.cfg.FlushRetry, func() {
		m.flushRetry = nil
		if m.state == types.ChannelOpen && m.queue.Len() > 0 {
			m.flush()
		}
	})
}

func (m *Manager) cancelFlush() {
	if m.flushRetry != nil {
		m.flushRetry.Stop()
		m.flushRetry = nil
	}
}

// OnOpened records a successful handshake for attempt.
func (m *Manager) OnOpened(attempt uint64, link Link) {
	if !m.IsCurrent(attempt) || m.state != types.ChannelConnecting {
		link.Close("superseded")
		return
	}
	m.link = link
	m.delay = m.cfg.ReconnectFloor
	m.everOpened = true
	m.failed = 0
	m.setState(types.ChannelOpen)
	m.log.Info("push channel open", "attempt", attempt)
	m.flush()
}

// OnFailed records a dial failure for attempt.
func (m *Manager) OnFailed(attempt uint64, err error) {
	if !m.IsCurrent(attempt) {
		return
	}
	m.log.Debug("push channel dial failed", "attempt", attempt, "error", err)
	m.disconnected()
}

// OnClosed records the loss of an open connection for attempt.
func (m *Manager) OnClosed(attempt uint64, err error) {
	if !m.IsCurrent(attempt) {
		return
	}
	m.log.Info("push channel closed", "attempt", attempt, "error", err)
	m.disconnected()
}

func (m *Manager) disconnected() {
	if m.state != types.ChannelConnecting && m.state != types.ChannelOpen {
		return
	}
	m.cancelFlush()
	m.link = nil
	m.failed++
	m.setState(types.ChannelClosed)

	if !m.everOpened && m.failed >= m.cfg.MaxFailedAttempts {
		m.stop("max failed attempts")
		return
	}

	wait := m.delay
	if wait > m.cfg.ReconnectWaitCap {
		wait = m.cfg.ReconnectWaitCap
	}
	m.delay *= 2
	if m.delay > m.cfg.ReconnectCeiling {
		m.delay = m.cfg.ReconnectCeiling
	}
	m.log.Debug("push channel reconnect scheduled", "wait", wait, "failed", m.failed)
	m.reconnect = m.sched.After("reconnect", wait, func() {
		m.reconnect = nil
		m.Connect()
	})
}

// Stop tears the channel down for good. A pending reconnect is cancelled,
// an open link is closed after its pending writes, queued messages are
// discarded.
func (m *Manager) Stop(reason string) {
	m.stop(reason)
}

func (m *Manager) stop(reason string) {
	if m.state == types.ChannelStopped {
		return
	}
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.cancelFlush()
	if m.link != nil {
		m.link.Close(reason)
		m.link = nil
	}
	if n := m.queue.Clear(); n > 0 {
		m.log.Debug("outbox discarded", "messages", n)
	}
	m.metrics.UpdateOutbox(0)
	m.setState(types.ChannelStopped)
	m.log.Info("push channel stopped", "reason", reason)
}

func (m *Manager) setState(s types.ChannelState) {
	if m.state == s {
		return
	}
	m.state = s
	m.metrics.SetChannelState(int(s))
	if m.onState != nil {
		m.onState(s)
	}
}
