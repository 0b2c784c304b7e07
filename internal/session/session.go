// ============================================================================
// webui-bridge Session
// ============================================================================
//
// Package: internal/session
// File: session.go
// Purpose: One client session. Owns the push channel, the job resolver, the
//          heartbeat monitor and the script pool through a single event loop.
//
// Ownership:
//   ┌──────────────────────────────────────────────────────────┐
//   │ Session loop goroutine                                   │
//   │   channel.Manager   (state, outbox, reconnect timer)     │
//   │   resolver.Resolver (job handles, poll timers)           │
//   │   heartbeat.Monitor (beat timer, failure counter)        │
//   └──────────────────────────────────────────────────────────┘
//        ↑ post(event)
//   socket connector · status/heartbeat requests · script pool · API calls
//
// Termination reasons:
//   backend_close  backend asked the client to go away
//   closed         close handshake finished (or declared locally)
//   heartbeat_lost consecutive heartbeat failures reached the threshold
//   unload         passive unload, the surface is left alone
//   shutdown       the context given to Start was cancelled
//
// ============================================================================

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/channel"
	"github.com/ChuLiYu/webui-bridge/internal/clock"
	"github.com/ChuLiYu/webui-bridge/internal/eventloop"
	"github.com/ChuLiYu/webui-bridge/internal/heartbeat"
	"github.com/ChuLiYu/webui-bridge/internal/metrics"
	"github.com/ChuLiYu/webui-bridge/internal/resolver"
	"github.com/ChuLiYu/webui-bridge/internal/worker"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

var (
	// ErrSessionClosed is returned by calls made after the session ended.
	ErrSessionClosed = errors.New("session closed")
	// ErrNotStarted is returned by calls made before Start.
	ErrNotStarted = errors.New("session not started")
)

// Termination reasons.
const (
	ReasonBackendClose = "backend_close"
	ReasonClosed       = "closed"
	ReasonHeartbeat    = "heartbeat_lost"
	ReasonUnload       = "unload"
	ReasonShutdown     = "shutdown"
)

// Transport is the request path to the backend. Both backend.HTTPClient and
// backend.GRPCClient satisfy it.
type Transport interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (backend.Reply, error)
	JobStatus(ctx context.Context, id types.JobID) (types.JobStatus, error)
	PostLifecycle(ctx context.Context, event types.LifecycleEvent) error
	Heartbeat(ctx context.Context) error
	LifecycleConfig(ctx context.Context) (types.HeartbeatConfig, error)
	ScriptResponse(ctx context.Context, resp types.ScriptResponse) error
	WindowControl(ctx context.Context, cmd string) (types.ControlResult, error)
	WindowCapabilities(ctx context.Context) (json.RawMessage, error)
}

// Surface is the UI a session belongs to. Terminate runs once, on the
// session loop, and must not call back into the session.
type Surface interface {
	Terminate(reason string)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(reason string)

// Terminate calls f.
func (f SurfaceFunc) Terminate(reason string) { f(reason) }

// Config tunes a session.
type Config struct {
	ClientID             types.ClientID
	SocketURL            string
	Channel              channel.Config
	WriteTimeout         time.Duration
	Heartbeat            types.HeartbeatConfig // used when the backend config is not fetched or unavailable
	FetchLifecycleConfig bool
	Workers              int
	ScriptTimeout        time.Duration
	LifecycleTimeout     time.Duration // bound on fire-and-forget lifecycle and script posts
}

// DefaultConfig returns the defaults for everything but ClientID and
// SocketURL.
func DefaultConfig() Config {
	return Config{
		Channel:              channel.DefaultConfig(),
		WriteTimeout:         5 * time.Second,
		Heartbeat:            types.DefaultHeartbeatConfig(),
		FetchLifecycleConfig: true,
		Workers:              2,
		ScriptTimeout:        worker.DefaultScriptTimeout,
		LifecycleTimeout:     3 * time.Second,
	}
}

// Snapshot is a point-in-time view of the session.
type Snapshot struct {
	ClientID          types.ClientID
	ChannelState      types.ChannelState
	QueueLen          int
	FailedAttempts    int
	PendingJobs       int
	HeartbeatRunning  bool
	HeartbeatFailures int
	Terminated        bool
	Reason            string
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Session) { s.metrics = c }
}

// WithClock replaces the real clock.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithSurface sets the surface terminated by the session.
func WithSurface(surface Surface) Option {
	return func(s *Session) { s.surface = surface }
}

// WithExecutor replaces the goja script executor.
func WithExecutor(e worker.Executor) Option {
	return func(s *Session) { s.executor = e }
}

// Session is one running client.
type Session struct {
	cfg       Config
	id        types.ClientID
	transport Transport
	surface   Surface
	executor  worker.Executor
	clock     clock.Clock
	metrics   *metrics.Collector
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	loop      *eventloop.Loop
	sched     eventloop.Scheduler
	channel   *channel.Manager
	resolver  *resolver.Resolver
	heartbeat *heartbeat.Monitor
	pool      *worker.Pool

	// loop-owned
	terminated bool
	visible    bool
	stopParent func() bool

	started atomic.Bool
	state   atomic.Int32

	mu     sync.Mutex
	reason string
	final  Snapshot
}

// New builds a session. Nothing runs until Start.
func New(transport Transport, cfg Config, opts ...Option) (*Session, error) {
	if transport == nil {
		return nil, backend.ErrNoTransport
	}
	if cfg.ClientID == "" {
		return nil, errors.New("session: client id required")
	}
	if cfg.SocketURL == "" {
		return nil, errors.New("session: socket url required")
	}
	if cfg.LifecycleTimeout <= 0 {
		cfg.LifecycleTimeout = 3 * time.Second
	}

	s := &Session{
		cfg:       cfg,
		id:        cfg.ClientID,
		transport: transport,
		clock:     clock.Real(),
		log:       slog.Default(),
		done:      make(chan struct{}),
		visible:   true,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("client", s.id)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	s.loop = eventloop.New(eventloop.DefaultBufferSize, s.handle, s.log)
	s.sched = s.loop.Scheduler(s.clock)

	connector := channel.NewWebSocketConnector(s.ctx, cfg.SocketURL, socketEvents{s}, channel.WebSocketOptions{
		WriteTimeout: cfg.WriteTimeout,
		Logger:       s.log,
	})
	s.channel = channel.NewManager(cfg.Channel, s.sched, connector,
		channel.WithLogger(s.log),
		channel.WithMetrics(s.metrics),
		channel.WithStateHook(func(st types.ChannelState) { s.state.Store(int32(st)) }),
	)
	s.resolver = resolver.New(s.sched, statusPoller{s},
		resolver.WithLogger(s.log),
		resolver.WithMetrics(s.metrics),
	)
	executor := s.executor
	if executor == nil {
		executor = worker.NewGojaExecutor(s.log)
	}
	s.pool = worker.NewPool(eventloop.DefaultBufferSize, executor, cfg.ScriptTimeout)
	return s, nil
}

// ClientID returns the session identity.
func (s *Session) ClientID() types.ClientID { return s.id }

// Start runs the session until it terminates or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("session already started")
	}
	if err := s.pool.Start(s.cfg.Workers); err != nil {
		return fmt.Errorf("start script pool: %w", err)
	}
	go func() {
		_ = s.loop.Run(s.ctx)
	}()
	go s.collectScripts()

	stop := context.AfterFunc(ctx, func() {
		s.post(terminateRequested{reason: ReasonShutdown})
	})
	s.post(started{stopParent: stop})
	return nil
}

// Done is closed when the session terminates.
func (s *Session) Done() <-chan struct{} { return s.done }

// Reason returns why the session terminated, or "" while it runs.
func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// ChannelState returns the push channel state.
func (s *Session) ChannelState() types.ChannelState {
	return types.ChannelState(s.state.Load())
}

// Snapshot reads the session state on the loop.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, error) {
	if err := s.usable(); err != nil {
		if errors.Is(err, ErrSessionClosed) {
			return s.finalSnapshot(), nil
		}
		return Snapshot{}, err
	}
	reply := make(chan Snapshot, 1)
	if !s.post(snapshotRequested{reply: reply}) {
		return s.finalSnapshot(), nil
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-s.done:
		return s.finalSnapshot(), nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (s *Session) finalSnapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.final
}

// Invoke performs a request call. A job reply is resolved through push
// hints and polling; terminal job errors are *resolver.JobError.
func (s *Session) Invoke(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	reply, err := s.transport.Invoke(ctx, name, args)
	s.metrics.RecordRPC(err == nil)
	if err != nil {
		return nil, err
	}
	if reply.Job == nil {
		return reply.Result, nil
	}

	desc := *reply.Job
	out := make(chan resolver.Outcome, 1)
	if !s.post(trackJob{desc: desc, done: func(o resolver.Outcome) { out <- o }}) {
		return nil, ErrSessionClosed
	}
	select {
	case o := <-out:
		return o.Value, o.Err
	case <-ctx.Done():
		s.post(cancelJob{id: desc.JobID})
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrSessionClosed
	}
}

// NormalizeResult unwraps {"value": v} results.
func NormalizeResult(result json.RawMessage) json.RawMessage {
	return backend.NormalizeResult(result)
}

// SetVisible switches the heartbeat between the visible and hidden cadence.
func (s *Session) SetVisible(visible bool) {
	if s.usable() != nil {
		return
	}
	s.post(visibilityChanged{visible: visible})
}

// WindowControl sends a window command. "close" runs the close handshake.
func (s *Session) WindowControl(ctx context.Context, cmd string) (types.ControlResult, error) {
	if cmd == "close" {
		return s.Close(ctx)
	}
	if err := s.usable(); err != nil {
		return types.ControlResult{}, err
	}
	result, err := s.transport.WindowControl(ctx, cmd)
	if err != nil {
		return types.ControlResult{}, err
	}
	if result.Warning != "" {
		s.log.Warn("window control warning", "cmd", cmd, "warning", result.Warning)
	}
	if result.Closed {
		s.post(terminateRequested{reason: ReasonClosed, closeSurface: true})
	}
	return result, nil
}

// WindowCapabilities reads the backend's window control capabilities.
func (s *Session) WindowCapabilities(ctx context.Context) (json.RawMessage, error) {
	if err := s.usable(); err != nil {
		return nil, err
	}
	return s.transport.WindowCapabilities(ctx)
}

func (s *Session) usable() error {
	if !s.started.Load() {
		return ErrNotStarted
	}
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
		return nil
	}
}

func (s *Session) post(ev eventloop.Event) bool {
	return s.loop.Post(ev)
}

func (s *Session) handle(ev eventloop.Event) {
	switch ev := ev.(type) {
	case started:
		if s.terminated {
			ev.stopParent()
			return
		}
		s.stopParent = ev.stopParent
		s.channel.Connect()
		s.loadConfig()
	case connOpened:
		s.channel.OnOpened(ev.attempt, ev.link)
	case connFailed:
		s.channel.OnFailed(ev.attempt, ev.err)
	case connClosed:
		s.channel.OnClosed(ev.attempt, ev.err)
	case messageReceived:
		if !s.channel.IsCurrent(ev.attempt) {
			return
		}
		s.handleMessage(ev.data)
	case statusResult:
		ev.done(ev.status, ev.err)
	case beatResult:
		ev.done(ev.err)
	case configLoaded:
		s.startHeartbeat(ev.cfg, ev.err)
	case trackJob:
		s.track(ev)
	case cancelJob:
		s.resolver.Cancel(ev.id)
	case visibilityChanged:
		s.visible = ev.visible
		if s.heartbeat != nil {
			s.heartbeat.SetVisible(ev.visible)
		}
	case scriptDone:
		s.respondScript(ev.result)
	case lifecycleRequested:
		s.sendLifecycle(ev.event)
	case unloadRequested:
		s.unload()
	case terminateRequested:
		s.terminate(ev.reason, ev.closeSurface)
	case snapshotRequested:
		ev.reply <- s.snapshot()
	default:
		s.log.Debug("unhandled session event", "event", ev.Name())
	}
}

func (s *Session) handleMessage(data []byte) {
	var msg types.InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug("malformed push frame dropped", "error", err)
		return
	}
	switch msg.Type {
	case types.MsgBackendClose:
		id, _ := types.ParseIntID(msg.ID)
		s.onBackendClose(id)
	case types.MsgRPCJobUpdate:
		id, ok := types.ParseIntID(msg.JobID)
		if !ok {
			s.log.Debug("job update without job id dropped")
			return
		}
		s.resolver.Notify(types.JobID(id))
	case types.MsgScriptTask:
		s.onScriptTask(msg)
	default:
		s.log.Debug("unknown push frame dropped", "type", msg.Type)
	}
}

func (s *Session) track(ev trackJob) {
	if s.terminated {
		ev.done(resolver.Outcome{Err: ErrSessionClosed})
		return
	}
	if err := s.resolver.Track(ev.desc, s.channel.PushCapable(), ev.done); err != nil {
		ev.done(resolver.Outcome{Err: err})
	}
}

func (s *Session) loadConfig() {
	if !s.cfg.FetchLifecycleConfig {
		s.startHeartbeat(s.cfg.Heartbeat, nil)
		return
	}
	go func() {
		cfg, err := s.transport.LifecycleConfig(s.ctx)
		s.post(configLoaded{cfg: cfg, err: err})
	}()
}

func (s *Session) startHeartbeat(cfg types.HeartbeatConfig, err error) {
	if s.terminated || s.heartbeat != nil {
		return
	}
	if err != nil {
		s.log.Debug("lifecycle config unavailable, using local defaults", "error", err)
		cfg = s.cfg.Heartbeat
	}
	s.heartbeat = heartbeat.New(cfg, s.sched, beater{s}, func() {
		s.log.Warn("heartbeat failures exhausted, terminating")
		s.terminate(ReasonHeartbeat, true)
	},
		heartbeat.WithLogger(s.log),
		heartbeat.WithMetrics(s.metrics),
	)
	s.heartbeat.SetVisible(s.visible)
	s.heartbeat.Start()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ClientID:       s.id,
		ChannelState:   s.channel.State(),
		QueueLen:       s.channel.QueueLen(),
		FailedAttempts: s.channel.FailedAttempts(),
		PendingJobs:    s.resolver.Len(),
		Terminated:     s.terminated,
	}
	if s.heartbeat != nil {
		snap.HeartbeatRunning = s.heartbeat.Running()
		snap.HeartbeatFailures = s.heartbeat.Failures()
	}
	return snap
}
