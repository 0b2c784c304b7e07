// Package server is the reference backend for webui-bridge clients. It serves
// request calls, job status, lifecycle events and window control over HTTP
// and gRPC, and pushes job updates, close signals and script tasks over the
// WebSocket channel.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/jobmanager"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

var (
	// ErrUnknownRPC is returned for calls with no registered handler.
	ErrUnknownRPC = errors.New("unknown rpc")
	// ErrNotConnected means the client has no open push channel.
	ErrNotConnected = errors.New("client not connected")
	// ErrUnavailable is returned by lifecycle and window endpoints while the
	// server is marked unavailable.
	ErrUnavailable = errors.New("backend unavailable")
)

// Call is one request call as seen by a handler.
type Call struct {
	ClientID types.ClientID
	Name     string
	Args     json.RawMessage
}

// Handler serves a request call and returns its JSON value.
type Handler func(ctx context.Context, call Call) (json.RawMessage, error)

type registered struct {
	fn    Handler
	async bool
}

// Config controls the backend.
type Config struct {
	Lifecycle     types.HeartbeatConfig // served at the lifecycle config endpoint
	PollMin       time.Duration         // advertised on job descriptors
	PollMax       time.Duration
	JobTimeout    time.Duration // 0 disables job deadlines
	PushUpdates   bool          // push rpc_job_update when a job finishes
	JobRetention  time.Duration // finished jobs older than this are pruned
	SweepInterval time.Duration
}

// DefaultConfig returns the configuration used by `serve`.
func DefaultConfig() Config {
	return Config{
		Lifecycle:     types.DefaultHeartbeatConfig(),
		PollMin:       types.DefaultPollInterval,
		PollMax:       types.DefaultPollMax,
		JobTimeout:    time.Minute,
		PushUpdates:   true,
		JobRetention:  5 * time.Minute,
		SweepInterval: time.Second,
	}
}

// ClientInfo tracks what the backend knows about one client.
type ClientInfo struct {
	ClientID   types.ClientID
	Connected  bool
	Heartbeats int
	Events     []types.LifecycleEvent
	LastSeen   time.Time
	Closed     bool // window_closing reported or close command served
}

// Option customizes a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// Server is the reference backend.
type Server struct {
	cfg  Config
	log  *slog.Logger
	jobs *jobmanager.JobManager

	mu            sync.RWMutex
	handlers      map[string]registered
	clients       map[types.ClientID]*ClientInfo
	conns         map[types.ClientID]*clientConn
	closeWaiters  map[int64]chan types.CloseAck
	scriptWaiters map[string]chan types.ScriptResponse
	responses     []types.ScriptResponse
	cancels       map[types.JobID]context.CancelFunc
	unavailable   bool

	nextCloseID  atomic.Int64
	nextScriptID atomic.Int64
	running      sync.WaitGroup
}

// New creates a backend.
func New(cfg Config, opts ...Option) *Server {
	if cfg.PollMin <= 0 {
		cfg.PollMin = types.DefaultPollInterval
	}
	if cfg.PollMax < cfg.PollMin {
		cfg.PollMax = cfg.PollMin
	}
	s := &Server{
		cfg:           cfg,
		log:           slog.Default(),
		jobs:          jobmanager.NewJobManager(),
		handlers:      make(map[string]registered),
		clients:       make(map[types.ClientID]*ClientInfo),
		conns:         make(map[types.ClientID]*clientConn),
		closeWaiters:  make(map[int64]chan types.CloseAck),
		scriptWaiters: make(map[string]chan types.ScriptResponse),
		cancels:       make(map[types.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Jobs exposes the job table.
func (s *Server) Jobs() *jobmanager.JobManager { return s.jobs }

// RegisterSync registers a handler whose value is returned directly.
func (s *Server) RegisterSync(name string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = registered{fn: fn}
}

// RegisterAsync registers a handler that runs as a job. Calls reply with a
// job descriptor and the value is read through job status.
func (s *Server) RegisterAsync(name string, fn Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[name] = registered{fn: fn, async: true}
}

// SetAvailable toggles the lifecycle and window endpoints. While unavailable
// they fail with ErrUnavailable.
func (s *Server) SetAvailable(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = !ok
}

func (s *Server) available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.unavailable
}

// Invoke serves a request call.
func (s *Server) Invoke(ctx context.Context, call Call) (backend.Reply, error) {
	s.mu.RLock()
	h, ok := s.handlers[call.Name]
	s.mu.RUnlock()
	if !ok {
		return backend.Reply{}, fmt.Errorf("%w: %s", ErrUnknownRPC, call.Name)
	}
	s.touch(call.ClientID)

	if !h.async {
		value, err := h.fn(ctx, call)
		if err != nil {
			return backend.Reply{}, err
		}
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		return backend.Reply{Result: value}, nil
	}

	id := s.jobs.Enqueue(call.Name, call.Args, call.ClientID, s.cfg.JobTimeout)
	s.log.Debug("job enqueued", "jobID", id, "name", call.Name, "client", call.ClientID)
	s.dispatch()
	return backend.Reply{Job: &types.JobDescriptor{
		JobID:   id,
		PollMin: s.cfg.PollMin,
		PollMax: s.cfg.PollMax,
	}}, nil
}

func descriptorBody(d *types.JobDescriptor) map[string]any {
	return map[string]any{
		"job_id":      int64(d.JobID),
		"poll_min_ms": d.PollMin.Milliseconds(),
		"poll_max_ms": d.PollMax.Milliseconds(),
	}
}

// dispatch starts every job still waiting in the table.
func (s *Server) dispatch() {
	for {
		job, ok := s.jobs.PopPending()
		if !ok {
			return
		}
		s.running.Add(1)
		go s.runJob(job)
	}
}

func (s *Server) runJob(job jobmanager.Job) {
	defer s.running.Done()

	s.mu.RLock()
	h, ok := s.handlers[job.Name]
	s.mu.RUnlock()
	if !ok {
		_ = s.jobs.MarkFailed(job.ID, "handler removed")
		s.finished(job.ClientID, job.ID)
		return
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if job.Deadline.IsZero() {
		ctx, cancel = context.WithCancel(context.Background())
	} else {
		ctx, cancel = context.WithDeadline(context.Background(), job.Deadline)
	}
	s.mu.Lock()
	s.cancels[job.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.cancels, job.ID)
		s.mu.Unlock()
		cancel()
	}()

	value, err := s.safeCall(ctx, h.fn, Call{ClientID: job.ClientID, Name: job.Name, Args: job.Args})
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		for _, id := range s.jobs.ExpireOverdue(time.Now()) {
			s.expired(id)
		}
		return
	case err != nil:
		err = s.jobs.MarkFailed(job.ID, err.Error())
	default:
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		err = s.jobs.MarkCompleted(job.ID, value)
	}
	if errors.Is(err, jobmanager.ErrNotQueued) {
		// canceled or expired while running
		return
	}
	s.finished(job.ClientID, job.ID)
}

func (s *Server) safeCall(ctx context.Context, fn Handler, call Call) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, call)
}

func (s *Server) expired(id types.JobID) {
	job, err := s.jobs.Get(id)
	if err != nil {
		return
	}
	s.log.Info("job timed out", "jobID", id)
	s.finished(job.ClientID, id)
}

func (s *Server) finished(clientID types.ClientID, id types.JobID) {
	if !s.cfg.PushUpdates {
		return
	}
	if !s.PushJobUpdate(clientID, id) {
		s.log.Debug("job update not pushed", "jobID", id, "client", clientID)
	}
}

// CancelJob cancels a queued or running job and notifies its client.
func (s *Server) CancelJob(id types.JobID) error {
	job, err := s.jobs.Get(id)
	if err != nil {
		return err
	}
	if err := s.jobs.Cancel(id); err != nil {
		return err
	}
	s.mu.Lock()
	stop := s.cancels[id]
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.finished(job.ClientID, id)
	return nil
}

// JobStatus reports a job's state.
func (s *Server) JobStatus(id types.JobID) (types.JobStatus, error) {
	return s.jobs.Status(id)
}

// Run expires overdue jobs and prunes finished ones until ctx is done, then
// waits for running handlers.
func (s *Server) Run(ctx context.Context) {
	interval := s.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.running.Wait()
			return
		case now := <-ticker.C:
			for _, id := range s.jobs.ExpireOverdue(now) {
				s.expired(id)
			}
			if s.cfg.JobRetention > 0 {
				if n := s.jobs.Prune(now.Add(-s.cfg.JobRetention)); n > 0 {
					s.log.Debug("pruned jobs", "count", n)
				}
			}
		}
	}
}

func (s *Server) touch(id types.ClientID) *ClientInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientLocked(id)
}

func (s *Server) clientLocked(id types.ClientID) *ClientInfo {
	info, ok := s.clients[id]
	if !ok {
		info = &ClientInfo{ClientID: id}
		s.clients[id] = info
	}
	info.LastSeen = time.Now()
	return info
}

// Client returns a snapshot of a client's record.
func (s *Server) Client(id types.ClientID) (ClientInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.clients[id]
	if !ok {
		return ClientInfo{}, false
	}
	cp := *info
	cp.Events = append([]types.LifecycleEvent(nil), info.Events...)
	return cp, true
}

// RecordLifecycle stores a lifecycle event.
func (s *Server) RecordLifecycle(id types.ClientID, event types.LifecycleEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return ErrUnavailable
	}
	info := s.clientLocked(id)
	info.Events = append(info.Events, event)
	switch event {
	case types.LifecycleHeartbeat:
		info.Heartbeats++
	case types.LifecycleClosing:
		info.Closed = true
	}
	s.log.Debug("lifecycle", "client", id, "event", event)
	return nil
}

// LifecycleConfig returns the heartbeat config served to clients.
func (s *Server) LifecycleConfig() types.HeartbeatConfig {
	return s.cfg.Lifecycle
}

// RecordScriptResponse stores a script result and wakes the dispatcher
// waiting for it. Later duplicates are only recorded.
func (s *Server) RecordScriptResponse(id types.ClientID, resp types.ScriptResponse) {
	key := string(bytes.TrimSpace(resp.ID))
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientLocked(id)
	if resp.ClientID == "" {
		resp.ClientID = id
	}
	s.responses = append(s.responses, resp)
	if ch, ok := s.scriptWaiters[key]; ok {
		delete(s.scriptWaiters, key)
		ch <- resp
	}
}

// ScriptResponses returns every script result received so far.
func (s *Server) ScriptResponses() []types.ScriptResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ScriptResponse(nil), s.responses...)
}

var emulations = map[string]string{
	"minimize": "minimize_blur",
	"maximize": "maximize_fullscreen",
	"restore":  "restore_fullscreen",
	"hide":     "hide_page",
	"show":     "show_page",
	"close":    "close_window",
}

// WindowControl serves a window command. The reference backend has no native
// window, so every command maps to a client-side emulation.
func (s *Server) WindowControl(id types.ClientID, cmd string) (types.ControlResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return types.ControlResult{}, ErrUnavailable
	}
	info := s.clientLocked(id)
	emulation, ok := emulations[cmd]
	if !ok {
		return types.ControlResult{
			Success: false,
			Warning: "unsupported window command: " + cmd,
		}, nil
	}
	result := types.ControlResult{Success: true, Emulation: emulation}
	if cmd == "close" {
		info.Closed = true
		result.Closed = true
	}
	return result, nil
}

// WindowCapabilities describes the supported window commands.
func (s *Server) WindowCapabilities() map[string]any {
	cmds := []string{"minimize", "maximize", "restore", "hide", "show", "close"}
	return map[string]any{
		"emulation_enabled": true,
		"native":            false,
		"commands":          cmds,
	}
}
