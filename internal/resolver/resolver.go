// ============================================================================
// webui-bridge Job Resolver
// ============================================================================
//
// Package: internal/resolver
// File: resolver.go
// Purpose: Turn an async job descriptor into exactly one outcome.
//
// Resolution is push first, poll second:
//
//   Track ──push capable──→ fallback timer ──fires──→ polling
//     │                          │
//     │                     push hint
//     │                          ↓
//     └──no push──────────→ poll now ──queued──→ poll after delay
//                                │                  (×1.6, clamped)
//                           terminal
//                                ↓
//                          done(Outcome)
//
//   A push hint at any point cancels the pending timer, resets the delay to
//   PollMin and checks status immediately. At most one status request per
//   job is in flight; a hint that arrives meanwhile causes one follow-up
//   request when it completes.
//
// The Resolver is driven from the event loop only. Poller callbacks must be
// delivered on the loop as well.
//
// ============================================================================

package resolver

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/eventloop"
	"github.com/ChuLiYu/webui-bridge/internal/metrics"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// Fallback window bounds before the first poll of a push-capable job.
const (
	MinFallbackWindow = 400 * time.Millisecond
	MaxFallbackWindow = 4 * time.Second
	fallbackFactor    = 8
	growthNumerator   = 16
	growthDenominator = 10
)

// Poller issues job status requests. Poll must not block; done is called
// exactly once, on the event loop.
type Poller interface {
	Poll(id types.JobID, done func(types.JobStatus, error))
}

// Outcome is the result of a job. Exactly one of Value and Err is set.
type Outcome struct {
	Value json.RawMessage
	Err   error
}

// Option customizes a Resolver.
type Option func(*Resolver)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.log = l }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(c *metrics.Collector) Option {
	return func(r *Resolver) { r.metrics = c }
}

type handle struct {
	desc           types.JobDescriptor
	delay          time.Duration
	polling        bool
	inFlight       bool
	pendingTrigger bool
	timer          eventloop.Timer
	tracked        time.Time
	done           func(Outcome)
}

// Resolver tracks outstanding jobs.
type Resolver struct {
	sched   eventloop.Scheduler
	poller  Poller
	handles map[types.JobID]*handle
	metrics *metrics.Collector
	log     *slog.Logger
}

// New creates a Resolver.
func New(sched eventloop.Scheduler, poller Poller, opts ...Option) *Resolver {
	r := &Resolver{
		sched:   sched,
		poller:  poller,
		handles: make(map[types.JobID]*handle),
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FallbackWindow returns how long a push-capable job waits for a push
// before polling starts.
func FallbackWindow(pollMin time.Duration) time.Duration {
	w := pollMin * fallbackFactor
	if w > MaxFallbackWindow {
		w = MaxFallbackWindow
	}
	if w < MinFallbackWindow {
		w = MinFallbackWindow
	}
	return w
}

// nextDelay grows d by 1.6 at millisecond granularity and clamps it.
func nextDelay(d time.Duration, desc types.JobDescriptor) time.Duration {
	ms := d.Milliseconds() * growthNumerator / growthDenominator
	next := time.Duration(ms) * time.Millisecond
	if next < desc.PollMin {
		next = desc.PollMin
	}
	if next > desc.PollMax {
		next = desc.PollMax
	}
	return next
}

// Track starts resolving a job. done receives the single outcome unless the
// job is cancelled first.
func (r *Resolver) Track(desc types.JobDescriptor, pushCapable bool, done func(Outcome)) error {
	desc = desc.Normalize()
	if _, ok := r.handles[desc.JobID]; ok {
		return ErrDuplicateJob
	}
	h := &handle{
		desc:    desc,
		delay:   desc.PollMin,
		tracked: r.sched.Now(),
		done:    done,
	}
	r.handles[desc.JobID] = h
	r.metrics.RecordJobTracked()

	if pushCapable {
		window := FallbackWindow(desc.PollMin)
		r.log.Debug("job awaiting push", "jobID", desc.JobID, "fallback", window)
		h.timer = r.sched.After("job-fallback", window, func() {
			h.timer = nil
			h.polling = true
			r.poll(h)
		})
		return nil
	}
	h.polling = true
	r.poll(h)
	return nil
}

// Notify handles a push hint. It reports whether the job is tracked.
func (r *Resolver) Notify(id types.JobID) bool {
	h, ok := r.handles[id]
	if !ok {
		r.log.Debug("push hint for unknown job", "jobID", id)
		return false
	}
	r.metrics.RecordPushHint()
	r.stopTimer(h)
	h.delay = h.desc.PollMin
	h.polling = true
	r.poll(h)
	return true
}

// Cancel stops tracking a job without producing an outcome.
func (r *Resolver) Cancel(id types.JobID) bool {
	h, ok := r.handles[id]
	if !ok {
		return false
	}
	r.stopTimer(h)
	delete(r.handles, id)
	return true
}

// Clear cancels every job and returns how many were tracked.
func (r *Resolver) Clear() int {
	n := len(r.handles)
	for id, h := range r.handles {
		r.stopTimer(h)
		delete(r.handles, id)
	}
	return n
}

// Len returns the number of tracked jobs.
func (r *Resolver) Len() int { return len(r.handles) }

// Tracked reports whether id is tracked.
func (r *Resolver) Tracked(id types.JobID) bool {
	_, ok := r.handles[id]
	return ok
}

func (r *Resolver) poll(h *handle) {
	if h.inFlight {
		h.pendingTrigger = true
		return
	}
	h.inFlight = true
	r.metrics.RecordJobPoll()
	r.poller.Poll(h.desc.JobID, func(status types.JobStatus, err error) {
		r.onStatus(h, status, err)
	})
}

func (r *Resolver) onStatus(h *handle, status types.JobStatus, err error) {
	id := h.desc.JobID
	if r.handles[id] != h {
		return
	}
	h.inFlight = false

	if err != nil {
		r.log.Debug("job status request failed", "jobID", id, "error", err)
		r.continuePolling(h)
		return
	}

	state := status.State
	if state == "" {
		state = types.JobQueued
	}
	switch state {
	case types.JobCompleted:
		value := status.Value
		if len(value) == 0 {
			value = json.RawMessage("null")
		}
		r.finish(h, state, Outcome{Value: value})
	case types.JobFailed, types.JobCanceled, types.JobTimedOut:
		r.finish(h, state, Outcome{Err: newJobError(id, state, status.ErrorMessage)})
	default:
		if state != types.JobQueued {
			r.log.Debug("unknown job state, polling on", "jobID", id, "state", state)
		}
		r.continuePolling(h)
	}
}

func (r *Resolver) continuePolling(h *handle) {
	if h.pendingTrigger {
		h.pendingTrigger = false
		r.poll(h)
		return
	}
	if !h.polling || h.timer != nil {
		return
	}
	h.delay = nextDelay(h.delay, h.desc)
	h.timer = r.sched.After("job-poll", h.delay, func() {
		h.timer = nil
		r.poll(h)
	})
}

func (r *Resolver) finish(h *handle, state types.JobState, out Outcome) {
	r.stopTimer(h)
	delete(r.handles, h.desc.JobID)
	r.metrics.RecordJobFinished(string(state), r.sched.Now().Sub(h.tracked).Seconds())
	r.log.Debug("job finished", "jobID", h.desc.JobID, "state", state)
	h.done(out)
}

func (r *Resolver) stopTimer(h *handle) {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}
