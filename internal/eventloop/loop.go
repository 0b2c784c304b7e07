// ============================================================================
// webui-bridge Event Loop
// ============================================================================
//
// Package: internal/eventloop
// File: loop.go
// Purpose: Single goroutine that owns all mutable session state.
//
// Execution Model:
//   ┌────────────────────────────────────────────┐
//   │  timer goroutines ─┐                       │
//   │  socket reader ────┼─ Post(ev) ─→ events   │
//   │  http requests ────┘                 │     │
//   │                                      ↓     │
//   │                        Run: handler(ev)    │
//   └────────────────────────────────────────────┘
//
//   Producers never touch state directly. They post a typed event and the
//   loop handles events one at a time, so handlers need no locking.
//
// ============================================================================

package eventloop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Event is a message handled on the loop goroutine.
type Event interface {
	// Name identifies the event kind in logs.
	Name() string
}

// Handler processes one event. It always runs on the loop goroutine.
type Handler func(Event)

// DefaultBufferSize is the event channel capacity used when New gets zero.
const DefaultBufferSize = 256

// Loop serializes events onto one goroutine.
type Loop struct {
	events  chan Event
	handler Handler
	done    chan struct{}
	once    sync.Once
	log     *slog.Logger
}

// New creates a loop. The handler receives every event except timer
// firings, which the loop dispatches to the scheduled callback itself.
func New(bufferSize int, handler Handler, logger *slog.Logger) *Loop {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		events:  make(chan Event, bufferSize),
		handler: handler,
		done:    make(chan struct{}),
		log:     logger,
	}
}

// Post queues ev for the loop. It blocks while the buffer is full and
// returns false once the loop has exited.
func (l *Loop) Post(ev Event) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.events <- ev:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} { return l.done }

// Run handles events until ctx is cancelled. Events still buffered at that
// point are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.once.Do(func() { close(l.done) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.dispatch(ev)
		}
	}
}

func (l *Loop) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event handler panicked", "event", ev.Name(), "panic", fmt.Sprint(r))
		}
	}()
	if fired, ok := ev.(timerFired); ok {
		fired.timer.fire()
		return
	}
	if l.handler != nil {
		l.handler(ev)
	}
}
