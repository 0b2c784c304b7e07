package session

import (
	"context"
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/channel"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// socketEvents forwards connector callbacks to the loop.
type socketEvents struct{ s *Session }

func (e socketEvents) Opened(attempt uint64, link channel.Link) {
	if !e.s.post(connOpened{attempt: attempt, link: link}) {
		link.Close("session closed")
	}
}

func (e socketEvents) Failed(attempt uint64, err error) {
	e.s.post(connFailed{attempt: attempt, err: err})
}

func (e socketEvents) Message(attempt uint64, data []byte) {
	e.s.post(messageReceived{attempt: attempt, data: data})
}

func (e socketEvents) Closed(attempt uint64, err error) {
	e.s.post(connClosed{attempt: attempt, err: err})
}

// statusPoller runs job status requests off the loop.
type statusPoller struct{ s *Session }

func (p statusPoller) Poll(id types.JobID, done func(types.JobStatus, error)) {
	s := p.s
	go func() {
		status, err := s.transport.JobStatus(s.ctx, id)
		s.post(statusResult{status: status, err: err, done: done})
	}()
}

// beater sends heartbeats off the loop.
type beater struct{ s *Session }

func (b beater) Beat(timeout time.Duration, done func(error)) {
	s := b.s
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()
		err := s.transport.Heartbeat(ctx)
		s.post(beatResult{err: err, done: done})
	}()
}
