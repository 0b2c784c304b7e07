package eventloop

import (
	"time"

	"github.com/ChuLiYu/webui-bridge/internal/clock"
)

// Timer is a pending scheduled callback.
type Timer interface {
	// Stop cancels the callback. Called from the loop goroutine, it
	// guarantees the callback will not run afterwards, even if the
	// underlying clock timer already fired and its event is still queued.
	Stop()
}

// Scheduler creates timers whose callbacks run on the loop goroutine.
type Scheduler interface {
	// After runs fn once d has elapsed. kind labels the timer in logs.
	After(kind string, d time.Duration, fn func()) Timer
	// Now returns the scheduler's notion of the current time.
	Now() time.Time
}

type loopTimer struct {
	kind      string
	fn        func()
	cancelled bool
	fired     bool
	clock     *clock.Timer
}

func (t *loopTimer) Stop() {
	t.cancelled = true
	if t.clock != nil {
		t.clock.Stop()
	}
}

func (t *loopTimer) fire() {
	if t.cancelled || t.fired {
		return
	}
	t.fired = true
	t.fn()
}

type timerFired struct{ timer *loopTimer }

func (e timerFired) Name() string { return "timerFired:" + e.timer.kind }

type loopScheduler struct {
	loop  *Loop
	clock clock.Clock
}

// Scheduler returns a Scheduler that delivers timer callbacks through the
// loop's event channel.
func (l *Loop) Scheduler(c clock.Clock) Scheduler {
	return &loopScheduler{loop: l, clock: c}
}

func (s *loopScheduler) After(kind string, d time.Duration, fn func()) Timer {
	t := &loopTimer{kind: kind, fn: fn}
	t.clock = s.clock.AfterFunc(d, func() {
		s.loop.Post(timerFired{timer: t})
	})
	return t
}

func (s *loopScheduler) Now() time.Time { return s.clock.Now() }

type inlineScheduler struct {
	clock clock.Clock
}

// Inline returns a Scheduler that runs callbacks directly from the clock.
// Paired with clock.Fake it drives a state machine synchronously from the
// test goroutine, with callbacks firing inside Advance.
func Inline(c clock.Clock) Scheduler {
	return &inlineScheduler{clock: c}
}

func (s *inlineScheduler) After(kind string, d time.Duration, fn func()) Timer {
	t := &loopTimer{kind: kind, fn: fn}
	t.clock = s.clock.AfterFunc(d, t.fire)
	return t
}

func (s *inlineScheduler) Now() time.Time { return s.clock.Now() }
