package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webui-bridge/internal/clock"
)

type testEvent struct{ n int }

func (testEvent) Name() string { return "test" }

type callEvent struct{ fn func() }

func (callEvent) Name() string { return "call" }

func startLoop(t *testing.T, handler Handler) (*Loop, context.CancelFunc) {
	t.Helper()
	loop := New(16, handler, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)
	return loop, cancel
}

func TestLoopHandlesEventsInOrder(t *testing.T) {
	got := make(chan int, 3)
	loop, _ := startLoop(t, func(ev Event) {
		got <- ev.(testEvent).n
	})

	for i := 1; i <= 3; i++ {
		require.True(t, loop.Post(testEvent{n: i}))
	}
	for i := 1; i <= 3; i++ {
		select {
		case n := <-got:
			assert.Equal(t, i, n)
		case <-time.After(time.Second):
			t.Fatal("event not handled")
		}
	}
}

func TestLoopPostAfterExit(t *testing.T) {
	loop, cancel := startLoop(t, nil)
	cancel()
	<-loop.Done()
	assert.False(t, loop.Post(testEvent{}))
}

func TestLoopRecoversHandlerPanic(t *testing.T) {
	handled := make(chan struct{})
	loop, _ := startLoop(t, func(ev Event) {
		if ev.(testEvent).n == 0 {
			panic("boom")
		}
		close(handled)
	})

	loop.Post(testEvent{n: 0})
	loop.Post(testEvent{n: 1})
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("loop did not survive panic")
	}
}

func TestSchedulerRunsCallbackOnLoop(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	fired := make(chan struct{})
	loop, _ := startLoop(t, func(ev Event) { ev.(callEvent).fn() })
	sched := loop.Scheduler(fake)

	loop.Post(callEvent{fn: func() {
		sched.After("test", time.Second, func() { close(fired) })
	}})
	fake.WaitForTimers(1)
	fake.Advance(time.Second)

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer callback not delivered")
	}
}

func TestSchedulerStopWhileFiringQueued(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	block := make(chan struct{})
	ran := make(chan string, 2)
	loop, _ := startLoop(t, func(ev Event) { ev.(callEvent).fn() })
	sched := loop.Scheduler(fake)

	var timer Timer
	loop.Post(callEvent{fn: func() {
		timer = sched.After("test", time.Second, func() { ran <- "timer" })
	}})
	fake.WaitForTimers(1)

	// The stop runs after the clock fired but before the queued firing event
	// reaches the loop.
	loop.Post(callEvent{fn: func() {
		<-block
		timer.Stop()
	}})
	fake.Advance(time.Second)
	close(block)
	loop.Post(callEvent{fn: func() { ran <- "done" }})

	select {
	case s := <-ran:
		assert.Equal(t, "done", s)
	case <-time.After(time.Second):
		t.Fatal("loop stalled")
	}
}

func TestInlineSchedulerStop(t *testing.T) {
	fake := clock.Fake(time.Unix(0, 0))
	sched := Inline(fake)
	var fired []string

	a := sched.After("a", time.Second, func() { fired = append(fired, "a") })
	sched.After("b", 2*time.Second, func() {
		fired = append(fired, "b")
		a.Stop()
	})
	a.Stop()

	fake.Advance(3 * time.Second)
	assert.Equal(t, []string{"b"}, fired)
	assert.Equal(t, time.Unix(3, 0), sched.Now())
}
