package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	c := Fake(epoch)
	var order []string
	c.AfterFunc(300*time.Millisecond, func() { order = append(order, "c") })
	c.AfterFunc(100*time.Millisecond, func() { order = append(order, "a") })
	c.AfterFunc(200*time.Millisecond, func() { order = append(order, "b") })

	c.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 1, c.PendingCount())

	c.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, epoch.Add(300*time.Millisecond), c.Now())
}

func TestFakeChainedTimersUseFiringTime(t *testing.T) {
	c := Fake(epoch)
	var fired []time.Duration
	c.AfterFunc(100*time.Millisecond, func() {
		fired = append(fired, c.Now().Sub(epoch))
		c.AfterFunc(100*time.Millisecond, func() {
			fired = append(fired, c.Now().Sub(epoch))
		})
	})

	c.Advance(time.Second)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, fired)
	assert.Equal(t, epoch.Add(time.Second), c.Now())
}

func TestFakeStop(t *testing.T) {
	c := Fake(epoch)
	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })

	require.True(t, timer.Stop())
	assert.False(t, timer.Stop(), "second stop reports already stopped")

	c.Advance(2 * time.Second)
	assert.False(t, called)
	assert.Equal(t, 0, c.PendingCount())
}

func TestFakeAfterChannel(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(time.Second)

	select {
	case <-ch:
		t.Fatal("fired before advance")
	default:
	}

	c.Advance(time.Second)
	select {
	case at := <-ch:
		assert.Equal(t, epoch.Add(time.Second), at)
	default:
		t.Fatal("did not fire")
	}
}

func TestFakeWaitForTimers(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("goroutine not released")
	}
}
