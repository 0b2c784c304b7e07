package resolver

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webui-bridge/internal/clock"
	"github.com/ChuLiYu/webui-bridge/internal/eventloop"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type pollCall struct {
	id   types.JobID
	at   time.Duration
	done func(types.JobStatus, error)
}

// scriptedPoller records polls. When answer is set it replies synchronously,
// otherwise calls stay pending until the test completes them.
type scriptedPoller struct {
	clock  *clock.FakeClock
	calls  []*pollCall
	answer func(n int) (types.JobStatus, error)
}

func (p *scriptedPoller) Poll(id types.JobID, done func(types.JobStatus, error)) {
	call := &pollCall{id: id, at: p.clock.Now().Sub(epoch), done: done}
	p.calls = append(p.calls, call)
	if p.answer != nil {
		done(p.answer(len(p.calls)))
	}
}

func (p *scriptedPoller) times() []time.Duration {
	out := make([]time.Duration, len(p.calls))
	for i, c := range p.calls {
		out[i] = c.at
	}
	return out
}

type outcomes struct{ got []Outcome }

func (o *outcomes) done(out Outcome) { o.got = append(o.got, out) }

func newTestResolver() (*Resolver, *scriptedPoller, *clock.FakeClock) {
	fake := clock.Fake(epoch)
	poller := &scriptedPoller{clock: fake}
	return New(eventloop.Inline(fake), poller), poller, fake
}

func queued() (types.JobStatus, error) { return types.JobStatus{State: types.JobQueued}, nil }

func completed(v string) (types.JobStatus, error) {
	return types.JobStatus{State: types.JobCompleted, Value: json.RawMessage(v)}, nil
}

func TestFallbackWindow(t *testing.T) {
	assert.Equal(t, 400*time.Millisecond, FallbackWindow(50*time.Millisecond))
	assert.Equal(t, 1600*time.Millisecond, FallbackWindow(200*time.Millisecond))
	assert.Equal(t, 4*time.Second, FallbackWindow(time.Second))
}

func TestNextDelayGrowsAndClamps(t *testing.T) {
	desc := types.JobDescriptor{PollMin: 200 * time.Millisecond, PollMax: time.Second}
	d := desc.PollMin
	var got []time.Duration
	for i := 0; i < 5; i++ {
		d = nextDelay(d, desc)
		got = append(got, d)
	}
	assert.Equal(t, []time.Duration{
		320 * time.Millisecond,
		512 * time.Millisecond,
		819 * time.Millisecond,
		time.Second,
		time.Second,
	}, got)
}

// Push-capable, no push ever arrives: polls at 1600 ms and 1920 ms.
func TestScenarioPushNeverArrives(t *testing.T) {
	r, poller, fake := newTestResolver()
	poller.answer = func(n int) (types.JobStatus, error) {
		if n == 1 {
			return queued()
		}
		return completed(`"ok"`)
	}
	var out outcomes

	require.NoError(t, r.Track(types.JobDescriptor{
		JobID:   42,
		PollMin: 200 * time.Millisecond,
		PollMax: time.Second,
	}, true, out.done))

	fake.Advance(1599 * time.Millisecond)
	assert.Empty(t, poller.calls, "no poll inside the fallback window")

	fake.Advance(10 * time.Second)
	assert.Equal(t, []time.Duration{1600 * time.Millisecond, 1920 * time.Millisecond}, poller.times())
	require.Len(t, out.got, 1)
	assert.NoError(t, out.got[0].Err)
	assert.JSONEq(t, `"ok"`, string(out.got[0].Value))
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, 0, fake.PendingCount())
}

func TestPushBeforeDeadlinePreventsPolling(t *testing.T) {
	r, poller, fake := newTestResolver()
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 7}, true, out.done))

	fake.Advance(500 * time.Millisecond)
	require.True(t, r.Notify(7))
	require.Len(t, poller.calls, 1)
	assert.Equal(t, 500*time.Millisecond, poller.calls[0].at)

	poller.calls[0].done(completed(`{"n":1}`))
	require.Len(t, out.got, 1)
	assert.JSONEq(t, `{"n":1}`, string(out.got[0].Value))

	fake.Advance(10 * time.Second)
	assert.Len(t, poller.calls, 1, "fallback timer cancelled")
}

func TestImmediateGeometricPollingWithoutPush(t *testing.T) {
	r, poller, fake := newTestResolver()
	poller.answer = func(int) (types.JobStatus, error) { return queued() }
	var out outcomes

	require.NoError(t, r.Track(types.JobDescriptor{
		JobID:   1,
		PollMin: 200 * time.Millisecond,
		PollMax: time.Second,
	}, false, out.done))
	fake.Advance(3 * time.Second)

	assert.Equal(t, []time.Duration{
		0,
		320 * time.Millisecond,
		832 * time.Millisecond,
		1651 * time.Millisecond,
		2651 * time.Millisecond,
	}, poller.times())
	assert.Empty(t, out.got)
	assert.True(t, r.Tracked(1))
}

func TestTerminalErrorStates(t *testing.T) {
	tests := []struct {
		name     string
		status   types.JobStatus
		sentinel error
		message  string
	}{
		{"failed default", types.JobStatus{State: types.JobFailed}, ErrJobFailed, "RPC job 9 failed"},
		{"canceled default", types.JobStatus{State: types.JobCanceled}, ErrJobCanceled, "RPC job 9 canceled"},
		{"timed out default", types.JobStatus{State: types.JobTimedOut}, ErrJobTimedOut, "RPC job 9 timed out"},
		{"server message", types.JobStatus{State: types.JobFailed, ErrorMessage: "disk full"}, ErrJobFailed, "disk full"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, poller, fake := newTestResolver()
			poller.answer = func(int) (types.JobStatus, error) { return tt.status, nil }
			var out outcomes

			require.NoError(t, r.Track(types.JobDescriptor{JobID: 9}, false, out.done))
			fake.Advance(5 * time.Second)

			require.Len(t, out.got, 1)
			err := out.got[0].Err
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.sentinel)
			assert.EqualError(t, err, tt.message)

			var jobErr *JobError
			require.True(t, errors.As(err, &jobErr))
			assert.Equal(t, types.JobID(9), jobErr.JobID)
			assert.Equal(t, 0, r.Len())
		})
	}
}

func TestTransportErrorKeepsPolling(t *testing.T) {
	r, poller, fake := newTestResolver()
	poller.answer = func(n int) (types.JobStatus, error) {
		if n < 3 {
			return types.JobStatus{}, errors.New("connection refused")
		}
		return completed(`true`)
	}
	var out outcomes

	require.NoError(t, r.Track(types.JobDescriptor{JobID: 3}, false, out.done))
	fake.Advance(5 * time.Second)

	assert.Len(t, poller.calls, 3)
	require.Len(t, out.got, 1)
	assert.JSONEq(t, `true`, string(out.got[0].Value))
}

func TestMissingAndUnknownStatesKeepPolling(t *testing.T) {
	r, poller, fake := newTestResolver()
	poller.answer = func(n int) (types.JobStatus, error) {
		switch n {
		case 1:
			return types.JobStatus{}, nil
		case 2:
			return types.JobStatus{State: "running"}, nil
		default:
			return completed(`1`)
		}
	}
	var out outcomes

	require.NoError(t, r.Track(types.JobDescriptor{JobID: 5}, false, out.done))
	fake.Advance(5 * time.Second)

	assert.Len(t, poller.calls, 3)
	require.Len(t, out.got, 1)
}

func TestHintDuringInFlightTriggersFollowUp(t *testing.T) {
	r, poller, fake := newTestResolver()
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 11}, false, out.done))
	require.Len(t, poller.calls, 1)

	// Hints while the first request is outstanding collapse into one.
	assert.True(t, r.Notify(11))
	assert.True(t, r.Notify(11))
	assert.Len(t, poller.calls, 1, "at most one request in flight")

	poller.calls[0].done(queued())
	require.Len(t, poller.calls, 2, "follow-up issued immediately")
	assert.Equal(t, time.Duration(0), poller.calls[1].at)

	poller.calls[1].done(queued())
	assert.Len(t, poller.calls, 2, "no further follow-up")
	assert.Equal(t, 1, fake.PendingCount(), "next poll scheduled")

	fake.Advance(320 * time.Millisecond)
	require.Len(t, poller.calls, 3)
	poller.calls[2].done(completed(`"done"`))
	require.Len(t, out.got, 1)
}

func TestHintResetsDelay(t *testing.T) {
	r, poller, fake := newTestResolver()
	poller.answer = func(int) (types.JobStatus, error) { return queued() }
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 4, PollMin: 100 * time.Millisecond, PollMax: 5 * time.Second}, false, out.done))

	// polls at 0, 160, 416, 825
	fake.Advance(900 * time.Millisecond)
	require.Len(t, poller.calls, 4)

	r.Notify(4)
	require.Len(t, poller.calls, 5)
	fake.Advance(159 * time.Millisecond)
	assert.Len(t, poller.calls, 5)
	fake.Advance(time.Millisecond)
	assert.Len(t, poller.calls, 6, "cadence restarted from PollMin")
}

func TestDuplicateTrack(t *testing.T) {
	r, _, _ := newTestResolver()
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 1}, true, out.done))
	assert.ErrorIs(t, r.Track(types.JobDescriptor{JobID: 1}, true, out.done), ErrDuplicateJob)
}

func TestCancelProducesNoOutcome(t *testing.T) {
	r, poller, fake := newTestResolver()
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 8}, false, out.done))
	require.Len(t, poller.calls, 1)

	assert.True(t, r.Cancel(8))
	poller.calls[0].done(completed(`1`))
	fake.Advance(10 * time.Second)

	assert.Empty(t, out.got)
	assert.Len(t, poller.calls, 1)
	assert.False(t, r.Cancel(8))
}

func TestClearTearsDownTimers(t *testing.T) {
	r, poller, fake := newTestResolver()
	var out outcomes
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 1}, true, out.done))
	require.NoError(t, r.Track(types.JobDescriptor{JobID: 2}, true, out.done))
	require.Equal(t, 2, fake.PendingCount())

	assert.Equal(t, 2, r.Clear())
	assert.Equal(t, 0, fake.PendingCount())
	fake.Advance(10 * time.Second)
	assert.Empty(t, poller.calls)
	assert.Empty(t, out.got)
}

func TestNotifyUnknownJob(t *testing.T) {
	r, poller, _ := newTestResolver()
	assert.False(t, r.Notify(99))
	assert.Empty(t, poller.calls)
}
