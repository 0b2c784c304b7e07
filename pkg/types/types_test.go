package types

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIntID(t *testing.T) {
	tests := []struct {
		raw  string
		want int64
		ok   bool
	}{
		{`7`, 7, true},
		{`"7"`, 7, true},
		{`" 12 "`, 12, true},
		{`3.9`, 3, true},
		{`-2`, -2, true},
		{`"abc"`, 0, false},
		{`null`, 0, false},
		{``, 0, false},
		{`{"id":1}`, 0, false},
		{`"NaN"`, 0, false},
		{`"Inf"`, 0, false},
		{`1e30`, 0, false},
		{`-1e30`, 0, false},
		{`"9223372036854775808"`, 0, false},
		{`-9223372036854775808`, math.MinInt64, true},
		{`1e15`, 1_000_000_000_000_000, true},
	}
	for _, tt := range tests {
		got, ok := ParseIntID(json.RawMessage(tt.raw))
		assert.Equal(t, tt.ok, ok, "raw %q", tt.raw)
		assert.Equal(t, tt.want, got, "raw %q", tt.raw)
	}
}

func TestJobStateIsTerminal(t *testing.T) {
	assert.False(t, JobQueued.IsTerminal())
	assert.False(t, JobState("running").IsTerminal())
	for _, s := range []JobState{JobCompleted, JobFailed, JobCanceled, JobTimedOut} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestJobDescriptorNormalize(t *testing.T) {
	d := JobDescriptor{JobID: 1}.Normalize()
	assert.Equal(t, DefaultPollInterval, d.PollMin)
	assert.Equal(t, DefaultPollMax, d.PollMax)

	d = JobDescriptor{JobID: 1, PollMin: 10 * time.Millisecond, PollMax: 20 * time.Millisecond}.Normalize()
	assert.Equal(t, MinPollInterval, d.PollMin, "PollMin is raised to the floor")
	assert.Equal(t, MinPollInterval, d.PollMax, "PollMax never undercuts PollMin")

	d = JobDescriptor{JobID: 1, PollMin: 300 * time.Millisecond, PollMax: 5 * time.Second}.Normalize()
	assert.Equal(t, 300*time.Millisecond, d.PollMin)
	assert.Equal(t, 5*time.Second, d.PollMax)
}

func TestHeartbeatConfigMergesOverDefaults(t *testing.T) {
	cfg := DefaultHeartbeatConfig()
	err := json.Unmarshal([]byte(`{"heartbeat_interval_ms": 2500, "heartbeat_failures_before_close": 5}`), &cfg)
	require.NoError(t, err)

	assert.True(t, cfg.Enabled, "absent fields keep their defaults")
	assert.Equal(t, 2500*time.Millisecond, cfg.IntervalVisible)
	assert.Equal(t, 30*time.Second, cfg.IntervalHidden)
	assert.Equal(t, 1200*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 5, cfg.MaxConsecutiveFailures)
	assert.Equal(t, time.Second, cfg.InitialDelay)

	err = json.Unmarshal([]byte(`{"enable_heartbeat": false}`), &cfg)
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)

	assert.Error(t, json.Unmarshal([]byte(`{"heartbeat_interval_ms": "soon"}`), &cfg))
}

func TestHeartbeatConfigWireForm(t *testing.T) {
	data, err := json.Marshal(DefaultHeartbeatConfig())
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"enable_heartbeat": true,
		"heartbeat_interval_ms": 6000,
		"heartbeat_hidden_interval_ms": 30000,
		"heartbeat_timeout_ms": 1200,
		"heartbeat_failures_before_close": 3,
		"heartbeat_initial_delay_ms": 1000
	}`, string(data))
}

func TestHeartbeatConfigNormalize(t *testing.T) {
	cfg := HeartbeatConfig{
		IntervalVisible:        10 * time.Millisecond,
		IntervalHidden:         0,
		Timeout:                time.Millisecond,
		MaxConsecutiveFailures: 0,
		InitialDelay:           -time.Second,
	}.Normalize()

	assert.Equal(t, time.Second, cfg.IntervalVisible)
	assert.Equal(t, time.Second, cfg.IntervalHidden)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.Equal(t, 1, cfg.MaxConsecutiveFailures)
	assert.Equal(t, time.Duration(0), cfg.InitialDelay)

	def := DefaultHeartbeatConfig()
	assert.Equal(t, def, def.Normalize(), "defaults are already normal")
}

func TestChannelStateString(t *testing.T) {
	assert.Equal(t, "closed", ChannelClosed.String())
	assert.Equal(t, "connecting", ChannelConnecting.String())
	assert.Equal(t, "open", ChannelOpen.String())
	assert.Equal(t, "stopped", ChannelStopped.String())
	assert.Equal(t, "unknown", ChannelState(42).String())
}

func TestControlResultLocalNotSerialized(t *testing.T) {
	data, err := json.Marshal(ControlResult{Success: true, Emulation: "close_window", Closed: true, Local: true})
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"emulation":"close_window","closed":true}`, string(data))
}
