// Package types defines the domain model shared by the webui-bridge client,
// its transports and the reference backend.
package types

import (
	"encoding/json"
	"time"
)

// ClientID identifies one bridge session. Generated once, never changed.
type ClientID string

// ChannelState is the push channel connection state.
type ChannelState int

const (
	ChannelClosed     ChannelState = iota // no connection, reconnect may be scheduled
	ChannelConnecting                     // dial in progress
	ChannelOpen                           // handshake done, messages flow
	ChannelStopped                        // terminal, no further attempts
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelConnecting:
		return "connecting"
	case ChannelOpen:
		return "open"
	case ChannelStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// JobID identifies an asynchronous backend job.
type JobID int64

// JobState is the server-reported state of a job.
type JobState string

const (
	JobQueued    JobState = "queued"    // accepted, not finished yet
	JobCompleted JobState = "completed" // finished with a value
	JobFailed    JobState = "failed"    // finished with an error
	JobCanceled  JobState = "canceled"  // canceled on the backend
	JobTimedOut  JobState = "timed_out" // exceeded its backend deadline
)

// IsTerminal reports whether no further transition can follow s.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCanceled, JobTimedOut:
		return true
	default:
		return false
	}
}

// Poll bounds applied to job descriptors.
const (
	MinPollInterval     = 50 * time.Millisecond
	DefaultPollInterval = 200 * time.Millisecond
	DefaultPollMax      = time.Second
)

// JobDescriptor is what a request call returns instead of a result when the
// backend defers the work to a job.
type JobDescriptor struct {
	JobID   JobID
	PollMin time.Duration
	PollMax time.Duration
}

// Normalize applies the poll bounds: PollMin at least MinPollInterval
// (DefaultPollInterval when unset), PollMax at least PollMin (DefaultPollMax
// when unset).
func (d JobDescriptor) Normalize() JobDescriptor {
	if d.PollMin <= 0 {
		d.PollMin = DefaultPollInterval
	}
	if d.PollMin < MinPollInterval {
		d.PollMin = MinPollInterval
	}
	if d.PollMax <= 0 {
		d.PollMax = DefaultPollMax
	}
	if d.PollMax < d.PollMin {
		d.PollMax = d.PollMin
	}
	return d
}

// JobStatus is the reply of a job status call.
type JobStatus struct {
	State        JobState        `json:"state"`
	Value        json.RawMessage `json:"value,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// HeartbeatConfig controls the liveness heartbeat. Wire names follow the
// backend's lifecycle config endpoint.
type HeartbeatConfig struct {
	Enabled                bool
	IntervalVisible        time.Duration
	IntervalHidden         time.Duration
	Timeout                time.Duration
	MaxConsecutiveFailures int
	InitialDelay           time.Duration
}

// DefaultHeartbeatConfig is used when the backend config cannot be fetched.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Enabled:                true,
		IntervalVisible:        6 * time.Second,
		IntervalHidden:         30 * time.Second,
		Timeout:                1200 * time.Millisecond,
		MaxConsecutiveFailures: 3,
		InitialDelay:           time.Second,
	}
}

// Normalize clamps the config to usable values.
func (c HeartbeatConfig) Normalize() HeartbeatConfig {
	if c.IntervalVisible < time.Second {
		c.IntervalVisible = time.Second
	}
	if c.IntervalHidden < time.Second {
		c.IntervalHidden = time.Second
	}
	if c.Timeout < 250*time.Millisecond {
		c.Timeout = 250 * time.Millisecond
	}
	if c.MaxConsecutiveFailures < 1 {
		c.MaxConsecutiveFailures = 1
	}
	if c.InitialDelay < 0 {
		c.InitialDelay = 0
	}
	return c
}

// heartbeatConfigWire carries the millisecond fields of HeartbeatConfig.
type heartbeatConfigWire struct {
	Enabled         *bool    `json:"enable_heartbeat,omitempty"`
	IntervalMs      *float64 `json:"heartbeat_interval_ms,omitempty"`
	HiddenMs        *float64 `json:"heartbeat_hidden_interval_ms,omitempty"`
	TimeoutMs       *float64 `json:"heartbeat_timeout_ms,omitempty"`
	FailuresToClose *float64 `json:"heartbeat_failures_before_close,omitempty"`
	InitialDelayMs  *float64 `json:"heartbeat_initial_delay_ms,omitempty"`
}

func msDuration(v float64) time.Duration {
	return time.Duration(v * float64(time.Millisecond))
}

// UnmarshalJSON merges the present fields over the receiver, so decoding into
// DefaultHeartbeatConfig() yields "backend config over defaults".
func (c *HeartbeatConfig) UnmarshalJSON(data []byte) error {
	var w heartbeatConfigWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Enabled != nil {
		c.Enabled = *w.Enabled
	}
	if w.IntervalMs != nil {
		c.IntervalVisible = msDuration(*w.IntervalMs)
	}
	if w.HiddenMs != nil {
		c.IntervalHidden = msDuration(*w.HiddenMs)
	}
	if w.TimeoutMs != nil {
		c.Timeout = msDuration(*w.TimeoutMs)
	}
	if w.FailuresToClose != nil {
		c.MaxConsecutiveFailures = int(*w.FailuresToClose)
	}
	if w.InitialDelayMs != nil {
		c.InitialDelay = msDuration(*w.InitialDelayMs)
	}
	return nil
}

// MarshalJSON writes the millisecond wire form.
func (c HeartbeatConfig) MarshalJSON() ([]byte, error) {
	enabled := c.Enabled
	interval := float64(c.IntervalVisible.Milliseconds())
	hidden := float64(c.IntervalHidden.Milliseconds())
	timeout := float64(c.Timeout.Milliseconds())
	failures := float64(c.MaxConsecutiveFailures)
	initial := float64(c.InitialDelay.Milliseconds())
	return json.Marshal(heartbeatConfigWire{
		Enabled:         &enabled,
		IntervalMs:      &interval,
		HiddenMs:        &hidden,
		TimeoutMs:       &timeout,
		FailuresToClose: &failures,
		InitialDelayMs:  &initial,
	})
}

// LifecycleEvent is an out-of-band session signal.
type LifecycleEvent string

const (
	LifecycleHeartbeat LifecycleEvent = "heartbeat"
	LifecycleClosing   LifecycleEvent = "window_closing"
	LifecycleUnloading LifecycleEvent = "window_unloading"
)

// ControlResult is the backend's answer to a window control command.
type ControlResult struct {
	Success   bool   `json:"success"`
	Emulation string `json:"emulation,omitempty"`
	Closed    bool   `json:"closed"`
	Warning   string `json:"warning,omitempty"`
	// Local is set when the result was declared by the client because the
	// backend could not be reached.
	Local bool `json:"-"`
}
