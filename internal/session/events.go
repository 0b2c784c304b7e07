package session

import (
	"github.com/ChuLiYu/webui-bridge/internal/channel"
	"github.com/ChuLiYu/webui-bridge/internal/resolver"
	"github.com/ChuLiYu/webui-bridge/internal/worker"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// Events handled on the session loop. Producers are the socket connector,
// request goroutines, the script pool and the public API.

type started struct {
	stopParent func() bool
}

type connOpened struct {
	attempt uint64
	link    channel.Link
}

type connFailed struct {
	attempt uint64
	err     error
}

type connClosed struct {
	attempt uint64
	err     error
}

type messageReceived struct {
	attempt uint64
	data    []byte
}

type statusResult struct {
	status types.JobStatus
	err    error
	done   func(types.JobStatus, error)
}

type beatResult struct {
	err  error
	done func(error)
}

type configLoaded struct {
	cfg types.HeartbeatConfig
	err error
}

type trackJob struct {
	desc types.JobDescriptor
	done func(resolver.Outcome)
}

type cancelJob struct {
	id types.JobID
}

type visibilityChanged struct {
	visible bool
}

type scriptDone struct {
	result worker.Result
}

type lifecycleRequested struct {
	event types.LifecycleEvent
}

type unloadRequested struct{}

type terminateRequested struct {
	reason       string
	closeSurface bool
}

type snapshotRequested struct {
	reply chan<- Snapshot
}

func (started) Name() string            { return "started" }
func (connOpened) Name() string         { return "connOpened" }
func (connFailed) Name() string         { return "connFailed" }
func (connClosed) Name() string         { return "connClosed" }
func (messageReceived) Name() string    { return "messageReceived" }
func (statusResult) Name() string       { return "statusResult" }
func (beatResult) Name() string         { return "beatResult" }
func (configLoaded) Name() string       { return "configLoaded" }
func (trackJob) Name() string           { return "trackJob" }
func (cancelJob) Name() string          { return "cancelJob" }
func (visibilityChanged) Name() string  { return "visibilityChanged" }
func (scriptDone) Name() string         { return "scriptDone" }
func (lifecycleRequested) Name() string { return "lifecycleRequested" }
func (unloadRequested) Name() string    { return "unloadRequested" }
func (terminateRequested) Name() string { return "terminateRequested" }
func (snapshotRequested) Name() string  { return "snapshotRequested" }
