package session

import (
	"context"
	"encoding/json"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// LocalCloseWarning is attached to a close declared by the client because
// the backend could not be reached.
const LocalCloseWarning = "close control fallback: backend unreachable"

// onBackendClose acknowledges a backend_close signal, stops the channel for
// good and terminates on the next loop turn so the ack is flushed first.
func (s *Session) onBackendClose(id int64) {
	if id > 0 {
		payload, err := json.Marshal(types.CloseAck{Type: types.MsgCloseAck, ID: id, ClientID: s.id})
		if err == nil && !s.channel.Send(payload) {
			s.log.Debug("close ack not sent immediately", "id", id)
		}
	}
	s.channel.Stop(ReasonBackendClose)
	s.sched.After("backend-close", 0, func() {
		s.terminate(ReasonBackendClose, true)
	})
}

// Close runs the close handshake: a window_closing lifecycle signal, then a
// close command confirmed by the backend. When the backend cannot be
// reached the close is declared locally with LocalCloseWarning. It never
// blocks past ctx.
func (s *Session) Close(ctx context.Context) (types.ControlResult, error) {
	if err := s.usable(); err != nil {
		return types.ControlResult{}, err
	}
	if !s.post(lifecycleRequested{event: types.LifecycleClosing}) {
		return types.ControlResult{}, ErrSessionClosed
	}

	result, err := s.transport.WindowControl(ctx, "close")
	if err != nil {
		s.log.Warn("close control failed, closing locally", "error", err)
		result = types.ControlResult{
			Success:   true,
			Emulation: "close_window",
			Closed:    true,
			Warning:   LocalCloseWarning,
			Local:     true,
		}
	}
	if result.Warning != "" {
		s.log.Warn("window control warning", "cmd", "close", "warning", result.Warning)
	}
	if !result.Closed {
		return result, nil
	}

	s.post(terminateRequested{reason: ReasonClosed, closeSurface: true})
	select {
	case <-s.done:
	case <-ctx.Done():
	}
	return result, nil
}

// Unload reports a passive unload (reload or navigation) and ends the
// session without waiting for the backend and without closing the surface.
func (s *Session) Unload() {
	if s.usable() != nil {
		return
	}
	s.post(unloadRequested{})
}

func (s *Session) unload() {
	if s.terminated {
		return
	}
	s.sendLifecycle(types.LifecycleUnloading)
	s.terminate(ReasonUnload, false)
}

// sendLifecycle uses the channel when it can write now and falls back to
// the lifecycle endpoint otherwise. Fallback errors are only logged.
func (s *Session) sendLifecycle(event types.LifecycleEvent) {
	payload, err := json.Marshal(types.LifecycleMessage{Type: types.MsgLifecycle, Event: event, ClientID: s.id})
	if err == nil && s.channel.Send(payload) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.LifecycleTimeout)
		defer cancel()
		if err := s.transport.PostLifecycle(ctx, event); err != nil {
			s.log.Debug("lifecycle post failed", "event", event, "error", err)
		}
	}()
}

func (s *Session) terminate(reason string, closeSurface bool) {
	if s.terminated {
		return
	}
	s.terminated = true
	if s.heartbeat != nil {
		s.heartbeat.Stop()
	}
	s.channel.Stop(reason)
	if n := s.resolver.Clear(); n > 0 {
		s.log.Debug("pending jobs abandoned", "count", n)
	}
	if s.stopParent != nil {
		s.stopParent()
	}

	final := s.snapshot()
	final.Reason = reason
	s.mu.Lock()
	s.reason = reason
	s.final = final
	s.mu.Unlock()

	s.log.Info("session terminated", "reason", reason)
	if closeSurface && s.surface != nil {
		s.surface.Terminate(reason)
	}
	close(s.done)
	s.cancel()
	go s.pool.Stop()
}
