package session

import (
	"context"
	"encoding/json"

	"github.com/ChuLiYu/webui-bridge/internal/worker"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

func (s *Session) onScriptTask(msg types.InboundMessage) {
	if msg.Script == nil {
		s.log.Debug("script task without script dropped")
		return
	}
	task := worker.Task{
		ID:           msg.ID,
		Script:       *msg.Script,
		ExpectResult: msg.ExpectResult,
		ConnectionID: msg.ConnectionID,
	}
	if err := s.pool.Submit(task); err != nil {
		s.log.Warn("script task rejected", "error", err)
		s.respondScript(worker.Result{
			Task:         task,
			JSError:      true,
			Value:        json.RawMessage("null"),
			ErrorMessage: err.Error(),
		})
	}
}

// collectScripts forwards pool results to the loop until the pool stops.
func (s *Session) collectScripts() {
	for {
		result, err := s.pool.ReceiveResult()
		if err != nil {
			return
		}
		if !s.post(scriptDone{result: result}) {
			return
		}
	}
}

// respondScript reports a script result over the channel when it can be
// written now, otherwise to the script response endpoint.
func (s *Session) respondScript(result worker.Result) {
	s.metrics.RecordScriptTask(!result.JSError)
	if result.JSError {
		s.log.Debug("script task failed", "error", result.ErrorMessage)
	}
	if !result.Task.ExpectResult || s.terminated {
		return
	}

	value := result.Value
	if len(value) == 0 {
		value = json.RawMessage("null")
	}
	var errMsg *string
	if result.JSError {
		msg := result.ErrorMessage
		errMsg = &msg
	}
	resp := types.ScriptResponse{
		Type:         types.MsgScriptResponse,
		ID:           result.Task.ID,
		JSError:      result.JSError,
		Value:        value,
		ErrorMessage: errMsg,
		ClientID:     s.id,
		ConnectionID: result.Task.ConnectionID,
	}
	payload, err := json.Marshal(resp)
	if err == nil && s.channel.Send(payload) {
		return
	}

	fallback := types.ScriptResponse{
		ID:           resp.ID,
		JSError:      resp.JSError,
		Value:        resp.Value,
		ErrorMessage: resp.ErrorMessage,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.LifecycleTimeout)
		defer cancel()
		if err := s.transport.ScriptResponse(ctx, fallback); err != nil {
			s.log.Debug("script response post failed", "error", err)
		}
	}()
}
