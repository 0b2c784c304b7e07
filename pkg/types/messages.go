package types

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Push channel frame types.
const (
	MsgBackendClose   = "backend_close"
	MsgRPCJobUpdate   = "rpc_job_update"
	MsgScriptTask     = "script_task"
	MsgCloseAck       = "close_ack"
	MsgLifecycle      = "lifecycle"
	MsgScriptResponse = "script_response"
)

// InboundMessage is any frame the backend pushes to the client. Only the
// fields of the frame's Type are meaningful.
type InboundMessage struct {
	Type string `json:"type"`

	// backend_close, script_task
	ID json.RawMessage `json:"id,omitempty"`

	// rpc_job_update
	JobID json.RawMessage `json:"job_id,omitempty"`

	// script_task
	Script       *string         `json:"script,omitempty"`
	ExpectResult bool            `json:"expect_result,omitempty"`
	ConnectionID json.RawMessage `json:"connection_id,omitempty"`
}

// CloseAck acknowledges a backend_close signal.
type CloseAck struct {
	Type     string   `json:"type"`
	ID       int64    `json:"id"`
	ClientID ClientID `json:"client_id"`
}

// LifecycleMessage reports a lifecycle event over the push channel. The
// same shape (without Type) is posted to the lifecycle endpoint.
type LifecycleMessage struct {
	Type     string         `json:"type,omitempty"`
	Event    LifecycleEvent `json:"event"`
	ClientID ClientID       `json:"client_id"`
}

// ScriptResponse carries the outcome of a script task back to the backend.
type ScriptResponse struct {
	Type         string          `json:"type,omitempty"`
	ID           json.RawMessage `json:"id"`
	JSError      bool            `json:"js_error"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage *string         `json:"error_message"`
	ClientID     ClientID        `json:"client_id,omitempty"`
	ConnectionID json.RawMessage `json:"connection_id,omitempty"`
}

// ParseIntID reads a numeric id that may arrive as a JSON number or a
// numeric string. Fractions are truncated. ok is false for anything else,
// including values outside the int64 range.
func ParseIntID(raw json.RawMessage) (int64, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return 0, false
	}
	if unquoted, err := strconv.Unquote(text); err == nil {
		text = strings.TrimSpace(unquoted)
	}
	v, err := strconv.ParseFloat(text, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	v = math.Trunc(v)
	// float64(math.MaxInt64) rounds up to 2^63, which does not fit.
	if v < math.MinInt64 || v >= math.MaxInt64 {
		return 0, false
	}
	return int64(v), true
}
