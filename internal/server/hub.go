package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"

	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

const socketWriteTimeout = 5 * time.Second

type clientConn struct {
	id   types.ClientID
	conn *websocket.Conn
}

func newClientConn(id types.ClientID, conn *websocket.Conn) *clientConn {
	return &clientConn{id: id, conn: conn}
}

// send is safe for concurrent use; websocket.Conn serializes writers.
func (c *clientConn) send(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, socketWriteTimeout)
	defer cancel()
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	clientID := types.ClientID(r.URL.Query().Get("client_id"))
	if clientID == "" {
		clientID = types.ClientID(r.Header.Get(identity.HeaderName))
	}
	if clientID == "" {
		http.Error(w, "missing client_id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.log.Warn("websocket accept failed", "client", clientID, "error", err)
		return
	}
	cc := newClientConn(clientID, conn)
	s.attach(cc)
	defer s.detach(cc)

	s.readLoop(r.Context(), cc)
}

func (s *Server) attach(cc *clientConn) {
	s.mu.Lock()
	old := s.conns[cc.id]
	s.conns[cc.id] = cc
	s.clientLocked(cc.id).Connected = true
	s.mu.Unlock()

	if old != nil {
		_ = old.conn.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	s.log.Info("client connected", "client", cc.id)
}

func (s *Server) detach(cc *clientConn) {
	s.mu.Lock()
	if s.conns[cc.id] == cc {
		delete(s.conns, cc.id)
		if info, ok := s.clients[cc.id]; ok {
			info.Connected = false
		}
	}
	s.mu.Unlock()
	cc.conn.CloseNow() //nolint:errcheck
	s.log.Info("client disconnected", "client", cc.id)
}

func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		typ, data, err := cc.conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.handleFrame(cc.id, data)
	}
}

func (s *Server) handleFrame(id types.ClientID, data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		s.log.Debug("malformed frame", "client", id, "error", err)
		return
	}
	switch head.Type {
	case types.MsgCloseAck:
		var ack types.CloseAck
		if err := json.Unmarshal(data, &ack); err != nil {
			s.log.Debug("malformed close_ack", "client", id, "error", err)
			return
		}
		s.deliverCloseAck(ack)
	case types.MsgLifecycle:
		var msg types.LifecycleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.Debug("malformed lifecycle", "client", id, "error", err)
			return
		}
		if err := s.RecordLifecycle(id, msg.Event); err != nil {
			s.log.Debug("lifecycle dropped", "client", id, "error", err)
		}
	case types.MsgScriptResponse:
		var resp types.ScriptResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			s.log.Debug("malformed script_response", "client", id, "error", err)
			return
		}
		s.RecordScriptResponse(id, resp)
	default:
		s.log.Debug("unknown frame type", "client", id, "type", head.Type)
	}
}

func (s *Server) deliverCloseAck(ack types.CloseAck) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.closeWaiters[ack.ID]; ok {
		delete(s.closeWaiters, ack.ID)
		ch <- ack
	}
}

func (s *Server) conn(id types.ClientID) (*clientConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cc, ok := s.conns[id]
	return cc, ok
}

// Connected reports whether the client has an open push channel.
func (s *Server) Connected(id types.ClientID) bool {
	_, ok := s.conn(id)
	return ok
}

// ConnectionCount returns the number of open push channels.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// DropConnection closes the client's push channel with a going-away status,
// which the client treats as a normal close and reconnects.
func (s *Server) DropConnection(id types.ClientID) bool {
	cc, ok := s.conn(id)
	if !ok {
		return false
	}
	_ = cc.conn.Close(websocket.StatusGoingAway, "dropped by backend")
	return true
}

// PushJobUpdate tells the client that a job changed state.
func (s *Server) PushJobUpdate(id types.ClientID, jobID types.JobID) bool {
	cc, ok := s.conn(id)
	if !ok {
		return false
	}
	msg := map[string]any{"type": types.MsgRPCJobUpdate, "job_id": int64(jobID)}
	if err := cc.send(context.Background(), msg); err != nil {
		s.log.Debug("push job update failed", "client", id, "jobID", jobID, "error", err)
		return false
	}
	return true
}

// SendBackendClose asks the client to shut down. For closeID > 0 it waits
// for the matching close_ack until ctx is done. closeID <= 0 expects no ack.
func (s *Server) SendBackendClose(ctx context.Context, id types.ClientID, closeID int64) (types.CloseAck, error) {
	cc, ok := s.conn(id)
	if !ok {
		return types.CloseAck{}, ErrNotConnected
	}

	var wait chan types.CloseAck
	if closeID > 0 {
		wait = make(chan types.CloseAck, 1)
		s.mu.Lock()
		s.closeWaiters[closeID] = wait
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.closeWaiters, closeID)
			s.mu.Unlock()
		}()
	}

	if err := cc.send(ctx, map[string]any{"type": types.MsgBackendClose, "id": closeID}); err != nil {
		return types.CloseAck{}, fmt.Errorf("send backend_close: %w", err)
	}
	if wait == nil {
		return types.CloseAck{}, nil
	}
	select {
	case ack := <-wait:
		return ack, nil
	case <-ctx.Done():
		return types.CloseAck{}, ctx.Err()
	}
}

// CloseClient sends backend_close with a fresh id and waits for the ack.
func (s *Server) CloseClient(ctx context.Context, id types.ClientID) (types.CloseAck, error) {
	return s.SendBackendClose(ctx, id, s.nextCloseID.Add(1))
}

// ScriptOptions tunes DispatchScript.
type ScriptOptions struct {
	ExpectResult bool
	ConnectionID string
}

// DispatchScript sends a script task. With ExpectResult it waits for the
// script_response (over the socket or the HTTP fallback) until ctx is done.
func (s *Server) DispatchScript(ctx context.Context, id types.ClientID, script string, opts ScriptOptions) (types.ScriptResponse, error) {
	cc, ok := s.conn(id)
	if !ok {
		return types.ScriptResponse{}, ErrNotConnected
	}
	taskID := s.nextScriptID.Add(1)
	key := strconv.FormatInt(taskID, 10)

	var wait chan types.ScriptResponse
	if opts.ExpectResult {
		wait = make(chan types.ScriptResponse, 1)
		s.mu.Lock()
		s.scriptWaiters[key] = wait
		s.mu.Unlock()
		defer func() {
			s.mu.Lock()
			delete(s.scriptWaiters, key)
			s.mu.Unlock()
		}()
	}

	msg := map[string]any{
		"type":          types.MsgScriptTask,
		"id":            taskID,
		"script":        script,
		"expect_result": opts.ExpectResult,
	}
	if opts.ConnectionID != "" {
		msg["connection_id"] = opts.ConnectionID
	}
	if err := cc.send(ctx, msg); err != nil {
		return types.ScriptResponse{}, fmt.Errorf("send script_task: %w", err)
	}
	if wait == nil {
		return types.ScriptResponse{}, nil
	}
	select {
	case resp := <-wait:
		return resp, nil
	case <-ctx.Done():
		return types.ScriptResponse{}, ctx.Err()
	}
}

// closeAll closes every push channel.
func (s *Server) closeAll(reason string) {
	s.mu.RLock()
	conns := make([]*clientConn, 0, len(s.conns))
	for _, cc := range s.conns {
		conns = append(conns, cc)
	}
	s.mu.RUnlock()
	for _, cc := range conns {
		if err := cc.conn.Close(websocket.StatusGoingAway, reason); err != nil {
			s.log.Debug("close connection", "client", cc.id, "error", err)
		}
	}
}
