package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/internal/jobmanager"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

const maxBodyBytes = 1 << 20

// Handler returns the HTTP routes, including the push channel endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+backend.DefaultRPCPath, s.handleInvoke)
	mux.HandleFunc("GET "+backend.JobStatusPath, s.handleJobStatus)
	mux.HandleFunc("POST "+backend.LifecyclePath, s.handleLifecycle)
	mux.HandleFunc("GET "+backend.LifecycleConfigPath, s.handleLifecycleConfig)
	mux.HandleFunc("POST "+backend.ScriptResponsePath, s.handleScriptResponse)
	mux.HandleFunc("GET "+backend.WindowControlPath, s.handleWindowCapabilities)
	mux.HandleFunc("POST "+backend.WindowControlPath, s.handleWindowControl)
	mux.HandleFunc("GET "+backend.SocketPath, s.handleSocket)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeRequest(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}

func requestClient(r *http.Request, fromBody types.ClientID) types.ClientID {
	if fromBody != "" {
		return fromBody
	}
	return types.ClientID(r.Header.Get(identity.HeaderName))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownRPC), errors.Is(err, jobmanager.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := decodeRequest(r, &req); err != nil || req.Name == "" {
		http.Error(w, "invalid rpc request", http.StatusBadRequest)
		return
	}
	reply, err := s.Invoke(r.Context(), Call{
		ClientID: requestClient(r, ""),
		Name:     req.Name,
		Args:     req.Args,
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if reply.Job != nil {
		writeJSON(w, http.StatusOK, descriptorBody(reply.Job))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply.Result)
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := types.ParseIntID(json.RawMessage(r.URL.Query().Get("id")))
	if !ok {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return
	}
	status, err := s.JobStatus(types.JobID(id))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var msg types.LifecycleMessage
	if err := decodeRequest(r, &msg); err != nil || msg.Event == "" {
		http.Error(w, "invalid lifecycle event", http.StatusBadRequest)
		return
	}
	if err := s.RecordLifecycle(requestClient(r, msg.ClientID), msg.Event); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLifecycleConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.LifecycleConfig())
}

func (s *Server) handleScriptResponse(w http.ResponseWriter, r *http.Request) {
	var resp types.ScriptResponse
	if err := decodeRequest(r, &resp); err != nil || len(resp.ID) == 0 {
		http.Error(w, "invalid script response", http.StatusBadRequest)
		return
	}
	s.RecordScriptResponse(requestClient(r, resp.ClientID), resp)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWindowCapabilities(w http.ResponseWriter, _ *http.Request) {
	if !s.available() {
		http.Error(w, ErrUnavailable.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.WindowCapabilities())
}

func (s *Server) handleWindowControl(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cmd string `json:"cmd"`
	}
	if err := decodeRequest(r, &req); err != nil || req.Cmd == "" {
		http.Error(w, "invalid window command", http.StatusBadRequest)
		return
	}
	result, err := s.WindowControl(requestClient(r, ""), req.Cmd)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, result)
}
