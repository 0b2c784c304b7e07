package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// ServiceName is the gRPC service exposed by the backend. Every method is
// unary and exchanges google.protobuf.Struct bodies whose fields mirror the
// HTTP JSON bodies.
const ServiceName = "webui.bridge.v1.Backend"

// gRPC method names.
const (
	MethodInvoke             = "Invoke"
	MethodJobStatus          = "JobStatus"
	MethodPostLifecycle      = "PostLifecycle"
	MethodLifecycleConfig    = "LifecycleConfig"
	MethodScriptResponse     = "ScriptResponse"
	MethodWindowControl      = "WindowControl"
	MethodWindowCapabilities = "WindowCapabilities"
)

// FullMethod returns the wire name of a method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// ToStruct converts any JSON-encodable object to a Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("struct body must be an object: %w", err)
	}
	return structpb.NewStruct(fields)
}

// FromStruct converts a Struct back to JSON.
func FromStruct(s *structpb.Struct) (json.RawMessage, error) {
	if s == nil {
		return json.RawMessage(`{}`), nil
	}
	return json.Marshal(s.AsMap())
}

// GRPCClient is the gRPC request transport. The push channel still uses
// the WebSocket endpoint of the HTTP base URL.
type GRPCClient struct {
	conn     grpc.ClientConnInterface
	clientID types.ClientID
}

// NewGRPCClient wraps an established connection.
func NewGRPCClient(conn grpc.ClientConnInterface, clientID types.ClientID) *GRPCClient {
	return &GRPCClient{conn: conn, clientID: clientID}
}

func (g *GRPCClient) call(ctx context.Context, method string, req any) (json.RawMessage, error) {
	in, err := ToStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode %s request: %w", method, err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, identity.HeaderName, string(g.clientID))
	out := &structpb.Struct{}
	if err := g.conn.Invoke(ctx, FullMethod(method), in, out); err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	return FromStruct(out)
}

// Invoke performs a request call. The reply Struct carries either job
// descriptor fields or the direct result under "result".
func (g *GRPCClient) Invoke(ctx context.Context, name string, args json.RawMessage) (Reply, error) {
	if len(args) == 0 {
		args = json.RawMessage("[]")
	}
	body, err := g.call(ctx, MethodInvoke, map[string]any{"name": name, "args": args})
	if err != nil {
		return Reply{}, fmt.Errorf("RPC %s failed: %w", name, err)
	}
	reply := ParseReply(body)
	if reply.Job != nil {
		return reply, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err == nil {
		if result, ok := fields["result"]; ok {
			return Reply{Result: result}, nil
		}
	}
	return reply, nil
}

// JobStatus fetches the state of a job.
func (g *GRPCClient) JobStatus(ctx context.Context, id types.JobID) (types.JobStatus, error) {
	body, err := g.call(ctx, MethodJobStatus, map[string]string{"id": strconv.FormatInt(int64(id), 10)})
	if err != nil {
		return types.JobStatus{}, err
	}
	return decodeJobStatus(body), nil
}

// PostLifecycle reports a lifecycle event.
func (g *GRPCClient) PostLifecycle(ctx context.Context, event types.LifecycleEvent) error {
	_, err := g.call(ctx, MethodPostLifecycle, types.LifecycleMessage{Event: event, ClientID: g.clientID})
	return err
}

// Heartbeat posts a heartbeat lifecycle event.
func (g *GRPCClient) Heartbeat(ctx context.Context) error {
	return g.PostLifecycle(ctx, types.LifecycleHeartbeat)
}

// LifecycleConfig fetches the heartbeat config merged over the defaults.
func (g *GRPCClient) LifecycleConfig(ctx context.Context) (types.HeartbeatConfig, error) {
	cfg := types.DefaultHeartbeatConfig()
	body, err := g.call(ctx, MethodLifecycleConfig, map[string]any{})
	if err != nil {
		return cfg, err
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		return types.DefaultHeartbeatConfig(), fmt.Errorf("decode lifecycle config: %w", err)
	}
	return cfg, nil
}

// ScriptResponse posts a script task result.
func (g *GRPCClient) ScriptResponse(ctx context.Context, resp types.ScriptResponse) error {
	resp.Type = ""
	_, err := g.call(ctx, MethodScriptResponse, resp)
	return err
}

// WindowControl sends a window command.
func (g *GRPCClient) WindowControl(ctx context.Context, cmd string) (types.ControlResult, error) {
	body, err := g.call(ctx, MethodWindowControl, map[string]string{"cmd": cmd})
	if err != nil {
		return types.ControlResult{}, err
	}
	var result types.ControlResult
	if err := json.Unmarshal(body, &result); err != nil {
		return types.ControlResult{}, fmt.Errorf("decode control result: %w", err)
	}
	return result, nil
}

// WindowCapabilities reads the window control capabilities.
func (g *GRPCClient) WindowCapabilities(ctx context.Context) (json.RawMessage, error) {
	return g.call(ctx, MethodWindowCapabilities, map[string]any{})
}
