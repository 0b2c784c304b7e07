package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/webui-bridge/internal/backend"
	"github.com/ChuLiYu/webui-bridge/internal/identity"
	"github.com/ChuLiYu/webui-bridge/internal/jobmanager"
	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// bridgeService is the handler type checked by grpc.Server.RegisterService.
type bridgeService interface {
	Invoke(ctx context.Context, call Call) (backend.Reply, error)
	JobStatus(id types.JobID) (types.JobStatus, error)
}

type structMethod func(s *Server, ctx context.Context, client types.ClientID, body json.RawMessage) (any, error)

// ServiceDesc describes the gRPC form of the backend. Every method exchanges
// google.protobuf.Struct bodies shaped like the HTTP JSON bodies.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: backend.ServiceName,
	HandlerType: (*bridgeService)(nil),
	Methods: []grpc.MethodDesc{
		unary(backend.MethodInvoke, grpcInvoke),
		unary(backend.MethodJobStatus, grpcJobStatus),
		unary(backend.MethodPostLifecycle, grpcLifecycle),
		unary(backend.MethodLifecycleConfig, grpcLifecycleConfig),
		unary(backend.MethodScriptResponse, grpcScriptResponse),
		unary(backend.MethodWindowControl, grpcWindowControl),
		unary(backend.MethodWindowCapabilities, grpcWindowCapabilities),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "webui/bridge/v1/backend.proto",
}

// RegisterGRPC registers the backend service on gs.
func (s *Server) RegisterGRPC(gs *grpc.Server) {
	gs.RegisterService(&ServiceDesc, s)
}

func unary(method string, fn structMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(*Server)
			handle := func(ctx context.Context, req any) (any, error) {
				body, err := backend.FromStruct(req.(*structpb.Struct))
				if err != nil {
					return nil, status.Error(codes.InvalidArgument, err.Error())
				}
				out, err := fn(s, ctx, clientFromContext(ctx), body)
				if err != nil {
					return nil, grpcError(err)
				}
				return backend.ToStruct(out)
			}
			if interceptor == nil {
				return handle(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: backend.FullMethod(method)}
			return interceptor(ctx, in, info, handle)
		},
	}
}

func clientFromContext(ctx context.Context) types.ClientID {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(identity.HeaderName); len(v) > 0 {
		return types.ClientID(v[0])
	}
	return ""
}

func grpcError(err error) error {
	switch {
	case errors.Is(err, ErrUnknownRPC), errors.Is(err, jobmanager.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, errInvalidArgument):
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

var errInvalidArgument = errors.New("invalid argument")

func grpcInvoke(s *Server, ctx context.Context, client types.ClientID, body json.RawMessage) (any, error) {
	var req struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Name == "" {
		return nil, fmt.Errorf("%w: rpc request needs a name", errInvalidArgument)
	}
	reply, err := s.Invoke(ctx, Call{ClientID: client, Name: req.Name, Args: req.Args})
	if err != nil {
		return nil, err
	}
	if reply.Job != nil {
		return descriptorBody(reply.Job), nil
	}
	return map[string]json.RawMessage{"result": reply.Result}, nil
}

func grpcJobStatus(s *Server, _ context.Context, _ types.ClientID, body json.RawMessage) (any, error) {
	var req struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidArgument, err)
	}
	id, ok := types.ParseIntID(req.ID)
	if !ok {
		return nil, fmt.Errorf("%w: job id", errInvalidArgument)
	}
	return s.JobStatus(types.JobID(id))
}

func grpcLifecycle(s *Server, _ context.Context, client types.ClientID, body json.RawMessage) (any, error) {
	var msg types.LifecycleMessage
	if err := json.Unmarshal(body, &msg); err != nil || msg.Event == "" {
		return nil, fmt.Errorf("%w: lifecycle event", errInvalidArgument)
	}
	if msg.ClientID != "" {
		client = msg.ClientID
	}
	if err := s.RecordLifecycle(client, msg.Event); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func grpcLifecycleConfig(s *Server, _ context.Context, _ types.ClientID, _ json.RawMessage) (any, error) {
	return s.LifecycleConfig(), nil
}

func grpcScriptResponse(s *Server, _ context.Context, client types.ClientID, body json.RawMessage) (any, error) {
	var resp types.ScriptResponse
	if err := json.Unmarshal(body, &resp); err != nil || len(resp.ID) == 0 {
		return nil, fmt.Errorf("%w: script response", errInvalidArgument)
	}
	if resp.ClientID != "" {
		client = resp.ClientID
	}
	s.RecordScriptResponse(client, resp)
	return map[string]bool{"ok": true}, nil
}

func grpcWindowControl(s *Server, _ context.Context, client types.ClientID, body json.RawMessage) (any, error) {
	var req struct {
		Cmd string `json:"cmd"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Cmd == "" {
		return nil, fmt.Errorf("%w: window command", errInvalidArgument)
	}
	return s.WindowControl(client, req.Cmd)
}

func grpcWindowCapabilities(s *Server, _ context.Context, _ types.ClientID, _ json.RawMessage) (any, error) {
	if !s.available() {
		return nil, ErrUnavailable
	}
	return s.WindowCapabilities(), nil
}
