package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins installs the calls `serve` exposes out of the box:
//
//	ping           sync   "pong"
//	echo ARGS      sync   ARGS unchanged
//	sleep [MS]     async  {"slept_ms": MS} after MS milliseconds
//	fail [MSG]     async  fails with MSG
func (s *Server) RegisterBuiltins() {
	s.RegisterSync("ping", func(context.Context, Call) (json.RawMessage, error) {
		return json.RawMessage(`"pong"`), nil
	})
	s.RegisterSync("echo", func(_ context.Context, call Call) (json.RawMessage, error) {
		if len(call.Args) == 0 {
			return json.RawMessage("null"), nil
		}
		return call.Args, nil
	})
	s.RegisterAsync("sleep", func(ctx context.Context, call Call) (json.RawMessage, error) {
		var ms int64
		if err := firstArg(call.Args, &ms); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return json.Marshal(map[string]int64{"slept_ms": ms})
	})
	s.RegisterAsync("fail", func(_ context.Context, call Call) (json.RawMessage, error) {
		msg := "requested failure"
		if err := firstArg(call.Args, &msg); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%s", msg)
	})
}

// firstArg decodes the first element of a JSON array into v. Missing or
// empty args leave v unchanged.
func firstArg(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	var list []json.RawMessage
	if err := json.Unmarshal(args, &list); err != nil {
		return fmt.Errorf("args must be a JSON array: %w", err)
	}
	if len(list) == 0 {
		return nil
	}
	if err := json.Unmarshal(list[0], v); err != nil {
		return fmt.Errorf("bad argument: %w", err)
	}
	return nil
}
