package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

func waitJob(t *testing.T, s *Server, id types.JobID) types.JobStatus {
	t.Helper()
	var st types.JobStatus
	require.Eventually(t, func() bool {
		var err error
		st, err = s.JobStatus(id)
		return err == nil && st.State.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	return st
}

func TestBuiltinsSync(t *testing.T) {
	s := New(DefaultConfig())
	s.RegisterBuiltins()
	ctx := context.Background()

	reply, err := s.Invoke(ctx, Call{ClientID: "c1", Name: "ping"})
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(reply.Result))

	reply, err = s.Invoke(ctx, Call{ClientID: "c1", Name: "echo", Args: json.RawMessage(`[{"a":1}]`)})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"a":1}]`, string(reply.Result))

	reply, err = s.Invoke(ctx, Call{ClientID: "c1", Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "null", string(reply.Result))
}

func TestBuiltinsAsync(t *testing.T) {
	s := New(DefaultConfig())
	s.RegisterBuiltins()
	ctx := context.Background()

	reply, err := s.Invoke(ctx, Call{ClientID: "c1", Name: "sleep", Args: json.RawMessage(`[20]`)})
	require.NoError(t, err)
	require.NotNil(t, reply.Job)
	st := waitJob(t, s, reply.Job.JobID)
	assert.Equal(t, types.JobCompleted, st.State)
	assert.JSONEq(t, `{"slept_ms":20}`, string(st.Value))

	reply, err = s.Invoke(ctx, Call{ClientID: "c1", Name: "fail", Args: json.RawMessage(`["no luck"]`)})
	require.NoError(t, err)
	require.NotNil(t, reply.Job)
	st = waitJob(t, s, reply.Job.JobID)
	assert.Equal(t, types.JobFailed, st.State)
	assert.Equal(t, "no luck", st.ErrorMessage)

	reply, err = s.Invoke(ctx, Call{ClientID: "c1", Name: "sleep", Args: json.RawMessage(`{"ms":1}`)})
	require.NoError(t, err)
	require.NotNil(t, reply.Job)
	st = waitJob(t, s, reply.Job.JobID)
	assert.Equal(t, types.JobFailed, st.State)
	assert.Contains(t, st.ErrorMessage, "args must be a JSON array")
}
