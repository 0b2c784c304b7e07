package resolver

import (
	"errors"
	"fmt"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

var (
	// ErrDuplicateJob is returned when a job id is already tracked.
	ErrDuplicateJob = errors.New("job already tracked")
	// ErrJobFailed matches a JobError for a failed job.
	ErrJobFailed = errors.New("job failed")
	// ErrJobCanceled matches a JobError for a canceled job.
	ErrJobCanceled = errors.New("job canceled")
	// ErrJobTimedOut matches a JobError for a job that timed out.
	ErrJobTimedOut = errors.New("job timed out")
)

// JobError is the rejection of a job that reached a terminal error state.
type JobError struct {
	JobID   types.JobID
	State   types.JobState
	Message string
}

func newJobError(id types.JobID, state types.JobState, serverMessage string) *JobError {
	msg := serverMessage
	if msg == "" {
		verb := "failed"
		switch state {
		case types.JobCanceled:
			verb = "canceled"
		case types.JobTimedOut:
			verb = "timed out"
		}
		msg = fmt.Sprintf("RPC job %d %s", id, verb)
	}
	return &JobError{JobID: id, State: state, Message: msg}
}

func (e *JobError) Error() string { return e.Message }

// Is matches the sentinel for the job's terminal state.
func (e *JobError) Is(target error) bool {
	switch e.State {
	case types.JobFailed:
		return target == ErrJobFailed
	case types.JobCanceled:
		return target == ErrJobCanceled
	case types.JobTimedOut:
		return target == ErrJobTimedOut
	}
	return false
}
