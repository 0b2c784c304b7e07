// ============================================================================
// webui-bridge Worker - Script Execution Unit
// ============================================================================
//
// Package: internal/worker
// File: worker.go
// Function: Runs script tasks, each Worker in its own goroutine
//
// How it works:
//   Each Worker loops until taskCh is closed:
//   1. Receive task from taskCh (blocking wait)
//   2. Execute the script with a timeout context
//   3. Send the result to resultCh
//
// Execution Model:
//   ┌─────────────────────────────────────┐
//   │  Worker Goroutine                   │
//   │  ┌──────────────────────────────┐   │
//   │  │ for task := range taskCh     │   │
//   │  │   ├─ Context with timeout    │   │
//   │  │   ├─ executor.Execute(...)   │   │
//   │  │   └─ send result to resultCh │   │
//   │  └──────────────────────────────┘   │
//   └─────────────────────────────────────┘
//
// Error Handling:
//   - Script exceptions and rejected promises: JSError with the JS message
//   - Timeout: the runtime is interrupted, JSError "script interrupted: ..."
//   - Executor panics are recovered and reported as JSError
//
// ============================================================================

package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Worker represents a work execution unit
type Worker struct {
	id       int
	taskCh   <-chan Task
	resultCh chan<- Result
	stopCh   <-chan struct{}
	exec     Executor
	timeout  time.Duration
}

func newWorker(id int, taskCh <-chan Task, resultCh chan<- Result, stopCh <-chan struct{}, exec Executor, timeout time.Duration) *Worker {
	return &Worker{
		id:       id,
		taskCh:   taskCh,
		resultCh: resultCh,
		stopCh:   stopCh,
		exec:     exec,
		timeout:  timeout,
	}
}

// Run is the main loop of Worker
func (w *Worker) Run() {
	for task := range w.taskCh {
		result := w.runTask(task)

		select {
		case w.resultCh <- result:
		case <-w.stopCh:
			// pool shutting down, nobody reads results anymore
		}
	}
}

func (w *Worker) runTask(task Task) Result {
	start := time.Now()
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = w.timeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	value, err := w.execute(ctx, task.Script)
	result := Result{
		Task:     task,
		Duration: time.Since(start),
	}
	if err != nil {
		result.JSError = true
		result.Value = json.RawMessage("null")
		result.ErrorMessage = err.Error()
		return result
	}
	result.Value = value
	return result
}

// execute shields the worker from executor panics.
func (w *Worker) execute(ctx context.Context, script string) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("script executor panic: %v", r)
		}
	}()
	return w.exec.Execute(ctx, script)
}
