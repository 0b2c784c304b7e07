// ============================================================================
// webui-bridge 任務管理器 - 後端非同步 RPC 任務表
// ============================================================================
//
// Package: internal/jobmanager
// 文件: job_manager.go
// 功能: 參考後端（internal/server）用來追蹤延遲執行的 RPC 任務
//
// 任務狀態轉換 (State Machine):
//   queued (待處理 / 執行中)
//      ├─ MarkCompleted(value) → completed
//      ├─ MarkFailed(msg)      → failed
//      ├─ Cancel()             → canceled
//      └─ ExpireOverdue(now)   → timed_out  (超過截止時間)
//
//   終態 (completed / failed / canceled / timed_out) 不可再轉換，
//   重複轉換回傳 ErrNotQueued。
//
// 數據結構設計:
//   jobs map[JobID]*Job - 主存儲，作為單一真實來源
//   queue []JobID       - 尚未被 runner 取走的任務，保證 FIFO
//
// 並發安全:
//   - 使用 sync.RWMutex 保護所有數據結構
//   - Get / Status / Stats 回傳副本，呼叫端不會看到後續修改
//
// ============================================================================

package jobmanager

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/webui-bridge/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 任務不存在
	ErrJobNotFound = errors.New("job not found")
	// 任務已在終態
	ErrNotQueued = errors.New("job not queued")
)

// Job 代表一個後端延遲執行的 RPC 呼叫
type Job struct {
	ID           types.JobID
	Name         string
	Args         json.RawMessage
	ClientID     types.ClientID
	State        types.JobState
	Value        json.RawMessage
	ErrorMessage string
	Started      bool      // runner 已取走
	CreatedAt    time.Time // 建立時間
	UpdatedAt    time.Time // 最後狀態變更時間
	Deadline     time.Time // 零值表示無截止時間
}

// Stats 各狀態的任務數量
type Stats struct {
	Queued    int
	Completed int
	Failed    int
	Canceled  int
	TimedOut  int
}

// JobManager 代表任務管理器
type JobManager struct {
	mu     sync.RWMutex
	jobs   map[types.JobID]*Job
	queue  []types.JobID
	nextID types.JobID
	now    func() time.Time
}

// NewJobManager 建立新的任務管理器實例
//
// 併發安全：返回的實例是執行緒安全的
func NewJobManager() *JobManager {
	return &JobManager{
		jobs:  make(map[types.JobID]*Job),
		queue: make([]types.JobID, 0),
		now:   time.Now,
	}
}

// Enqueue 建立新任務並回傳其 ID。ID 從 1 開始遞增。
//
// 參數說明：
//   - name / args: RPC 名稱與參數
//   - clientID: 發起呼叫的客戶端
//   - timeout: 任務截止時間，<= 0 表示不限時
func (jm *JobManager) Enqueue(name string, args json.RawMessage, clientID types.ClientID, timeout time.Duration) types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	jm.nextID++
	now := jm.now()
	job := &Job{
		ID:        jm.nextID,
		Name:      name,
		Args:      args,
		ClientID:  clientID,
		State:     types.JobQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if timeout > 0 {
		job.Deadline = now.Add(timeout)
	}
	jm.jobs[job.ID] = job
	jm.queue = append(jm.queue, job.ID)
	return job.ID
}

// PopPending 取出一個尚未開始的任務並標記為已開始
//
// 返回值：
//   - Job: 任務副本
//   - bool: 沒有待處理任務時為 false
func (jm *JobManager) PopPending() (Job, bool) {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	for len(jm.queue) > 0 {
		id := jm.queue[0]
		jm.queue = jm.queue[1:]
		job := jm.jobs[id]
		// 排隊期間可能已被取消或逾時
		if job == nil || job.State != types.JobQueued {
			continue
		}
		job.Started = true
		job.UpdatedAt = jm.now()
		return *job, true
	}
	return Job{}, false
}

// MarkCompleted 將任務標記為已完成，value 為回傳值
func (jm *JobManager) MarkCompleted(id types.JobID, value json.RawMessage) error {
	return jm.finish(id, types.JobCompleted, value, "")
}

// MarkFailed 將任務標記為失敗
func (jm *JobManager) MarkFailed(id types.JobID, message string) error {
	return jm.finish(id, types.JobFailed, nil, message)
}

// Cancel 取消任務
func (jm *JobManager) Cancel(id types.JobID) error {
	return jm.finish(id, types.JobCanceled, nil, "")
}

func (jm *JobManager) finish(id types.JobID, state types.JobState, value json.RawMessage, message string) error {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	job, exists := jm.jobs[id]
	if !exists {
		return ErrJobNotFound
	}
	if job.State != types.JobQueued {
		return ErrNotQueued
	}
	job.State = state
	job.Value = value
	job.ErrorMessage = message
	job.UpdatedAt = jm.now()
	return nil
}

// ExpireOverdue 將超過截止時間的任務標記為 timed_out
//
// 返回值：
//   - []types.JobID: 本次逾時的任務 ID
func (jm *JobManager) ExpireOverdue(now time.Time) []types.JobID {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	var expired []types.JobID
	for id, job := range jm.jobs {
		if job.State != types.JobQueued || job.Deadline.IsZero() || now.Before(job.Deadline) {
			continue
		}
		job.State = types.JobTimedOut
		job.UpdatedAt = now
		expired = append(expired, id)
	}
	return expired
}

// Get 回傳任務副本
func (jm *JobManager) Get(id types.JobID) (Job, error) {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	job, exists := jm.jobs[id]
	if !exists {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Status 回傳任務的對外狀態（GET /rpc/job 的回應內容）
func (jm *JobManager) Status(id types.JobID) (types.JobStatus, error) {
	job, err := jm.Get(id)
	if err != nil {
		return types.JobStatus{}, err
	}
	return types.JobStatus{
		State:        job.State,
		Value:        job.Value,
		ErrorMessage: job.ErrorMessage,
	}, nil
}

// Stats 回傳各狀態任務數量
func (jm *JobManager) Stats() Stats {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	var s Stats
	for _, job := range jm.jobs {
		switch job.State {
		case types.JobQueued:
			s.Queued++
		case types.JobCompleted:
			s.Completed++
		case types.JobFailed:
			s.Failed++
		case types.JobCanceled:
			s.Canceled++
		case types.JobTimedOut:
			s.TimedOut++
		}
	}
	return s
}

// Prune 移除 UpdatedAt 早於 before 的終態任務，回傳移除數量
func (jm *JobManager) Prune(before time.Time) int {
	jm.mu.Lock()
	defer jm.mu.Unlock()

	removed := 0
	for id, job := range jm.jobs {
		if job.State.IsTerminal() && job.UpdatedAt.Before(before) {
			delete(jm.jobs, id)
			removed++
		}
	}
	return removed
}
