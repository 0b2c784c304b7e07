// ============================================================================
// webui-bridge Worker Pool - 腳本任務並發執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理多個 Worker goroutine 的生命週期和腳本任務分發
//
// 架構組件:
//   ┌─────────────┐
//   │  Session    │ --Submit()--> taskCh
//   └─────────────┘
//         ↑
//   ReceiveResult()
//         ↑
//   ┌─────────────┐
//   │   Pool      │
//   │  ┌────────┐ │
//   │  │Worker 1│←── taskCh
//   │  │Worker 2│←── taskCh   ──→ resultCh
//   │  └────────┘ │
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 創建 Pool，初始化 channels
//   2. Start(n) - 啟動 n 個 Worker goroutines
//   3. Submit(task) - 提交腳本任務（不阻塞，通道滿時回傳 ErrPoolBusy）
//   4. ReceiveResult() - 從 resultCh 讀取結果
//   5. Stop() - 停止接收新任務，等待所有 Worker 完成
//
// 並發控制:
//   - taskCh / resultCh: 帶緩衝 channel
//   - mu: 保護 started/stopped 狀態，並與 Stop() 的 close(taskCh) 互斥，
//     Submit() 不會向已關閉的 channel 發送
//
// ============================================================================

package worker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrPoolClosed 表示當前 Pool 已關閉，無法提交新任務
	ErrPoolClosed = errors.New("worker pool is closed")
	// ErrPoolNotStarted 表示 Pool 尚未啟動，無法提交任務
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolBusy 表示任務通道已滿
	ErrPoolBusy = errors.New("worker pool is busy")
)

// DefaultScriptTimeout 腳本預設執行上限
const DefaultScriptTimeout = 10 * time.Second

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	workers  []*Worker
	taskCh   chan Task
	resultCh chan Result
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	mu       sync.Mutex
	exec     Executor
	timeout  time.Duration
}

// NewPool 建立新的 Worker Pool
// 參數：
//   - bufferSize: 任務和結果通道的緩衝大小
//   - exec: 腳本執行器，nil 時使用 goja
//   - timeout: 單一腳本預設執行上限，<= 0 使用 DefaultScriptTimeout
func NewPool(bufferSize int, exec Executor, timeout time.Duration) *Pool {
	if exec == nil {
		exec = NewGojaExecutor(slog.Default())
	}
	if timeout <= 0 {
		timeout = DefaultScriptTimeout
	}
	return &Pool{
		workers:  make([]*Worker, 0),
		taskCh:   make(chan Task, bufferSize),
		resultCh: make(chan Result, bufferSize),
		stopCh:   make(chan struct{}),
		exec:     exec,
		timeout:  timeout,
	}
}

// Start 啟動指定數量的 Worker
func (p *Pool) Start(workerCount int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("pool already started") // 防止重複啟動
	}
	if workerCount <= 0 {
		workerCount = 1
	}

	for i := 0; i < workerCount; i++ {
		worker := newWorker(i, p.taskCh, p.resultCh, p.stopCh, p.exec, p.timeout)
		p.workers = append(p.workers, worker)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(worker)
	}

	p.started = true
	return nil
}

// Submit 提交任務到 Worker Pool，不會阻塞
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolClosed
	}

	// 持有鎖直到發送完成，Stop() 無法在此期間關閉 taskCh
	select {
	case p.taskCh <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// ReceiveResult 從結果通道接收執行結果
// 返回值：
//   - Result: 任務執行結果
//   - error: 如果 Pool 已關閉則返回 ErrPoolClosed
func (p *Pool) ReceiveResult() (Result, error) {
	select {
	case result, ok := <-p.resultCh:
		if !ok {
			return Result{}, ErrPoolClosed
		}
		return result, nil
	case <-p.stopCh:
		return Result{}, ErrPoolClosed
	}
}

// Stop 優雅地關閉 Worker Pool
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，通知 ReceiveResult 與 Worker 停止
//  3. 關閉 taskCh，結束 Worker 的 range 循環
//  4. 等待所有 Worker 完成當前任務
//  5. 關閉 resultCh
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stopCh)
	close(p.taskCh)
	p.mu.Unlock()

	p.wg.Wait()

	close(p.resultCh)
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}
