// ============================================================================
// statsrunner 任務狀態表 - Job Status Registry
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 記錄每個任務的完成狀態，供輪詢者並發讀取
//
// 狀態轉換:
//   unknown (無紀錄)
//      ↓ MarkRunning()
//   running
//      ↓ MarkDone() / MarkFailed()
//   done / failed (終止狀態，不會再回退)
//
// 並發模型:
//   - 單一寫入者：只有持有該任務的 worker 會寫入對應 key
//   - 多讀者：任意數量的輪詢者透過 RLock 讀取
//   - 自有的 sync.RWMutex，不與 allocator、queue 共用鎖
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

// ErrInvalidTransition 不合法的狀態轉換（例如 done → running）
var ErrInvalidTransition = errors.New("invalid job status transition")

// Registry 任務狀態表
type Registry struct {
	mu       sync.RWMutex
	statuses map[types.JobID]types.JobStatus
}

// New 建立空的狀態表
func New() *Registry {
	return &Registry{
		statuses: make(map[types.JobID]types.JobStatus),
	}
}

// MarkRunning 將任務標記為執行中
//
// 錯誤處理：
//   - ErrInvalidTransition: 任務已經有紀錄（重複分派）
func (r *Registry) MarkRunning(id types.JobID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, exists := r.statuses[id]; exists {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, id, st)
	}

	r.statuses[id] = types.StatusRunning
	return nil
}

// MarkDone 將執行中的任務標記為完成
func (r *Registry) MarkDone(id types.JobID) error {
	return r.finish(id, types.StatusDone)
}

// MarkFailed 將執行中的任務標記為失敗（結果無法持久化）
func (r *Registry) MarkFailed(id types.JobID) error {
	return r.finish(id, types.StatusFailed)
}

// finish running → done/failed 的共用實作
func (r *Registry) finish(id types.JobID, status types.JobStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, exists := r.statuses[id]
	if !exists {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, id, types.StatusUnknown)
	}
	if st != types.StatusRunning {
		return fmt.Errorf("%w: job %d is %s", ErrInvalidTransition, id, st)
	}

	r.statuses[id] = status
	return nil
}

// Status 取得任務狀態，沒有紀錄時回傳 StatusUnknown
//
// 併發安全：使用讀鎖保護
func (r *Registry) Status(id types.JobID) types.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if st, exists := r.statuses[id]; exists {
		return st
	}
	return types.StatusUnknown
}

// Counts 取得各狀態的任務數量
//
// 使用範例：
//
//	counts := reg.Counts()
//	log.Info("registry", "running", counts[types.StatusRunning], "done", counts[types.StatusDone])
func (r *Registry) Counts() map[types.JobStatus]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := map[types.JobStatus]int{
		types.StatusRunning: 0,
		types.StatusDone:    0,
		types.StatusFailed:  0,
	}
	for _, st := range r.statuses {
		counts[st]++
	}
	return counts
}

// Len 回傳有紀錄的任務數
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.statuses)
}
