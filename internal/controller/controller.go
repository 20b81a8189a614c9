// ============================================================================
// statsrunner 控制器 - 任務提交與關閉協調
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 系統唯一的對外入口，協調所有元件並實作優雅關閉
//
// 架構設計:
//   Controller 擁有並串接以下元件：
//   - Allocator: 配發遞增且不重複的 JobID
//   - Queue: 無界 FIFO 任務佇列
//   - Registry: 任務狀態（running / done / failed）
//   - Store: 結果持久化（file / sqlite / redis）
//   - Pool: 固定數量的 Worker goroutine
//
// 提交流程:
//   Submit → 檢查狀態 → Allocator.Next → Queue.Enqueue → 回傳 JobID
//   Worker → Registry.MarkRunning → compute → Store.Save → Registry.MarkDone
//
// 關閉狀態機:
//
//   RUNNING ──InitiateShutdown()──▶ DRAINING ──所有 Worker 退出──▶ STOPPED
//                                      │                             │
//                      Queue.Drain(N)  │                   Store.Purge (sweep)
//                      拒絕新的 Submit  │                   close(done)
//
//   - InitiateShutdown 只有第一次呼叫有效，之後回傳 false
//   - 停止標記排在已提交的任務之後，所以 DRAINING 前提交的任務都會完成
//   - 到達 STOPPED 後清除所有結果紀錄（可由 PurgeOnShutdown 關閉）
//
// 並發安全:
//   - stateMu（RWMutex）：Submit 持讀鎖檢查狀態並排入任務，
//     InitiateShutdown 持寫鎖切換狀態並 Drain，
//     所以狀態切換後不會有任何任務再被排入，也不會有 JobID 被配發後遭拒
//   - Allocator、Queue、Registry 各自持有自己的鎖，沒有全域鎖
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/statsrunner/internal/idalloc"
	"github.com/ChuLiYu/statsrunner/internal/queue"
	"github.com/ChuLiYu/statsrunner/internal/registry"
	"github.com/ChuLiYu/statsrunner/internal/resultstore"
	"github.com/ChuLiYu/statsrunner/internal/worker"
	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrUnavailable 表示系統正在關閉，不再接受新任務
	ErrUnavailable = errors.New("controller: shutting down, submission rejected")

	// ErrNotReady 表示任務尚未完成
	ErrNotReady = errors.New("controller: result not ready")

	// ErrPersistFailed 表示任務已執行但結果無法持久化
	ErrPersistFailed = errors.New("controller: result could not be persisted")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// State 關閉狀態機的狀態
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopped:
		return "STOPPED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Config Controller 配置
type Config struct {
	Pool            worker.Config // Worker Pool 設定
	PurgeOnShutdown bool          // 到達 STOPPED 後清除所有結果
}

// DefaultConfig 預設配置
func DefaultConfig() Config {
	return Config{
		Pool:            worker.DefaultConfig(),
		PurgeOnShutdown: true,
	}
}

// Metrics Controller 需要的指標介面（*metrics.Collector 實作）
type Metrics interface {
	worker.Recorder
	RecordSubmitted()
	RecordRejected()
	RecordPurged(n int)
}

// JobSummary 任務列表中的一筆
type JobSummary struct {
	ID     types.JobID
	Status types.JobStatus // StatusUnknown 代表仍在佇列中
}

// Stats 系統狀態快照
type Stats struct {
	State   State
	Workers int
	Busy    int
	Pending int
	LastID  types.JobID
	Running int
	Done    int
	Failed  int
	Uptime  time.Duration
}

// Controller 核心控制器
type Controller struct {
	cfg       Config
	alloc     *idalloc.Allocator
	queue     *queue.Queue
	registry  *registry.Registry
	store     resultstore.Store
	pool      *worker.Pool
	metrics   Metrics
	log       *slog.Logger
	startTime time.Time

	stateMu  sync.RWMutex
	state    State
	draining chan struct{} // 進入 DRAINING 時關閉
	done     chan struct{} // sweep 完成後關閉
	purgeErr error         // sweep 的錯誤，done 關閉後才可讀
}

// Option 設定 Controller 的可選參數
type Option func(*options)

type options struct {
	metrics    Metrics
	logger     *slog.Logger
	workerOpts []worker.Option
}

// WithMetrics 設定指標收集器，同時交給 Worker Pool
func WithMetrics(m Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLogger 設定 logger
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithWorkerOptions 追加 Worker Pool 選項（例如 tracer）
func WithWorkerOptions(opts ...worker.Option) Option {
	return func(o *options) { o.workerOpts = append(o.workerOpts, opts...) }
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立 Controller 並立即啟動 Worker Pool
//
// 參數：
//   - cfg: Controller 配置
//   - store: 結果儲存（呼叫者負責 Close）
//   - computer: 計算實作
//
// 返回值：
//   - *Controller: 已在 RUNNING 狀態的 Controller
//   - error: 設定錯誤
func New(cfg Config, store resultstore.Store, computer worker.Computer, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, errors.New("controller: result store is required")
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Controller{
		cfg:       cfg,
		alloc:     idalloc.New(),
		queue:     queue.New(),
		registry:  registry.New(),
		store:     store,
		metrics:   o.metrics,
		log:       o.logger.With("component", "controller"),
		startTime: time.Now(),
		state:     StateRunning,
		draining:  make(chan struct{}),
		done:      make(chan struct{}),
	}

	workerOpts := append([]worker.Option{worker.WithLogger(o.logger)}, o.workerOpts...)
	if o.metrics != nil {
		workerOpts = append(workerOpts, worker.WithRecorder(o.metrics))
	}

	pool, err := worker.NewPool(cfg.Pool, c.queue, c.registry, store, computer, workerOpts...)
	if err != nil {
		return nil, fmt.Errorf("controller: start worker pool: %w", err)
	}
	c.pool = pool

	return c, nil
}

// Submit 提交任務
//
// 返回值：
//   - types.JobID: 新任務的 ID
//   - error: ErrUnavailable 代表已開始關閉
func (c *Controller) Submit(ctx context.Context, payload types.Payload, selector types.Selector) (types.JobID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.stateMu.RLock()
	defer c.stateMu.RUnlock()

	if c.state != StateRunning {
		if c.metrics != nil {
			c.metrics.RecordRejected()
		}
		return 0, ErrUnavailable
	}

	// ID 在佇列鎖內配發，入列順序即 ID 順序
	task, err := c.queue.EnqueueFunc(func() types.Task {
		return types.Task{ID: c.alloc.Next(), Payload: payload, Selector: selector}
	})
	if err != nil {
		// 持有讀鎖時佇列不會進入 draining
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	id := task.ID

	if c.metrics != nil {
		c.metrics.RecordSubmitted()
	}
	c.log.DebugContext(ctx, "job submitted", "job_id", id, "selector", selector)
	return id, nil
}

// Status 取得任務狀態
func (c *Controller) Status(id types.JobID) types.JobStatus {
	return c.registry.Status(id)
}

// Issued 檢查 id 是否曾被配發
func (c *Controller) Issued(id types.JobID) bool {
	return id >= 1 && id <= c.alloc.Last()
}

// Result 取得任務結果
//
// 錯誤處理：
//   - ErrNotReady: 任務仍在佇列中或執行中（或從未提交）
//   - ErrPersistFailed: 結果無法持久化
//   - resultstore.ErrNotFound: 結果已被 sweep 清除
//   - resultstore.ErrCorrupt: 結果損壞
func (c *Controller) Result(ctx context.Context, id types.JobID) (types.Record, error) {
	switch c.registry.Status(id) {
	case types.StatusDone:
		return c.store.Load(ctx, id)
	case types.StatusFailed:
		return types.Record{}, fmt.Errorf("%w: job %d", ErrPersistFailed, id)
	default:
		return types.Record{}, fmt.Errorf("%w: job %d", ErrNotReady, id)
	}
}

// PendingCount 回傳排隊中與執行中的任務數
func (c *Controller) PendingCount() int {
	return c.queue.Pending()
}

// BusyWorkers 回傳目前持有任務的 Worker 數量
func (c *Controller) BusyWorkers() int {
	return c.pool.Busy()
}

// Jobs 回傳所有已配發的任務及其狀態（依 ID 遞增）
func (c *Controller) Jobs() []JobSummary {
	last := c.alloc.Last()
	out := make([]JobSummary, 0, int(last))
	for id := types.JobID(1); id <= last; id++ {
		out = append(out, JobSummary{ID: id, Status: c.registry.Status(id)})
	}
	return out
}

// Stats 取得系統狀態
func (c *Controller) Stats() Stats {
	counts := c.registry.Counts()
	return Stats{
		State:   c.State(),
		Workers: c.pool.Size(),
		Busy:    c.pool.Busy(),
		Pending: c.queue.Pending(),
		LastID:  c.alloc.Last(),
		Running: counts[types.StatusRunning],
		Done:    counts[types.StatusDone],
		Failed:  counts[types.StatusFailed],
		Uptime:  time.Since(c.startTime),
	}
}

// ============================================================================
// 優雅關閉
// ============================================================================

// State 取得目前狀態
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Draining 返回進入 DRAINING 時關閉的 channel
func (c *Controller) Draining() <-chan struct{} {
	return c.draining
}

// Done 返回 sweep 完成後關閉的 channel
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// InitiateShutdown 觸發 RUNNING → DRAINING，立即返回
//
// 流程：
//  1. 切換狀態，之後的 Submit 回傳 ErrUnavailable
//  2. 對佇列 Drain：每個 Worker 一個停止標記，排在現有任務之後
//  3. 背景 finisher 等待 Worker 全部退出 → STOPPED → sweep
//
// 返回值：
//   - bool: 第一次呼叫回傳 true；已在關閉中則不做任何事並回傳 false
func (c *Controller) InitiateShutdown() bool {
	c.stateMu.Lock()
	if c.state != StateRunning {
		state := c.state
		c.stateMu.Unlock()
		c.log.Info("shutdown already in progress", "state", state.String())
		return false
	}
	c.state = StateDraining
	c.queue.Drain(c.pool.Size())
	pending := c.queue.Pending()
	c.stateMu.Unlock()

	close(c.draining)
	c.log.Info("draining worker pool", "workers", c.pool.Size(), "pending", pending)

	go c.finish()
	return true
}

// finish 等待所有 Worker 退出後切換到 STOPPED 並執行 sweep
func (c *Controller) finish() {
	c.pool.Wait()

	c.stateMu.Lock()
	c.state = StateStopped
	c.stateMu.Unlock()
	c.log.Info("worker pool stopped", "done", c.registry.Counts()[types.StatusDone])

	if c.cfg.PurgeOnShutdown {
		n, err := c.store.Purge(context.Background())
		if err != nil {
			c.purgeErr = fmt.Errorf("controller: purge results: %w", err)
			c.log.Error("failed to purge results", "error", err)
		} else {
			c.log.Info("purged stored results", "count", n)
		}
		if c.metrics != nil {
			c.metrics.RecordPurged(n)
		}
	}

	close(c.done)
}

// Wait 阻塞直到關閉流程（含 sweep）完成或 ctx 結束
//
// 返回值：
//   - error: ctx 的錯誤，或 sweep 失敗的錯誤
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.purgeErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 觸發關閉並等待完成
func (c *Controller) Shutdown(ctx context.Context) error {
	c.InitiateShutdown()
	return c.Wait(ctx)
}
