// ============================================================================
// statsrunner Worker Pool - 並發任務執行器
// ============================================================================
//
// Package: internal/worker
// 文件: worker_pool.go
// 功能: 管理固定數量 Worker goroutine 的生命週期
//
// 設計模式:
//   採用 Worker Pool 模式（工作池模式）：
//   1. NewPool 立即啟動 WorkerCount 個 goroutine，之後數量不變
//   2. 所有 Worker 共用同一個 TaskSource（FIFO 佇列）
//   3. 結果不經過 channel 回傳，直接由 Worker 寫入 ResultSaver
//   4. 不會為單一任務建立 goroutine
//
// 架構組件:
//   ┌─────────────┐
//   │ Controller  │ --Enqueue()--> Queue
//   └─────────────┘                  │
//                                 Dequeue()
//   ┌─────────────┐                  │
//   │   Pool      │                  ▼
//   │  ┌────────┐ │   ┌──────────────────────────┐
//   │  │Worker 1│←┼───┤  compute -> Save -> Mark │
//   │  │Worker 2│←┤   └──────────────────────────┘
//   │  │Worker N│←┘
//   │  └────────┘
//   └─────────────┘
//
// 生命週期:
//   1. NewPool() - 驗證設定並啟動所有 Worker
//   2. Worker 持續從佇列取任務直到取到停止標記
//   3. 佇列 Drain(N) 後，每個 Worker 取到一個停止標記並退出
//   4. Wait() / Done() - 等待所有 Worker 退出
//
// 並發控制:
//   - WaitGroup: 追蹤所有 Worker，確保優雅關閉
//   - atomic.Bool: 每個 Worker 的 busy 旗標，Busy() 無鎖讀取
//
// ============================================================================

package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ChuLiYu/statsrunner/internal/worker"

// Pool 代表 Worker 池，管理多個並發的 Worker
type Pool struct {
	cfg     Config
	workers []*Worker      // 所有啟動的 Worker
	wg      sync.WaitGroup // 等待所有 Worker 完成
	done    chan struct{}  // 所有 Worker 退出後關閉
}

// Option 設定 Pool 的可選參數
type Option func(*poolOptions)

type poolOptions struct {
	recorder Recorder
	tracer   trace.Tracer
	logger   *slog.Logger
}

// WithRecorder 設定指標記錄器
func WithRecorder(r Recorder) Option {
	return func(o *poolOptions) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTracer 設定 OpenTelemetry tracer（預設使用全域 TracerProvider）
func WithTracer(t trace.Tracer) Option {
	return func(o *poolOptions) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithLogger 設定 logger（預設為 slog.Default()）
func WithLogger(l *slog.Logger) Option {
	return func(o *poolOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// NewPool 建立並啟動 Worker Pool
//
// 參數：
//   - cfg: Pool 設定，WorkerCount 不可超過 MaxWorkers
//   - source: 任務來源（佇列）
//   - sink: 狀態記錄（registry）
//   - saver: 結果儲存
//   - computer: 計算實作
//
// 返回值：
//   - *Pool: 已啟動的 Pool
//   - error: 設定不合法或缺少依賴
func NewPool(cfg Config, source TaskSource, sink StatusSink, saver ResultSaver, computer Computer, opts ...Option) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || sink == nil || saver == nil || computer == nil {
		return nil, fmt.Errorf("%w: source, sink, saver and computer are required", ErrInvalidConfig)
	}

	o := poolOptions{
		recorder: nopRecorder{},
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool{
		cfg:     cfg,
		workers: make([]*Worker, 0, cfg.WorkerCount),
		done:    make(chan struct{}),
	}

	for i := 0; i < cfg.WorkerCount; i++ {
		w := &Worker{
			id:       i,
			source:   source,
			sink:     sink,
			saver:    saver,
			computer: computer,
			timeout:  cfg.TaskTimeout,
			recorder: o.recorder,
			tracer:   o.tracer,
			log:      o.logger.With("component", "worker"),
		}
		p.workers = append(p.workers, w)

		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run()
		}(w)
	}

	go func() {
		p.wg.Wait()
		close(p.done)
	}()

	o.logger.Info("worker pool started", "workers", cfg.WorkerCount, "max_workers", cfg.maxWorkers(),
		"task_timeout", cfg.TaskTimeout.String())
	return p, nil
}

// Size 返回 Worker 數量
func (p *Pool) Size() int {
	return len(p.workers)
}

// Busy 返回目前持有任務的 Worker 數量
func (p *Pool) Busy() int {
	n := 0
	for _, w := range p.workers {
		if w.Busy() {
			n++
		}
	}
	return n
}

// Wait 阻塞直到所有 Worker 退出
//
// Worker 只會在取到停止標記時退出，所以必須先對佇列呼叫 Drain
func (p *Pool) Wait() {
	<-p.done
}

// WaitTimeout 與 Wait 相同，但最多等待 d
//
// 返回值：
//   - bool: 所有 Worker 是否已在時限內退出
func (p *Pool) WaitTimeout(d time.Duration) bool {
	select {
	case <-p.done:
		return true
	case <-time.After(d):
		return false
	}
}

// Done 返回一個在所有 Worker 退出後關閉的 channel
func (p *Pool) Done() <-chan struct{} {
	return p.done
}
