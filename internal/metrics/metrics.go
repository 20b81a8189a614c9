// ============================================================================
// statsrunner Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務執行指標，支持 Prometheus 監控
//
// 監控理念:
//   基於 RED 方法（Rate, Errors, Duration）和 USE 方法（Utilization, Saturation, Errors）
//
// 指標分類:
//
//   1. 任務計數器 (Counter) - 累計值，只增不減：
//      - statsrunner_jobs_submitted_total: 提交成功的任務數
//      - statsrunner_jobs_rejected_total: 關閉期間被拒絕的提交數
//      - statsrunner_jobs_dispatched_total: 已分派給 worker 的任務數
//      - statsrunner_jobs_completed_total{outcome}: 已完成任務數（ok / error）
//      - statsrunner_jobs_persist_failed_total: 結果無法持久化的任務數
//      - statsrunner_results_purged_total: 關閉時清除的結果數
//
//   2. 性能指標 (Histogram) - 分佈統計：
//      - statsrunner_job_latency_seconds: 從分派到持久化完成的延遲
//
//   3. 狀態指標 (GaugeFunc) - 抓取時即時讀取：
//      - statsrunner_jobs_pending: 排隊中 + 執行中的任務數
//      - statsrunner_workers_busy: 正在執行任務的 worker 數
//
// Prometheus 查詢示例:
//
//   # 每分鐘完成任務數
//   rate(statsrunner_jobs_completed_total[1m])
//
//   # 95 分位延遲
//   histogram_quantile(0.95, rate(statsrunner_job_latency_seconds_bucket[5m]))
//
//   # 計算失敗率
//   rate(statsrunner_jobs_completed_total{outcome="error"}[5m])
//     / rate(statsrunner_jobs_completed_total[5m])
//
// HTTP 端點:
//   通過 /metrics 端點暴露（見 Handler），由 Prometheus 定期抓取
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

const namespace = "statsrunner"

// PoolState 提供即時的池狀態（*controller.Controller 實作）
type PoolState interface {
	PendingCount() int
	BusyWorkers() int
}

// Collector Prometheus 指標收集器
type Collector struct {
	reg prometheus.Registerer

	// 任務相關指標
	jobsSubmitted     prometheus.Counter
	jobsRejected      prometheus.Counter
	jobsDispatched    prometheus.Counter
	jobsCompleted     *prometheus.CounterVec
	jobsPersistFailed prometheus.Counter
	resultsPurged     prometheus.Counter

	// 效能指標
	jobLatency prometheus.Histogram
}

// NewCollector 創建新的指標收集器並註冊到 reg
//
// 參數：
//   - reg: 註冊目標，nil 代表 prometheus.DefaultRegisterer
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		reg: reg,
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of jobs accepted for execution",
		}),
		jobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_rejected_total",
			Help:      "Total number of submissions rejected during shutdown",
		}),
		jobsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_dispatched_total",
			Help:      "Total number of jobs picked up by a worker",
		}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of jobs whose result was persisted, by outcome",
		}, []string{"outcome"}),
		jobsPersistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_persist_failed_total",
			Help:      "Total number of jobs whose result could not be persisted",
		}),
		resultsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_purged_total",
			Help:      "Total number of result records deleted by the shutdown sweep",
		}),
		jobLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_latency_seconds",
			Help:      "Time from dispatch to persisted result in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.jobsSubmitted,
		c.jobsRejected,
		c.jobsDispatched,
		c.jobsCompleted,
		c.jobsPersistFailed,
		c.resultsPurged,
		c.jobLatency,
	)

	// 預先建立兩個 label，讓 0 值也會被匯出
	c.jobsCompleted.WithLabelValues(string(types.OutcomeOK))
	c.jobsCompleted.WithLabelValues(string(types.OutcomeError))

	return c
}

// TrackPool 註冊即時讀取池狀態的 gauge，每個 Collector 只能呼叫一次
func (c *Collector) TrackPool(p PoolState) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_pending",
			Help:      "Current number of queued plus executing jobs",
		}, func() float64 { return float64(p.PendingCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Current number of workers executing a job",
		}, func() float64 { return float64(p.BusyWorkers()) }),
	)
}

// RecordSubmitted 記錄任務提交
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordRejected 記錄被拒絕的提交
func (c *Collector) RecordRejected() {
	c.jobsRejected.Inc()
}

// RecordDispatch 記錄任務分派
func (c *Collector) RecordDispatch() {
	c.jobsDispatched.Inc()
}

// RecordCompleted 記錄任務完成
func (c *Collector) RecordCompleted(outcome types.Outcome, latencySeconds float64) {
	c.jobsCompleted.WithLabelValues(string(outcome)).Inc()
	c.jobLatency.Observe(latencySeconds)
}

// RecordPersistFailed 記錄結果持久化失敗
func (c *Collector) RecordPersistFailed() {
	c.jobsPersistFailed.Inc()
}

// RecordPurged 記錄關閉時清除的結果數
func (c *Collector) RecordPurged(n int) {
	c.resultsPurged.Add(float64(n))
}

// Handler 返回 /metrics 的 HTTP handler
//
// 參數：
//   - g: 指標來源，nil 代表 prometheus.DefaultGatherer
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
