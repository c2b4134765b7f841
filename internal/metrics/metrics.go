// ============================================================================
// Falcon Worker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露 worker 端運行指標，支持 Prometheus 監控
//
// 監控理念:
//   基於 RED 方法（Rate, Errors, Duration），以 task_type 為主要 label
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - falcon_worker_polls_total{task_type}: poll 次數
//      - falcon_worker_polled_tasks_total{task_type}: poll 取得的任務數
//      - falcon_worker_poll_errors_total{task_type}: poll 失敗次數
//      - falcon_worker_tasks_total{task_type,status}: 執行結果狀態
//      - falcon_worker_report_errors_total{task_type}: 回報失敗次數
//      - falcon_worker_throttled_logs_total{class}: 被節流而未輸出的錯誤日誌
//      - falcon_worker_token_refreshes_total{outcome}: token 刷新結果
//
//   2. 性能指標 (Histogram)：
//      - falcon_worker_execution_seconds{task_type}: 任務執行時間分佈
//
//   3. 狀態指標 (Gauge)：
//      - falcon_worker_in_flight{task_type}: 執行中任務數
//
// Prometheus 查詢示例:
//
//   # 每個 worker 的失敗率
//   sum by (task_type) (rate(falcon_worker_tasks_total{status=~"FAILED.*"}[5m]))
//     / sum by (task_type) (rate(falcon_worker_tasks_total[5m]))
//
//   # 95 分位執行時間
//   histogram_quantile(0.95, sum by (le, task_type) (rate(falcon_worker_execution_seconds_bucket[5m])))
//
// nil Collector 的所有方法皆為 no-op，未啟用 metrics 時可直接傳 nil
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "falcon_worker"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// poll 相關指標
	polls       *prometheus.CounterVec
	polledTasks *prometheus.CounterVec
	pollErrors  *prometheus.CounterVec

	// 執行相關指標
	tasks        *prometheus.CounterVec
	reportErrors *prometheus.CounterVec
	latency      *prometheus.HistogramVec
	inFlight     *prometheus.GaugeVec

	throttled      *prometheus.CounterVec
	tokenRefreshes *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 時建立新的 Registry）
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poll requests sent",
		}, []string{"task_type"}),
		polledTasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polled_tasks_total",
			Help:      "Total number of tasks received from polls",
		}, []string{"task_type"}),
		pollErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_errors_total",
			Help:      "Total number of failed poll requests",
		}, []string{"task_type"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks by result status",
		}, []string{"task_type", "status"}),
		reportErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_errors_total",
			Help:      "Total number of failed result reports",
		}, []string{"task_type"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Task execution latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_type"}),
		inFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight",
			Help:      "Current number of executing tasks",
		}, []string{"task_type"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "throttled_logs_total",
			Help:      "Error log lines suppressed by the throttle",
		}, []string{"class"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts by outcome",
		}, []string{"outcome"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.polls,
		c.polledTasks,
		c.pollErrors,
		c.tasks,
		c.reportErrors,
		c.latency,
		c.inFlight,
		c.throttled,
		c.tokenRefreshes,
	)
	return c
}

// RecordPoll 記錄一次 poll 及取得的任務數
func (c *Collector) RecordPoll(taskType string, received int) {
	if c == nil {
		return
	}
	c.polls.WithLabelValues(taskType).Inc()
	c.polledTasks.WithLabelValues(taskType).Add(float64(received))
}

// RecordPollError 記錄 poll 失敗
func (c *Collector) RecordPollError(taskType string) {
	if c == nil {
		return
	}
	c.pollErrors.WithLabelValues(taskType).Inc()
}

// RecordTask 記錄任務執行結果與耗時
func (c *Collector) RecordTask(taskType, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.tasks.WithLabelValues(taskType, status).Inc()
	c.latency.WithLabelValues(taskType).Observe(elapsed.Seconds())
}

// RecordReportError 記錄結果回報失敗
func (c *Collector) RecordReportError(taskType string) {
	if c == nil {
		return
	}
	c.reportErrors.WithLabelValues(taskType).Inc()
}

// SetInFlight 更新執行中任務數
func (c *Collector) SetInFlight(taskType string, n int) {
	if c == nil {
		return
	}
	c.inFlight.WithLabelValues(taskType).Set(float64(n))
}

// RecordThrottled 記錄被節流的錯誤日誌
func (c *Collector) RecordThrottled(class string) {
	if c == nil {
		return
	}
	c.throttled.WithLabelValues(class).Inc()
}

// RecordTokenRefresh 記錄 token 刷新結果
func (c *Collector) RecordTokenRefresh(err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.tokenRefreshes.WithLabelValues(outcome).Inc()
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// StartServer 啟動 Prometheus metrics HTTP 伺服器，ctx 結束時關閉
//
// 參數：
//   - ctx: 控制伺服器生命週期
//   - addr: 監聽地址，例如 ":9090"
//
// 返回值：
//   - error: 啟動失敗的錯誤（正常關閉時為 nil）
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
