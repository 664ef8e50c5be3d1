// ============================================================================
// Beaver-Runner Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集和暴露任務執行指標，支持 Prometheus 監控
//
// 指標分類:
//
//   1. 任務計數器 (Counter)：
//      - beaver_jobs_started_total: 開始執行的任務總數
//      - beaver_jobs_finished_total{result}: 依結果 (passed/failed) 分類的完成任務數
//      - beaver_commands_total{outcome}: 執行過的 directive 數（含合成命令）
//      - beaver_callbacks_total{callback,status}: callback 發送結果
//
//   2. 性能指標 (Histogram)：
//      - beaver_job_duration_seconds: 單一任務從 job_started 到 teardown 的時間
//      - beaver_command_duration_seconds: 單一 directive 執行時間
//      - beaver_image_pull_duration_seconds{status}: 映像拉取時間
//
//   3. 狀態指標 (Gauge)：
//      - beaver_jobs_running: 目前執行中的任務數（agent 一次只跑一個，0 或 1）
//
// Prometheus 查詢示例:
//
//   # 失敗率
//   rate(beaver_jobs_finished_total{result="failed"}[5m])
//     / rate(beaver_jobs_finished_total[5m])
//
//   # 95 分位命令執行時間
//   histogram_quantile(0.95, beaver_command_duration_seconds_bucket)
//
// HTTP 端點:
//   serve 模式下掛在 agent API 的 /metrics；run 模式可另外啟動獨立伺服器
//
// nil *Collector 的所有方法都是 no-op，呼叫端不需要判斷是否啟用監控
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector Prometheus 指標收集器
type Collector struct {
	// 任務相關指標
	jobsStarted  prometheus.Counter
	jobsFinished *prometheus.CounterVec
	jobsRunning  prometheus.Gauge
	jobDuration  prometheus.Histogram

	// 命令相關指標
	commands        *prometheus.CounterVec
	commandDuration prometheus.Histogram

	// 外部互動
	imagePull *prometheus.HistogramVec
	callbacks *prometheus.CounterVec
}

// NewCollector 創建新的指標收集器並註冊到 reg（nil 表示預設 registry）
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beaver_jobs_started_total",
			Help: "Total number of jobs started",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_jobs_finished_total",
			Help: "Total number of jobs finished, by result",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beaver_jobs_running",
			Help: "Number of jobs currently running",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_job_duration_seconds",
			Help:    "Job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_commands_total",
			Help: "Total number of directives executed, by outcome",
		}, []string{"outcome"}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beaver_command_duration_seconds",
			Help:    "Directive duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		imagePull: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "beaver_image_pull_duration_seconds",
			Help:    "Docker image pull duration in seconds, by status",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"status"}),
		callbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beaver_callbacks_total",
			Help: "Callback deliveries, by callback and status",
		}, []string{"callback", "status"}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.jobsStarted,
		c.jobsFinished,
		c.jobsRunning,
		c.jobDuration,
		c.commands,
		c.commandDuration,
		c.imagePull,
		c.callbacks,
	)

	return c
}

// RecordJobStarted 記錄任務開始
func (c *Collector) RecordJobStarted() {
	if c == nil {
		return
	}
	c.jobsStarted.Inc()
	c.jobsRunning.Inc()
}

// RecordJobFinished 記錄任務結束與耗時
func (c *Collector) RecordJobFinished(result string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsFinished.WithLabelValues(result).Inc()
	c.jobsRunning.Dec()
	c.jobDuration.Observe(d.Seconds())
}

// RecordCommand 記錄一個 directive 的結果
func (c *Collector) RecordCommand(exitCode int, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "passed"
	if exitCode != 0 {
		outcome = "failed"
	}
	c.commands.WithLabelValues(outcome).Inc()
	c.commandDuration.Observe(d.Seconds())
}

// RecordImagePull 記錄映像拉取
func (c *Collector) RecordImagePull(success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.imagePull.WithLabelValues(statusLabel(success)).Observe(d.Seconds())
}

// RecordCallback 記錄 callback 發送結果
func (c *Collector) RecordCallback(name string, success bool) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(name, statusLabel(success)).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// Handler 回傳 g 的 /metrics handler（nil 表示預設 registry）
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer 啟動獨立的 Prometheus metrics HTTP 伺服器（阻塞）
func StartServer(port int, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
