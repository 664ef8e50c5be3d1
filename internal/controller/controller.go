// ============================================================================
// Beaver-Runner 控制器 - 單一任務協調器
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 驅動一個任務走完整個生命週期，協調所有模組
//
// 架構設計:
//   這是 agent 的"大腦"，負責協調以下組件：
//   - lifecycle.Machine: 階段狀態機，拒絕不合法的轉換
//   - executors.Executor: 實際執行 directive 的後端（shell / dockercompose）
//   - eventlogger.Logger: 結構化事件日誌，所有模組的唯一輸出端
//   - callbacks.Dispatcher: finished / teardown_finished 通知
//
// 任務流程:
//   Init → Preparing → InjectingEnvVars → InjectingFiles → RunningCommands
//   → ExportingResult → Epilogue → TornDown → Finished
//
//   - setup 失敗：Preparing → ExportingResult（跳過注入與主命令）
//   - 無法建立 Executor：Preparing → TornDown
//
// 結果推導:
//   結果不是旗標，而是 lifecycle.Outcome 依 setup / 注入 / 主命令的結束碼
//   推導出來；epilogue 不影響結果。
//
// 逾時:
//   - 單一命令逾時由 Executor 處理（結束碼 124）
//   - 任務逾時到期後不再啟動新的主命令；結果匯出與 epilogue 使用父 context
//
// 資源釋放:
//   Stop + Cleanup 只執行一次，並以 defer 保證即使中途 panic 也會釋放。
//
// ============================================================================

package controller

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ChuLiYu/beaver-runner/internal/callbacks"
	"github.com/ChuLiYu/beaver-runner/internal/eventlogger"
	"github.com/ChuLiYu/beaver-runner/internal/executors"
	"github.com/ChuLiYu/beaver-runner/internal/lifecycle"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// DefaultResultEnvVar 匯出任務結果使用的環境變數名稱
const DefaultResultEnvVar = "SEMAPHORE_JOB_RESULT"

// ============================================================================
// 資料結構定義
// ============================================================================

// Config Controller 配置
type Config struct {
	// Executor
	WorkDir            string         // shell 後端工作目錄，預設為 home
	Shell              string         // 預設 bash
	ShellArgs          []string       // 預設 --login
	CommandTimeout     time.Duration  // 單一命令逾時，0 表示不限制
	JobTimeout         time.Duration  // 整個任務逾時，0 表示不限制
	ResultEnvVar       string         // 預設 SEMAPHORE_JOB_RESULT
	HostEnvVars        []types.EnvVar // agent 層級的變數，值為明文；任務的同名變數優先
	Docker             executors.DockerAPI
	ExposeDockerSocket bool

	// 事件日誌
	LogDir       string
	SyncOnWrite  bool
	PushInterval time.Duration
	Redis        redis.UniversalClient
	RedisTTL     time.Duration

	// Callbacks
	HTTPClient      *http.Client
	CallbackRetries int
	CallbackBackoff time.Duration

	Metrics *metrics.Collector
}

// Report 任務執行報告
type Report struct {
	JobID    types.JobID
	Result   types.JobResult
	Commands []types.Command
	States   []lifecycle.State
	Failures []lifecycle.Failure
	LogPath  string
	Duration time.Duration
}

// Controller 單一任務控制器
type Controller struct {
	job       *types.JobRequest
	config    Config
	machine   *lifecycle.Machine
	logger    *eventlogger.Logger
	file      *eventlogger.FileBackend
	callbacks *callbacks.Dispatcher
	metrics   *metrics.Collector

	mu       sync.Mutex
	executor executors.Executor
	outcome  lifecycle.Outcome

	teardownOnce sync.Once
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立任務控制器；事件日誌後端在此建立，但到 Run 才開啟
func New(job *types.JobRequest, config Config) (*Controller, error) {
	if job == nil {
		return nil, fmt.Errorf("controller: job is required")
	}

	if config.ResultEnvVar == "" {
		config.ResultEnvVar = DefaultResultEnvVar
	}

	logger, file, err := eventlogger.New(job, eventlogger.Options{
		Dir:          config.LogDir,
		SyncOnWrite:  config.SyncOnWrite,
		HTTPClient:   config.HTTPClient,
		PushInterval: config.PushInterval,
		Redis:        config.Redis,
		RedisTTL:     config.RedisTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create event logger: %w", err)
	}

	dispatcher := callbacks.New(job.Callbacks, callbacks.Config{
		Client:  config.HTTPClient,
		Retries: config.CallbackRetries,
		Backoff: config.CallbackBackoff,
		Metrics: config.Metrics,
	})

	return &Controller{
		job:       job,
		config:    config,
		machine:   lifecycle.NewMachine(),
		logger:    logger,
		file:      file,
		callbacks: dispatcher,
		metrics:   config.Metrics,
	}, nil
}

// Job 回傳任務描述
func (c *Controller) Job() *types.JobRequest {
	return c.job
}

// State 目前階段，可在其他 goroutine 呼叫
func (c *Controller) State() lifecycle.State {
	return c.machine.Current()
}

// LogFile 本地事件日誌，供 pull 模式讀取
func (c *Controller) LogFile() *eventlogger.FileBackend {
	return c.file
}

// Run 執行任務直到 Finished
//
// 流程：
//  1. 開啟事件日誌，寫入 job_started
//  2. 依序執行各階段（runPhases）
//  3. job_finished → finished callback → Stop/Cleanup → teardown_finished callback
//  4. 關閉事件日誌
//
// 返回值：
//   - *Report: 任務報告
//   - error: 只有事件日誌無法開啟時回傳；命令失敗反映在 Report.Result
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	if err := c.logger.Open(); err != nil {
		return nil, fmt.Errorf("failed to open event logger: %w", err)
	}

	c.metrics.RecordJobStarted()
	slog.Info("Job started", "job", c.job.ID, "executor", c.job.Executor)

	// 確保中途 panic 時環境仍被釋放
	defer c.teardown(ctx)

	c.logger.LogJobStarted()
	c.runPhases(ctx)

	result := c.currentOutcome().Result()
	c.logger.LogJobFinished(result)

	if err := c.callbacks.JobFinished(ctx, result); err != nil {
		slog.Warn("finished callback was not delivered", "job", c.job.ID, "error", err)
	}

	c.teardown(ctx)

	if err := c.callbacks.TeardownFinished(ctx); err != nil {
		slog.Warn("teardown_finished callback was not delivered", "job", c.job.ID, "error", err)
	}

	c.transition(lifecycle.StateFinished)

	commands := c.logger.Commands()
	if err := c.logger.Close(); err != nil {
		slog.Error("failed to close event logger", "job", c.job.ID, "error", err)
	}

	duration := time.Since(start)
	c.metrics.RecordJobFinished(string(result), duration)

	slog.Info("Job finished",
		"job", c.job.ID,
		"result", result,
		"commands", len(commands),
		"duration", duration)

	return &Report{
		JobID:    c.job.ID,
		Result:   result,
		Commands: commands,
		States:   c.machine.Visited(),
		Failures: c.currentOutcome().Failures(),
		LogPath:  c.file.Path(),
		Duration: duration,
	}, nil
}

// runPhases 依序執行 Preparing 到 TornDown 之間的所有階段
func (c *Controller) runPhases(ctx context.Context) {
	jobCtx := ctx
	if c.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, c.config.JobTimeout)
		defer cancel()
	}

	c.transition(lifecycle.StatePreparing)

	opts := executors.Options{
		Logger:             c.logger,
		Metrics:            c.metrics,
		WorkDir:            c.config.WorkDir,
		Shell:              c.config.Shell,
		ShellArgs:          c.config.ShellArgs,
		HostEnvVars:        c.config.HostEnvVars,
		CommandTimeout:     c.config.CommandTimeout,
		Docker:             c.config.Docker,
		ExposeDockerSocket: c.config.ExposeDockerSocket,
	}

	// 後端建立失敗時照樣匯出結果並執行 epilogue，步驟會回報 session 不存在
	ready := true
	executor, err := executors.New(c.job, opts)
	if err != nil {
		slog.Error("failed to create executor", "job", c.job.ID, "error", err)
		c.record(lifecycle.FailureSetup, "executor", 1)
		executor = executors.NewUnavailableExecutor(opts)
		ready = false
	}

	c.mu.Lock()
	c.executor = executor
	c.mu.Unlock()

	if ready && c.setup(jobCtx, executor) {
		c.transition(lifecycle.StateInjectingEnvVars)
		c.record(lifecycle.FailureInjection, executors.DirectiveExportEnvVars, executor.ExportEnvVars(jobCtx, c.job.EnvVars))

		c.transition(lifecycle.StateInjectingFiles)
		c.record(lifecycle.FailureInjection, executors.DirectiveInjectFiles, executor.InjectFiles(jobCtx, c.job.Files))

		c.transition(lifecycle.StateRunningCommands)
		c.runCommands(jobCtx, executor)
	}

	c.transition(lifecycle.StateExportingResult)
	result := c.currentOutcome().Result()
	if code := executor.ExportResult(ctx, c.config.ResultEnvVar, result); code != 0 {
		slog.Warn("failed to export job result", "job", c.job.ID, "exit_code", code)
	}

	c.transition(lifecycle.StateEpilogue)
	c.runEpilogue(ctx, executor, result)

	c.transition(lifecycle.StateTornDown)
}

// setup 執行 Prepare + Start，任一失敗即回傳 false
func (c *Controller) setup(ctx context.Context, executor executors.Executor) bool {
	if code := executor.Prepare(ctx); code != 0 {
		slog.Error("job setup failed", "job", c.job.ID, "step", "prepare", "exit_code", code)
		c.record(lifecycle.FailureSetup, "prepare", code)
		return false
	}

	if code := executor.Start(ctx); code != 0 {
		slog.Error("job setup failed", "job", c.job.ID, "step", "start", "exit_code", code)
		c.record(lifecycle.FailureSetup, "start", code)
		return false
	}

	return true
}

// runCommands 依序執行主命令；失敗不中斷迴圈，任務逾時則停止
func (c *Controller) runCommands(ctx context.Context, executor executors.Executor) {
	for _, cmd := range c.job.Commands {
		if err := ctx.Err(); err != nil {
			slog.Warn("job deadline reached, skipping remaining commands", "job", c.job.ID, "error", err)
			c.record(lifecycle.FailureCommand, cmd.Directive, executors.ExitCodeTimeout)
			return
		}

		code := executor.RunCommand(ctx, cmd.Directive, false)
		c.record(lifecycle.FailureCommand, cmd.Directive, code)
	}
}

// runEpilogue 先執行 always，再依結果執行 on_pass 或 on_fail
func (c *Controller) runEpilogue(ctx context.Context, executor executors.Executor, result types.JobResult) {
	commands := append([]types.Command(nil), c.job.EpilogueAlwaysCommands...)
	if result == types.ResultPassed {
		commands = append(commands, c.job.EpilogueOnPassCommands...)
	} else {
		commands = append(commands, c.job.EpilogueOnFailCommands...)
	}

	for _, cmd := range commands {
		if code := executor.RunCommand(ctx, cmd.Directive, false); code != 0 {
			slog.Debug("epilogue command failed", "job", c.job.ID, "directive", cmd.Directive, "exit_code", code)
		}
	}
}

// teardown 停止 session 並清除後端資源，只執行一次
func (c *Controller) teardown(ctx context.Context) {
	c.teardownOnce.Do(func() {
		c.mu.Lock()
		executor := c.executor
		c.mu.Unlock()

		if executor == nil {
			return
		}

		ctx := context.WithoutCancel(ctx)
		if code := executor.Stop(ctx); code != 0 {
			slog.Warn("failed to stop executor", "job", c.job.ID, "exit_code", code)
		}
		if code := executor.Cleanup(ctx); code != 0 {
			slog.Warn("failed to clean up executor", "job", c.job.ID, "exit_code", code)
		}
	})
}

func (c *Controller) record(kind lifecycle.FailureKind, directive string, code int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.outcome = c.outcome.Record(kind, directive, code)
}

func (c *Controller) currentOutcome() lifecycle.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outcome
}

// transition 轉換階段；不合法的轉換代表程式錯誤
func (c *Controller) transition(to lifecycle.State) {
	if err := c.machine.Transition(to); err != nil {
		slog.Error("unexpected job state transition", "job", c.job.ID, "error", err)
		return
	}
	slog.Debug("Job state changed", "job", c.job.ID, "state", to)
}
