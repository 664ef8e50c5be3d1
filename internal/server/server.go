// ============================================================================
// Beaver-Runner Agent Server - serve 模式
// ============================================================================
//
// Package: internal/server
// 文件: server.go
// 功能: 以 HTTP API 接收任務，一次只執行一個
//
// HTTP 路由 (chi):
//   GET  /status                    - {"state", "version"}
//   POST /jobs                      - 提交任務（設定 jwt_secret 時需要 Bearer token）
//   GET  /jobs/{id}/log?start_from= - 讀取任務的 JSON lines 事件日誌
//   GET  /healthz                   - gRPC health 狀態的 protojson 版本
//   GET  /metrics                   - Prometheus
//
// gRPC:
//   grpc.health.v1.Health - 等待任務時 SERVING，執行任務時 NOT_SERVING
//
// Agent 狀態:
//   waiting-for-job ─▶ running-job ─▶ finished-job ─▶ running-job ...
//
// ============================================================================

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/jwtauth/v5"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/ChuLiYu/beaver-runner/internal/controller"
	"github.com/ChuLiYu/beaver-runner/internal/eventlogger"
	"github.com/ChuLiYu/beaver-runner/internal/metrics"
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// Agent 狀態
const (
	StateWaitingForJob = "waiting-for-job"
	StateRunningJob    = "running-job"
	StateFinishedJob   = "finished-job"
)

// HealthService 是 gRPC health 回報的服務名稱；空字串代表整體狀態
const HealthService = "beaver.Agent"

var (
	ErrJobRunning   = errors.New("a job is already running")
	ErrDuplicateJob = errors.New("job id was already used")
)

// Config 伺服器配置
type Config struct {
	Addr      string // HTTP 監聽位址，例如 ":8000"
	GRPCAddr  string // gRPC 監聽位址，空字串表示不啟動
	JWTSecret string // 空字串表示不驗證
	Version   string

	// Job 每個任務使用的控制器配置
	Job controller.Config

	// Gatherer /metrics 使用的 registry，nil 表示預設 registry
	Gatherer prometheus.Gatherer
}

// Server agent 伺服器
type Server struct {
	config Config
	auth   *jwtauth.JWTAuth
	health *health.Server

	mu    sync.RWMutex
	state string
	logs  map[types.JobID]*eventlogger.FileBackend

	ctx    context.Context
	cancel context.CancelFunc
	jobWg  sync.WaitGroup
}

// New 建立伺服器
func New(config Config) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config: config,
		health: health.NewServer(),
		state:  StateWaitingForJob,
		logs:   make(map[types.JobID]*eventlogger.FileBackend),
		ctx:    ctx,
		cancel: cancel,
	}

	if config.JWTSecret != "" {
		s.auth = jwtauth.New("HS256", []byte(config.JWTSecret), nil)
	}

	s.setHealth(healthpb.HealthCheckResponse_SERVING)

	return s
}

// Handler 回傳 HTTP 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/jobs/{id}/log", s.handleLog)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", metrics.Handler(s.config.Gatherer))

	r.Group(func(r chi.Router) {
		if s.auth != nil {
			r.Use(jwtauth.Verifier(s.auth))
			r.Use(authenticator)
		}
		r.Post("/jobs", s.handleSubmit)
	})

	return r
}

// HealthServer 回傳 gRPC health 服務
func (s *Server) HealthServer() *health.Server {
	return s.health
}

// State 目前 agent 狀態
func (s *Server) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Submit 在背景執行任務
//
// 錯誤處理：
//   - ErrJobRunning: 已有任務在執行
//   - ErrDuplicateJob: 相同 id 的任務已經執行過
func (s *Server) Submit(job *types.JobRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateRunningJob {
		return ErrJobRunning
	}
	if _, ok := s.logs[job.ID]; ok {
		return ErrDuplicateJob
	}

	ctrl, err := controller.New(job, s.config.Job)
	if err != nil {
		return err
	}

	s.logs[job.ID] = ctrl.LogFile()
	s.state = StateRunningJob
	s.setHealth(healthpb.HealthCheckResponse_NOT_SERVING)

	s.jobWg.Add(1)
	go s.run(ctrl)

	return nil
}

func (s *Server) run(ctrl *controller.Controller) {
	defer s.jobWg.Done()

	report, err := ctrl.Run(s.ctx)
	if err != nil {
		slog.Error("Job could not run", "job", ctrl.Job().ID, "error", err)
	} else {
		slog.Info("Job report", "job", report.JobID, "result", report.Result, "duration", report.Duration)
	}

	s.mu.Lock()
	s.state = StateFinishedJob
	s.mu.Unlock()

	s.setHealth(healthpb.HealthCheckResponse_SERVING)
}

// Wait 等待目前的任務結束
func (s *Server) Wait() {
	s.jobWg.Wait()
}

// ListenAndServe 啟動 HTTP 與 gRPC 伺服器，直到 ctx 結束
//
// 關閉流程：停止接收請求 → 取消執行中的任務 → 等待任務完成 teardown
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	go func() {
		slog.Info("HTTP server listening", "addr", s.config.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var grpcServer *grpc.Server
	if s.config.GRPCAddr != "" {
		lis, err := net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			httpServer.Close()
			return fmt.Errorf("failed to listen on %s: %w", s.config.GRPCAddr, err)
		}

		grpcServer = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, s.health)

		go func() {
			slog.Info("gRPC health server listening", "addr", s.config.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				errCh <- fmt.Errorf("grpc server: %w", err)
			}
		}()
	}

	var err error
	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	slog.Info("Shutting down agent server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)

	s.health.Shutdown()
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}

	s.cancel()
	s.Wait()

	return err
}

// ============================================================================
// HTTP handlers
// ============================================================================

type statusResponse struct {
	State   string `json:"state"`
	Version string `json:"version"`
}

type submitResponse struct {
	ID    types.JobID `json:"id"`
	State string      `json:"state"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{State: s.State(), Version: s.config.Version})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	job, err := controller.LoadJob(http.MaxBytesReader(w, r.Body, 16<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := s.Submit(job); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrJobRunning) || errors.Is(err, ErrDuplicateJob) {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	slog.Info("Job accepted", "job", job.ID, "request_id", middleware.GetReqID(r.Context()))
	writeJSON(w, http.StatusOK, submitResponse{ID: job.ID, State: StateRunningJob})
}

func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	id := types.JobID(chi.URLParam(r, "id"))

	s.mu.RLock()
	file, ok := s.logs[id]
	s.mu.RUnlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "unknown job " + string(id)})
		return
	}

	startFrom := 0
	if v := r.URL.Query().Get("start_from"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "start_from must be a non-negative integer"})
			return
		}
		startFrom = n
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	_, err := file.Stream(startFrom, 0, w)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		// 任務已接受但控制器尚未建立日誌檔
		w.WriteHeader(http.StatusOK)
	default:
		slog.Warn("failed to stream job log", "job", id, "error", err)
	}
}

// handleHealth 回傳與 gRPC health 相同的狀態；NOT_SERVING 時為 503
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{Service: HealthService})
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: err.Error()})
		return
	}

	data, err := protojson.Marshal(resp)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}

	status := http.StatusOK
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) setHealth(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(HealthService, status)
}

// authenticator 拒絕沒有或無效 token 的請求；需放在 jwtauth.Verifier 之後
func authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _, err := jwtauth.FromContext(r.Context())
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid token: " + err.Error()})
			return
		}
		if token == nil {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authorization token required"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}
