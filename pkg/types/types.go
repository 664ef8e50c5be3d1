// Package types 定義了 beaver-runner 使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
)

// JobID 任務唯一識別碼
type JobID string

// Executor kinds
const (
	ExecutorShell         = "shell"
	ExecutorDockerCompose = "dockercompose"
)

// JobResult 任務最終結果
type JobResult string

const (
	ResultPassed JobResult = "passed" // 所有 setup / 注入 / 主命令皆以 0 結束
	ResultFailed JobResult = "failed" // 任一上述命令以非 0 結束
)

// Logger methods
const (
	LoggerMethodPull  = "pull"
	LoggerMethodPush  = "push"
	LoggerMethodRedis = "redis"
)

// JobRequest 任務描述（不可變的輸入）
// commands 與 epilogue 列表的順序具有語意
type JobRequest struct {
	ID       JobID     `json:"id"`
	Executor string    `json:"executor"`
	Compose  Compose   `json:"compose"`
	EnvVars  []EnvVar  `json:"env_vars"`
	Files    []File    `json:"files"`
	Commands []Command `json:"commands"`

	EpilogueAlwaysCommands []Command `json:"epilogue_always_commands"`
	EpilogueOnPassCommands []Command `json:"epilogue_on_pass_commands"`
	EpilogueOnFailCommands []Command `json:"epilogue_on_fail_commands"`

	Callbacks Callbacks    `json:"callbacks"`
	Logger    LoggerConfig `json:"logger"`
}

// Compose 容器組合設定；第一個容器是主容器，其餘為 service 容器
type Compose struct {
	Containers []Container `json:"containers"`
}

// Container 單一容器設定
type Container struct {
	Name    string   `json:"name"`
	Image   string   `json:"image"`
	Command string   `json:"command,omitempty"`
	EnvVars []EnvVar `json:"env_vars"`
}

// EnvVar 環境變數；Value 為 base64 編碼
type EnvVar struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// File 需注入的檔案；Content 為 base64 編碼，Mode 為八進位字串（例如 "0644"）
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

// Command 單一 directive 的執行紀錄
// 輸入時只有 Directive；執行完成後由事件流填入其餘欄位
type Command struct {
	Directive  string `json:"directive"`
	ExitCode   int    `json:"exit_code,omitempty"`
	StartedAt  int64  `json:"started_at,omitempty"`
	FinishedAt int64  `json:"finished_at,omitempty"`
}

// Callbacks 外部通知 URL
type Callbacks struct {
	Finished         string `json:"finished"`
	TeardownFinished string `json:"teardown_finished"`
}

// LoggerConfig 事件日誌後端設定
type LoggerConfig struct {
	Method    string `json:"method"`
	URL       string `json:"url,omitempty"`
	Token     string `json:"token,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// ParseJobRequest 解析並驗證任務 JSON
func ParseJobRequest(data []byte) (*JobRequest, error) {
	var req JobRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("failed to parse job request: %w", err)
	}

	if req.ID == "" {
		return nil, fmt.Errorf("job request: id is required")
	}

	if req.Executor == "" {
		req.Executor = ExecutorShell
	}

	if req.Logger.Method == "" {
		req.Logger.Method = LoggerMethodPull
	}

	return &req, nil
}

// Directives 取出 Command 列表中的 directive 字串
func Directives(cmds []Command) []string {
	out := make([]string, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, c.Directive)
	}
	return out
}
