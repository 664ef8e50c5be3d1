package lifecycle

import (
	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ExitCodeTimeout 與 executors.ExitCodeTimeout 相同
const ExitCodeTimeout = 124

// FailureKind 失敗的類別
type FailureKind string

const (
	FailureSetup     FailureKind = "setup"     // Prepare / Start
	FailureInjection FailureKind = "injection" // 環境變數或檔案注入
	FailureCommand   FailureKind = "command"   // 主命令
	FailureTimeout   FailureKind = "timeout"   // 主命令逾時
)

// Failure 一筆影響結果的失敗
type Failure struct {
	Kind      FailureKind
	Directive string
	ExitCode  int
}

// Outcome 各階段結果的累加器
//
// 值語意：Record 回傳新的 Outcome，不修改原值。
// 只有 setup、注入與主命令會被記錄；epilogue 不影響結果。
type Outcome struct {
	failures []Failure
}

// Record 記錄一個 directive 的結束碼，0 不算失敗
func (o Outcome) Record(kind FailureKind, directive string, exitCode int) Outcome {
	if exitCode == 0 {
		return o
	}

	if kind == FailureCommand && exitCode == ExitCodeTimeout {
		kind = FailureTimeout
	}

	failures := make([]Failure, len(o.failures), len(o.failures)+1)
	copy(failures, o.failures)
	failures = append(failures, Failure{Kind: kind, Directive: directive, ExitCode: exitCode})

	return Outcome{failures: failures}
}

// Failures 回傳所有失敗的副本
func (o Outcome) Failures() []Failure {
	out := make([]Failure, len(o.failures))
	copy(out, o.failures)
	return out
}

// HasFailure 是否有指定類別的失敗
func (o Outcome) HasFailure(kind FailureKind) bool {
	for _, f := range o.failures {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Result 由失敗紀錄推導的任務結果
func (o Outcome) Result() types.JobResult {
	if len(o.failures) > 0 {
		return types.ResultFailed
	}
	return types.ResultPassed
}
