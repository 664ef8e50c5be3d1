package injector

// ============================================================================
// 環境變數注入
// 職責：
// 1. 解碼任務描述中的 base64 環境變數值
// 2. 同名變數以後出現者為準
// 3. 產生可在 shell session 中執行的 export 腳本（安全引號處理）
// ============================================================================

import (
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrInvalidEnvName  = errors.New("invalid environment variable name")
	ErrInvalidEnvValue = errors.New("environment variable value is not valid base64")
)

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Environment 已解碼的環境變數集合
type Environment struct {
	vars map[string]string
}

// NewEnvironment 建立空的環境變數集合
func NewEnvironment() *Environment {
	return &Environment{vars: make(map[string]string)}
}

// CreateEnvironment 解碼任務中的環境變數（值為 base64）
func CreateEnvironment(vars []types.EnvVar) (*Environment, error) {
	env := NewEnvironment()

	for _, v := range vars {
		decoded, err := base64.StdEncoding.DecodeString(v.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEnvValue, v.Name)
		}

		if err := env.Set(v.Name, string(decoded)); err != nil {
			return nil, err
		}
	}

	return env, nil
}

// Set 設定變數；名稱必須是合法的 shell 識別字
func (e *Environment) Set(name, value string) error {
	if !envNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidEnvName, name)
	}

	e.vars[name] = value
	return nil
}

// Get 取得變數值
func (e *Environment) Get(name string) (string, bool) {
	v, ok := e.vars[name]
	return v, ok
}

// Keys 依名稱排序回傳所有變數名稱
func (e *Environment) Keys() []string {
	keys := make([]string, 0, len(e.vars))
	for k := range e.vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return keys
}

// IsEmpty 是否沒有任何變數
func (e *Environment) IsEmpty() bool {
	return len(e.vars) == 0
}

// Environ 回傳 NAME=value 形式（供容器建立時使用）
func (e *Environment) Environ() []string {
	out := make([]string, 0, len(e.vars))
	for _, k := range e.Keys() {
		out = append(out, k+"="+e.vars[k])
	}

	return out
}

// ExportScript 產生 export 腳本，每行一個變數
func (e *Environment) ExportScript() string {
	var b strings.Builder
	for _, k := range e.Keys() {
		fmt.Fprintf(&b, "export %s=%s\n", k, Quote(e.vars[k]))
	}

	return b.String()
}

// Quote 以單引號包住字串，內部的單引號轉為 '"'"'
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
