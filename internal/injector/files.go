package injector

// ============================================================================
// 檔案注入
// 職責：
// 1. 解碼 base64 檔案內容與八進位權限字串
// 2. 解析相對路徑（相對於 home 目錄）
// 3. 原子性寫入（temp file + chmod + rename），不會出現預設權限的空窗期
// 4. 為容器 session 產生等價的 shell 腳本
// ============================================================================

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ChuLiYu/beaver-runner/pkg/types"
)

// DefaultFileMode 未指定 mode 時使用
const DefaultFileMode os.FileMode = 0644

var (
	ErrInvalidFileContent = errors.New("file content is not valid base64")
	ErrInvalidFileMode    = errors.New("file mode is not a valid octal number")
	ErrEmptyFilePath      = errors.New("file path is empty")
)

// DecodeFile 解碼檔案內容與權限
func DecodeFile(f types.File) ([]byte, os.FileMode, error) {
	if f.Path == "" {
		return nil, 0, ErrEmptyFilePath
	}

	content, err := base64.StdEncoding.DecodeString(f.Content)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrInvalidFileContent, f.Path)
	}

	mode, err := ParseMode(f.Mode)
	if err != nil {
		return nil, 0, err
	}

	return content, mode, nil
}

// ParseMode 解析 "0644" 形式的八進位權限；空字串回傳預設值
func ParseMode(s string) (os.FileMode, error) {
	if s == "" {
		return DefaultFileMode, nil
	}

	v, err := strconv.ParseUint(s, 8, 32)
	if err != nil || v > 0o7777 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFileMode, s)
	}

	return os.FileMode(v), nil
}

// DisplayMode 用於 "Injecting <path> with file mode <mode>" 輸出
func DisplayMode(s string) string {
	if s == "" {
		return fmt.Sprintf("%04o", DefaultFileMode)
	}
	return s
}

// ResolvePath 絕對路徑維持不變；"~/x" 與相對路徑都以 home 為基準
func ResolvePath(home, path string) string {
	switch {
	case path == "~":
		return home
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(home, path[2:])
	case filepath.IsAbs(path):
		return filepath.Clean(path)
	default:
		return filepath.Join(home, path)
	}
}

// WriteFileAtomic 原子性寫入檔案
//
// 流程：
//  1. 建立中間目錄
//  2. 在目標目錄建立臨時檔案並寫入內容
//  3. chmod 為目標權限並 fsync
//  4. os.Rename 原子性替換目標檔案
func WriteFileAtomic(path string, content []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	// 任何失敗都清理臨時檔案
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}

	if _, err := tmp.Write(content); err != nil {
		return cleanup(fmt.Errorf("failed to write temp file: %w", err))
	}

	if err := tmp.Chmod(mode); err != nil {
		return cleanup(fmt.Errorf("failed to chmod temp file: %w", err))
	}

	if err := tmp.Sync(); err != nil {
		return cleanup(fmt.Errorf("failed to sync temp file: %w", err))
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}

	return nil
}

// InjectScript 產生在 shell session 內完成同樣原子寫入的腳本
// 相對路徑與 "~/" 以 session 的 $HOME 為基準
func InjectScript(path string, content []byte, mode os.FileMode) string {
	encoded := base64.StdEncoding.EncodeToString(content)

	var b strings.Builder
	fmt.Fprintf(&b, "__beaver_dst=%s\n", shellPath(path))
	b.WriteString(`__beaver_dir="$(dirname "$__beaver_dst")"` + "\n")
	b.WriteString(`mkdir -p "$__beaver_dir" &&` + "\n")
	b.WriteString(`__beaver_tmp="$(mktemp "$__beaver_dir/.beaver.XXXXXX")" &&` + "\n")
	fmt.Fprintf(&b, "printf '%%s' '%s' | base64 -d > \"$__beaver_tmp\" &&\n", encoded)
	fmt.Fprintf(&b, "chmod %04o \"$__beaver_tmp\" &&\n", mode)
	b.WriteString(`mv -f "$__beaver_tmp" "$__beaver_dst"`)

	return b.String()
}

func shellPath(path string) string {
	switch {
	case path == "~":
		return `"$HOME"`
	case strings.HasPrefix(path, "~/"):
		return `"$HOME"/` + Quote(path[2:])
	case strings.HasPrefix(path, "/"):
		return Quote(path)
	default:
		return `"$HOME"/` + Quote(path)
	}
}
