package eventlogger

// ============================================================================
// 檔案後端
// 職責：
// 1. 以 append-only 方式寫入事件（每行一個 JSON 物件）
// 2. 提供依行號分段讀取（pull 模式與 HTTP push 共用）
// 3. 可選擇每次寫入都 fsync
// ============================================================================

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileBackend 將事件寫入本地 JSON lines 檔案
type FileBackend struct {
	mu            sync.Mutex
	path          string
	file          *os.File
	encoder       *json.Encoder
	syncOnWrite   bool // 是否每次寫入都強制同步
	removeOnClose bool // 關閉時是否刪除檔案
}

// FileBackendOption 設定 FileBackend
type FileBackendOption func(*FileBackend)

// WithSyncOnWrite 每次寫入後 fsync
func WithSyncOnWrite() FileBackendOption {
	return func(f *FileBackend) { f.syncOnWrite = true }
}

// WithRemoveOnClose 關閉時刪除日誌檔
func WithRemoveOnClose() FileBackendOption {
	return func(f *FileBackend) { f.removeOnClose = true }
}

// NewFileBackend 建立檔案後端（尚未開啟檔案）
func NewFileBackend(path string, opts ...FileBackendOption) *FileBackend {
	f := &FileBackend{path: path}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Path 日誌檔路徑
func (f *FileBackend) Path() string {
	return f.path
}

// Open 建立新的日誌檔；既有內容會被清空（每個任務一份日誌）
func (f *FileBackend) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open event log %s: %w", f.path, err)
	}

	encoder := json.NewEncoder(file)
	encoder.SetEscapeHTML(false)

	f.file = file
	f.encoder = encoder

	return nil
}

// Write 追加一個事件；Encode 會在結尾補上換行
func (f *FileBackend) Write(event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return ErrBackendNotOpen
	}

	if err := f.encoder.Encode(event); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if f.syncOnWrite {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync event log: %w", err)
		}
	}

	return nil
}

// Close 關閉檔案
func (f *FileBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	err := f.file.Close()
	f.file = nil

	if f.removeOnClose {
		if rmErr := os.Remove(f.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("failed to remove event log: %w", rmErr)
		}
	}

	return err
}

// Stream 從第 startLine 行（0 起算）開始，最多寫出 maxLines 行到 w
// maxLines <= 0 表示不限制；尚未寫完的最後一行不會輸出
//
// 回傳下一次應該從哪一行開始讀
func (f *FileBackend) Stream(startLine, maxLines int, w io.Writer) (int, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return startLine, fmt.Errorf("failed to open event log for reading: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	line := 0
	written := 0

	for {
		data, err := reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// 最後不完整的一行留待下次讀取
				return max(line, startLine), nil
			}
			return line, fmt.Errorf("failed to read event log: %w", err)
		}

		if line >= startLine {
			if maxLines > 0 && written >= maxLines {
				return line, nil
			}
			if _, err := w.Write(data); err != nil {
				return line, err
			}
			written++
		}
		line++
	}
}
