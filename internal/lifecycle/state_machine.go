// ============================================================================
// Beaver-Runner 任務生命週期 - 任務狀態機實現
// ============================================================================
//
// Package: internal/lifecycle
// 文件: state_machine.go
// 功能: 驗證單一任務在各階段之間的狀態轉換
//
// 任務狀態轉換 (State Machine):
//   Init
//      ↓ 建立 Executor
//   Preparing ────────────────┐ (setup 失敗)      ┐ (沒有 Executor)
//      ↓ Prepare + Start      │                   │
//   InjectingEnvVars          │                   │
//      ↓                      │                   │
//   InjectingFiles            │                   │
//      ↓                      │                   │
//   RunningCommands           │                   │
//      ↓                      ▼                   │
//   ExportingResult ◀─────────┘                   │
//      ↓                                          │
//   Epilogue                                      │
//      ↓                                          ▼
//   TornDown ◀────────────────────────────────────┘
//      ↓
//   Finished
//
// 狀態轉換規則:
//   - 只允許 transitions 表中列出的轉換，其餘回傳 ErrInvalidTransition
//   - Finished 是終止狀態
//   - 每次轉換都記錄在 history 中，供報告與測試使用
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 current 與 history
//   - 控制器在單一 goroutine 驅動狀態機，HTTP /status 在其他 goroutine 讀取
//
// ============================================================================

package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 不合法的狀態轉換
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State 任務所在階段
type State string

const (
	StateInit             State = "init"
	StatePreparing        State = "preparing"
	StateInjectingEnvVars State = "injecting-env-vars"
	StateInjectingFiles   State = "injecting-files"
	StateRunningCommands  State = "running-commands"
	StateExportingResult  State = "exporting-result"
	StateEpilogue         State = "epilogue"
	StateTornDown         State = "torn-down"
	StateFinished         State = "finished"
)

// transitions 合法轉換表
var transitions = map[State][]State{
	StateInit:             {StatePreparing},
	StatePreparing:        {StateInjectingEnvVars, StateExportingResult, StateTornDown},
	StateInjectingEnvVars: {StateInjectingFiles},
	StateInjectingFiles:   {StateRunningCommands},
	StateRunningCommands:  {StateExportingResult},
	StateExportingResult:  {StateEpilogue},
	StateEpilogue:         {StateTornDown},
	StateTornDown:         {StateFinished},
}

// Transition 一次狀態轉換紀錄
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Machine 單一任務的狀態機
type Machine struct {
	mu      sync.RWMutex
	current State
	history []Transition
	now     func() time.Time
}

// NewMachine 建立處於 Init 狀態的狀態機
func NewMachine() *Machine {
	return &Machine{
		current: StateInit,
		now:     time.Now,
	}
}

// CanTransition 判斷 from → to 是否合法
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition 轉換到 to 狀態
//
// 錯誤處理：
//   - ErrInvalidTransition: to 不在目前狀態允許的下一步中
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !CanTransition(m.current, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, to)
	}

	m.history = append(m.history, Transition{
		From: m.current,
		To:   to,
		At:   m.now(),
	})
	m.current = to

	return nil
}

// Current 目前狀態
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.current
}

// IsFinished 是否已到達終止狀態
func (m *Machine) IsFinished() bool {
	return m.Current() == StateFinished
}

// Visited 依序回傳走過的所有狀態（包含 Init）
func (m *Machine) Visited() []State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make([]State, 0, len(m.history)+1)
	states = append(states, StateInit)
	for _, t := range m.history {
		states = append(states, t.To)
	}
	return states
}

// History 回傳轉換紀錄的副本
func (m *Machine) History() []Transition {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}
