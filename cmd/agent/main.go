package main

// ============================================================================
// 職責說明：
// 1. beaver-runner 入口點
// 2. 所有邏輯在 internal/cli；這裡只注入版本並設定結束碼
//
// 編譯時注入版本：
//   go build -ldflags "-X main.version=1.0.0" -o bin/beaver-runner ./cmd/agent
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/beaver-runner/internal/cli"
)

var version = "dev"

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(2)
		}
	}()

	os.Exit(cli.Execute(version))
}
