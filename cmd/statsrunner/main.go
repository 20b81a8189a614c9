package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 編譯時注入版本：
//   go build -ldflags "-X github.com/ChuLiYu/statsrunner/internal/cli.Version=1.0.0" ./cmd/statsrunner
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/statsrunner/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		os.Exit(1)
	}
}
