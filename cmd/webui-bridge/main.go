package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================
//
// 編譯與執行：
//
//	go build -o bin/webui-bridge ./cmd/webui-bridge
//	./bin/webui-bridge serve
//	./bin/webui-bridge run -c configs/default.yaml
//	./bin/webui-bridge invoke sleep '[1500]'

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/webui-bridge/internal/cli"
)

func main() {
	// Panic recovery（防止整個程式崩潰時沒有任何訊息）
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "錯誤: %v\n", err)
		os.Exit(1)
	}
}
