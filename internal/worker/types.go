package worker

import (
	"encoding/json"
	"time"
)

// Task 代表一個要執行的腳本任務（來自 script_task 推送）
type Task struct {
	ID           json.RawMessage // 後端指定的任務 ID，原樣回傳
	Script       string          // 以函式主體執行的腳本，可使用 return
	ExpectResult bool            // 後端是否等待 script_response
	ConnectionID json.RawMessage // 原樣回傳的連線 ID
	Timeout      time.Duration   // 執行超時時間，<= 0 使用 Pool 預設值
}

// Result 代表腳本執行結果
type Result struct {
	Task         Task
	JSError      bool            // 腳本拋出例外、Promise 被拒絕或超時
	Value        json.RawMessage // JSON 序列化後的回傳值，undefined 視為 null
	ErrorMessage string          // JSError 為 true 時的錯誤訊息
	Duration     time.Duration
}
