// Package types 定義了 statsrunner 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobID 任務唯一識別碼（正整數、單調遞增、不重複使用）
type JobID int64

// String 回傳十進位表示，用於檔名與 Redis key
func (id JobID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseJobID 解析外部傳入的任務 ID，只接受正整數
func ParseJobID(s string) (JobID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid job id %q: must be positive", s)
	}
	return JobID(n), nil
}

// JobStatus 任務狀態
type JobStatus string

// 定義任務狀態常數
const (
	StatusUnknown JobStatus = "unknown" // 未知：從未提交，或 registry 尚未更新
	StatusRunning JobStatus = "running" // 執行中：已分派給 worker
	StatusDone    JobStatus = "done"    // 完成：結果已持久化
	StatusFailed  JobStatus = "failed"  // 失敗：結果無法持久化（終止狀態）
)

// Terminal 回傳該狀態是否為終止狀態
func (s JobStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Selector 選擇要執行的計算
type Selector string

// Payload 任務的不透明請求資料
type Payload map[string]interface{}

// Task 任務結構，代表佇列中的一個工作單元
type Task struct {
	ID       JobID    `json:"id"`
	Payload  Payload  `json:"payload"`
	Selector Selector `json:"selector"`
}

// Outcome 結果類型
type Outcome string

const (
	OutcomeOK    Outcome = "ok"    // 計算成功
	OutcomeError Outcome = "error" // 計算失敗，Error 欄位帶有錯誤訊息
)

// Record 持久化的任務結果，每個 JobID 最多建立一次
type Record struct {
	JobID     JobID           `json:"job_id"`
	Outcome   Outcome         `json:"outcome"`
	Value     json.RawMessage `json:"value,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt int64           `json:"created_at"` // Unix 毫秒
}

// NewOKRecord 建立成功的結果紀錄
func NewOKRecord(id JobID, value json.RawMessage) Record {
	return Record{
		JobID:     id,
		Outcome:   OutcomeOK,
		Value:     value,
		CreatedAt: time.Now().UnixMilli(),
	}
}

// NewErrorRecord 建立計算失敗的結果紀錄
func NewErrorRecord(id JobID, err error) Record {
	return Record{
		JobID:     id,
		Outcome:   OutcomeError,
		Error:     err.Error(),
		CreatedAt: time.Now().UnixMilli(),
	}
}

// Failed 回傳計算是否失敗
func (r Record) Failed() bool {
	return r.Outcome == OutcomeError
}
