package worker

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// ErrInvalidConfig 表示 Pool 設定不合法
var ErrInvalidConfig = errors.New("invalid worker pool config")

// Config Worker Pool 設定
type Config struct {
	WorkerCount int           // 常駐 worker 數量
	MaxWorkers  int           // 上限（硬體並行度），0 代表 runtime.NumCPU()
	TaskTimeout time.Duration // 單一任務計算的超時，0 代表不限制
}

// DefaultConfig 預設設定：worker 數量等於 CPU 數
func DefaultConfig() Config {
	n := runtime.NumCPU()
	return Config{
		WorkerCount: n,
		MaxWorkers:  n,
	}
}

// Validate 檢查設定
func (c Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("%w: worker count must be at least 1, got %d", ErrInvalidConfig, c.WorkerCount)
	}
	if c.MaxWorkers < 0 {
		return fmt.Errorf("%w: max workers must not be negative, got %d", ErrInvalidConfig, c.MaxWorkers)
	}
	if max := c.maxWorkers(); c.WorkerCount > max {
		return fmt.Errorf("%w: worker count %d exceeds max workers %d", ErrInvalidConfig, c.WorkerCount, max)
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("%w: task timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

func (c Config) maxWorkers() int {
	if c.MaxWorkers == 0 {
		return runtime.NumCPU()
	}
	return c.MaxWorkers
}
