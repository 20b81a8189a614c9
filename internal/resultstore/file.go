package resultstore

// ============================================================================
// 檔案型結果儲存
// 職責：
// 1. 每個任務一個 <dir>/<id>.json 檔案
// 2. 使用原子性寫入（temp file + rename）防止讀到半寫入的紀錄
// 3. 載入時驗證校驗和，損壞時回傳 ErrCorrupt 而不是 panic
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

const fileExt = ".json"

// FileStore 檔案型結果儲存
//
// 每個 id 只會有一個 worker 寫入，所以不需要額外的鎖；
// 不同 id 寫入不同檔案，彼此互不干擾。
type FileStore struct {
	dir string
}

// NewFileStore 建立檔案型儲存，目錄不存在時自動建立
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("resultstore: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("resultstore: create dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir 取得儲存目錄（用於測試與除錯）
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) path(id types.JobID) string {
	return filepath.Join(s.dir, id.String()+fileExt)
}

// Save 原子性寫入紀錄
//
// 流程：
//  1. 檢查檔案是否已存在（每個 id 最多建立一次）
//  2. 寫入同目錄的臨時檔案並 fsync
//  3. os.Rename 原子性替換成最終檔名
func (s *FileStore) Save(ctx context.Context, rec types.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	final := s.path(rec.JobID)
	if _, err := os.Stat(final); err == nil {
		return fmt.Errorf("%w: job %d", ErrAlreadyExists, rec.JobID)
	}

	data, err := encodeEnvelope(rec)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, "."+rec.JobID.String()+"-*.tmp")
	if err != nil {
		return fmt.Errorf("resultstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("resultstore: write record %d: %w", rec.JobID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("resultstore: sync record %d: %w", rec.JobID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("resultstore: close record %d: %w", rec.JobID, err)
	}

	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("resultstore: rename record %d: %w", rec.JobID, err)
	}
	return nil
}

// Load 讀取並驗證紀錄
func (s *FileStore) Load(ctx context.Context, id types.JobID) (types.Record, error) {
	if err := ctx.Err(); err != nil {
		return types.Record{}, err
	}

	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return types.Record{}, fmt.Errorf("%w: job %d", ErrNotFound, id)
		}
		return types.Record{}, fmt.Errorf("resultstore: read record %d: %w", id, err)
	}
	return decodeEnvelope(id, data)
}

// Purge 刪除目錄中所有紀錄與殘留的臨時檔案
//
// 返回值：
//   - int: 刪除的紀錄數（不含臨時檔案）
func (s *FileStore) Purge(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("resultstore: list %s: %w", s.dir, err)
	}

	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		name := e.Name()
		if e.IsDir() {
			continue
		}
		isRecord := strings.HasSuffix(name, fileExt) && !strings.HasPrefix(name, ".")
		isTemp := strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp")
		if !isRecord && !isTemp {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("resultstore: remove %s: %w", name, err)
		}
		if isRecord {
			removed++
		}
	}
	return removed, nil
}

// Close 檔案型儲存沒有需要釋放的資源
func (s *FileStore) Close() error {
	return nil
}
