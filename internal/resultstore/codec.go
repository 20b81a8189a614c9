package resultstore

// ============================================================================
// 記錄編碼與校驗和
// 職責：計算與驗證結果紀錄的 CRC32 校驗和，並提供 JSON 信封格式
// ============================================================================

import (
	"encoding/json"
	"fmt"
	"hash/crc32"
	"strconv"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// envelope 持久化格式：紀錄本身加上校驗和
type envelope struct {
	types.Record
	Checksum uint32 `json:"checksum"`
}

// Checksum 計算紀錄的 CRC32 校驗和
//
// 演算法：
//   - 以固定順序串接 JobID、Outcome、Value、Error、CreatedAt
//   - 使用 CRC32-IEEE 多項式計算
func Checksum(rec types.Record) uint32 {
	h := crc32.NewIEEE()
	h.Write([]byte(strconv.FormatInt(int64(rec.JobID), 10)))
	h.Write([]byte{0})
	h.Write([]byte(rec.Outcome))
	h.Write([]byte{0})
	h.Write(rec.Value)
	h.Write([]byte{0})
	h.Write([]byte(rec.Error))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(rec.CreatedAt, 10)))
	return h.Sum32()
}

// verify 驗證紀錄內容與 id 是否可信
func verify(id types.JobID, rec types.Record, stored uint32) error {
	if rec.JobID != id {
		return &CorruptionError{JobID: id, Cause: fmt.Errorf("record carries job id %d", rec.JobID)}
	}
	if rec.Outcome != types.OutcomeOK && rec.Outcome != types.OutcomeError {
		return &CorruptionError{JobID: id, Cause: fmt.Errorf("unknown outcome %q", rec.Outcome)}
	}
	if actual := Checksum(rec); actual != stored {
		return &ChecksumError{JobID: id, Expected: stored, Actual: actual}
	}
	return nil
}

// normalize 將 Value 轉成 json.Marshal 的標準形式（壓縮、HTML 跳脫）
// 保證寫入與讀回的位元組一致，校驗和才會相符
func normalize(rec types.Record) (types.Record, error) {
	if len(rec.Value) == 0 {
		rec.Value = nil
		return rec, nil
	}
	canonical, err := json.Marshal(rec.Value)
	if err != nil {
		return rec, fmt.Errorf("resultstore: record %d value is not valid JSON: %w", rec.JobID, err)
	}
	rec.Value = canonical
	return rec, nil
}

// encodeEnvelope 將紀錄編碼成帶校驗和的 JSON
func encodeEnvelope(rec types.Record) ([]byte, error) {
	rec, err := normalize(rec)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(envelope{Record: rec, Checksum: Checksum(rec)})
	if err != nil {
		return nil, fmt.Errorf("resultstore: encode record %d: %w", rec.JobID, err)
	}
	return data, nil
}

// decodeEnvelope 解碼並驗證 JSON 信封
func decodeEnvelope(id types.JobID, data []byte) (types.Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return types.Record{}, &CorruptionError{JobID: id, Cause: err}
	}
	if err := verify(id, env.Record, env.Checksum); err != nil {
		return types.Record{}, err
	}
	return env.Record, nil
}
