// ============================================================================
// statsrunner 任務佇列 - 無界 FIFO
// ============================================================================
//
// Package: internal/queue
// 文件: queue.go
// 功能: 保存已提交但尚未開始執行的任務
//
// 行為:
//   - Enqueue 追加到尾端，不會因為 worker 忙碌而阻塞
//   - EnqueueFunc 在同一把鎖下建立並追加任務（用於配發 ID）
//   - Dequeue 阻塞直到有任務或停止標記
//   - Drain 一次性設定 draining 旗標並在尾端加入 N 個停止標記
//     之後所有 Enqueue 都會回傳 ErrDraining
//   - Dequeue 取出的任務在 Ack 之前計為 active，
//     Pending = 排隊中 + active，兩者在同一把鎖下讀取，
//     所以任務從佇列交給 worker 的瞬間不會被重複計算或漏算
//
// 順序保證:
//   停止標記加在尾端，所以 Drain 之前已排隊的任務仍會被執行完
//
// ============================================================================

package queue

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/statsrunner/pkg/types"
)

// ErrDraining 表示佇列已進入 draining 狀態，不再接受新任務
var ErrDraining = errors.New("queue is draining")

// item 佇列元素；stop 為 true 時代表停止標記
type item struct {
	task types.Task
	stop bool
}

// Queue 無界 FIFO 佇列
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []item
	tasks    int  // 佇列中的任務數（不含停止標記）
	active   int  // 已取出但尚未 Ack 的任務數
	draining bool // 是否已開始 draining
}

// New 建立空佇列
func New() *Queue {
	q := &Queue{
		items: make([]item, 0),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue 將任務加入尾端
//
// 錯誤處理：
//   - ErrDraining: 已呼叫 Drain，任務不會被排入
func (q *Queue) Enqueue(task types.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return ErrDraining
	}

	q.items = append(q.items, item{task: task})
	q.tasks++
	q.cond.Signal()
	return nil
}

// EnqueueFunc 在佇列鎖內呼叫 build 建立任務並加入尾端
//
// build 通常在此配發 job ID，配發與入列在同一個臨界區內完成，
// 因此多個提交者同時呼叫時，入列順序與 ID 順序一致。
// 已 draining 時不會呼叫 build。
//
// 錯誤處理：
//   - ErrDraining: 已呼叫 Drain，任務不會被排入
func (q *Queue) EnqueueFunc(build func() types.Task) (types.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return types.Task{}, ErrDraining
	}

	task := build()
	q.items = append(q.items, item{task: task})
	q.tasks++
	q.cond.Signal()
	return task, nil
}

// Dequeue 取出佇列頭部元素，佇列為空時阻塞
//
// 返回值：
//   - types.Task: 取出的任務，處理完畢後必須呼叫 Ack
//   - bool: false 代表取到停止標記，呼叫者應結束迴圈
func (q *Queue) Dequeue() (types.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		q.cond.Wait()
	}

	head := q.items[0]
	q.items[0] = item{} // 釋放 payload 參考
	q.items = q.items[1:]

	if head.stop {
		return types.Task{}, false
	}
	q.tasks--
	q.active++
	return head.task, true
}

// Ack 標記一個已取出的任務處理完畢
func (q *Queue) Ack() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active > 0 {
		q.active--
	}
}

// Drain 進入 draining 狀態並追加 markers 個停止標記
//
// 返回值：
//   - bool: 第一次呼叫回傳 true；之後的呼叫不做任何事並回傳 false
func (q *Queue) Drain(markers int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.draining {
		return false
	}
	q.draining = true

	for i := 0; i < markers; i++ {
		q.items = append(q.items, item{stop: true})
	}
	q.cond.Broadcast()
	return true
}

// Len 回傳排隊中的任務數（不含停止標記）
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks
}

// Pending 回傳排隊中與執行中的任務總數
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks + q.active
}

// IsDraining 檢查佇列是否已進入 draining 狀態
func (q *Queue) IsDraining() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.draining
}
