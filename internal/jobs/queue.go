package jobs

import (
	"sync"
	"time"
)

// Queue はジョブIDのFIFOキューです。容量に上限はなく、Push はブロックしません。
// Pop はタイムアウト付きでブロックし、ワーカーが停止シグナルを定期的に
// 確認できるようにしています。
type Queue struct {
	mu     sync.Mutex
	ids    []string
	signal chan struct{}
}

// NewQueue は空のキューを作成します。
func NewQueue() *Queue {
	return &Queue{signal: make(chan struct{}, 1)}
}

// Push はジョブIDをキュー末尾へ追加します。
func (q *Queue) Push(id string) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Pop は先頭のジョブIDを取り出します。キューが空の場合は最大 timeout まで
// 待機し、それでも空であれば ok=false を返します。
func (q *Queue) Pop(timeout time.Duration) (id string, ok bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.ids) > 0 {
			id = q.ids[0]
			q.ids = q.ids[1:]
			q.mu.Unlock()
			return id, true
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
			// 新しい要素が入ったので取り直す
		case <-deadline.C:
			return "", false
		}
	}
}

// Len は現在キューに積まれているジョブ数を返します。
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
