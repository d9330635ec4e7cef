package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"tg-autopost-bot/internal/domain"
)

// queueItem — элемент очереди. Монотонный seq присваивается при
// постановке и разрывает ничьи внутри одного приоритета в порядке FIFO.
type queueItem struct {
	priority int
	seq      uint64
	post     domain.ScheduledPost
}

type itemHeap []queueItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(queueItem)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// PostQueue — разделяемая приоритетная очередь постов.
// Премиум-посты выбираются раньше бесплатных независимо от порядка
// постановки; внутри одного приоритета порядок FIFO. Компаратор глобален
// на всё время жизни очереди, а не на один тик.
type PostQueue struct {
	mu    sync.Mutex
	items itemHeap
	seq   uint64
	wake  chan struct{}
}

// NewPostQueue создаёт пустую очередь.
func NewPostQueue() *PostQueue {
	return &PostQueue{wake: make(chan struct{}, 1)}
}

// Push ставит пост в очередь.
func (q *PostQueue) Push(post domain.ScheduledPost) {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.items, queueItem{priority: post.Priority(), seq: q.seq, post: post})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Pop забирает пост с наивысшим приоритетом, ожидая не дольше timeout.
// Возврат false означает таймаут либо отмену контекста. Сигнал пробуждения
// может достаться воркеру, которого опередили — тогда он дождётся таймаута
// и вернётся в свой цикл, это штатно.
func (q *PostQueue) Pop(ctx context.Context, timeout time.Duration) (domain.ScheduledPost, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := heap.Pop(&q.items).(queueItem)
			q.mu.Unlock()
			return item.post, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return domain.ScheduledPost{}, false
		case <-deadline.C:
			return domain.ScheduledPost{}, false
		case <-q.wake:
		}
	}
}

// Len возвращает текущую глубину очереди.
func (q *PostQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
