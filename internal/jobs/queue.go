package jobs

import (
	"container/heap"
	"sync"
)

// item is one queued execution; seq breaks priority ties FIFO.
type item struct {
	exec *Execution
	seq  uint64
}

type execHeap []*item

func (h execHeap) Len() int { return len(h) }

func (h execHeap) Less(i, j int) bool {
	ri, rj := h[i].exec.Priority.Rank(), h[j].exec.Priority.Rank()
	if ri != rj {
		return ri < rj
	}
	return h[i].seq < h[j].seq
}

func (h execHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *execHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *execHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// queue is a blocking priority queue. Close wakes every waiter; pop returns
// false once the queue is closed and empty.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	heap   execHeap
	seq    uint64
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *queue) push(exec *Execution) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.seq++
	heap.Push(&q.heap, &item{exec: exec, seq: q.seq})
	q.cond.Signal()
}

func (q *queue) pop() (*Execution, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.exec, true
}

func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
