package queue

import (
	"container/heap"
	"context"
	"sync"
)

// MemStore is an in-process Store. It is grounded on the teacher's
// container/heap-based Frontier: a priority queue of score-ordered
// items protected by one mutex, plus plain FIFOs for the domain and
// staging buckets.
type MemStore struct {
	mu    sync.Mutex
	fifos map[string]*memFIFO
	pqs   map[string]*memPriorityQueue
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		fifos: make(map[string]*memFIFO),
		pqs:   make(map[string]*memPriorityQueue),
	}
}

func (s *MemStore) FIFO(name string) FIFO {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fifos[name]
	if !ok {
		f = &memFIFO{}
		s.fifos[name] = f
	}
	return f
}

func (s *MemStore) PriorityQueue(name string) PriorityQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.pqs[name]
	if !ok {
		q = newMemPriorityQueue()
		s.pqs[name] = q
	}
	return q
}

func (s *MemStore) ScanKeys(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for name, f := range s.fifos {
		if len(name) < len(prefix) || name[:len(prefix)] != prefix {
			continue
		}
		if f.lenLocked() > 0 {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

type memFIFO struct {
	mu    sync.Mutex
	items []any
}

func (f *memFIFO) Push(ctx context.Context, item any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, item)
	return nil
}

func (f *memFIFO) Pop(ctx context.Context) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) == 0 {
		return nil, false, nil
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true, nil
}

func (f *memFIFO) Len(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lenLocked(), nil
}

func (f *memFIFO) lenLocked() int { return len(f.items) }

// --- priority queue, container/heap, grounded on internal/engine/frontier.go ---

type pqItem struct {
	item  string
	score float64
	index int
}

type pqHeap []*pqItem

func (h pqHeap) Len() int            { return len(h) }
func (h pqHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h pqHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *pqHeap) Push(x any) {
	item := x.(*pqItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *pqHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

type memPriorityQueue struct {
	mu sync.Mutex
	h  pqHeap
}

func newMemPriorityQueue() *memPriorityQueue {
	q := &memPriorityQueue{h: make(pqHeap, 0, 16)}
	heap.Init(&q.h)
	return q
}

func (q *memPriorityQueue) Push(ctx context.Context, item string, score float64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.h, &pqItem{item: item, score: score})
	return nil
}

func (q *memPriorityQueue) Peek(ctx context.Context) (string, float64, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return "", 0, false, nil
	}
	return q.h[0].item, q.h[0].score, true, nil
}

func (q *memPriorityQueue) Pop(ctx context.Context) (string, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return "", false, nil
	}
	item := heap.Pop(&q.h).(*pqItem)
	return item.item, true, nil
}

func (q *memPriorityQueue) Len(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h), nil
}
