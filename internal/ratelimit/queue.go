package ratelimit

import (
	"container/heap"
	"context"
)

// request is a unit of work waiting for admission on one platform.
type request struct {
	ctx      context.Context
	priority int
	seq      uint64
	action   func(context.Context) error
	done     chan error
	index    int
}

// requestHeap orders by priority desc, then enqueue order asc.
type requestHeap []*request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *requestHeap) Push(x interface{}) {
	r := x.(*request)
	r.index = len(*h)
	*h = append(*h, r)
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	r.index = -1
	*h = old[:n-1]
	return r
}

func (h *requestHeap) push(r *request) { heap.Push(h, r) }

func (h *requestHeap) pop() *request { return heap.Pop(h).(*request) }

func (h requestHeap) peek() *request {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
