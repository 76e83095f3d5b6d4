package escalation

import (
	"container/heap"
	"time"
)

type deadline struct {
	caseID string
	at     time.Time
}

// deadlineHeap is a min-heap of case deadlines. It only decides when the
// scheduler wakes up; the store stays the source of truth for what is due.
type deadlineHeap []deadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *deadlineHeap) Push(x any) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// deadlines wraps the heap with the operations the scheduler needs.
type deadlines struct {
	h deadlineHeap
}

func (d *deadlines) push(caseID string, at time.Time) {
	heap.Push(&d.h, deadline{caseID: caseID, at: at})
}

func (d *deadlines) reset(items []deadline) {
	d.h = append(d.h[:0], items...)
	heap.Init(&d.h)
}

func (d *deadlines) peek() (deadline, bool) {
	if len(d.h) == 0 {
		return deadline{}, false
	}
	return d.h[0], true
}

func (d *deadlines) len() int {
	return len(d.h)
}
