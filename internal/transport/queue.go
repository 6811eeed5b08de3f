package transport

import "container/heap"

// urgentItem is one entry in an urgentQueue: a seqno becomes actionable once
// now >= activeAt, and "urgent" (i.e. sortable by deadline) at urgentAt.
type urgentItem struct {
	seqno    uint32
	activeAt int64 // unix millis; grab_* ignores items with activeAt > now
	urgentAt int64 // unix millis; used for next_urgent_time and as the heap's tie-break
	index    int   // heap.Interface bookkeeping
}

// urgentQueue backs the ack/resend-request/ack-request queues with a binary
// heap ordered by activeAt (urgentAt breaks ties) plus a hash map by seqno:
// O(log n) insert and removal, O(1) lookup by seqno.
type urgentQueue struct {
	h     itemHeap
	index map[uint32]*urgentItem
}

func newUrgentQueue() *urgentQueue {
	return &urgentQueue{index: make(map[uint32]*urgentItem)}
}

// Upsert adds seqno to the queue, or refreshes its timing if already present.
func (q *urgentQueue) Upsert(seqno uint32, activeAt, urgentAt int64) {
	if it, ok := q.index[seqno]; ok {
		it.activeAt = activeAt
		it.urgentAt = urgentAt
		heap.Fix(&q.h, it.index)
		return
	}
	it := &urgentItem{seqno: seqno, activeAt: activeAt, urgentAt: urgentAt}
	q.index[seqno] = it
	heap.Push(&q.h, it)
}

// Remove drops seqno from the queue if present.
func (q *urgentQueue) Remove(seqno uint32) bool {
	it, ok := q.index[seqno]
	if !ok {
		return false
	}
	heap.Remove(&q.h, it.index)
	delete(q.index, seqno)
	return true
}

// Has reports whether seqno is currently queued.
func (q *urgentQueue) Has(seqno uint32) bool {
	_, ok := q.index[seqno]
	return ok
}

// NextUrgentAt returns the minimum urgentAt across the queue, or
// math.MaxInt64 if empty (see KeyTracker.NextUrgentTime).
func (q *urgentQueue) NextUrgentAt() int64 {
	min := maxInt64
	for _, it := range q.h {
		if it.urgentAt < min {
			min = it.urgentAt
		}
	}
	return min
}

// Grab atomically pops and returns every seqno whose activeAt <= now.
func (q *urgentQueue) Grab(now int64) []uint32 {
	var out []uint32
	for len(q.h) > 0 && q.h[0].activeAt <= now {
		it := heap.Pop(&q.h).(*urgentItem)
		delete(q.index, it.seqno)
		out = append(out, it.seqno)
	}
	return out
}

const maxInt64 = int64(^uint64(0) >> 1)

type itemHeap []*urgentItem

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	if h[i].activeAt != h[j].activeAt {
		return h[i].activeAt < h[j].activeAt
	}
	return h[i].urgentAt < h[j].urgentAt
}
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *itemHeap) Push(x any) {
	it := x.(*urgentItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
