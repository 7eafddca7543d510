package raft

import (
	"sync"
	"syscall"
)

// ClosureQueue holds the completion callbacks of entries a leader has proposed but not yet applied, in log order.
// The closure at position i belongs to the entry at index FirstIndex()+i.
type ClosureQueue struct {
	mu         sync.Mutex
	firstIndex uint64
	queue      []Closure
}

// NewClosureQueue creates an empty queue
func NewClosureQueue() *ClosureQueue {
	return &ClosureQueue{}
}

// Clear drops every pending closure and fails it with EPERM. The closures run on their own goroutines.
func (q *ClosureQueue) Clear() {
	q.mu.Lock()
	saved := q.queue
	q.queue = nil
	q.firstIndex = 0
	q.mu.Unlock()

	for _, done := range saved {
		if done != nil {
			RunClosureAsync(done, NewError(syscall.EPERM, "leader stepped down"))
		}
	}
}

// ResetFirstIndex sets the index of the next closure appended. The queue must be empty.
func (q *ClosureQueue) ResetFirstIndex(firstIndex uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) != 0 {
		return NewError(syscall.EPERM, "closure queue still holds %d closures", len(q.queue))
	}
	q.firstIndex = firstIndex
	return nil
}

// AppendPendingClosure adds the closure of the next entry. A nil closure keeps the slot.
func (q *ClosureQueue) AppendPendingClosure(done Closure) {
	q.mu.Lock()
	q.queue = append(q.queue, done)
	q.mu.Unlock()
}

// PopClosureUntil removes the closures of every entry up to index and returns them together with the index of the
// first one. When nothing is queued for that range, firstIndex is index+1 and the slice is empty.
func (q *ClosureQueue) PopClosureUntil(index uint64) (closures []Closure, firstIndex uint64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 || index < q.firstIndex {
		return nil, index + 1, nil
	}
	if index > q.firstIndex+uint64(len(q.queue))-1 {
		return nil, 0, NewError(syscall.EINVAL, "invalid index=%d first_index=%d queue_size=%d",
			index, q.firstIndex, len(q.queue))
	}
	n := int(index - q.firstIndex + 1)
	closures = make([]Closure, n)
	copy(closures, q.queue[:n])
	clear(q.queue[:n])
	q.queue = q.queue[n:]
	firstIndex = q.firstIndex
	q.firstIndex = index + 1
	return closures, firstIndex, nil
}

// FirstIndex returns the index the head closure belongs to
func (q *ClosureQueue) FirstIndex() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.firstIndex
}

// Len returns the number of queued closures
func (q *ClosureQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}
