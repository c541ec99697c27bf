package queue

import (
	"sync"

	"github.com/pmlab/pm-ingest/internal/ports"
)

// MemQueue is a bounded in-memory queue that preserves FIFO ordering.
type MemQueue struct {
	mu   sync.Mutex
	data []ports.QueuedRecord
	cap  int
}

func NewMemQueue(capacity int) *MemQueue {
	return &MemQueue{
		data: make([]ports.QueuedRecord, 0, capacity),
		cap:  capacity,
	}
}

func (q *MemQueue) Enqueue(r ports.QueuedRecord) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) >= q.cap {
		return false
	}
	q.data = append(q.data, r)
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.QueuedRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]ports.QueuedRecord, max)
	copy(out, q.data[:max])
	n := copy(q.data, q.data[max:])
	clear(q.data[n:])
	q.data = q.data[:n]
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

var _ ports.RecordQueue = (*MemQueue)(nil)
