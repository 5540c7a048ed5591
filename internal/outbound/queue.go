package outbound

import (
	"sync"
	"time"
)

// Message is an accepted outbound message. It lives only in memory.
type Message struct {
	ID           string
	Recipient    string
	Body         string
	TemplateName string
	Variables    map[string]string
	ClientID     string
}

type Entry struct {
	Message
	EnqueuedAt time.Time
}

// Queue is a FIFO shared by request handlers and the drain. All methods are
// safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Entry
}

func (q *Queue) Push(e Entry) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, e)
	return len(q.items)
}

// PushFront puts entries back at the head, keeping their relative order.
func (q *Queue) PushFront(es ...Entry) int {
	if len(es) == 0 {
		return q.Len()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := make([]Entry, 0, len(es)+len(q.items))
	items = append(items, es...)
	q.items = append(items, q.items...)
	return len(q.items)
}

// PopBatch removes and returns up to n entries from the head.
func (q *Queue) PopBatch(n int) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n <= 0 || len(q.items) == 0 {
		return nil
	}
	if n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Entry, n)
	copy(out, q.items[:n])
	// Drop references so popped bodies can be collected.
	clear(q.items[:n])
	q.items = q.items[n:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// pushIf appends e when cond holds, evaluated under the queue lock.
func (q *Queue) pushIf(e Entry, cond func(n int) bool) (queued bool, size int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !cond(len(q.items)) {
		return false, len(q.items)
	}
	q.items = append(q.items, e)
	return true, len(q.items)
}
