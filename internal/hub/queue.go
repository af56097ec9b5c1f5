package hub

import (
	"sync"
	"sync/atomic"
)

// Kind separates droppable ticks from control messages
type Kind int

const (
	KindControl Kind = iota
	KindTick
)

// Message is one pre-encoded outbound frame
type Message struct {
	Kind    Kind
	Payload []byte
}

// Queue is a bounded per-connection outbound queue. When full, the oldest
// queued tick is dropped to make room (freshness over completeness); control
// messages are only evicted when the queue holds nothing else.
type Queue struct {
	mutex  sync.Mutex
	items  []Message
	depth  int
	closed bool
	ready  chan struct{}

	dropped int64
}

// NewQueue creates a queue holding at most depth messages
func NewQueue(depth int) *Queue {
	if depth <= 0 {
		depth = 1
	}
	return &Queue{
		items: make([]Message, 0, depth),
		depth: depth,
		ready: make(chan struct{}, 1),
	}
}

// Push enqueues msg. ok is false once the queue is closed; dropped reports
// that an older message was evicted to make room.
func (q *Queue) Push(msg Message) (ok bool, dropped bool) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return false, false
	}

	if len(q.items) >= q.depth {
		victim := 0
		for i, item := range q.items {
			if item.Kind == KindTick {
				victim = i
				break
			}
		}
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		dropped = true
	}
	q.items = append(q.items, msg)
	q.mutex.Unlock()

	if dropped {
		atomic.AddInt64(&q.dropped, 1)
	}
	q.signal()
	return true, dropped
}

// Pop removes the oldest message without blocking
func (q *Queue) Pop() (Message, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if len(q.items) == 0 {
		return Message{}, false
	}
	msg := q.items[0]
	q.items[0] = Message{}
	q.items = q.items[1:]
	return msg, true
}

// Ready fires after a Push or Close; drain with Pop until it reports empty
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close rejects further pushes. Messages already queued stay poppable.
func (q *Queue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()
	q.signal()
}

// Closed reports whether Close has been called
func (q *Queue) Closed() bool {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.closed
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.items)
}

// Dropped returns how many messages were evicted
func (q *Queue) Dropped() int64 {
	return atomic.LoadInt64(&q.dropped)
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}
