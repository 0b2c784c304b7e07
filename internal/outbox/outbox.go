// Package outbox holds push channel messages produced while the channel is
// not open. It is owned by the event loop and is not safe for concurrent use.
package outbox

// DefaultCapacity is the queue bound used when New gets zero.
const DefaultCapacity = 256

// Queue is a bounded FIFO of serialized messages.
type Queue struct {
	items    [][]byte
	capacity int
	dropped  uint64
}

// New creates a queue holding at most capacity messages.
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// Push appends msg. A full queue drops msg and returns false.
func (q *Queue) Push(msg []byte) bool {
	if len(q.items) >= q.capacity {
		q.dropped++
		return false
	}
	q.items = append(q.items, msg)
	return true
}

// PushFront puts msg back at the head, ignoring the bound. Used to return a
// message whose send failed during a flush.
func (q *Queue) PushFront(msg []byte) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = msg
}

// Pop removes the head message.
func (q *Queue) Pop() ([]byte, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return msg, true
}

// Len returns the number of queued messages.
func (q *Queue) Len() int { return len(q.items) }

// Dropped returns how many messages Push rejected.
func (q *Queue) Dropped() uint64 { return q.dropped }

// Clear discards every queued message and returns how many there were.
func (q *Queue) Clear() int {
	n := len(q.items)
	q.items = nil
	return n
}

// Flush sends queued messages in order. When send fails the message goes
// back to the head and flushing stops with that error.
func (q *Queue) Flush(send func([]byte) error) (int, error) {
	sent := 0
	for {
		msg, ok := q.Pop()
		if !ok {
			return sent, nil
		}
		if err := send(msg); err != nil {
			q.PushFront(msg)
			return sent, err
		}
		sent++
	}
}
