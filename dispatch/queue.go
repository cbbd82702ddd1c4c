package dispatch

// fifo is a minimal slice-backed queue. Not safe for concurrent use;
// the coordinator's mutex guards it.
type fifo[T any] struct {
	items []T
}

// push appends an item and returns its 1-based position.
func (q *fifo[T]) push(item T) int {
	q.items = append(q.items, item)
	return len(q.items)
}

// peek returns the head without removing it.
func (q *fifo[T]) peek() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	return q.items[0], true
}

// pop removes and returns the head.
func (q *fifo[T]) pop() (T, bool) {
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}
	head := q.items[0]
	q.items = q.items[1:]
	return head, true
}

func (q *fifo[T]) len() int {
	return len(q.items)
}
