package lib

// SendQueue holds bytes written by the application that are not yet
// acknowledged. The first byte is always the one at snd_una.
type SendQueue struct {
	r ring
}

func NewSendQueue(capacity int) *SendQueue {
	return &SendQueue{r: newRing(capacity)}
}

// Append queues as much of b as fits and reports how much was taken.
func (q *SendQueue) Append(b []byte) int {
	return q.r.write(b)
}

// Drop releases n acknowledged bytes from the front.
func (q *SendQueue) Drop(n int) int {
	n = min(n, q.r.length)
	q.r.discard(n)
	return n
}

// GetPacket copies length bytes starting offset bytes past the queue
// start into dst, which must hold at least length bytes.
func (q *SendQueue) GetPacket(dst []byte, offset, length int) int {
	return q.r.peek(dst[:length], offset)
}

func (q *SendQueue) Len() int      { return q.r.length }
func (q *SendQueue) Free() int     { return q.r.free() }
func (q *SendQueue) Capacity() int { return q.r.capacity() }
