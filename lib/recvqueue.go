package lib

// RecvQueue holds in-order bytes received from the peer and not yet read.
type RecvQueue struct {
	r ring
}

func NewRecvQueue(capacity int) *RecvQueue {
	return &RecvQueue{r: newRing(capacity)}
}

// Append copies a segment's payload in. The caller admits only payloads
// that fit the advertised window, so a short count indicates a bug.
func (q *RecvQueue) Append(data []byte) int {
	return q.r.write(data)
}

// Read moves up to len(dst) queued bytes into dst.
func (q *RecvQueue) Read(dst []byte) int {
	n := min(len(dst), q.r.length)
	q.r.peek(dst[:n], 0)
	q.r.discard(n)
	return n
}

func (q *RecvQueue) Len() int      { return q.r.length }
func (q *RecvQueue) Free() int     { return q.r.free() }
func (q *RecvQueue) Capacity() int { return q.r.capacity() }
