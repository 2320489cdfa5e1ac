package lib

// ring is a fixed arena addressed by a start index and a byte count.
// Positions wrap modulo the arena length.
type ring struct {
	buf    []byte
	start  int
	length int
}

func newRing(capacity int) ring {
	return ring{buf: make([]byte, capacity)}
}

func (r *ring) capacity() int { return len(r.buf) }

func (r *ring) free() int { return len(r.buf) - r.length }

// write copies as much of b as fits after the queued bytes.
func (r *ring) write(b []byte) int {
	n := min(len(b), r.free())
	if n == 0 {
		return 0
	}
	end := (r.start + r.length) % len(r.buf)
	c := copy(r.buf[end:], b[:n])
	if c < n {
		copy(r.buf, b[c:n])
	}
	r.length += n
	return n
}

// peek copies len(dst) bytes located off bytes after the start without
// consuming them. dst must fit within the queued bytes.
func (r *ring) peek(dst []byte, off int) int {
	if off < 0 || off+len(dst) > r.length {
		panic("ring: peek out of range")
	}
	if len(dst) == 0 {
		return 0
	}
	pos := (r.start + off) % len(r.buf)
	c := copy(dst, r.buf[pos:])
	if c < len(dst) {
		copy(dst[c:], r.buf)
	}
	return len(dst)
}

// discard drops n bytes from the front.
func (r *ring) discard(n int) {
	if n < 0 || n > r.length {
		panic("ring: discard out of range")
	}
	r.length -= n
	if r.length == 0 {
		r.start = 0
		return
	}
	r.start = (r.start + n) % len(r.buf)
}
