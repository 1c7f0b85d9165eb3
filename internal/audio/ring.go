package audio

// ring is a fixed-capacity float32 FIFO for one channel.
type ring struct {
	buf []float32
	r   int
	n   int
}

func newRing(capacity int) ring { return ring{buf: make([]float32, capacity)} }

func (q *ring) len() int { return q.n }
func (q *ring) free() int { return len(q.buf) - q.n }

func (q *ring) reset() {
	q.r = 0
	q.n = 0
}

// write appends as much of p as fits and returns the count written.
func (q *ring) write(p []float32) int {
	if len(p) > q.free() {
		p = p[:q.free()]
	}
	w := (q.r + q.n) % len(q.buf)
	c := copy(q.buf[w:], p)
	if c < len(p) {
		copy(q.buf, p[c:])
	}
	q.n += len(p)
	return len(p)
}

// read moves up to len(p) samples into p.
func (q *ring) read(p []float32) int {
	if len(p) > q.n {
		p = p[:q.n]
	}
	c := copy(p, q.buf[q.r:])
	if c < len(p) {
		copy(p[c:], q.buf)
	}
	q.discard(len(p))
	return len(p)
}

// discard drops up to k samples from the head.
func (q *ring) discard(k int) int {
	if k > q.n {
		k = q.n
	}
	q.r = (q.r + k) % len(q.buf)
	q.n -= k
	return k
}
