package telemetry

import "sync"

// ring is a bounded multi-producer buffer. When full, push overwrites the
// oldest point so producers never block.
type ring struct {
	mu      sync.Mutex
	buf     []Point
	head    int
	count   int
	dropped uint64
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Point, capacity)}
}

// push adds p, evicting the oldest point when the ring is full. Returns
// true when a point was dropped.
func (r *ring) push(p Point) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % len(r.buf)
	r.buf[tail] = p
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
		r.dropped++
		return true
	}
	r.count++
	return false
}

// drain removes and returns up to max points in insertion order.
func (r *ring) drain(max int) []Point {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.count
	if max > 0 && n > max {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]Point, n)
	for i := 0; i < n; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.head = (r.head + n) % len(r.buf)
	r.count -= n
	return out
}

func (r *ring) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// takeDropped returns the drop count accumulated since the last call.
func (r *ring) takeDropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	d := r.dropped
	r.dropped = 0
	return d
}
