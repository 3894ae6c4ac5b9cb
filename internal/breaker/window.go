package breaker

import "time"

// window is a fixed-size ring of recent outcomes. Not safe for concurrent
// use; guarded by the owning Breaker's mutex.
type window struct {
	ok      []bool
	latency []time.Duration
	next    int
	n       int
}

func newWindow(size int) *window {
	return &window{
		ok:      make([]bool, size),
		latency: make([]time.Duration, size),
	}
}

func (w *window) add(ok bool, latency time.Duration) {
	w.ok[w.next] = ok
	w.latency[w.next] = latency
	w.next = (w.next + 1) % len(w.ok)
	if w.n < len(w.ok) {
		w.n++
	}
}

// stats returns success rate, mean latency and sample count. An empty
// window reports a success rate of 1.
func (w *window) stats() (float64, time.Duration, int) {
	if w.n == 0 {
		return 1, 0, 0
	}
	var okCount int
	var total time.Duration
	for i := 0; i < w.n; i++ {
		if w.ok[i] {
			okCount++
		}
		total += w.latency[i]
	}
	return float64(okCount) / float64(w.n), total / time.Duration(w.n), w.n
}
