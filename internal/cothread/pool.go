package cothread

import "sync"

// Pool lazily allocates up to maxThreadCount Threads and hands them out
// round-robin, giving the engine a bounded number of concurrently
// draining goroutines regardless of how many devices are registered.
type Pool struct {
	mu      sync.Mutex
	max     int
	threads []*Thread
	next    int
	onPanic func(recovered any)
}

// NewPool builds a Pool capped at max threads (spec.md C4's
// maxThreadCount, sourced from config.Manager.FTPThreadCount).
func NewPool(max int, onPanic func(recovered any)) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{max: max, onPanic: onPanic}
}

// CreateThread returns an existing thread (round-robin) once the pool is
// at capacity, or lazily allocates a new one below capacity.
func (p *Pool) CreateThread() *Thread {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.threads) < p.max {
		th := NewThread(p.onPanic)
		p.threads = append(p.threads, th)
		return th
	}

	th := p.threads[p.next%len(p.threads)]
	p.next++
	return th
}

// Len reports how many threads have been allocated so far.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// Close stops every allocated thread.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, th := range p.threads {
		th.Close()
	}
}
