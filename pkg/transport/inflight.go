package transport

import (
	"sync"
	"time"
)

// inflight bounds the number of concurrent sends. Acquisition never
// blocks: a full set rejects the caller, which is how the transport drops
// the newest submission under load.
type inflight struct {
	mu    sync.Mutex
	n     int
	limit int
	idle  chan struct{} // closed when n drops to zero
}

func newInflight(limit int) *inflight {
	return &inflight{limit: limit}
}

func (f *inflight) tryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n >= f.limit {
		return false
	}
	f.n++
	return true
}

func (f *inflight) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		return
	}
	f.n--
	if f.n == 0 && f.idle != nil {
		close(f.idle)
		f.idle = nil
	}
}

func (f *inflight) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

// wait blocks until no send is in flight or timeout elapses, reporting
// whether the set drained.
func (f *inflight) wait(timeout time.Duration) bool {
	f.mu.Lock()
	if f.n == 0 {
		f.mu.Unlock()
		return true
	}
	if f.idle == nil {
		f.idle = make(chan struct{})
	}
	idle := f.idle
	f.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-idle:
		return true
	case <-timer.C:
		return false
	}
}
