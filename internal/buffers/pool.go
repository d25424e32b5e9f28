// Package buffers implements the per-socket receive-buffer pool of §4.B:
// a user-supplied region divided into fixed-size bpages, leased to cores to
// avoid cross-core ping-pong, and handed to applications on recv.
package buffers

import (
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bitset"
)

// DefaultLeaseUsecs is the bpage-lease duration used when a Pool is built
// with NewPool's zero value for lease.
const DefaultLeaseUsecs = 500

// lease records which core holds a bpage and until when another core may
// not revoke it. leased distinguishes a never-allocated bpage from one
// leased to core 0, since 0 is itself a valid core id.
type lease struct {
	leased   bool
	core     int
	deadline time.Time
}

// Pool is one socket's receive-buffer region, split into fixed-size
// bpages. It is safe for concurrent use; the lease discipline is the only
// thing that lets multiple cores allocate from the same pool without a
// pool-wide lock serializing every softirq.
type Pool struct {
	mu sync.Mutex

	bpageSize  int
	numBpages  int
	leaseUsecs int

	owned  *bitset.BitSet // bit set => bpage is owned by a message
	leases []lease

	waiting []waiter
}

// waiter is an RPC parked on waiting_for_bufs because no bpage was free
// when its message arrived.
type waiter struct {
	need int
	core int
	done chan []int
}

// NewPool creates a pool over a region of size regionLen, divided into
// bpages of size bpageSize (must be a power of two). leaseUsecs of zero
// uses DefaultLeaseUsecs.
func NewPool(regionLen, bpageSize, leaseUsecs int) (*Pool, error) {
	if bpageSize <= 0 || bpageSize&(bpageSize-1) != 0 {
		return nil, fmt.Errorf("buffers: bpage size %d is not a power of two", bpageSize)
	}
	if regionLen < bpageSize {
		return nil, fmt.Errorf("buffers: region %d smaller than one bpage", regionLen)
	}
	if leaseUsecs <= 0 {
		leaseUsecs = DefaultLeaseUsecs
	}
	n := regionLen / bpageSize
	return &Pool{
		bpageSize:  bpageSize,
		numBpages:  n,
		leaseUsecs: leaseUsecs,
		owned:      bitset.New(uint(n)),
		leases:     make([]lease, n),
	}, nil
}

// bpagesNeeded is ceil(len/bpageSize); the final bpage may be short.
func (p *Pool) bpagesNeeded(length int) int {
	n := length / p.bpageSize
	if length%p.bpageSize != 0 {
		n++
	}
	if n == 0 {
		n = 1
	}
	return n
}

// TryAllocate attempts to reserve bpagesNeeded(length) bpages for core.
// It prefers the lowest-numbered bpage not currently owned, subject to the
// per-core lease: a bpage leased to a different core cannot be taken until
// its lease has expired. Returns ok=false when not enough bpages are free.
func (p *Pool) TryAllocate(length, core int) (offsets []int, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tryAllocateLocked(length, core)
}

func (p *Pool) tryAllocateLocked(length, core int) (offsets []int, ok bool) {
	need := p.bpagesNeeded(length)
	now := time.Now()
	var chosen []int
	for i := 0; i < p.numBpages && len(chosen) < need; i++ {
		if p.owned.Test(uint(i)) {
			continue
		}
		l := p.leases[i]
		if l.leased && l.core != core && now.Before(l.deadline) {
			continue
		}
		chosen = append(chosen, i)
	}
	if len(chosen) < need {
		return nil, false
	}
	for _, i := range chosen {
		p.owned.Set(uint(i))
		p.leases[i] = lease{leased: true, core: core, deadline: now.Add(time.Duration(p.leaseUsecs) * time.Microsecond)}
	}
	return chosen, true
}

// Release returns bpages to the pool; called once the application has
// consumed them and handed the offsets back through a later recv (§4.B,
// §6). It wakes waiters whose need can now be satisfied, oldest first.
func (p *Pool) Release(offsets []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, i := range offsets {
		p.owned.Clear(uint(i))
	}
	p.drainWaitersLocked()
}

// AwaitAllocation parks the caller on waiting_for_bufs until enough bpages
// free up, or returns immediately if they already are available. Data
// packets for the RPC are expected to be dropped (and later retransmitted)
// by the caller while this is pending, per §4.B.
func (p *Pool) AwaitAllocation(length, core int) (offsets []int, ok bool) {
	p.mu.Lock()
	if off, ok := p.tryAllocateLocked(length, core); ok {
		p.mu.Unlock()
		return off, true
	}
	w := waiter{need: length, core: core, done: make(chan []int, 1)}
	p.waiting = append(p.waiting, w)
	p.mu.Unlock()

	off, ok := <-w.done
	return off, ok
}

func (p *Pool) drainWaitersLocked() {
	remaining := p.waiting[:0]
	for _, w := range p.waiting {
		if off, ok := p.tryAllocateLocked(w.need, w.core); ok {
			w.done <- off
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	p.waiting = remaining
}

// NumBpages returns the pool's total bpage count.
func (p *Pool) NumBpages() int { return p.numBpages }

// BpageSize returns the configured bpage size.
func (p *Pool) BpageSize() int { return p.bpageSize }
