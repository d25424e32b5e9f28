package core

import (
	"sync"
	"time"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// Interest is the application-visible wait primitive of §4.E: a shared
// interest catches the next non-private ready RPC on the socket; a private
// interest is pointed to by exactly one RPC and matched only by that RPC's
// handoff.
type Interest struct {
	mu     sync.Mutex
	ready  bool
	rpc    *types.RPC
	core   int
	wakeCh chan struct{}
}

// NewInterest creates an interest recording which core the waiting thread
// runs on, used to prefer waking an idle core on handoff (§4.E step 3).
func NewInterest(core int) *Interest {
	return &Interest{core: core, wakeCh: make(chan struct{}, 1)}
}

// Notify implements types.Notifiable: it stores rpc (nil on shutdown/error)
// with release semantics via the mutex, and wakes the waiter. The mutex
// plays the role the design notes (§9) assign to a release-store /
// acquire-load pair on the ready flag.
func (i *Interest) Notify(rpc *types.RPC) {
	i.mu.Lock()
	i.rpc = rpc
	i.ready = true
	i.mu.Unlock()
	select {
	case i.wakeCh <- struct{}{}:
	default:
	}
}

// TryClaim reports whether the interest is ready and, if so, atomically
// takes its RPC so a racing unlinking waiter cannot also claim it.
func (i *Interest) TryClaim() (*types.RPC, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.ready {
		return nil, false
	}
	rpc := i.rpc
	i.ready = false
	i.rpc = nil
	return rpc, true
}

// Wait busy-polls for pollUsecs before sleeping on the wake channel, then
// blocks until ready or until cancel is closed; it has no timeout of its
// own. Returns (rpc, true) on success, (nil, false) on cancellation with
// no RPC claimed.
func (i *Interest) Wait(pollUsecs int, cancel <-chan struct{}) (*types.RPC, bool) {
	deadline := time.Now().Add(time.Duration(pollUsecs) * time.Microsecond)
	for time.Now().Before(deadline) {
		if rpc, ok := i.TryClaim(); ok {
			return rpc, true
		}
		select {
		case <-cancel:
			return nil, false
		default:
		}
	}
	for {
		select {
		case <-i.wakeCh:
			if rpc, ok := i.TryClaim(); ok {
				return rpc, true
			}
		case <-cancel:
			return nil, false
		}
	}
}

// InterestSet tracks the socket's shared interests and ready_rpcs list
// (§4.E), guarded by the socket lock (hierarchy level 3) in the owning
// Socket.
type InterestSet struct {
	shared    []*Interest
	readyRPCs []*types.RPC
}

// AddShared registers a shared interest, called while holding the socket
// lock.
func (s *InterestSet) AddShared(i *Interest) {
	s.shared = append(s.shared, i)
}

// RemoveShared unlinks a shared interest, e.g. when a waiter gives up
// without being handed an RPC.
func (s *InterestSet) RemoveShared(i *Interest) {
	for idx, cand := range s.shared {
		if cand == i {
			s.shared = append(s.shared[:idx], s.shared[idx+1:]...)
			return
		}
	}
}

// Handoff implements the three-step protocol of §4.E for a completed (or
// errored) RPC. Must be called while holding the socket lock.
func (s *InterestSet) Handoff(rpc *types.RPC) {
	if rpc.Private {
		if rpc.PrivateInterest != nil {
			rpc.PrivateInterest.Notify(rpc)
			rpc.PrivateInterest = nil
		}
		return
	}
	if rpc.OnReadyList {
		return
	}
	if len(s.shared) == 0 {
		s.readyRPCs = append(s.readyRPCs, rpc)
		rpc.OnReadyList = true
		return
	}
	// Prefer a shared interest whose recorded core is idle; lacking that
	// information here, take the oldest (first registered) one, matching
	// the fallback rule of §4.E step 3.
	i := s.shared[0]
	s.shared = s.shared[1:]
	i.Notify(rpc)
}

// PopReady removes and returns the oldest ready RPC not claimed through a
// shared interest directly, for a recv that arrives after the handoff
// already appended to ready_rpcs.
func (s *InterestSet) PopReady() (*types.RPC, bool) {
	if len(s.readyRPCs) == 0 {
		return nil, false
	}
	rpc := s.readyRPCs[0]
	s.readyRPCs = s.readyRPCs[1:]
	rpc.OnReadyList = false
	return rpc, true
}

// HasReady reports whether ready_rpcs is non-empty, the condition poll
// uses for EPOLLIN (§6).
func (s *InterestSet) HasReady() bool {
	return len(s.readyRPCs) > 0
}

// WakeAllShutdown wakes every shared interest with rpc=nil, ready=true, the
// shutdown broadcast of §4.E/§5.
func (s *InterestSet) WakeAllShutdown() {
	for _, i := range s.shared {
		i.Notify(nil)
	}
	s.shared = nil
}
