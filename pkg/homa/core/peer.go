// Package core implements the protocol engine of §4: the peer table,
// socket table, RPC table and state machine, interest/wait primitive,
// incoming and outgoing engines, grant scheduler, pacer and timer. It is
// the direct descendant of the teacher repo's pkg/mcast/core package,
// generalized from a single-partition multicast peer to Homa's per-message,
// per-peer transport engine.
package core

import (
	"net/netip"
	"sync"
	"time"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// PeerMaxAcks bounds a peer's pending ack backlog (§4.A).
const PeerMaxAcks = 64

// Peer is long-lived per-destination state: address, ack backlog and the
// acked-id watermark, reference counted and LRU-evicted (§3, §4.A).
type Peer struct {
	mu sync.Mutex

	Addr netip.Addr

	refs int32

	lastActive time.Time

	pendingAcks []types.RPCId

	cutoffVersion uint32
	cutoffsStale  bool

	suspect bool // set by the timer after a resend timeout (§4.J)
}

func newPeer(addr netip.Addr) *Peer {
	return &Peer{Addr: addr, lastActive: time.Now()}
}

// Touch records activity against the peer's idle clock, used by the LRU gc
// policy of §3.
func (p *Peer) Touch() {
	p.mu.Lock()
	p.lastActive = time.Now()
	p.mu.Unlock()
}

// IdleFor reports how long the peer has been inactive.
func (p *Peer) IdleFor() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return time.Since(p.lastActive)
}

// AddAck appends id to the peer's pending ack queue to piggyback on the
// next outgoing packet (§4.A); the oldest ack is dropped if the backlog is
// full rather than growing without bound.
func (p *Peer) AddAck(id types.RPCId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingAcks) >= PeerMaxAcks {
		p.pendingAcks = p.pendingAcks[1:]
	}
	p.pendingAcks = append(p.pendingAcks, id)
}

// DrainAcks removes and returns every pending ack, to attach to the next
// outgoing packet.
func (p *Peer) DrainAcks() []types.RPCId {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.pendingAcks) == 0 {
		return nil
	}
	acks := p.pendingAcks
	p.pendingAcks = nil
	return acks
}

// MarkCutoffsStale forces a CUTOFFS packet on the next send (§4.A).
func (p *Peer) MarkCutoffsStale() {
	p.mu.Lock()
	p.cutoffsStale = true
	p.mu.Unlock()
}

// TakeCutoffsStale reports and clears the stale flag.
func (p *Peer) TakeCutoffsStale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	stale := p.cutoffsStale
	p.cutoffsStale = false
	return stale
}

// MarkSuspect flags the peer as having missed a resend deadline (§4.J); a
// suspect peer is not evicted differently today, but a future gc policy or
// health check can key off it.
func (p *Peer) MarkSuspect() {
	p.mu.Lock()
	p.suspect = true
	p.mu.Unlock()
}

// IsSuspect reports the flag set by MarkSuspect.
func (p *Peer) IsSuspect() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.suspect
}

func (p *Peer) retain() { p.mu.Lock(); p.refs++; p.mu.Unlock() }

func (p *Peer) release() int32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refs--
	return p.refs
}

// PeerTable is keyed by canonical address (IPv4 is transported v4-mapped,
// so callers are expected to hand in netip.Addr already normalized to
// v6 form where relevant). It is reference-counted and LRU-evicted by gc
// (§3, §4.A).
type PeerTable struct {
	mu       sync.Mutex
	peers    map[netip.Addr]*Peer
	idleMax  time.Duration
	gcFloor  int
	log      types.Logger
}

// NewPeerTable creates a table that evicts peers idle longer than idleMax
// once the table holds more than gcFloor peers (§3's peer lifecycle rule).
func NewPeerTable(idleMax time.Duration, gcFloor int, log types.Logger) *PeerTable {
	return &PeerTable{
		peers:   make(map[netip.Addr]*Peer),
		idleMax: idleMax,
		gcFloor: gcFloor,
		log:     log,
	}
}

// FindOrCreate returns the peer for addr, creating and reference-counting
// it if this is the first use (§4.A).
func (t *PeerTable) FindOrCreate(addr netip.Addr) *Peer {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[addr]; ok {
		p.retain()
		p.Touch()
		return p
	}
	p := newPeer(addr)
	p.retain()
	t.peers[addr] = p
	return p
}

// Release drops a reference acquired by FindOrCreate.
func (t *PeerTable) Release(p *Peer) {
	p.release()
}

// GC evicts peers idle longer than idleMax, but only once the table holds
// more than gcFloor entries, and never a peer someone still references
// (§3's eviction rule).
func (t *PeerTable) GC() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.peers) <= t.gcFloor {
		return 0
	}
	evicted := 0
	for addr, p := range t.peers {
		if len(t.peers) <= t.gcFloor {
			break
		}
		p.mu.Lock()
		idle := time.Since(p.lastActive)
		refs := p.refs
		p.mu.Unlock()
		if refs == 0 && idle > t.idleMax {
			delete(t.peers, addr)
			evicted++
		}
	}
	if evicted > 0 {
		t.log.Debugf("peer table gc evicted %d idle peers", evicted)
	}
	return evicted
}

// Len reports the current peer count, used by gc policy checks in tests.
func (t *PeerTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}
