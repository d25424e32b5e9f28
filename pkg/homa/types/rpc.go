package types

import (
	"net/netip"
	"sync"
	"time"
)

// State is one of the four RPC lifecycle states of §3.
type State int

const (
	// OUTGOING: all unscheduled bytes are ready to push, or the remaining
	// bytes are waiting on grants.
	OUTGOING State = iota
	// INCOMING: reassembling a message from the peer.
	INCOMING
	// IN_SERVICE: server-only, between finishing the request read and
	// calling send with the response.
	IN_SERVICE
	// DEAD: unreachable from the active list; resources pending reap.
	DEAD
)

func (s State) String() string {
	switch s {
	case OUTGOING:
		return "OUTGOING"
	case INCOMING:
		return "INCOMING"
	case IN_SERVICE:
		return "IN_SERVICE"
	case DEAD:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Direction distinguishes the client-originated from the server-mirrored
// view of an RPC; it never changes over the RPC's lifetime.
type Direction int

const (
	ClientRPC Direction = iota
	ServerRPC
)

// RPC is the core entity of §3/§4.C: identity, direction, state, incoming
// and outgoing message, and error. Bucket lock (§5, hierarchy level 4)
// guards every field; callers must hold it, which is why every method on
// *RPC below assumes the caller already holds Mu.
type RPC struct {
	Mu sync.Mutex

	Id        RPCId
	Direction Direction
	State     State
	Peer      netip.Addr
	SrcPort   uint16
	DstPort   uint16

	// LocalPort is the port of the socket that owns this RPC, used to
	// address replies (GRANT, RESEND, ACK, ...) back from the right
	// source port without threading the owning *Socket through every
	// call site.
	LocalPort uint16

	CompletionCookie uint64
	Private          bool

	Incoming *IncomingMessage
	Outgoing *OutgoingMessage

	// Error is the RPC-level failure recorded by abort/timeout/ICMP. It
	// is surfaced to the application by the next recv, never returned
	// synchronously from the incoming engine (§7).
	Error error

	// Grant-scheduler bookkeeping (§4.G). Owned by the grant lock, not
	// the bucket lock, but stored here since it is per-RPC. GrantedBytes
	// is the receiver-local "granted" of invariant 8: how much of this
	// incoming message we have authorized the sender to transmit.
	GrantedBytes  int
	GrantPriority int
	ArrivalOrder  uint64

	// Timer bookkeeping (§4.J).
	LastProgress   time.Time
	ResendsSent    int
	LastResendSent time.Time
	LastNeedAck    time.Time

	// PrivateInterest is set when a recv is waiting specifically for
	// this RPC (§4.E); nil otherwise.
	PrivateInterest Notifiable

	// OnReadyList is true once this RPC has been appended to its
	// socket's ready_rpcs list, so repeat completions/aborts don't
	// double-enqueue it (§4.E step 2).
	OnReadyList bool

	deadNode bool
}

// Notifiable is the minimal surface the RPC state machine needs from an
// interest to hand off completion (§4.E); the concrete Interest type lives
// in package core to avoid an import cycle.
type Notifiable interface {
	Notify(rpc *RPC)
}

// NewClientRPC creates a new RPC in OUTGOING state for a freshly allocated
// client id. localPort is the owning socket's bound port.
func NewClientRPC(id RPCId, peer netip.Addr, dstPort uint16, cookie uint64, private bool, localPort uint16) *RPC {
	return &RPC{
		Id:               id,
		Direction:        ClientRPC,
		State:            OUTGOING,
		Peer:             peer,
		DstPort:          dstPort,
		LocalPort:        localPort,
		CompletionCookie: cookie,
		Private:          private,
		LastProgress:     time.Now(),
	}
}

// NewServerRPC creates a new RPC in INCOMING state for an unknown id seen
// on first DATA arrival. localPort is the owning socket's bound port.
func NewServerRPC(id RPCId, peer netip.Addr, srcPort, localPort uint16) *RPC {
	return &RPC{
		Id:           id,
		Direction:    ServerRPC,
		State:        INCOMING,
		Peer:         peer,
		SrcPort:      srcPort,
		LocalPort:    localPort,
		LastProgress: time.Now(),
	}
}

// PeerPort returns the port on Peer this RPC's traffic goes to: DstPort for
// a client-role RPC (where the request was addressed), SrcPort for a
// server-role RPC (the client port recorded off the first DATA packet).
func (r *RPC) PeerPort() uint16 {
	if r.Direction == ServerRPC {
		return r.SrcPort
	}
	return r.DstPort
}

// IsDead reports whether this RPC has reached the terminal state.
func (r *RPC) IsDead() bool {
	return r.State == DEAD
}

// MarkDead transitions the RPC to DEAD; idempotent (§8: "end(rpc) is
// idempotent"). Returns true the first time it actually transitions.
func (r *RPC) MarkDead() bool {
	if r.State == DEAD {
		return false
	}
	r.State = DEAD
	return true
}
