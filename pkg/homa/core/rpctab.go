package core

import (
	"net/netip"
	"sync"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// NumBuckets is the bucket count for both the client and server RPC tables
// of a socket (§3 invariant 1: "bucket = hash(id) mod N, separate tables
// for client-role and server-role").
const NumBuckets = 64

func hashID(id types.RPCId) int {
	// fibonacci hashing keeps consecutive client ids (allocated two apart)
	// from clustering in the low bits of a power-of-two bucket count.
	return int(((uint64(id) * 11400714819323198485) >> 58) % NumBuckets)
}

func hashServerKey(peer netip.Addr, id types.RPCId) int {
	b := peer.As16()
	var h uint64 = uint64(id) * 11400714819323198485
	for i := 0; i < 16; i += 8 {
		var part uint64
		for j := 0; j < 8; j++ {
			part = part<<8 | uint64(b[i+j])
		}
		h ^= part * 1099511628211
	}
	v := h >> 58
	return int(v % NumBuckets)
}

// clientBucket is one bucket of the client-role RPC table: a map keyed by
// id, protected by its own lock (§4.C).
type clientBucket struct {
	mu   sync.Mutex
	rpcs map[types.RPCId]*types.RPC
}

// serverKey identifies a server-role RPC by (peer, id), since the same id
// integer space is independently allocated by every client peer (§4.C).
type serverKey struct {
	peer netip.Addr
	id   types.RPCId
}

type serverBucket struct {
	mu   sync.Mutex
	rpcs map[serverKey]*types.RPC
}

// RPCTable holds the two hash tables (client-role, server-role) of one
// socket (§4.C). Invariant 1: an RPC is reachable through exactly one
// bucket of exactly one socket at any time.
type RPCTable struct {
	clientBuckets [NumBuckets]*clientBucket
	serverBuckets [NumBuckets]*serverBucket
	allocator     *types.ClientIdAllocator
}

// NewRPCTable builds an empty client/server RPC table.
func NewRPCTable() *RPCTable {
	t := &RPCTable{allocator: types.NewClientIdAllocator()}
	for i := range t.clientBuckets {
		t.clientBuckets[i] = &clientBucket{rpcs: make(map[types.RPCId]*types.RPC)}
	}
	for i := range t.serverBuckets {
		t.serverBuckets[i] = &serverBucket{rpcs: make(map[serverKey]*types.RPC)}
	}
	return t
}

// AllocClient atomically reserves a new client id and inserts a fresh
// OUTGOING RPC for it (§4.C: "alloc_client(hsk, dest) atomically reserves a
// new id and inserts"). localPort is the owning socket's bound port.
func (t *RPCTable) AllocClient(dest netip.Addr, dstPort uint16, cookie uint64, private bool, localPort uint16) *types.RPC {
	id := t.allocator.Next()
	rpc := types.NewClientRPC(id, dest, dstPort, cookie, private, localPort)
	b := t.clientBuckets[hashID(id)]
	b.mu.Lock()
	b.rpcs[id] = rpc
	b.mu.Unlock()
	return rpc
}

// LookupClient finds a client-role RPC by id, holding its bucket's lock
// only for the lookup itself; the caller must call rpc.Mu.Lock() before
// touching fields, since the bucket map's lock only guards table
// membership.
func (t *RPCTable) LookupClient(id types.RPCId) *types.RPC {
	b := t.clientBuckets[hashID(id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rpcs[id]
}

// FindOrCreateServer inserts a new INCOMING server-role RPC on first DATA
// for an unknown id, or returns the existing one (§4.C, §4.F). isServer
// gates whether the socket accepts new server-role RPCs at all (the
// SO_HOMA_SERVER toggle of §6). localPort is the owning socket's bound
// port.
func (t *RPCTable) FindOrCreateServer(peer netip.Addr, id types.RPCId, srcPort uint16, isServer bool, localPort uint16) (*types.RPC, bool) {
	key := serverKey{peer: peer, id: id}
	b := t.serverBuckets[hashServerKey(peer, id)]
	b.mu.Lock()
	defer b.mu.Unlock()
	if rpc, ok := b.rpcs[key]; ok {
		return rpc, false
	}
	if !isServer {
		return nil, false
	}
	rpc := types.NewServerRPC(id, peer, srcPort, localPort)
	b.rpcs[key] = rpc
	return rpc, true
}

// RemoveClient unlinks a client-role RPC from its bucket (invariant 5: a
// DEAD RPC is unreachable from the active list).
func (t *RPCTable) RemoveClient(id types.RPCId) {
	b := t.clientBuckets[hashID(id)]
	b.mu.Lock()
	delete(b.rpcs, id)
	b.mu.Unlock()
}

// FindServerByID scans every server bucket for id, for the response-send
// path (§4.H) where the caller only has the id, not the originating peer.
// It visits every server RPC of the socket in the worst case.
func (t *RPCTable) FindServerByID(id types.RPCId) *types.RPC {
	for _, b := range t.serverBuckets {
		b.mu.Lock()
		for key, rpc := range b.rpcs {
			if key.id == id {
				b.mu.Unlock()
				return rpc
			}
		}
		b.mu.Unlock()
	}
	return nil
}

// RemoveServer unlinks a server-role RPC from its bucket.
func (t *RPCTable) RemoveServer(peer netip.Addr, id types.RPCId) {
	b := t.serverBuckets[hashServerKey(peer, id)]
	b.mu.Lock()
	delete(b.rpcs, serverKey{peer: peer, id: id})
	b.mu.Unlock()
}

// Range calls f for every RPC currently in either table; used by the timer
// (§4.J), by socket-wide abort and by Socket.Shutdown. f must not call back into the
// table (no nested locking of the same bucket).
func (t *RPCTable) Range(f func(*types.RPC)) {
	for _, b := range t.clientBuckets {
		b.mu.Lock()
		for _, rpc := range b.rpcs {
			f(rpc)
		}
		b.mu.Unlock()
	}
	for _, b := range t.serverBuckets {
		b.mu.Lock()
		for _, rpc := range b.rpcs {
			f(rpc)
		}
		b.mu.Unlock()
	}
}
