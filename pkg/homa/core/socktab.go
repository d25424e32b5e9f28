package core

import (
	"fmt"
	"sync"

	"github.com/jabolina/go-homa/internal/buffers"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

// MinDefaultPort is the floor for auto-allocated ports; bind-requested
// ports must be below it (§3 invariant 4).
const MinDefaultPort = 0x8000

// Socket is a bound Homa endpoint: its RPC tables, interest/ready lists,
// dead list and receive-buffer pool (§4.C, §4.D, §4.E). The socket lock
// (§5 hierarchy level 3) is Mu; it guards the ready/interest/dead lists but
// not individual RPC fields, which belong to the RPC's own lock.
type Socket struct {
	Mu sync.Mutex

	Port      uint16
	Namespace string
	IsServer  bool

	RPCs     *RPCTable
	Interest InterestSet
	Pool     *buffers.Pool

	deadList []*types.RPC

	shutdown bool

	Log types.Logger
}

func newSocket(port uint16, ns string, pool *buffers.Pool, log types.Logger) *Socket {
	return &Socket{
		Port:      port,
		Namespace: ns,
		RPCs:      NewRPCTable(),
		Pool:      pool,
		Log:       log,
	}
}

// ShuttingDown reports whether Shutdown has already run (§4.K, §8 scenario
// 6: "shutdown followed by shutdown succeeds and is a no-op").
func (s *Socket) ShuttingDown() bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.shutdown
}

// Shutdown runs the cascade of §4.C/§4.D/§4.E: mark shut, wake every
// waiter with ESHUTDOWN, and let the caller (SocketTable) unlink the port.
// Private waiters are woken after the socket lock is released.
// Idempotent.
func (s *Socket) Shutdown() {
	s.Mu.Lock()
	if s.shutdown {
		s.Mu.Unlock()
		return
	}
	s.shutdown = true
	s.Interest.WakeAllShutdown()
	s.Mu.Unlock()

	s.RPCs.Range(func(rpc *types.RPC) {
		rpc.Mu.Lock()
		if rpc.PrivateInterest != nil {
			rpc.PrivateInterest.Notify(nil)
			rpc.PrivateInterest = nil
		}
		rpc.Mu.Unlock()
	})
}

// addDead splices rpc onto the dead list; called while holding Mu.
func (s *Socket) addDead(rpc *types.RPC) {
	s.deadList = append(s.deadList, rpc)
}

// ReapDead frees up to limit dead RPCs' resources and unlinks them from the
// RPC tables (§4.J "opportunistically reap dead RPCs up to reap_limit
// bpages per invocation").
func (s *Socket) ReapDead(limit int) int {
	s.Mu.Lock()
	n := len(s.deadList)
	if n > limit {
		n = limit
	}
	victims := s.deadList[:n]
	s.deadList = s.deadList[n:]
	s.Mu.Unlock()

	for _, rpc := range victims {
		rpc.Mu.Lock()
		if rpc.Direction == types.ClientRPC {
			s.RPCs.RemoveClient(rpc.Id)
		} else {
			s.RPCs.RemoveServer(rpc.Peer, rpc.Id)
		}
		rpc.Mu.Unlock()
	}
	return len(victims)
}

// DeadCount reports the current dead-list length, for the dead_buffs_limit
// escalation check of §4.J.
func (s *Socket) DeadCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return len(s.deadList)
}

// End moves rpc to DEAD and splices it onto the dead list; idempotent
// (§4.C, §8). Acquires s.Mu then rpc.Mu itself, in the mandated top-down
// order (§5 hierarchy level 3 before level 4) -- callers must not already
// hold either lock.
func End(s *Socket, rpc *types.RPC) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	rpc.Mu.Lock()
	dead := rpc.MarkDead()
	rpc.Mu.Unlock()
	if dead {
		s.addDead(rpc)
	}
}

// Abort records errno on rpc and ends or completes it based on direction
// (§4.C): client-side aborts surface the error to a future recv; server-
// side aborts are silently ended. Acquires s.Mu then rpc.Mu itself, in that
// order -- callers must not already hold either lock.
func Abort(s *Socket, rpc *types.RPC, errno error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	rpc.Mu.Lock()
	rpc.Error = errno
	serverSide := rpc.Direction == types.ServerRPC
	if !serverSide {
		// Client-side: hand off so a waiting recv observes the error.
		s.Interest.Handoff(rpc)
	}
	dead := rpc.MarkDead()
	rpc.Mu.Unlock()
	if dead {
		s.addDead(rpc)
	}
}

// SocketTable is the per-namespace port→socket map of §4.D. Inserts take
// the write lock (§5 hierarchy level 1, global per namespace, short);
// lookups only take a read lock, since in this Go port there is no
// kernel-style RCU primitive to defer reclamation with (§9's "model with
// epoch/hazard-pointer or equivalent" note is honored here by the coarser
// but still correct choice of a sync.RWMutex).
type SocketTable struct {
	mu      sync.RWMutex
	ns      string
	sockets map[uint16]*Socket
	nextPort uint16
}

// NewSocketTable creates an empty table for one network namespace.
func NewSocketTable(namespace string) *SocketTable {
	return &SocketTable{
		ns:       namespace,
		sockets:  make(map[uint16]*Socket),
		nextPort: MinDefaultPort,
	}
}

// Lookup finds the socket bound to port, or nil.
func (t *SocketTable) Lookup(port uint16) *Socket {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sockets[port]
}

// BindDefault allocates the next free default port (>= MinDefaultPort),
// walking a rolling counter and skipping in-use ports, failing with
// ErrAddrNotAvail after a full sweep (§4.D, §6).
func (t *SocketTable) BindDefault(pool *buffers.Pool, isServer bool, log types.Logger) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.nextPort
	for {
		port := t.nextPort
		if t.nextPort == 0xFFFF {
			t.nextPort = MinDefaultPort
		} else {
			t.nextPort++
		}
		if _, used := t.sockets[port]; !used {
			s := newSocket(port, t.ns, pool, log)
			s.IsServer = isServer
			t.sockets[port] = s
			return s, nil
		}
		if t.nextPort == start {
			return nil, types.ErrAddrNotAvail
		}
	}
}

// Bind reassigns sock to the requested port, per §6's bind semantics:
// port >= MinDefaultPort is invalid for an explicit bind; port 0 is a
// no-op; otherwise the port is taken over, failing with ErrAddrInUse if
// already bound.
func (t *SocketTable) Bind(sock *Socket, port uint16) error {
	if port == 0 {
		return nil
	}
	if port >= MinDefaultPort {
		return types.ErrInvalid
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, used := t.sockets[port]; used && existing != sock {
		return types.ErrAddrInUse
	}
	delete(t.sockets, sock.Port)
	sock.Port = port
	t.sockets[port] = sock
	return nil
}

// Remove unlinks a socket once its last reference drops after shutdown
// (§3's socket lifecycle).
func (t *SocketTable) Remove(port uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sockets, port)
}

// Shutdown runs the socket-table's share of the shutdown cascade: wake and
// unlink every socket in the namespace.
func (t *SocketTable) Shutdown() {
	t.mu.Lock()
	sockets := make([]*Socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		sockets = append(sockets, s)
	}
	t.sockets = make(map[uint16]*Socket)
	t.mu.Unlock()

	for _, s := range sockets {
		s.Shutdown()
	}
}

// Range calls f for every socket currently bound in the namespace, used by
// the timer's per-socket sweep (§4.J). The snapshot is taken under the
// table lock but f runs outside it.
func (t *SocketTable) Range(f func(*Socket)) {
	t.mu.RLock()
	sockets := make([]*Socket, 0, len(t.sockets))
	for _, s := range t.sockets {
		sockets = append(sockets, s)
	}
	t.mu.RUnlock()
	for _, s := range sockets {
		f(s)
	}
}

// String aids debugging/log lines that need to name a table by namespace.
func (t *SocketTable) String() string {
	return fmt.Sprintf("socktab(ns=%s)", t.ns)
}
