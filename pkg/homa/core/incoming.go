// Package core's incoming engine: dispatch by packet type, reassembly,
// and the resend/unknown/ack/need-ack/busy/cutoffs handling of §4.F.
package core

import (
	"net/netip"
	"time"

	"github.com/jabolina/go-homa/internal/metrics"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

// EngineConfig bundles the tunables every engine component needs that
// aren't already owned by one of the sub-schedulers.
type EngineConfig struct {
	Outgoing OutgoingConfig
}

// Engine ties every §4 subsystem together for one network namespace: the
// socket table, peer table, grant scheduler and pacer it shares across
// sockets, and the packet sink it drives on send. This is the namespace-
// wide object the timer (§4.J) and the public Transport wrapper (§4.K)
// both operate on.
type Engine struct {
	Sockets *SocketTable
	Peers   *PeerTable
	Grants  *GrantScheduler
	Pacer   *Pacer
	Sink    PacketSink
	Cfg     EngineConfig
	Log     types.Logger
	Metrics *metrics.Registry
}

// Dispatch receives one packet for a (sender, sender_id) tuple, looks up
// or creates the RPC, and routes by type (§4.F). from is the sender's
// address; packet carries one decoded header/body.
func (e *Engine) Dispatch(from netip.Addr, dstPort uint16, packet interface{}) {
	sock := e.Sockets.Lookup(dstPort)
	if sock == nil {
		return // packets for an unbound port are dropped
	}
	if sock.ShuttingDown() {
		return
	}

	switch p := packet.(type) {
	case types.DataHeader:
		e.handleData(sock, from, p)
	case types.GrantHeader:
		e.handleGrant(sock, from, p)
	case types.ResendHeader:
		e.handleResend(sock, from, p)
	case types.UnknownHeader:
		e.handleUnknown(sock, from, p)
	case types.BusyHeader:
		e.handleBusy(sock, from, p)
	case types.CutoffsHeader:
		e.handleCutoffs(sock, from, p)
	case types.NeedAckHeader:
		e.handleNeedAck(sock, from, p)
	case types.AckHeader:
		e.handleAck(sock, from, p)
	case types.FreezeHeader:
		// handled by observability, not protocol (§4.F).
	default:
		e.Log.Warnf("incoming: unknown packet type %T, dropping", p)
	}
}

// lookupRPC resolves the header's sender id to an RPC, creating a fresh
// server-role RPC on first DATA for an unknown id when createIfServerData
// is set and the socket accepts server traffic.
func (e *Engine) lookupRPC(sock *Socket, from netip.Addr, id types.RPCId, srcPort uint16, createIfServerData bool) (*types.RPC, bool) {
	if id.IsClient() {
		return sock.RPCs.LookupClient(id), false
	}
	if createIfServerData {
		return sock.RPCs.FindOrCreateServer(from, id, srcPort, sock.IsServer, sock.Port)
	}
	rpc, _ := sock.RPCs.FindOrCreateServer(from, id, srcPort, false, sock.Port)
	return rpc, false
}

func (e *Engine) handleData(sock *Socket, from netip.Addr, h types.DataHeader) {
	rpc, created := e.lookupRPC(sock, from, h.SenderId, h.SrcPort, true)
	if rpc == nil {
		e.replyUnknown(sock, from, h.SrcPort, h.DstPort, h.SenderId)
		return
	}

	rpc.Mu.Lock()
	if created {
		rpc.Incoming = types.NewIncomingMessage(h.MessageLength)
	}
	if rpc.Incoming == nil {
		rpc.Mu.Unlock()
		return
	}
	rpc.LastProgress = time.Now()
	completed := rpc.Incoming.Insert(h.Offset, h.Payload)
	received := rpc.Incoming.Received()
	length := rpc.Incoming.Length
	rpc.GrantedBytes = received // kept in sync for external inspection
	rpc.Mu.Unlock()

	if e.Grants.grantable(length, received) {
		e.Grants.Register(rpc, from, length, received)
	}
	if completed {
		e.Grants.Unregister(rpc.Id)
		e.completeIncoming(sock, rpc)
	}
	e.EmitGrants()
}

// EmitGrants asks the grant scheduler for its current decisions and sends
// one GRANT per decision (§4.G's "issue decision" driving §1's ip_send).
// Called after any event that can change grantability: DATA arrival, a
// completed message, or a timer tick (§4.J).
func (e *Engine) EmitGrants() {
	for _, d := range e.Grants.Decide() {
		peerPort := d.RPC.PeerPort()
		localPort := d.RPC.LocalPort
		_ = e.Sink.SendGrant(d.RPC.Peer, peerPort, localPort, types.GrantHeader{
			CommonHeader: types.CommonHeader{SenderId: d.RPC.Id, SrcPort: localPort, DstPort: peerPort, Type: types.PacketGrant},
			Offset:       d.Offset,
			Priority:     d.Priority,
		}, d.Priority)
	}
}

// completeIncoming runs the state transition for a fully-received message
// and hands it off to a waiting recv (§3, §4.E). Acquires sock.Mu then
// rpc.Mu itself, in the mandated order -- must not be called while either
// lock is already held.
func (e *Engine) completeIncoming(sock *Socket, rpc *types.RPC) {
	sock.Mu.Lock()
	rpc.Mu.Lock()
	switch rpc.Direction {
	case types.ClientRPC:
		// Client received the full response: the RPC can be acked and
		// torn down once the app consumes it (§3's RPC lifecycle).
	case types.ServerRPC:
		if rpc.State == types.INCOMING {
			rpc.State = types.IN_SERVICE
		}
	}
	sock.Interest.Handoff(rpc)
	rpc.Mu.Unlock()
	sock.Mu.Unlock()
}

func (e *Engine) handleGrant(sock *Socket, from netip.Addr, h types.GrantHeader) {
	rpc := sock.RPCs.LookupClient(h.SenderId)
	if rpc == nil {
		e.replyUnknown(sock, from, h.DstPort, h.SrcPort, h.SenderId)
		return
	}
	rpc.Mu.Lock()
	if rpc.Outgoing != nil {
		rpc.Outgoing.Grant(h.Offset) // regressions are ignored; monotonic (§8)
		rpc.GrantPriority = h.Priority
		if rpc.Outgoing.Source != nil {
			Fill(e.Cfg.Outgoing, rpc, rpc.Outgoing.Source, e.Sink, e.Pacer)
		}
	}
	rpc.Mu.Unlock()
}

func (e *Engine) handleResend(sock *Socket, from netip.Addr, h types.ResendHeader) {
	rpc, _ := e.lookupRPC(sock, from, h.SenderId, h.SrcPort, false)
	if rpc == nil {
		e.replyUnknown(sock, from, h.DstPort, h.SrcPort, h.SenderId)
		return
	}
	rpc.Mu.Lock()
	if rpc.Outgoing != nil {
		rpc.Outgoing.MarkRetransmit(h.Offset, h.Offset+h.Length, h.Priority)
	}
	rpc.Mu.Unlock()
	if e.Metrics != nil {
		e.Metrics.RetransmitsSent.Inc()
	}
}

func (e *Engine) handleUnknown(sock *Socket, from netip.Addr, h types.UnknownHeader) {
	if h.SenderId.IsClient() {
		rpc := sock.RPCs.LookupClient(h.SenderId)
		if rpc == nil {
			return
		}
		rpc.Mu.Lock()
		// Restart the RPC from offset 0: rebuild unsent state (§4.F).
		if rpc.Outgoing != nil {
			rpc.Outgoing.Sent = 0
			rpc.Outgoing.Granted = rpc.Outgoing.Length
			if rpc.Outgoing.Granted > e.Cfg.Outgoing.UnschedBytes {
				rpc.Outgoing.Granted = e.Cfg.Outgoing.UnschedBytes
			}
		}
		rpc.Mu.Unlock()
		return
	}
	rpc, _ := e.lookupRPC(sock, from, h.SenderId, 0, false)
	if rpc == nil {
		return
	}
	End(sock, rpc)
}

func (e *Engine) handleBusy(sock *Socket, from netip.Addr, h types.BusyHeader) {
	rpc, _ := e.lookupRPC(sock, from, h.SenderId, 0, false)
	if rpc == nil {
		return
	}
	rpc.Mu.Lock()
	rpc.LastProgress = time.Now() // reset peer-liveness tick counter
	rpc.Mu.Unlock()
}

func (e *Engine) handleCutoffs(sock *Socket, from netip.Addr, h types.CutoffsHeader) {
	p := e.Peers.FindOrCreate(from)
	defer e.Peers.Release(p)
	p.mu.Lock()
	if h.CutoffVersion >= p.cutoffVersion {
		p.cutoffVersion = h.CutoffVersion
	}
	p.mu.Unlock()
}

func (e *Engine) handleNeedAck(sock *Socket, from netip.Addr, h types.NeedAckHeader) {
	rpc := sock.RPCs.LookupClient(h.SenderId)
	if rpc == nil {
		return
	}
	rpc.Mu.Lock()
	fullyReceived := rpc.Incoming != nil && rpc.Incoming.Complete()
	id := rpc.Id
	rpc.Mu.Unlock()
	if !fullyReceived {
		return
	}
	_ = e.Sink.SendAck(from, h.SrcPort, h.DstPort, types.AckHeader{
		CommonHeader: types.CommonHeader{SenderId: id, SrcPort: h.DstPort, DstPort: h.SrcPort, Type: types.PacketAck},
		Acked:        []types.RPCId{id},
	})
}

func (e *Engine) handleAck(sock *Socket, from netip.Addr, h types.AckHeader) {
	for _, id := range h.Acked {
		rpc, _ := e.lookupRPC(sock, from, id, h.SrcPort, false)
		if rpc == nil {
			continue
		}
		End(sock, rpc)
	}
}

func (e *Engine) replyUnknown(sock *Socket, from netip.Addr, srcPort, dstPort uint16, id types.RPCId) {
	_ = e.Sink.SendUnknown(from, srcPort, dstPort, types.UnknownHeader{
		CommonHeader: types.CommonHeader{SenderId: id, SrcPort: dstPort, DstPort: srcPort, Type: types.PacketUnknown},
	})
}
