package core

import (
	"time"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// TimerConfig carries the tick-driven tunables of §4.J.
type TimerConfig struct {
	Tick time.Duration // nominal cadence; spec.md's "1 ms tick"

	ResendTicks    int // no-progress ticks before the first RESEND
	ResendInterval time.Duration
	TimeoutResends int // unanswered RESENDs before abort

	RequestAckTicks int // outstanding-server-state ticks before NEED_ACK

	ReapLimit      int // dead RPCs reaped per socket per tick
	DeadBuffsLimit int // dead-list length that escalates reaping
}

// DefaultTimerConfig returns the magnitudes used in §8's worked examples.
func DefaultTimerConfig() TimerConfig {
	return TimerConfig{
		Tick:            time.Millisecond,
		ResendTicks:     5,
		ResendInterval:  5 * time.Millisecond,
		TimeoutResends:  5,
		RequestAckTicks: 100,
		ReapLimit:       10,
		DeadBuffsLimit:  1000,
	}
}

// Timer runs the per-tick sweep of §4.J: resend stalled incoming messages,
// time out RPCs that never answer, request acks for lingering server
// state, and opportunistically reap dead RPCs. It holds no lock of its
// own; every RPC it touches is locked individually, in the usual order.
type Timer struct {
	engine *Engine
	cfg    TimerConfig
}

// NewTimer builds a timer bound to engine.
func NewTimer(engine *Engine, cfg TimerConfig) *Timer {
	return &Timer{engine: engine, cfg: cfg}
}

// Run ticks at cfg.Tick until stop is closed. Intended to run on its own
// goroutine (§2 component J).
func (t *Timer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(t.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.Tick()
		}
	}
}

// Tick runs one sweep across every socket in the engine's namespace.
func (t *Timer) Tick() {
	resendAfter := time.Duration(t.cfg.ResendTicks) * t.cfg.Tick
	requestAckAfter := time.Duration(t.cfg.RequestAckTicks) * t.cfg.Tick

	t.engine.Sockets.Range(func(sock *Socket) {
		if sock.ShuttingDown() {
			return
		}
		sock.RPCs.Range(func(rpc *types.RPC) {
			t.sweepRPC(sock, rpc, resendAfter, requestAckAfter)
		})
		t.reapDead(sock)
	})
	t.engine.EmitGrants()
}

// sweepRPC applies the resend/timeout/need-ack rules of §4.J to one RPC.
func (t *Timer) sweepRPC(sock *Socket, rpc *types.RPC, resendAfter, requestAckAfter time.Duration) {
	rpc.Mu.Lock()

	if rpc.State == types.DEAD {
		rpc.Mu.Unlock()
		return
	}

	waitingOnData := rpc.Incoming != nil && !rpc.Incoming.Complete()
	stalled := waitingOnData && time.Since(rpc.LastProgress) >= resendAfter

	var sendResend bool
	var timedOut bool
	var resendFrom, resendLen int
	var peerAddr = rpc.Peer
	var peerPort = rpc.PeerPort()
	var localPort = rpc.LocalPort
	var id = rpc.Id

	if stalled {
		if rpc.ResendsSent >= t.cfg.TimeoutResends {
			timedOut = true
		} else if rpc.ResendsSent == 0 || time.Since(rpc.LastResendSent) >= t.cfg.ResendInterval {
			sendResend = true
			resendFrom = rpc.Incoming.Received()
			resendLen = rpc.Incoming.Length - resendFrom
			rpc.ResendsSent++
			rpc.LastResendSent = time.Now()
		}
	}

	var sendNeedAck bool
	if !timedOut && rpc.Direction == types.ServerRPC && rpc.State == types.IN_SERVICE &&
		time.Since(rpc.LastNeedAck) >= requestAckAfter {
		sendNeedAck = true
		rpc.LastNeedAck = time.Now()
	}

	rpc.Mu.Unlock()

	switch {
	case timedOut:
		Abort(sock, rpc, types.ErrTimedOut)
		if t.engine.Metrics != nil {
			t.engine.Metrics.RPCsTimedOut.Inc()
		}
		p := t.engine.Peers.FindOrCreate(peerAddr)
		p.MarkSuspect()
		t.engine.Peers.Release(p)
		return
	case sendResend:
		prio := t.engine.Grants.MaxPriority()
		_ = t.engine.Sink.SendResend(peerAddr, peerPort, localPort, types.ResendHeader{
			CommonHeader: types.CommonHeader{SenderId: id, SrcPort: localPort, DstPort: peerPort, Type: types.PacketResend},
			Offset:       resendFrom,
			Length:       resendLen,
			Priority:     prio,
		}, prio)
		if t.engine.Metrics != nil {
			t.engine.Metrics.RetransmitsSent.Inc()
		}
	}

	if sendNeedAck {
		_ = t.engine.Sink.SendNeedAck(peerAddr, peerPort, localPort, types.NeedAckHeader{
			CommonHeader: types.CommonHeader{SenderId: id, SrcPort: localPort, DstPort: peerPort, Type: types.PacketNeedAck},
		})
	}
}

// reapDead drains up to cfg.ReapLimit dead RPCs per tick, or every dead RPC
// at once once the dead list crosses DeadBuffsLimit (§4.J's escalation).
func (t *Timer) reapDead(sock *Socket) {
	limit := t.cfg.ReapLimit
	if sock.DeadCount() > t.cfg.DeadBuffsLimit {
		limit = sock.DeadCount()
	}
	if limit <= 0 {
		return
	}
	sock.ReapDead(limit)
}
