package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jabolina/go-homa/internal/buffers"
	"github.com/jabolina/go-homa/internal/logging"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

func TestTimerResendsStalledIncoming(t *testing.T) {
	engine, sink, sock := newTestEngine(t)
	rpc, _ := sock.RPCs.FindOrCreateServer(netip.MustParseAddr("10.0.0.1"), 101, 9000, true, sock.Port)
	rpc.Mu.Lock()
	rpc.Incoming = types.NewIncomingMessage(1000)
	rpc.Incoming.Insert(0, make([]byte, 100))
	rpc.LastProgress = time.Now().Add(-time.Hour)
	rpc.Mu.Unlock()

	cfg := DefaultTimerConfig()
	cfg.Tick = time.Millisecond
	cfg.ResendTicks = 1
	cfg.TimeoutResends = 5
	timer := NewTimer(engine, cfg)
	timer.Tick()

	if len(sink.resends) == 0 {
		t.Fatal("a message stalled past resend_ticks should trigger a RESEND")
	}
	if sink.resends[0].Offset != 100 {
		t.Fatalf("resend offset = %d, want 100 (the contiguous prefix already received)", sink.resends[0].Offset)
	}
}

func TestTimerAbortsAfterResendBudgetExhausted(t *testing.T) {
	engine, _, sock := newTestEngine(t)
	rpc, _ := sock.RPCs.FindOrCreateServer(netip.MustParseAddr("10.0.0.1"), 101, 9000, true, sock.Port)
	rpc.Mu.Lock()
	rpc.Incoming = types.NewIncomingMessage(1000)
	rpc.LastProgress = time.Now().Add(-time.Hour)
	rpc.ResendsSent = 5
	rpc.Mu.Unlock()

	cfg := DefaultTimerConfig()
	cfg.ResendTicks = 1
	cfg.TimeoutResends = 5
	timer := NewTimer(engine, cfg)
	timer.Tick()

	if !rpc.IsDead() {
		t.Fatal("an RPC that exhausted its resend budget should be aborted (DEAD)")
	}
	rpc.Mu.Lock()
	err := rpc.Error
	rpc.Mu.Unlock()
	if err != types.ErrTimedOut {
		t.Fatalf("aborted rpc.Error = %v, want ErrTimedOut", err)
	}
}

func TestTimerReapsDeadRPCs(t *testing.T) {
	engine, _, sock := newTestEngine(t)
	rpc := sock.RPCs.AllocClient(netip.MustParseAddr("10.0.0.1"), 80, 0, false, sock.Port)
	End(sock, rpc)
	if sock.DeadCount() != 1 {
		t.Fatalf("dead count before reap = %d, want 1", sock.DeadCount())
	}

	cfg := DefaultTimerConfig()
	cfg.ReapLimit = 10
	timer := NewTimer(engine, cfg)
	timer.reapDead(sock)

	if sock.DeadCount() != 0 {
		t.Fatalf("dead count after reap = %d, want 0", sock.DeadCount())
	}
	if sock.RPCs.LookupClient(rpc.Id) != nil {
		t.Fatal("reaped RPC should be unlinked from the RPC table")
	}
}

func TestTimerSendsNeedAckForLingeringServerState(t *testing.T) {
	engine, sink, sock := newTestEngine(t)
	rpc, _ := sock.RPCs.FindOrCreateServer(netip.MustParseAddr("10.0.0.1"), 101, 9000, true, sock.Port)
	rpc.Mu.Lock()
	rpc.Incoming = types.NewIncomingMessage(10)
	rpc.Incoming.Insert(0, make([]byte, 10))
	rpc.State = types.IN_SERVICE
	rpc.LastNeedAck = time.Now().Add(-time.Hour)
	rpc.Mu.Unlock()

	cfg := DefaultTimerConfig()
	cfg.RequestAckTicks = 1
	timer := NewTimer(engine, cfg)
	timer.Tick()

	if len(sink.needAck) == 0 {
		t.Fatal("lingering IN_SERVICE state past request_ack_ticks should trigger NEED_ACK")
	}
}
