package core

import (
	"net/netip"
	"testing"
	"time"

	"github.com/jabolina/go-homa/internal/buffers"
	"github.com/jabolina/go-homa/internal/logging"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

func newTestEngine(t *testing.T) (*Engine, *fakeSink, *Socket) {
	t.Helper()
	log := logging.New(false)
	sockets := NewSocketTable("ns")
	pool, err := buffers.NewPool(1<<20, 4096, 0)
	if err != nil {
		t.Fatalf("buffers.NewPool: %v", err)
	}
	sock, err := sockets.BindDefault(pool, true, log)
	if err != nil {
		t.Fatalf("BindDefault: %v", err)
	}
	sink := &fakeSink{}
	grantCfg := DefaultGrantConfig()
	grantCfg.UnschedBytes = 100
	engine := &Engine{
		Sockets: sockets,
		Peers:   NewPeerTable(time.Minute, 100, log),
		Grants:  NewGrantScheduler(grantCfg, nil, log),
		Pacer:   NewPacer(DefaultPacerConfig(), nil, log),
		Sink:    sink,
		Cfg:     EngineConfig{Outgoing: OutgoingConfig{UnschedBytes: 100, MaxGSOSize: 1 << 16}},
		Log:     log,
	}
	return engine, sink, sock
}

func TestDispatchUnknownPortDropped(t *testing.T) {
	engine, sink, _ := newTestEngine(t)
	engine.Dispatch(netip.MustParseAddr("10.0.0.1"), 12345, types.DataHeader{})
	if len(sink.data) != 0 || len(sink.unknown) != 0 {
		t.Fatal("dispatch to an unbound port should be silently dropped")
	}
}

func TestDispatchFirstDataCreatesServerRPCAndGrants(t *testing.T) {
	engine, sink, sock := newTestEngine(t)
	from := netip.MustParseAddr("10.0.0.1")

	h := types.DataHeader{
		CommonHeader: types.CommonHeader{SenderId: 101, SrcPort: 9000, DstPort: sock.Port, Type: types.PacketData},
		MessageLength: 1000,
		Offset:        0,
		SegLength:     50,
		Payload:       make([]byte, 50),
	}
	engine.Dispatch(from, sock.Port, h)

	rpc := sock.RPCs.FindServerByID(101)
	if rpc == nil {
		t.Fatal("first DATA for an unknown id should create a server RPC")
	}
	rpc.Mu.Lock()
	received := rpc.Incoming.Received()
	rpc.Mu.Unlock()
	if received != 50 {
		t.Fatalf("received = %d, want 50", received)
	}
	if len(sink.grants) == 0 {
		t.Fatal("a message past unsched_bytes should trigger at least one GRANT")
	}
}

func TestDispatchDataOnNonServerSocketIsDropped(t *testing.T) {
	log := logging.New(false)
	sockets := NewSocketTable("ns")
	pool, _ := buffers.NewPool(1<<20, 4096, 0)
	sock, _ := sockets.BindDefault(pool, false, log) // client-only socket
	sink := &fakeSink{}
	engine := &Engine{
		Sockets: sockets,
		Peers:   NewPeerTable(time.Minute, 100, log),
		Grants:  NewGrantScheduler(DefaultGrantConfig(), nil, log),
		Pacer:   NewPacer(DefaultPacerConfig(), nil, log),
		Sink:    sink,
		Log:     log,
	}

	h := types.DataHeader{
		CommonHeader: types.CommonHeader{SenderId: 101, SrcPort: 9000, DstPort: sock.Port, Type: types.PacketData},
		MessageLength: 10,
		Payload:       make([]byte, 10),
	}
	engine.Dispatch(netip.MustParseAddr("10.0.0.1"), sock.Port, h)
	if len(sink.unknown) != 1 {
		t.Fatalf("non-server socket should reply RPC_UNKNOWN to unrequested DATA, got %d unknown replies", len(sink.unknown))
	}
}

func TestDispatchMessageCompletionHandsOffToRecv(t *testing.T) {
	engine, _, sock := newTestEngine(t)
	from := netip.MustParseAddr("10.0.0.1")

	h := types.DataHeader{
		CommonHeader: types.CommonHeader{SenderId: 101, SrcPort: 9000, DstPort: sock.Port, Type: types.PacketData},
		MessageLength: 10,
		Offset:        0,
		SegLength:     10,
		Payload:       make([]byte, 10),
	}
	engine.Dispatch(from, sock.Port, h)

	if !sock.Interest.HasReady() {
		t.Fatal("a fully received message should be handed off to the ready list")
	}
	rpc, ok := sock.Interest.PopReady()
	if !ok {
		t.Fatal("PopReady should return the completed RPC")
	}
	if rpc.State != types.IN_SERVICE {
		t.Fatalf("server RPC state after completion = %v, want IN_SERVICE", rpc.State)
	}
}

func TestDispatchAckEndsRPC(t *testing.T) {
	engine, _, sock := newTestEngine(t)
	rpc := sock.RPCs.AllocClient(netip.MustParseAddr("10.0.0.1"), 80, 0, false, sock.Port)

	h := types.AckHeader{
		CommonHeader: types.CommonHeader{SrcPort: 80, DstPort: sock.Port, Type: types.PacketAck},
		Acked:        []types.RPCId{rpc.Id},
	}
	engine.Dispatch(netip.MustParseAddr("10.0.0.1"), sock.Port, h)

	if !rpc.IsDead() {
		t.Fatal("ACK should end the acked RPC")
	}
}
