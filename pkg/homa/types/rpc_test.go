package types

import (
	"net/netip"
	"testing"
)

func TestRPCMarkDeadIdempotent(t *testing.T) {
	rpc := NewClientRPC(2, netip.MustParseAddr("10.0.0.1"), 80, 0, false, 40000)
	if rpc.State != OUTGOING {
		t.Fatalf("new client RPC state = %v, want OUTGOING", rpc.State)
	}
	if !rpc.MarkDead() {
		t.Fatal("first MarkDead should report a transition")
	}
	if rpc.MarkDead() {
		t.Fatal("second MarkDead should be a no-op")
	}
	if !rpc.IsDead() {
		t.Fatal("IsDead should report true once DEAD")
	}
}

func TestRPCPeerPort(t *testing.T) {
	client := NewClientRPC(2, netip.MustParseAddr("10.0.0.1"), 80, 0, false, 40000)
	if client.PeerPort() != 80 {
		t.Fatalf("client RPC PeerPort = %d, want DstPort 80", client.PeerPort())
	}

	server := NewServerRPC(3, netip.MustParseAddr("10.0.0.2"), 40001, 80)
	if server.PeerPort() != 40001 {
		t.Fatalf("server RPC PeerPort = %d, want SrcPort 40001", server.PeerPort())
	}
	if server.State != INCOMING {
		t.Fatalf("new server RPC state = %v, want INCOMING", server.State)
	}
}
