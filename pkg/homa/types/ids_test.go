package types

import "testing"

func TestClientIdAllocatorMonotonic(t *testing.T) {
	a := NewClientIdAllocator()
	prev := RPCId(0)
	for i := 0; i < 100; i++ {
		id := a.Next()
		if i > 0 && id <= prev {
			t.Fatalf("id %d not strictly increasing after %d", id, prev)
		}
		if !id.IsClient() {
			t.Fatalf("allocated id %d is not client-side", id)
		}
		prev = id
	}
}

func TestRPCIdMirror(t *testing.T) {
	client := RPCId(2)
	if !client.IsClient() {
		t.Fatal("id 2 should be client-side")
	}
	server := client.Mirror()
	if !server.IsServer() {
		t.Fatalf("mirror of client id should be server-side, got %d", server)
	}
	if server.Mirror() != client {
		t.Fatal("mirroring twice should return the original id")
	}
}
