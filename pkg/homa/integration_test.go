package homa_test

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/jabolina/go-homa/internal/logging"
	"github.com/jabolina/go-homa/internal/nettest"
	"github.com/jabolina/go-homa/internal/plumbing"
	"github.com/jabolina/go-homa/pkg/homa"
	"github.com/jabolina/go-homa/pkg/homa/types"
	"go.uber.org/goleak"
)

// discardSink is a core.PacketSink that drops everything, for scenarios
// that only exercise one Transport's local socket/port bookkeeping and
// never need a packet to actually cross the fabric.
type discardSink struct{}

func (discardSink) SendData(netip.Addr, uint16, uint16, types.DataHeader, int) error      { return nil }
func (discardSink) SendGrant(netip.Addr, uint16, uint16, types.GrantHeader, int) error    { return nil }
func (discardSink) SendResend(netip.Addr, uint16, uint16, types.ResendHeader, int) error  { return nil }
func (discardSink) SendUnknown(netip.Addr, uint16, uint16, types.UnknownHeader) error     { return nil }
func (discardSink) SendBusy(netip.Addr, uint16, uint16, types.BusyHeader) error           { return nil }
func (discardSink) SendCutoffs(netip.Addr, uint16, uint16, types.CutoffsHeader) error     { return nil }
func (discardSink) SendNeedAck(netip.Addr, uint16, uint16, types.NeedAckHeader) error     { return nil }
func (discardSink) SendAck(netip.Addr, uint16, uint16, types.AckHeader) error             { return nil }

// newPair builds a two-host fabric with one client-role and one
// server-role Transport wired together through it, for the end-to-end
// scenarios of §8.
func newPair(t *testing.T) (client, server *homa.Transport, net *nettest.Network) {
	t.Helper()
	log := logging.New(false)
	net, err := nettest.NewNetwork(t.Name(), []string{"client", "server"}, log)
	if err != nil {
		t.Fatalf("build network: %v", err)
	}

	cfg := homa.DefaultConfig()
	client = homa.NewTransport("client-ns", cfg, net.Host(0), nil)
	server = homa.NewTransport("server-ns", cfg, net.Host(1), nil)
	if err := net.Host(0).Listen(client.Dispatch); err != nil {
		t.Fatalf("listen client: %v", err)
	}
	if err := net.Host(1).Listen(server.Dispatch); err != nil {
		t.Fatalf("listen server: %v", err)
	}
	return client, server, net
}

func Test_ShortRequestResponse(t *testing.T) {
	client, server, network := newPair(t)
	defer func() {
		client.Close()
		server.Close()
		network.Close()
		goleak.VerifyNone(t)
	}()

	serverSock, err := server.BindServer(1 << 20)
	if err != nil {
		t.Fatalf("bind server: %v", err)
	}
	clientSock, err := client.BindClient(1 << 20)
	if err != nil {
		t.Fatalf("bind client: %v", err)
	}

	serverDone := make(chan error, 1)
	go func() {
		rpc, payload, err := serverSock.Recv(&plumbing.RecvMsgArgs{}, nil)
		if err != nil {
			serverDone <- err
			return
		}
		if string(payload) != "ping" {
			serverDone <- fmt.Errorf("unexpected request payload %q", payload)
			return
		}
		_, err = serverSock.Send(&plumbing.SendMsgArgs{Id: rpc.Id, Payload: []byte("pong")})
		serverDone <- err
	}()

	dest := netip.AddrPortFrom(network.Host(1).Addr(), serverSock.Port())
	id, err := clientSock.Send(&plumbing.SendMsgArgs{Dest: dest, Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("client send: %v", err)
	}

	cancel := make(chan struct{})
	timer := time.AfterFunc(3*time.Second, func() { close(cancel) })
	defer timer.Stop()

	_, payload, err := clientSock.Recv(&plumbing.RecvMsgArgs{Id: id}, cancel)
	if err != nil {
		t.Fatalf("client recv: %v", err)
	}
	if string(payload) != "pong" {
		t.Fatalf("unexpected response payload %q", payload)
	}

	select {
	case err := <-serverDone:
		if err != nil {
			t.Fatalf("server side: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server never finished responding")
	}
}

func Test_ExplicitBindPortCollision(t *testing.T) {
	transport := homa.NewTransport("ns", homa.DefaultConfig(), discardSink{}, nil)
	defer func() {
		transport.Close()
		goleak.VerifyNone(t)
	}()

	first, err := transport.BindServer(1 << 16)
	if err != nil {
		t.Fatalf("bind first: %v", err)
	}
	if err := first.Bind(80); err != nil {
		t.Fatalf("bind explicit port 80: %v", err)
	}

	second, err := transport.BindServer(1 << 16)
	if err != nil {
		t.Fatalf("bind second: %v", err)
	}
	if err := second.Bind(80); err != types.ErrAddrInUse {
		t.Fatalf("binding a second socket to an in-use port = %v, want ErrAddrInUse", err)
	}
}

func Test_ShutdownUnblocksBlockedRecv(t *testing.T) {
	transport := homa.NewTransport("ns", homa.DefaultConfig(), discardSink{}, nil)
	defer goleak.VerifyNone(t)

	sock, err := transport.BindServer(1 << 16)
	if err != nil {
		t.Fatalf("bind: %v", err)
	}

	recvDone := make(chan error, 1)
	go func() {
		_, _, err := sock.Recv(&plumbing.RecvMsgArgs{}, nil)
		recvDone <- err
	}()

	time.Sleep(20 * time.Millisecond) // give the goroutine time to park on the wait
	transport.Close()

	select {
	case err := <-recvDone:
		if err != types.ErrShutdown {
			t.Fatalf("Recv after Close = %v, want ErrShutdown", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown never unblocked the pending recv")
	}

	// Close and a second recv must both remain no-ops/ErrShutdown (§8 scenario 6).
	transport.Close()
	if _, _, err := sock.Recv(&plumbing.RecvMsgArgs{}, nil); err != types.ErrShutdown {
		t.Fatalf("Recv on an already-shut-down socket = %v, want ErrShutdown", err)
	}
}

