// Package homa implements the in-host engine of a receiver-driven,
// message-oriented transport protocol for intra-datacenter RPC (§1-§9):
// the RPC state machine, socket/port namespace, grant and priority
// scheduling, output pacing, receive reassembly and timeouts. Wire-format
// serialization, GRO/GSO offload, per-CPU metrics and a userland CLI are
// out of scope; callers supply a core.PacketSink and get back the shapes
// a kernel module would otherwise expose through sendmsg/recvmsg/ioctl.
package homa

import (
	"net/netip"
	"sync"
	"time"

	"github.com/jabolina/go-homa/internal/buffers"
	"github.com/jabolina/go-homa/internal/logging"
	"github.com/jabolina/go-homa/internal/metrics"
	"github.com/jabolina/go-homa/internal/plumbing"
	"github.com/jabolina/go-homa/pkg/homa/core"
	"github.com/jabolina/go-homa/pkg/homa/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Config carries every tunable named across §2-§9, with defaults matching
// the magnitudes used in the protocol design's worked examples.
type Config struct {
	MinDefaultPort int

	BpageSize       int
	BpageLeaseUsecs int
	MaxBpages       int

	MaxOvercommit      int
	MaxRPCsPerPeer     int
	MaxIncoming        int
	Window             int
	GrantFIFOFraction  int
	FIFOGrantIncrement int
	GrantRecalcUsecs   int
	MaxSchedPrio       int
	UnschedBytes       int

	MaxGSOSize       int
	LinkMbps         int
	MaxNicQueueNs    int64
	ThrottleMinBytes int
	PacerFIFOFraction int

	ResendTicks     int
	ResendInterval  time.Duration
	TimeoutResends  int
	RequestAckTicks int
	ReapLimit       int
	DeadBuffsLimit  int

	PeerIdleSecsMax int
	PeerGCThreshold int

	PollUsecs int

	Debug bool
}

// DefaultConfig returns a Config with every field set to the magnitude used
// in the design's worked examples (§8), suitable as a starting point for an
// embedding program to override selectively.
func DefaultConfig() Config {
	return Config{
		MinDefaultPort: core.MinDefaultPort,

		BpageSize:       1 << 16,
		BpageLeaseUsecs: buffers.DefaultLeaseUsecs,
		MaxBpages:       1 << 10,

		MaxOvercommit:      8,
		MaxRPCsPerPeer:      4,
		MaxIncoming:        1 << 20,
		Window:             0,
		GrantFIFOFraction:  50,
		FIFOGrantIncrement: 10000,
		GrantRecalcUsecs:   50,
		MaxSchedPrio:       7,
		UnschedBytes:       10000,

		MaxGSOSize:        1 << 16,
		LinkMbps:          10000,
		MaxNicQueueNs:     int64(200 * time.Microsecond),
		ThrottleMinBytes:  1000,
		PacerFIFOFraction: 50,

		ResendTicks:     5,
		ResendInterval:  5 * time.Millisecond,
		TimeoutResends:  5,
		RequestAckTicks: 100,
		ReapLimit:       10,
		DeadBuffsLimit:  1000,

		PeerIdleSecsMax: 60,
		PeerGCThreshold: 1000,

		PollUsecs: 100,
	}
}

func (c Config) grantConfig() core.GrantConfig {
	return core.GrantConfig{
		MaxOvercommit:     c.MaxOvercommit,
		MaxRPCsPerPeer:    c.MaxRPCsPerPeer,
		MaxIncoming:       c.MaxIncoming,
		Window:            c.Window,
		MaxSchedPrio:      c.MaxSchedPrio,
		GrantFIFOFraction: c.GrantFIFOFraction,
		FIFOIncrement:     c.FIFOGrantIncrement,
		RecalcInterval:    time.Duration(c.GrantRecalcUsecs) * time.Microsecond,
		UnschedBytes:      c.UnschedBytes,
	}
}

func (c Config) pacerConfig() core.PacerConfig {
	return core.PacerConfig{
		LinkMbps:         c.LinkMbps,
		MaxNicQueueNs:    c.MaxNicQueueNs,
		ThrottleMinBytes: c.ThrottleMinBytes,
		FIFOFraction:     c.PacerFIFOFraction,
	}
}

func (c Config) timerConfig() core.TimerConfig {
	return core.TimerConfig{
		Tick:            time.Millisecond,
		ResendTicks:     c.ResendTicks,
		ResendInterval:  c.ResendInterval,
		TimeoutResends:  c.TimeoutResends,
		RequestAckTicks: c.RequestAckTicks,
		ReapLimit:       c.ReapLimit,
		DeadBuffsLimit:  c.DeadBuffsLimit,
	}
}

func (c Config) outgoingConfig() core.OutgoingConfig {
	return core.OutgoingConfig{
		UnschedBytes: c.UnschedBytes,
		MaxGSOSize:   c.MaxGSOSize,
	}
}

// Transport is the namespace-wide handle a host binding constructs once: it
// owns the engine, runs the pacer and timer goroutines, and hands out
// Sockets (§4.K). Closing it runs the shutdown cascade of §4.D/§4.E.
type Transport struct {
	cfg    Config
	engine *core.Engine
	log    types.Logger
	reg    *metrics.Registry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewTransport wires every §4 subsystem together for one namespace and
// starts the pacer and timer background goroutines. sink is the caller's
// ip_send implementation (§1); registerer may be nil to skip Prometheus
// registration.
func NewTransport(namespace string, cfg Config, sink core.PacketSink, registerer prometheus.Registerer) *Transport {
	log := logging.New(cfg.Debug)
	var reg *metrics.Registry
	if registerer != nil {
		reg = metrics.NewRegistry(registerer)
	}

	idleMax := time.Duration(cfg.PeerIdleSecsMax) * time.Second
	if cfg.PeerIdleSecsMax <= 0 {
		idleMax = 60 * time.Second
	}

	grants := core.NewGrantScheduler(cfg.grantConfig(), reg, log)
	pacer := core.NewPacer(cfg.pacerConfig(), reg, log)
	peers := core.NewPeerTable(idleMax, cfg.PeerGCThreshold, log)
	sockets := core.NewSocketTable(namespace)

	engine := &core.Engine{
		Sockets: sockets,
		Peers:   peers,
		Grants:  grants,
		Pacer:   pacer,
		Sink:    sink,
		Cfg:     core.EngineConfig{Outgoing: cfg.outgoingConfig()},
		Log:     log,
		Metrics: reg,
	}

	t := &Transport{cfg: cfg, engine: engine, log: log, reg: reg, stop: make(chan struct{})}

	timer := core.NewTimer(engine, cfg.timerConfig())
	go pacer.Run(t.stop)
	go timer.Run(t.stop)

	return t
}

// Dispatch feeds one received packet into the engine (§4.F); host bindings
// call this from whatever receives datagrams off sink's backing transport.
func (t *Transport) Dispatch(from netip.Addr, dstPort uint16, packet interface{}) {
	t.engine.Dispatch(from, dstPort, packet)
}

// Close runs the shutdown cascade and stops the pacer/timer goroutines.
// Idempotent.
func (t *Transport) Close() {
	t.stopOnce.Do(func() {
		t.engine.Sockets.Shutdown()
		close(t.stop)
	})
}

// Socket is the application-facing handle for one bound port (§4.D, §4.K).
type Socket struct {
	t    *Transport
	sock *core.Socket
}

// BindClient opens an unbound client-role socket with a default-allocated
// port, backed by a receive-buffer region of regionLen bytes (§6).
func (t *Transport) BindClient(regionLen int) (*Socket, error) {
	return t.bind(regionLen, false)
}

// BindServer opens a server-role socket accepting new incoming RPCs,
// backed by a receive-buffer region of regionLen bytes (§6's SO_HOMA_SERVER
// toggle, always on for a socket created this way).
func (t *Transport) BindServer(regionLen int) (*Socket, error) {
	return t.bind(regionLen, true)
}

func (t *Transport) bind(regionLen int, isServer bool) (*Socket, error) {
	pool, err := buffers.NewPool(regionLen, t.cfg.BpageSize, t.cfg.BpageLeaseUsecs)
	if err != nil {
		return nil, types.ErrNoMemory
	}
	sock, err := t.engine.Sockets.BindDefault(pool, isServer, t.log)
	if err != nil {
		return nil, err
	}
	return &Socket{t: t, sock: sock}, nil
}

// Bind reassigns this socket's port (§6's bind semantics); see
// core.SocketTable.Bind for the exact rules.
func (s *Socket) Bind(port uint16) error {
	return s.t.engine.Sockets.Bind(s.sock, port)
}

// Port returns the socket's currently bound port.
func (s *Socket) Port() uint16 {
	return s.sock.Port
}

// Send issues a new client RPC (id == 0 on entry) or a server response
// (id != 0, requiring IN_SERVICE per §4.H), validating args first per the
// explicit validate-before-use policy of §9(a).
func (s *Socket) Send(args *plumbing.SendMsgArgs) (types.RPCId, error) {
	if err := args.Validate(1 << 30); err != nil {
		return 0, err
	}
	if s.sock.ShuttingDown() {
		return 0, types.ErrShutdown
	}

	if args.Id == 0 {
		addr := args.Dest.Addr()
		dstPort := args.Dest.Port()
		rpc := s.sock.RPCs.AllocClient(addr, dstPort, args.CompletionCookie, args.Flags&plumbing.FlagPrivate != 0, s.sock.Port)

		rpc.Mu.Lock()
		rpc.Outgoing = types.NewOutgoingMessage(len(args.Payload), s.t.cfg.UnschedBytes)
		payload := core.ByteSlicePayload(args.Payload)
		core.Fill(s.t.cfg.outgoingConfig(), rpc, payload, s.t.engine.Sink, s.t.engine.Pacer)
		rpc.Mu.Unlock()

		return rpc.Id, nil
	}

	rpc := s.sock.RPCs.FindServerByID(args.Id)
	if rpc == nil {
		return 0, nil // response to an RPC that no longer exists: success-as-no-op
	}

	rpc.Mu.Lock()
	if err := core.Respond(rpc); err != nil {
		rpc.Mu.Unlock()
		return 0, err
	}
	rpc.Outgoing = types.NewOutgoingMessage(len(args.Payload), s.t.cfg.UnschedBytes)
	payload := core.ByteSlicePayload(args.Payload)
	core.Fill(s.t.cfg.outgoingConfig(), rpc, payload, s.t.engine.Sink, s.t.engine.Pacer)
	rpc.Mu.Unlock()

	return rpc.Id, nil
}

// Recv blocks until an RPC is ready for this socket, honoring
// args.Flags' FlagNonBlocking and private-id semantics (§4.E, §6).
// cancel, if non-nil, additionally unblocks the wait with ErrInterrupted.
// args.BpageOffsets, if non-empty on entry, are released back to the
// socket's pool before the wait begins (the app returning buffers it
// finished consuming from a previous recv).
func (s *Socket) Recv(args *plumbing.RecvMsgArgs, cancel <-chan struct{}) (*types.RPC, []byte, error) {
	if err := args.Validate(s.sock.Pool.NumBpages()); err != nil {
		return nil, nil, err
	}
	if len(args.BpageOffsets) > 0 {
		s.sock.Pool.Release(args.BpageOffsets)
	}
	if s.sock.ShuttingDown() {
		return nil, nil, types.ErrShutdown
	}

	nonBlocking := args.Flags&plumbing.FlagNonBlocking != 0

	if args.Id != 0 {
		return s.recvPrivate(args.Id, nonBlocking, cancel)
	}
	return s.recvShared(nonBlocking, cancel)
}

func (s *Socket) recvShared(nonBlocking bool, cancel <-chan struct{}) (*types.RPC, []byte, error) {
	s.sock.Mu.Lock()
	if rpc, ok := s.sock.Interest.PopReady(); ok {
		s.sock.Mu.Unlock()
		return buildRecvResult(rpc)
	}
	if nonBlocking {
		s.sock.Mu.Unlock()
		return nil, nil, types.ErrAgain
	}
	interest := core.NewInterest(0)
	s.sock.Interest.AddShared(interest)
	s.sock.Mu.Unlock()

	rpc, ok := interest.Wait(s.t.cfg.PollUsecs, cancel)
	if !ok {
		s.sock.Mu.Lock()
		s.sock.Interest.RemoveShared(interest)
		s.sock.Mu.Unlock()
		return nil, nil, types.ErrInterrupted
	}
	if rpc == nil {
		return nil, nil, types.ErrShutdown
	}
	return buildRecvResult(rpc)
}

// recvPrivate serves a recv pinned to one id, always the client's own view
// of an RPC it previously sent (§4.E): a server already knows which peer and
// id a request came from without needing a private wait.
func (s *Socket) recvPrivate(id types.RPCId, nonBlocking bool, cancel <-chan struct{}) (*types.RPC, []byte, error) {
	if !id.IsClient() {
		return nil, nil, types.ErrInvalid
	}
	rpc := s.sock.RPCs.LookupClient(id)
	if rpc == nil {
		return nil, nil, types.ErrUnknownRPC
	}

	rpc.Mu.Lock()
	ready := rpc.State == types.DEAD || rpc.Error != nil || (rpc.Incoming != nil && rpc.Incoming.Complete())
	if ready {
		rpc.Mu.Unlock()
		return buildRecvResult(rpc)
	}
	if nonBlocking {
		rpc.Mu.Unlock()
		return nil, nil, types.ErrAgain
	}
	interest := core.NewInterest(0)
	rpc.Private = true
	rpc.PrivateInterest = interest
	rpc.Mu.Unlock()

	got, ok := interest.Wait(s.t.cfg.PollUsecs, cancel)
	if !ok {
		return nil, nil, types.ErrInterrupted
	}
	if got == nil {
		return nil, nil, types.ErrShutdown
	}
	return buildRecvResult(got)
}

func buildRecvResult(rpc *types.RPC) (*types.RPC, []byte, error) {
	rpc.Mu.Lock()
	defer rpc.Mu.Unlock()
	var payload []byte
	if rpc.Incoming != nil {
		payload = rpc.Incoming.Bytes()
	}
	return rpc, payload, rpc.Error
}

// Abort cancels id (or every outstanding client RPC on this socket, if id
// is zero) with errno, mirroring ioctl(HOMAIOCABORT, ...) (§3, §6).
func (s *Socket) Abort(args *plumbing.AbortArgs) {
	if args.Id == 0 {
		s.sock.RPCs.Range(func(rpc *types.RPC) {
			if rpc.Direction == types.ClientRPC {
				core.Abort(s.sock, rpc, args.Error)
			}
		})
		return
	}
	rpc := s.sock.RPCs.LookupClient(args.Id)
	if rpc == nil {
		return
	}
	core.Abort(s.sock, rpc, args.Error)
}

// Poll reports the EPOLLIN/EPOLLOUT-style readiness of §6: readable once a
// shared-wait RPC is ready, writable whenever the socket is not shut down
// (sends never block on anything but grants, which the pacer handles).
func (s *Socket) Poll() (readable, writable bool) {
	s.sock.Mu.Lock()
	readable = s.sock.Interest.HasReady()
	s.sock.Mu.Unlock()
	return readable, !s.sock.ShuttingDown()
}

// Close shuts this socket down; idempotent (§8 scenario 6).
func (s *Socket) Close() {
	s.sock.Shutdown()
}
