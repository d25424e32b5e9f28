package types

import "errors"

// Sentinel errors named after the POSIX errno they stand in for (§7 of the
// protocol design). RPC-level failures are recorded on the RPC itself and
// only ever surface through a later recv; the incoming engine never returns
// these directly to a caller.
var (
	// ErrInvalid covers malformed arguments, non-Homa sockets, oversize
	// messages and wrong address families.
	ErrInvalid = errors.New("homa: invalid argument")

	// ErrAgain is returned instead of blocking when the non-blocking flag
	// is set and the operation would otherwise suspend.
	ErrAgain = errors.New("homa: resource temporarily unavailable")

	// ErrNoMemory covers receive-buffer exhaustion and allocation failure.
	ErrNoMemory = errors.New("homa: out of memory")

	// ErrAddrNotAvail is returned when default-port allocation sweeps the
	// whole namespace without finding a free port.
	ErrAddrNotAvail = errors.New("homa: address not available")

	// ErrAddrInUse is returned by bind when the requested port is taken.
	ErrAddrInUse = errors.New("homa: address already in use")

	// ErrTimedOut marks an RPC that exhausted its resend budget.
	ErrTimedOut = errors.New("homa: rpc timed out")

	// ErrHostUnreachable mirrors an ICMP host/address-unreachable.
	ErrHostUnreachable = errors.New("homa: host unreachable")

	// ErrNotConnected mirrors an ICMP port-unreachable: the peer is alive
	// but nothing is listening on the destination port.
	ErrNotConnected = errors.New("homa: not connected")

	// ErrProtoNotSupported mirrors an ICMP protocol-unreachable.
	ErrProtoNotSupported = errors.New("homa: protocol not supported")

	// ErrShutdown is returned by any operation on a socket that has been
	// shut down.
	ErrShutdown = errors.New("homa: socket shut down")

	// ErrInterrupted is returned when a signal wakes a blocked recv before
	// it claims an RPC.
	ErrInterrupted = errors.New("homa: interrupted")

	// ErrUnknownRPC is the packet-level condition carried by RPC_UNKNOWN.
	// The one place it reaches the application is a private recv naming
	// an id the socket has no client RPC for.
	ErrUnknownRPC = errors.New("homa: rpc unknown to peer")
)
