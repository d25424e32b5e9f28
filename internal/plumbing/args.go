// Package plumbing is the thin boundary of §4.K / §6: the shapes passed
// across sendmsg/recvmsg/ioctl, and the argument validation the source
// ambiguity note in §9(a) insists on doing before anything else touches
// them. Socket syscall adapters and kernel module registration themselves
// are out of scope (§1); this package only models the argument structs and
// their validation, plus the handful of ioctl/errno constants a host
// binding needs, taken from golang.org/x/sys/unix the way the pack's
// runZero repos do for raw socket work.
package plumbing

import (
	"net/netip"

	"github.com/jabolina/go-homa/pkg/homa/types"
	"golang.org/x/sys/unix"
)

// SendFlag carries the bits of homa_sendmsg_args.flags (§6).
type SendFlag uint32

const (
	// FlagPrivate marks the RPC as requiring an id-specific recv.
	FlagPrivate SendFlag = 1 << iota
	// FlagNonBlocking turns a would-be block into ErrAgain.
	FlagNonBlocking
)

// SendMsgArgs mirrors homa_sendmsg_args{id, completion_cookie, flags} plus
// the destination and payload a real sendmsg's iovec would carry.
type SendMsgArgs struct {
	Id               types.RPCId
	CompletionCookie uint64
	Flags            SendFlag
	Dest             netip.AddrPort
	Payload          []byte
}

// Validate checks SendMsgArgs in full before any field is read a second
// time, per the explicit validate-before-use policy of §9(a).
func (a *SendMsgArgs) Validate(maxMessageLength int) error {
	if len(a.Payload) > maxMessageLength {
		return types.ErrInvalid
	}
	if a.Id == 0 && !a.Dest.IsValid() {
		return types.ErrInvalid
	}
	return nil
}

// RecvMsgArgs mirrors homa_recvmsg_args{id, completion_cookie, flags,
// num_bpages, bpage_offsets[]}. On entry BpageOffsets returns buffers from
// a previous recv; on success it is overwritten with the new message's
// buffers.
type RecvMsgArgs struct {
	Id               types.RPCId
	CompletionCookie uint64
	Flags            SendFlag
	BpageOffsets     []int
}

// Validate checks RecvMsgArgs before BpageOffsets is consumed to release
// buffers, per §9(a).
func (a *RecvMsgArgs) Validate(maxBpages int) error {
	if len(a.BpageOffsets) > maxBpages {
		return types.ErrInvalid
	}
	for _, off := range a.BpageOffsets {
		if off < 0 {
			return types.ErrInvalid
		}
	}
	return nil
}

// AbortArgs mirrors ioctl(HOMAIOCABORT, {id, error, ...}) (§3, §6).
type AbortArgs struct {
	Id    types.RPCId // zero means "abort every client RPC on this socket"
	Error error
}

// HomaIoctlAbort is the process-local identifier for the ioctl boundary
// this package models; it does not need to match any kernel header since
// the real syscall adapter is out of scope (§1).
const HomaIoctlAbort = 0x484f4100 // "HOA\0"

// ErrnoFor maps a types sentinel error to the unix.Errno a real syscall
// boundary would return, for bindings that need a raw errno instead of a
// Go error value.
func ErrnoFor(err error) unix.Errno {
	switch err {
	case types.ErrAgain:
		return unix.EAGAIN
	case types.ErrInvalid:
		return unix.EINVAL
	case types.ErrNoMemory:
		return unix.ENOMEM
	case types.ErrAddrNotAvail:
		return unix.EADDRNOTAVAIL
	case types.ErrAddrInUse:
		return unix.EADDRINUSE
	case types.ErrTimedOut:
		return unix.ETIMEDOUT
	case types.ErrHostUnreachable:
		return unix.EHOSTUNREACH
	case types.ErrNotConnected:
		return unix.ENOTCONN
	case types.ErrProtoNotSupported:
		return unix.EPROTONOSUPPORT
	case types.ErrShutdown:
		return unix.ESHUTDOWN
	case types.ErrInterrupted:
		return unix.EINTR
	default:
		return 0
	}
}
