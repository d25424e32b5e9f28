package plumbing

import (
	"net/netip"
	"testing"

	"github.com/jabolina/go-homa/pkg/homa/types"
	"golang.org/x/sys/unix"
)

func TestSendMsgArgsValidatePayloadTooLarge(t *testing.T) {
	a := SendMsgArgs{Id: 2, Payload: make([]byte, 100)}
	if err := a.Validate(50); err != types.ErrInvalid {
		t.Fatalf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestSendMsgArgsValidateNewRPCRequiresDest(t *testing.T) {
	a := SendMsgArgs{Id: 0}
	if err := a.Validate(1 << 16); err != types.ErrInvalid {
		t.Fatalf("a new RPC (Id 0) with no destination should be rejected, got %v", err)
	}

	a.Dest = netip.MustParseAddrPort("10.0.0.1:80")
	if err := a.Validate(1 << 16); err != nil {
		t.Fatalf("Validate() with a valid destination = %v, want nil", err)
	}
}

func TestSendMsgArgsValidateResponseDoesNotNeedDest(t *testing.T) {
	a := SendMsgArgs{Id: 3, Payload: []byte("ok")}
	if err := a.Validate(1 << 16); err != nil {
		t.Fatalf("responding on an existing id should not require Dest, got %v", err)
	}
}

func TestRecvMsgArgsValidateRejectsTooManyBpages(t *testing.T) {
	a := RecvMsgArgs{BpageOffsets: []int{0, 4096, 8192}}
	if err := a.Validate(2); err != types.ErrInvalid {
		t.Fatalf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestRecvMsgArgsValidateRejectsNegativeOffset(t *testing.T) {
	a := RecvMsgArgs{BpageOffsets: []int{0, -1}}
	if err := a.Validate(10); err != types.ErrInvalid {
		t.Fatalf("Validate() = %v, want ErrInvalid", err)
	}
}

func TestRecvMsgArgsValidateAccepts(t *testing.T) {
	a := RecvMsgArgs{BpageOffsets: []int{0, 4096}}
	if err := a.Validate(10); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestErrnoForMapsSentinels(t *testing.T) {
	cases := map[error]unix.Errno{
		types.ErrAgain:             unix.EAGAIN,
		types.ErrInvalid:           unix.EINVAL,
		types.ErrNoMemory:          unix.ENOMEM,
		types.ErrAddrNotAvail:      unix.EADDRNOTAVAIL,
		types.ErrAddrInUse:         unix.EADDRINUSE,
		types.ErrTimedOut:         unix.ETIMEDOUT,
		types.ErrHostUnreachable:   unix.EHOSTUNREACH,
		types.ErrNotConnected:      unix.ENOTCONN,
		types.ErrProtoNotSupported: unix.EPROTONOSUPPORT,
		types.ErrShutdown:         unix.ESHUTDOWN,
		types.ErrInterrupted:      unix.EINTR,
	}
	for sentinel, want := range cases {
		if got := ErrnoFor(sentinel); got != want {
			t.Errorf("ErrnoFor(%v) = %v, want %v", sentinel, got, want)
		}
	}
}

func TestErrnoForUnknownErrorReturnsZero(t *testing.T) {
	if got := ErrnoFor(types.ErrUnknownRPC); got != 0 {
		t.Fatalf("ErrnoFor(unmapped error) = %v, want 0", got)
	}
}
