package types

// PacketType enumerates the wire-level packet kinds of §3. The wire-format
// serialization of these into IPv4/IPv6 frames is out of scope (§1); this
// package only models the fields each header carries so the engine can
// reason about them.
type PacketType uint8

const (
	PacketData PacketType = iota + 1
	PacketGrant
	PacketResend
	PacketUnknown
	PacketBusy
	PacketCutoffs
	PacketNeedAck
	PacketAck
	PacketFreeze
)

func (t PacketType) String() string {
	switch t {
	case PacketData:
		return "DATA"
	case PacketGrant:
		return "GRANT"
	case PacketResend:
		return "RESEND"
	case PacketUnknown:
		return "RPC_UNKNOWN"
	case PacketBusy:
		return "BUSY"
	case PacketCutoffs:
		return "CUTOFFS"
	case PacketNeedAck:
		return "NEED_ACK"
	case PacketAck:
		return "ACK"
	case PacketFreeze:
		return "FREEZE"
	default:
		return "UNKNOWN"
	}
}

// CommonHeader is the prefix shared by every packet kind (§6).
type CommonHeader struct {
	SenderId RPCId
	SrcPort  uint16
	DstPort  uint16
	Type     PacketType
}

// DataHeader carries one segment of a message.
type DataHeader struct {
	CommonHeader
	MessageLength    int
	Offset           int
	SegLength        int
	UnscheduledBytes int
	Retransmit       bool
	Payload          []byte
}

// GrantHeader authorizes the peer to send up to Offset at Priority.
type GrantHeader struct {
	CommonHeader
	Offset   int
	Priority int
}

// ResendHeader asks the peer to retransmit [Offset, Offset+Length).
type ResendHeader struct {
	CommonHeader
	Offset   int
	Length   int
	Priority int
}

// UnknownHeader tells the sender the receiver has no record of this RPC.
type UnknownHeader struct {
	CommonHeader
}

// BusyHeader tells the peer the sender is alive but not yet ready to send.
type BusyHeader struct {
	CommonHeader
}

// CutoffsHeader advertises the sender's current unscheduled-priority
// thresholds, versioned so stale copies can be detected and dropped.
type CutoffsHeader struct {
	CommonHeader
	UnschedCutoffs [8]int
	CutoffVersion  uint32
}

// NeedAckHeader is a server-initiated request that the client ack every RPC
// it has fully received.
type NeedAckHeader struct {
	CommonHeader
}

// AckHeader carries the client's response: every RPC id it has fully
// received and may now be torn down on the server.
type AckHeader struct {
	CommonHeader
	Acked []RPCId
}

// FreezeHeader is a debugging signal, handled by observability and ignored
// by the protocol engine (§4.F).
type FreezeHeader struct {
	CommonHeader
}
