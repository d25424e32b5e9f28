package core

import (
	"net/netip"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// PacketSink is the datagram send primitive spec.md assumes but does not
// specify: ip_send(packet, priority) (§1). The protocol engine only ever
// calls through this interface; wire-format serialization, GRO/GSO
// offload and the real IP stack are out of scope and live behind whatever
// implements it (internal/nettest's relt-backed adapter, in this module).
type PacketSink interface {
	SendData(dst netip.Addr, dstPort, srcPort uint16, h types.DataHeader, priority int) error
	SendGrant(dst netip.Addr, dstPort, srcPort uint16, h types.GrantHeader, priority int) error
	SendResend(dst netip.Addr, dstPort, srcPort uint16, h types.ResendHeader, priority int) error
	SendUnknown(dst netip.Addr, dstPort, srcPort uint16, h types.UnknownHeader) error
	SendBusy(dst netip.Addr, dstPort, srcPort uint16, h types.BusyHeader) error
	SendCutoffs(dst netip.Addr, dstPort, srcPort uint16, h types.CutoffsHeader) error
	SendNeedAck(dst netip.Addr, dstPort, srcPort uint16, h types.NeedAckHeader) error
	SendAck(dst netip.Addr, dstPort, srcPort uint16, h types.AckHeader) error
}
