// Package nettest adapts the teacher's relt-backed ReliableTransport into a
// pluggable core.PacketSink for integration tests: relt's pub/sub exchange
// stands in for hosts exchanging Homa packets over IP with a priority hint,
// the ip_send/receive-callback boundary spec.md assumes but does not specify
// (§1). It is test-only scaffolding, not a wire-compatible implementation of
// any real network protocol.
package nettest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/jabolina/go-homa/pkg/homa/core"
	"github.com/jabolina/go-homa/pkg/homa/types"
	"github.com/jabolina/relt/pkg/relt"
)

// envelope carries one Homa packet across the shared relt exchange. Every
// host on a Fabric sees every broadcast; DstAddr/DstPort let a receiver
// decide whether the packet is its own.
type envelope struct {
	Kind     types.PacketType
	SrcAddr  netip.Addr
	DstAddr  netip.Addr
	DstPort  uint16
	Priority int
	Payload  json.RawMessage
}

// Host is one simulated network endpoint: a relt connection bound to one
// address, implementing core.PacketSink by broadcasting on the fabric's
// shared exchange and filtering incoming envelopes addressed to it.
type Host struct {
	addr  netip.Addr
	group string
	log   types.Logger

	conn   *relt.Relt
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHost joins the named exchange as addr. group is the relt exchange name
// shared by every host on the same simulated fabric; name must be unique
// per host within the group.
func NewHost(name, group string, addr netip.Addr, log types.Logger) (*Host, error) {
	conf := relt.DefaultReltConfiguration()
	conf.Name = name
	conf.Exchange = relt.GroupAddress(group)
	conn, err := relt.NewRelt(*conf)
	if err != nil {
		return nil, fmt.Errorf("nettest: join %s as %s: %w", group, name, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Host{addr: addr, group: group, log: log, conn: conn, ctx: ctx, cancel: cancel}, nil
}

// Addr returns the address this host simulates.
func (h *Host) Addr() netip.Addr { return h.addr }

// Listen starts delivering envelopes addressed to this host to dispatch,
// decoding each back into the concrete header type Kind names. Runs until
// Close.
func (h *Host) Listen(dispatch func(from netip.Addr, dstPort uint16, packet interface{})) error {
	listener, err := h.conn.Consume()
	if err != nil {
		return fmt.Errorf("nettest: consume on %s: %w", h.addr, err)
	}
	go func() {
		for {
			select {
			case <-h.ctx.Done():
				return
			case recv, ok := <-listener:
				if !ok {
					return
				}
				if recv.Error != nil {
					h.log.Warnf("nettest: recv error on %s: %v", h.addr, recv.Error)
					continue
				}
				h.deliver(recv.Data, dispatch)
			}
		}
	}()
	return nil
}

func (h *Host) deliver(data []byte, dispatch func(from netip.Addr, dstPort uint16, packet interface{})) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		h.log.Warnf("nettest: malformed envelope on %s: %v", h.addr, err)
		return
	}
	if env.DstAddr != h.addr {
		return // every host sees every broadcast; only ours is interesting
	}
	packet, from, err := decodePacket(env)
	if err != nil {
		h.log.Warnf("nettest: undecodable %s envelope on %s: %v", env.Kind, h.addr, err)
		return
	}
	dispatch(from, env.DstPort, packet)
}

// Close leaves the exchange.
func (h *Host) Close() error {
	h.cancel()
	return h.conn.Close()
}

func (h *Host) broadcast(dst netip.Addr, dstPort uint16, kind types.PacketType, priority int, header interface{}) error {
	payload, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("nettest: marshal %s: %w", kind, err)
	}
	env := envelope{Kind: kind, SrcAddr: h.addr, DstAddr: dst, DstPort: dstPort, Priority: priority, Payload: payload}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("nettest: marshal envelope: %w", err)
	}
	return h.conn.Broadcast(h.ctx, relt.Send{Address: relt.GroupAddress(h.group), Data: data})
}

func (h *Host) SendData(dst netip.Addr, dstPort, srcPort uint16, hdr types.DataHeader, priority int) error {
	return h.broadcast(dst, dstPort, types.PacketData, priority, hdr)
}

func (h *Host) SendGrant(dst netip.Addr, dstPort, srcPort uint16, hdr types.GrantHeader, priority int) error {
	return h.broadcast(dst, dstPort, types.PacketGrant, priority, hdr)
}

func (h *Host) SendResend(dst netip.Addr, dstPort, srcPort uint16, hdr types.ResendHeader, priority int) error {
	return h.broadcast(dst, dstPort, types.PacketResend, priority, hdr)
}

func (h *Host) SendUnknown(dst netip.Addr, dstPort, srcPort uint16, hdr types.UnknownHeader) error {
	return h.broadcast(dst, dstPort, types.PacketUnknown, 0, hdr)
}

func (h *Host) SendBusy(dst netip.Addr, dstPort, srcPort uint16, hdr types.BusyHeader) error {
	return h.broadcast(dst, dstPort, types.PacketBusy, 0, hdr)
}

func (h *Host) SendCutoffs(dst netip.Addr, dstPort, srcPort uint16, hdr types.CutoffsHeader) error {
	return h.broadcast(dst, dstPort, types.PacketCutoffs, 0, hdr)
}

func (h *Host) SendNeedAck(dst netip.Addr, dstPort, srcPort uint16, hdr types.NeedAckHeader) error {
	return h.broadcast(dst, dstPort, types.PacketNeedAck, 0, hdr)
}

func (h *Host) SendAck(dst netip.Addr, dstPort, srcPort uint16, hdr types.AckHeader) error {
	return h.broadcast(dst, dstPort, types.PacketAck, 0, hdr)
}

var _ core.PacketSink = (*Host)(nil)

// decodePacket unmarshals env.Payload into the concrete header type Kind
// names, returning it boxed the same way Engine.Dispatch's type switch
// expects, plus the sender address the engine needs for peer bookkeeping
// (Homa headers only carry the sender's port, not its network address, so
// the fabric layers the address on via the envelope itself).
func decodePacket(env envelope) (interface{}, netip.Addr, error) {
	from := env.SrcAddr
	switch env.Kind {
	case types.PacketData:
		var h types.DataHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketGrant:
		var h types.GrantHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketResend:
		var h types.ResendHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketUnknown:
		var h types.UnknownHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketBusy:
		var h types.BusyHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketCutoffs:
		var h types.CutoffsHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketNeedAck:
		var h types.NeedAckHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	case types.PacketAck:
		var h types.AckHeader
		err := json.Unmarshal(env.Payload, &h)
		return h, from, err
	default:
		return nil, from, fmt.Errorf("unknown packet kind %d", env.Kind)
	}
}
