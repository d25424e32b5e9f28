package core

import (
	"github.com/jabolina/go-homa/pkg/homa/types"
)

// OutgoingConfig carries the send-side tunables of §4.H.
type OutgoingConfig struct {
	UnschedBytes int
	MaxGSOSize   int
}

// Payload supplies the bytes of an outgoing message on demand, so Fill
// never needs the whole message resident before segmenting it.
type Payload interface {
	Slice(offset, length int) []byte
}

// ByteSlicePayload is the trivial Payload backed by an in-memory slice.
type ByteSlicePayload []byte

func (p ByteSlicePayload) Slice(offset, length int) []byte {
	end := offset + length
	if end > len(p) {
		end = len(p)
	}
	if offset > len(p) {
		return nil
	}
	return p[offset:end]
}

// Fill copies payload bytes into DATA segments of at most cfg.MaxGSOSize
// and hands the unscheduled prefix to the pacer immediately; later
// segments are only released as rpc.Outgoing.Granted advances (§4.H).
// Retransmission ranges recorded by a RESEND are prioritized ahead of the
// next scheduled release. Must be called while holding rpc.Mu. payload is
// remembered on rpc.Outgoing so handleGrant can call Fill again as further
// grants arrive without the caller re-supplying it.
//
// Once every byte has been handed to the pacer, a client-role RPC leaves
// OUTGOING for INCOMING -- it is now just waiting on the peer's response
// (§3's documented "OUTGOING -> INCOMING after last byte of request has
// been handed to IP"). A server-role RPC's response send has no such
// transition: it stays OUTGOING until acked or reaped.
func Fill(cfg OutgoingConfig, rpc *types.RPC, payload Payload, sink PacketSink, pacer *Pacer) {
	msg := rpc.Outgoing
	if msg == nil {
		return
	}
	if msg.Source == nil {
		msg.Source = payload
	}

	for _, rng := range msg.RetransmitRanges {
		pushSegment(cfg, rpc, payload, sink, pacer, rng.Start, rng.End-rng.Start, true, rng.Priority)
	}
	msg.RetransmitRanges = nil

	limit := msg.Granted
	for msg.Sent < limit {
		segLen := cfg.MaxGSOSize
		if msg.Sent+segLen > limit {
			segLen = limit - msg.Sent
		}
		pushSegment(cfg, rpc, payload, sink, pacer, msg.Sent, segLen, false, 0)
		msg.Sent += segLen
	}

	if rpc.Direction == types.ClientRPC && rpc.State == types.OUTGOING && msg.Complete() {
		rpc.State = types.INCOMING
	}
}

func pushSegment(cfg OutgoingConfig, rpc *types.RPC, payload Payload, sink PacketSink, pacer *Pacer, offset, length int, retransmit bool, priority int) {
	if length <= 0 {
		return
	}
	data := payload.Slice(offset, length)
	dstPort := rpc.PeerPort()
	srcPort := rpc.LocalPort
	hdr := types.DataHeader{
		CommonHeader: types.CommonHeader{
			SenderId: rpc.Id,
			SrcPort:  srcPort,
			DstPort:  dstPort,
			Type:     types.PacketData,
		},
		MessageLength:    rpc.Outgoing.Length,
		Offset:           offset,
		SegLength:        length,
		UnscheduledBytes: cfg.UnschedBytes,
		Retransmit:       retransmit,
		Payload:          data,
	}
	remaining := rpc.Outgoing.Length - offset
	dest := rpc.Peer
	pacer.Push(Outbound{
		RPC:       rpc,
		Remaining: remaining,
		Priority:  priority,
		Bytes:     length,
		Send: func() error {
			return sink.SendData(dest, dstPort, srcPort, hdr, priority)
		},
	})
}

// Respond enforces the response-path constraint of §4.H: a send with a
// nonzero id requires an RPC in IN_SERVICE. Returns ErrInvalid if the id
// does not match an RPC this socket knows of in IN_SERVICE, or nil with no
// effect (success-as-no-op) if the RPC has already been torn down -- the
// client may have abandoned it.
func Respond(rpc *types.RPC) error {
	if rpc == nil {
		return nil // success-with-no-op: RPC no longer exists
	}
	if rpc.State != types.IN_SERVICE {
		return types.ErrInvalid
	}
	rpc.State = types.OUTGOING
	return nil
}
