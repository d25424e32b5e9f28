package core

import (
	"net/netip"
	"sync"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// fakeSink is an in-memory core.PacketSink recording every send, for tests
// that only need to observe what the engine tried to transmit.
type fakeSink struct {
	mu      sync.Mutex
	grants  []types.GrantHeader
	resends []types.ResendHeader
	unknown []types.UnknownHeader
	acks    []types.AckHeader
	needAck []types.NeedAckHeader
	data    []types.DataHeader
}

func (f *fakeSink) SendData(dst netip.Addr, dstPort, srcPort uint16, h types.DataHeader, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = append(f.data, h)
	return nil
}

func (f *fakeSink) SendGrant(dst netip.Addr, dstPort, srcPort uint16, h types.GrantHeader, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, h)
	return nil
}

func (f *fakeSink) SendResend(dst netip.Addr, dstPort, srcPort uint16, h types.ResendHeader, priority int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resends = append(f.resends, h)
	return nil
}

func (f *fakeSink) SendUnknown(dst netip.Addr, dstPort, srcPort uint16, h types.UnknownHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unknown = append(f.unknown, h)
	return nil
}

func (f *fakeSink) SendBusy(dst netip.Addr, dstPort, srcPort uint16, h types.BusyHeader) error {
	return nil
}

func (f *fakeSink) SendCutoffs(dst netip.Addr, dstPort, srcPort uint16, h types.CutoffsHeader) error {
	return nil
}

func (f *fakeSink) SendNeedAck(dst netip.Addr, dstPort, srcPort uint16, h types.NeedAckHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needAck = append(f.needAck, h)
	return nil
}

func (f *fakeSink) SendAck(dst netip.Addr, dstPort, srcPort uint16, h types.AckHeader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, h)
	return nil
}

var _ PacketSink = (*fakeSink)(nil)
