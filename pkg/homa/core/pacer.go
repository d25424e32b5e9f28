package core

import (
	"container/list"
	"sync"
	"time"

	"github.com/jabolina/go-homa/internal/metrics"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

// PacerConfig carries the output-pacer tunables of §4.I.
type PacerConfig struct {
	LinkMbps         int
	MaxNicQueueNs    int64
	ThrottleMinBytes int
	FIFOFraction     int // thousandths
}

// DefaultPacerConfig returns a 10 Gbps link with a modest queue budget.
func DefaultPacerConfig() PacerConfig {
	return PacerConfig{
		LinkMbps:         10000,
		MaxNicQueueNs:    int64(200 * time.Microsecond),
		ThrottleMinBytes: 1000,
		FIFOFraction:     50,
	}
}

// Outbound is one segment queued for transmission.
type Outbound struct {
	RPC          *types.RPC
	Remaining    int // bytes left in the owning message, for SRPT ordering
	Priority     int
	Bytes        int
	DontThrottle bool
	Send         func() error

	seq int64 // queue arrival order, for the FIFO reserve
}

// Pacer rate-limits the output queue to approximate SRPT on egress (§4.I).
// It tracks an estimated NIC-queue occupancy in nanoseconds, incremented on
// push and decremented by elapsed real time.
type Pacer struct {
	mu  sync.Mutex
	cfg PacerConfig

	queueNs    int64
	lastUpdate time.Time

	throttled *list.List // of *Outbound, ordered by Remaining (SRPT) with a FIFO reserve
	nextSeq   int64

	metrics *metrics.Registry
	log     types.Logger

	wake chan struct{}
}

// NewPacer builds a pacer from cfg.
func NewPacer(cfg PacerConfig, m *metrics.Registry, log types.Logger) *Pacer {
	return &Pacer{
		cfg:        cfg,
		lastUpdate: time.Now(),
		throttled:  list.New(),
		metrics:    m,
		log:        log,
		wake:       make(chan struct{}, 1),
	}
}

func (p *Pacer) drainElapsedLocked() {
	now := time.Now()
	elapsed := now.Sub(p.lastUpdate)
	p.lastUpdate = now
	p.queueNs -= elapsed.Nanoseconds()
	if p.queueNs < 0 {
		p.queueNs = 0
	}
}

// queueDelay is the nanosecond cost of putting bytes bytes on the wire at
// the configured link rate (§4.I: "packet_bytes * 8 / link_mbps").
func (p *Pacer) queueDelay(bytes int) int64 {
	if p.cfg.LinkMbps <= 0 {
		return 0
	}
	return int64(bytes) * 8 * int64(time.Microsecond) / int64(p.cfg.LinkMbps)
}

// Push offers an Outbound to the pacer. It sends immediately iff the
// estimated queue is shallow enough, the packet is small enough to bypass
// throttling outright, or the caller set DontThrottle; otherwise it is
// queued on the throttled list (§4.I).
func (p *Pacer) Push(ob Outbound) error {
	p.mu.Lock()
	p.drainElapsedLocked()

	immediate := p.queueNs <= p.cfg.MaxNicQueueNs ||
		ob.Bytes < p.cfg.ThrottleMinBytes ||
		ob.DontThrottle

	if immediate {
		p.queueNs += p.queueDelay(ob.Bytes)
		if p.metrics != nil {
			p.metrics.PacerQueueNs.Set(float64(p.queueNs))
		}
		p.mu.Unlock()
		return ob.Send()
	}

	p.insertThrottledLocked(ob)
	if p.metrics != nil {
		p.metrics.ThrottledMessages.Set(float64(p.throttled.Len()))
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// insertThrottledLocked keeps the throttled list ordered by Remaining
// (SRPT); entries with equal Remaining stay in arrival order. It stamps
// each entry with its arrival sequence, which Drain uses to apply the
// FIFO reserve of pacer_fifo_fraction (§4.I's "small FIFO reservation").
func (p *Pacer) insertThrottledLocked(ob Outbound) {
	p.nextSeq++
	ob.seq = p.nextSeq
	for e := p.throttled.Front(); e != nil; e = e.Next() {
		if e.Value.(Outbound).Remaining > ob.Remaining {
			p.throttled.InsertBefore(ob, e)
			return
		}
	}
	p.throttled.PushBack(ob)
}

// Drain pops and sends ready entries from the throttled list while the
// estimated queue has room, honoring the FIFO reserve: every
// 1000/FIFOFraction drains, the oldest-queued entry is sent next
// regardless of its SRPT position.
func (p *Pacer) Drain() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drainElapsedLocked()

	drains := 0
	for p.throttled.Len() > 0 && p.queueNs <= p.cfg.MaxNicQueueNs {
		var e *list.Element
		if p.cfg.FIFOFraction > 0 && drains > 0 && drains%(1000/p.cfg.FIFOFraction) == 0 {
			e = p.oldestLocked()
		} else {
			e = p.throttled.Front()
		}
		if e == nil {
			break
		}
		ob := e.Value.(Outbound)
		p.throttled.Remove(e)
		p.queueNs += p.queueDelay(ob.Bytes)
		p.mu.Unlock()
		if err := ob.Send(); err != nil && p.log != nil {
			p.log.Errorf("pacer: send failed: %v", err)
		}
		p.mu.Lock()
		drains++
	}
	if p.metrics != nil {
		p.metrics.PacerQueueNs.Set(float64(p.queueNs))
		p.metrics.ThrottledMessages.Set(float64(p.throttled.Len()))
	}
}

func (p *Pacer) oldestLocked() *list.Element {
	var oldest *list.Element
	var oldestSeq int64
	for e := p.throttled.Front(); e != nil; e = e.Next() {
		seq := e.Value.(Outbound).seq
		if oldest == nil || seq < oldestSeq {
			oldest = e
			oldestSeq = seq
		}
	}
	return oldest
}

// Run drives Drain on wake-ups and a periodic fallback tick, until stop is
// closed. Intended to run on its own goroutine (§2 component I, §5
// "a pacer thread ... run independently").
func (p *Pacer) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Microsecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-p.wake:
			p.Drain()
		case <-ticker.C:
			p.Drain()
		}
	}
}

// QueueLen reports how many segments are currently parked on the throttled
// list.
func (p *Pacer) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.throttled.Len()
}
