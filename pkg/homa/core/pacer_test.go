package core

import (
	"sync/atomic"
	"testing"

	"github.com/jabolina/go-homa/internal/logging"
)

func TestPacerSmallMessageBypassesThrottle(t *testing.T) {
	cfg := DefaultPacerConfig()
	cfg.ThrottleMinBytes = 1000
	p := NewPacer(cfg, nil, logging.New(false))

	var sent int32
	err := p.Push(Outbound{Bytes: 10, Send: func() error {
		atomic.AddInt32(&sent, 1)
		return nil
	}})
	if err != nil {
		t.Fatalf("push returned error: %v", err)
	}
	if atomic.LoadInt32(&sent) != 1 {
		t.Fatal("small message should be sent immediately, bypassing the throttle")
	}
	if p.throttled.Len() != 0 {
		t.Fatalf("throttled queue has %d entries, want 0", p.throttled.Len())
	}
}

func TestPacerThrottlesDeepQueue(t *testing.T) {
	cfg := DefaultPacerConfig()
	cfg.ThrottleMinBytes = 10
	cfg.MaxNicQueueNs = 0
	p := NewPacer(cfg, nil, logging.New(false))
	p.queueNs = 1 << 30 // force "queue too deep" on the next push

	var sent int32
	err := p.Push(Outbound{Bytes: 100000, Remaining: 100000, Send: func() error {
		atomic.AddInt32(&sent, 1)
		return nil
	}})
	if err != nil {
		t.Fatalf("push returned error: %v", err)
	}
	if atomic.LoadInt32(&sent) != 0 {
		t.Fatal("message should have been queued, not sent immediately")
	}
	if p.throttled.Len() != 1 {
		t.Fatalf("throttled queue has %d entries, want 1", p.throttled.Len())
	}
}

func TestPacerInsertThrottledOrdersBySRPT(t *testing.T) {
	p := NewPacer(DefaultPacerConfig(), nil, logging.New(false))
	p.insertThrottledLocked(Outbound{Remaining: 500})
	p.insertThrottledLocked(Outbound{Remaining: 100})
	p.insertThrottledLocked(Outbound{Remaining: 900})

	var order []int
	for e := p.throttled.Front(); e != nil; e = e.Next() {
		order = append(order, e.Value.(Outbound).Remaining)
	}
	want := []int{100, 500, 900}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("throttled order = %v, want %v", order, want)
		}
	}
}

func TestPacerDrainSendsEverything(t *testing.T) {
	cfg := DefaultPacerConfig()
	cfg.MaxNicQueueNs = 1 << 30
	cfg.LinkMbps = 0 // queueDelay becomes 0, so the queue never looks full
	p := NewPacer(cfg, nil, logging.New(false))

	var sent int32
	for i := 0; i < 3; i++ {
		p.insertThrottledLocked(Outbound{Remaining: i, Send: func() error {
			atomic.AddInt32(&sent, 1)
			return nil
		}})
	}

	p.Drain()
	if atomic.LoadInt32(&sent) != 3 {
		t.Fatalf("sent %d segments, want 3", sent)
	}
	if p.throttled.Len() != 0 {
		t.Fatalf("throttled queue has %d entries left, want 0", p.throttled.Len())
	}
}
