package core

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/jabolina/go-homa/internal/metrics"
	"github.com/jabolina/go-homa/pkg/homa/types"
)

// GrantConfig carries every grant-scheduler tunable of §4.G.
type GrantConfig struct {
	MaxOvercommit     int
	MaxRPCsPerPeer    int
	MaxIncoming       int
	Window            int // 0 selects the dynamic window_i rule
	MaxSchedPrio      int
	GrantFIFOFraction int // thousandths
	FIFOIncrement     int
	RecalcInterval    time.Duration
	UnschedBytes      int
}

// DefaultGrantConfig returns reasonable defaults matching the magnitudes
// used in §8's worked examples.
func DefaultGrantConfig() GrantConfig {
	return GrantConfig{
		MaxOvercommit:     8,
		MaxRPCsPerPeer:    4,
		MaxIncoming:       1 << 20,
		Window:            0,
		MaxSchedPrio:      7,
		GrantFIFOFraction: 50,
		FIFOIncrement:     10000,
		RecalcInterval:    50 * time.Microsecond,
		UnschedBytes:      10000,
	}
}

// grantRecord is one grantable incoming message's scheduling state,
// distinct from the RPC's own bucket-guarded fields so the grant lock
// never needs to take an RPC's lock to rank messages.
type grantRecord struct {
	rpc          *types.RPC
	peer         netip.Addr
	length       int
	arrivalOrder uint64
	granted      int
	rank         int
}

// GrantDecision is one GRANT this scheduler wants emitted.
type GrantDecision struct {
	RPC      *types.RPC
	Offset   int
	Priority int
	FIFO     bool
}

// GrantScheduler is the global grant lock's owner (§5 hierarchy level 2):
// it chooses which incoming RPCs may receive more data, at which priority,
// subject to max_overcommit and max_rpcs_per_peer (§4.G).
type GrantScheduler struct {
	mu sync.Mutex

	cfg     GrantConfig
	metrics *metrics.Registry
	log     types.Logger

	records      map[types.RPCId]*grantRecord
	perPeerCount map[netip.Addr]int
	totalIncoming int
	nextArrival  uint64

	lastRecalc time.Time
	ranked     []*grantRecord
}

// NewGrantScheduler builds a scheduler from cfg.
func NewGrantScheduler(cfg GrantConfig, m *metrics.Registry, log types.Logger) *GrantScheduler {
	return &GrantScheduler{
		cfg:          cfg,
		metrics:      m,
		log:          log,
		records:      make(map[types.RPCId]*grantRecord),
		perPeerCount: make(map[netip.Addr]int),
	}
}

// grantable mirrors §4.G's definition: "length > unsched_bytes AND received
// < message_length".
func (g *GrantScheduler) grantable(length, received int) bool {
	return length > g.cfg.UnschedBytes && received < length
}

// Register adds a newly grantable incoming message. Called by the incoming
// engine after each DATA segment, once the RPC's own lock has been
// released; a repeat call for an already registered id is a no-op.
// Register must not be called while holding rpc.Mu, since it takes the grant lock
// (§5: never hold an RPC lock when taking the grant lock -- acquire order
// is always grant lock, then RPC lock, never the reverse).
func (g *GrantScheduler) Register(rpc *types.RPC, peer netip.Addr, length, received int) {
	if !g.grantable(length, received) {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.records[rpc.Id]; ok {
		return
	}
	g.nextArrival++
	g.records[rpc.Id] = &grantRecord{
		rpc:          rpc,
		peer:         peer,
		length:       length,
		arrivalOrder: g.nextArrival,
		granted:      min(length, g.cfg.UnschedBytes),
	}
	g.perPeerCount[peer]++
}

// Unregister removes a message once it completes or the RPC ends, freeing
// its slot in the per-peer cap and its share of total_incoming.
func (g *GrantScheduler) Unregister(id types.RPCId) {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec, ok := g.records[id]
	if !ok {
		return
	}
	g.perPeerCount[rec.peer]--
	delete(g.records, id)
	g.recomputeTotalLocked()
}

// window_i returns the per-message scheduling window: the static cfg.Window
// if configured, otherwise max_incoming / (M+1) where M is the number of
// currently grantable messages (§4.G).
func (g *GrantScheduler) windowLocked() int {
	if g.cfg.Window > 0 {
		return g.cfg.Window
	}
	m := len(g.records)
	return g.cfg.MaxIncoming / (m + 1)
}

func (g *GrantScheduler) recomputeTotalLocked() {
	total := 0
	for _, rec := range g.records {
		received := rec.rpc.Incoming.Received()
		if rec.granted > received {
			total += rec.granted - received
		}
	}
	g.totalIncoming = total
	if g.metrics != nil {
		g.metrics.TotalIncomingBytes.Set(float64(total))
	}
}

// rerank sorts grantable messages by remaining bytes ascending (shortest
// first), ties broken by arrival order, and assigns the top MaxOvercommit
// of them a scheduled priority: the shortest gets the highest (§4.G
// "priority assignment").
func (g *GrantScheduler) rerankLocked() {
	g.ranked = g.ranked[:0]
	for _, rec := range g.records {
		g.ranked = append(g.ranked, rec)
	}
	sort.Slice(g.ranked, func(i, j int) bool {
		ri := remaining(g.ranked[i])
		rj := remaining(g.ranked[j])
		if ri != rj {
			return ri < rj
		}
		return g.ranked[i].arrivalOrder < g.ranked[j].arrivalOrder
	})
	for i, rec := range g.ranked {
		if i >= g.cfg.MaxOvercommit {
			rec.rank = -1
			continue
		}
		rec.rank = i
	}
	g.lastRecalc = time.Now()
}

func remaining(rec *grantRecord) int {
	return rec.length - rec.rpc.Incoming.Received()
}

// priorityFor turns a rank (0 = shortest remaining) into a scheduled
// priority level: the shortest message gets the highest priority.
func (g *GrantScheduler) priorityFor(rank int) int {
	p := g.cfg.MaxSchedPrio - rank
	if p < 0 {
		p = 0
	}
	return p
}

// MaxPriority reports the top scheduled priority level, for callers outside
// the ranking loop (the timer's RESEND priority, §4.J) that want the most
// urgent level without going through Decide.
func (g *GrantScheduler) MaxPriority() int {
	return g.cfg.MaxSchedPrio
}

// Recalc reorders the ranking if the recalc cadence allows it (§4.G
// "recalc cadence"); outside that window the previous ranking is reused.
func (g *GrantScheduler) Recalc() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if time.Since(g.lastRecalc) < g.cfg.RecalcInterval {
		return
	}
	g.rerankLocked()
}

// Decide computes the set of GRANTs to emit right now: on each event (DATA
// arrival, timer tick, new grantable message, message completion) it walks
// the ranked list and, for each, computes
// want = min(window_i, length-received) - (granted-received); if want > 0
// and total_incoming+want <= max_incoming and the per-peer cap allows, a
// GRANT is emitted (§4.G "issue decision"). The FIFO reserve (§4.G "FIFO
// reserve") additionally always grants the oldest grantable message a
// fifo_grant_increment, regardless of SRPT rank or per-peer saturation
// (§9(b): FIFO always wins is the explicit policy chosen here).
func (g *GrantScheduler) Decide() []GrantDecision {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.ranked) == 0 || time.Since(g.lastRecalc) >= g.cfg.RecalcInterval {
		g.rerankLocked()
	}

	var decisions []GrantDecision
	window := g.windowLocked()
	budget := g.cfg.MaxIncoming - g.totalIncoming

	grantedThisPass := make(map[netip.Addr]int)

	oldest := g.oldestGrantableLocked()
	if oldest != nil && g.cfg.GrantFIFOFraction > 0 {
		if d, ok := g.grantFIFOLocked(oldest, &budget); ok {
			decisions = append(decisions, d)
		}
	}

	for _, rec := range g.ranked {
		if rec.rank < 0 {
			continue // priorities exhausted; extra grantable messages wait
		}
		received := rec.rpc.Incoming.Received()
		want := min(window, rec.length-received) - (rec.granted - received)
		if want <= 0 {
			continue
		}
		if budget-want < 0 {
			continue
		}
		if grantedThisPass[rec.peer] >= g.cfg.MaxRPCsPerPeer {
			continue
		}
		rec.granted += want
		budget -= want
		grantedThisPass[rec.peer]++
		decisions = append(decisions, GrantDecision{
			RPC:      rec.rpc,
			Offset:   rec.granted,
			Priority: g.priorityFor(rec.rank),
		})
	}

	g.recomputeTotalLocked()
	if g.metrics != nil {
		for range decisions {
			g.metrics.GrantsIssued.Inc()
		}
	}
	return decisions
}

func (g *GrantScheduler) oldestGrantableLocked() *grantRecord {
	var oldest *grantRecord
	for _, rec := range g.records {
		if rec.rpc.Incoming.Received() >= rec.length {
			continue
		}
		if oldest == nil || rec.arrivalOrder < oldest.arrivalOrder {
			oldest = rec
		}
	}
	return oldest
}

func (g *GrantScheduler) grantFIFOLocked(rec *grantRecord, budget *int) (GrantDecision, bool) {
	received := rec.rpc.Incoming.Received()
	inc := g.cfg.FIFOIncrement
	if rec.granted+inc > rec.length {
		inc = rec.length - rec.granted
	}
	if inc <= 0 {
		return GrantDecision{}, false
	}
	want := rec.granted + inc - received
	if want <= 0 {
		return GrantDecision{}, false
	}
	if *budget-want < 0 {
		return GrantDecision{}, false
	}
	rec.granted += inc
	*budget -= want
	prio := g.priorityFor(rec.rank)
	if rec.rank < 0 {
		prio = 0
	}
	return GrantDecision{RPC: rec.rpc, Offset: rec.granted, Priority: prio, FIFO: true}, true
}
