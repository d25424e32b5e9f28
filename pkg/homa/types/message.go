package types

import "sort"

// segment is one received DATA range, kept until it can be coalesced into
// the contiguous prefix the application is allowed to see.
type segment struct {
	offset int
	data   []byte
}

// IncomingMessage reassembles the DATA segments of one message by offset
// (§4.F). Duplicates are dropped; out-of-order segments are held until the
// gap in front of them closes.
type IncomingMessage struct {
	Length   int
	received int
	segments []segment
	done     bool
}

// NewIncomingMessage creates a reassembly buffer for a message of the given
// total length.
func NewIncomingMessage(length int) *IncomingMessage {
	return &IncomingMessage{Length: length}
}

// Received returns the number of contiguous bytes from offset 0 the
// application may now observe.
func (m *IncomingMessage) Received() int {
	return m.received
}

// Complete reports whether every byte of the message has arrived.
func (m *IncomingMessage) Complete() bool {
	return m.received >= m.Length
}

// Insert adds a received segment, de-duplicating identical offsets and
// coalescing the contiguous prefix. It returns true the first time the
// message becomes complete.
func (m *IncomingMessage) Insert(offset int, data []byte) bool {
	if m.done {
		return false
	}
	for _, s := range m.segments {
		if s.offset == offset {
			return false // duplicate, dropped
		}
	}
	m.segments = append(m.segments, segment{offset: offset, data: data})
	sort.Slice(m.segments, func(i, j int) bool { return m.segments[i].offset < m.segments[j].offset })

	// Every segment is retained, since Bytes rebuilds the prefix from
	// them; segments past a gap only extend the prefix once it closes.
	next := m.received
	for _, s := range m.segments {
		if s.offset > next {
			break
		}
		if end := s.offset + len(s.data); end > next {
			next = end
		}
	}
	m.received = next

	if !m.done && m.Complete() {
		m.done = true
		return true
	}
	return false
}

// Bytes assembles every contiguous byte received so far, in offset order.
// Gaps past the contiguous prefix are omitted.
func (m *IncomingMessage) Bytes() []byte {
	out := make([]byte, 0, m.received)
	for _, s := range m.segments {
		if s.offset >= m.received {
			break
		}
		out = append(out, s.data...)
	}
	return out
}

// Source supplies the bytes of an outgoing message on demand; the concrete
// type lives in package core (core.Payload) to avoid an import cycle, the
// same way Notifiable keeps the Interest type out of this package. Stored
// on OutgoingMessage so a later GRANT can resume pushing the same message
// without the original caller threading the payload through again.
type Source interface {
	Slice(offset, length int) []byte
}

// OutgoingMessage tracks how much of a message has been handed to the
// pacer and how much the receiver has granted (§4.H).
type OutgoingMessage struct {
	Length  int
	Sent    int
	Granted int

	// Source is the byte source Fill re-reads from on every call, set once
	// when the message is created.
	Source Source

	// RetransmitRanges lists byte ranges a RESEND asked to have pushed
	// again, highest priority first.
	RetransmitRanges []ByteRange
}

// ByteRange is a half-open [Start, End) byte range of a message.
type ByteRange struct {
	Start    int
	End      int
	Priority int
}

// NewOutgoingMessage creates outgoing tracking state, granting the
// unscheduled prefix immediately (§3 invariant 9, §4.H).
func NewOutgoingMessage(length, unschedBytes int) *OutgoingMessage {
	granted := unschedBytes
	if granted > length {
		granted = length
	}
	return &OutgoingMessage{Length: length, Granted: granted}
}

// Grant advances the granted watermark; regressions are ignored (§8's
// idempotence law: "repeated GRANT with smaller offset is a no-op").
func (m *OutgoingMessage) Grant(offset int) {
	if offset > m.Length {
		offset = m.Length
	}
	if offset > m.Granted {
		m.Granted = offset
	}
}

// MarkRetransmit records a byte range that must be resent at the given
// priority ahead of the next scheduled release (§4.H).
func (m *OutgoingMessage) MarkRetransmit(start, end, priority int) {
	m.RetransmitRanges = append(m.RetransmitRanges, ByteRange{Start: start, End: end, Priority: priority})
}

// Complete reports whether every byte has been handed to the pacer.
func (m *OutgoingMessage) Complete() bool {
	return m.Sent >= m.Length
}
