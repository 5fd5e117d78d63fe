package reader

import (
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// maxSettledRanges bounds how many unavailable ranges below
// AvailableChangesMax a proxy remembers for diagnostics. Numbers at or below
// the last range dropped report StatusNotAvailableUnspecified.
const maxSettledRanges = 32

// WriterProxyAttributes describe a matched remote writer as announced by
// discovery.
type WriterProxyAttributes struct {
	RemoteWriterGUID    rtps.Guid
	RemoteGroupEntityID rtps.EntityId
	UnicastLocators     []rtps.Locator
	MulticastLocators   []rtps.Locator
}

type unavailableRange struct {
	first, last rtps.SequenceNumber
	kind        rtps.ChangeFromWriterStatusKind
}

func (r unavailableRange) contains(seq rtps.SequenceNumber) bool {
	return seq >= r.first && seq <= r.last
}

// WriterProxy is the reader's bookkeeping for one matched writer.
//
// Every number up to availableMax is either received or unavailable. Above
// it the proxy keeps the received numbers and the unavailable ranges it
// learned about; numbers up to the announced maximum that are neither are
// missing.
type WriterProxy struct {
	attrs WriterProxyAttributes

	availableMax rtps.SequenceNumber
	announced    rtps.SequenceNumber
	received     map[rtps.SequenceNumber]struct{}
	pending      []unavailableRange
	settled      []unavailableRange
	// forgotten is the last number of the newest settled range dropped.
	forgotten rtps.SequenceNumber

	// held are received changes waiting for ordered delivery.
	held map[rtps.SequenceNumber]*rtps.CacheChange

	hbCount       rtps.Count
	seenHeartbeat bool
	hbFragCount   rtps.Count
	seenHBFrag    bool
	ackNackCount  rtps.Count
	nackFragCount rtps.Count
	// ackNack is the pending heartbeat response, nil when none.
	ackNack clockwork.Timer
	// mustRespond is set by a non-final heartbeat until the response goes
	// out.
	mustRespond bool
	lastAckNack time.Time
}

func newWriterProxy(attrs WriterProxyAttributes) *WriterProxy {
	return &WriterProxy{
		attrs:    attrs,
		received: make(map[rtps.SequenceNumber]struct{}),
		held:     make(map[rtps.SequenceNumber]*rtps.CacheChange),
	}
}

func (p *WriterProxy) GUID() rtps.Guid { return p.attrs.RemoteWriterGUID }

func (p *WriterProxy) Attributes() WriterProxyAttributes { return p.attrs }

// AvailableChangesMax is the highest number such that it and every number
// before it were received or declared unavailable.
func (p *WriterProxy) AvailableChangesMax() rtps.SequenceNumber { return p.availableMax }

// Status derives the state of seq from the proxy's sets. Below the
// remembered history a number may have been received or declared
// unavailable; it reports StatusNotAvailableUnspecified.
func (p *WriterProxy) Status(seq rtps.SequenceNumber) rtps.ChangeFromWriterStatusKind {
	if seq <= p.availableMax {
		for _, r := range slices.Backward(p.settled) {
			if r.contains(seq) {
				return r.kind
			}
		}
		if seq <= p.forgotten {
			return rtps.StatusNotAvailableUnspecified
		}
		return rtps.StatusReceived
	}
	if _, ok := p.received[seq]; ok {
		return rtps.StatusReceived
	}
	for _, r := range p.pending {
		if r.contains(seq) {
			return r.kind
		}
	}
	if seq <= p.announced {
		return rtps.StatusMissing
	}
	return rtps.StatusUnknown
}

// ReceivedChangeSet records seq as received. Applying it again, or to a
// number already settled, changes nothing.
func (p *WriterProxy) ReceivedChangeSet(seq rtps.SequenceNumber) bool {
	if s := p.Status(seq); s == rtps.StatusReceived || s.NotAvailable() {
		return false
	}
	p.received[seq] = struct{}{}
	p.advance()
	return true
}

// IrrelevantChangeSet declares seq filtered out by the writer.
func (p *WriterProxy) IrrelevantChangeSet(seq rtps.SequenceNumber) {
	p.markUnavailable(seq, seq, rtps.StatusNotAvailableFiltered)
}

// RemovedChangesSet declares [first, last] no longer available from the
// writer, skipping numbers already received.
func (p *WriterProxy) RemovedChangesSet(first, last rtps.SequenceNumber) {
	p.markUnavailable(first, last, rtps.StatusNotAvailableRemoved)
}

// LostChangesUpdate settles every number below firstAvailable that was not
// received: the writer no longer holds it, so it will never arrive.
func (p *WriterProxy) LostChangesUpdate(firstAvailable rtps.SequenceNumber) {
	p.markUnavailable(1, firstAvailable-1, rtps.StatusNotAvailableRemoved)
}

// MissingChangesUpdate raises the announced maximum to lastAvailable.
func (p *WriterProxy) MissingChangesUpdate(lastAvailable rtps.SequenceNumber) {
	if lastAvailable > p.announced {
		p.announced = lastAvailable
	}
}

// MissingChanges lists the missing numbers in ascending order. At most
// rtps.MaxSetBits numbers past AvailableChangesMax are examined, the window
// a single AckNack can carry.
func (p *WriterProxy) MissingChanges() []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	last := min(p.announced, p.availableMax+rtps.MaxSetBits)
	for seq := p.availableMax + 1; seq <= last; seq++ {
		if p.Status(seq) == rtps.StatusMissing {
			out = append(out, seq)
		}
	}
	return out
}

func (p *WriterProxy) hasMissing() bool {
	return len(p.MissingChanges()) > 0
}

func (p *WriterProxy) markUnavailable(first, last rtps.SequenceNumber, kind rtps.ChangeFromWriterStatusKind) {
	first = max(first, p.availableMax+1)
	if last < first {
		return
	}
	for _, seq := range p.receivedBetween(first, last) {
		if seq > first {
			p.pending = append(p.pending, unavailableRange{first, seq - 1, kind})
		}
		first = seq + 1
	}
	if first <= last {
		p.pending = append(p.pending, unavailableRange{first, last, kind})
	}
	p.advance()
}

func (p *WriterProxy) receivedBetween(first, last rtps.SequenceNumber) []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	for seq := range p.received {
		if seq >= first && seq <= last {
			out = append(out, seq)
		}
	}
	slices.Sort(out)
	return out
}

// advance moves availableMax over the contiguous settled prefix.
func (p *WriterProxy) advance() {
	for {
		next := p.availableMax + 1
		if _, ok := p.received[next]; ok {
			delete(p.received, next)
			p.availableMax = next
			continue
		}
		i := slices.IndexFunc(p.pending, func(r unavailableRange) bool { return r.contains(next) })
		if i < 0 {
			break
		}
		r := p.pending[i]
		p.pending = slices.Delete(p.pending, i, i+1)
		p.settle(unavailableRange{next, r.last, r.kind})
		p.availableMax = r.last
	}
	p.pending = slices.DeleteFunc(p.pending, func(r unavailableRange) bool { return r.last <= p.availableMax })
	if p.availableMax > p.announced {
		p.announced = p.availableMax
	}
}

func (p *WriterProxy) settle(r unavailableRange) {
	p.settled = append(p.settled, r)
	if n := len(p.settled) - maxSettledRanges; n > 0 {
		p.forgotten = p.settled[n-1].last
		p.settled = slices.Delete(p.settled, 0, n)
	}
}

// releasable pops the held changes that ordered delivery may hand out now.
func (p *WriterProxy) releasable() []*rtps.CacheChange {
	var out []*rtps.CacheChange
	for _, seq := range slices.Sorted(maps.Keys(p.held)) {
		if seq > p.availableMax {
			break
		}
		out = append(out, p.held[seq])
		delete(p.held, seq)
	}
	return out
}

func (p *WriterProxy) destinations() []rtps.Locator {
	if len(p.attrs.UnicastLocators) > 0 {
		return p.attrs.UnicastLocators
	}
	return p.attrs.MulticastLocators
}

func (p *WriterProxy) clone() *WriterProxy {
	c := *p
	c.received = maps.Clone(p.received)
	c.pending = slices.Clone(p.pending)
	c.settled = slices.Clone(p.settled)
	c.held = maps.Clone(p.held)
	c.ackNack = nil
	return &c
}
