package writer

import (
	"maps"
	"slices"
	"time"

	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// ReaderProxyAttributes describe a matched remote reader as announced by
// discovery.
type ReaderProxyAttributes struct {
	RemoteReaderGUID    rtps.Guid
	RemoteGroupEntityID rtps.EntityId
	ExpectsInlineQos    bool
	UnicastLocators     []rtps.Locator
	MulticastLocators   []rtps.Locator
	// Durability requested by the reader. Volatile readers are not sent
	// changes written before they matched.
	Durability qos.DurabilityKind
}

// ReaderProxy is the writer's bookkeeping for one matched reader. It holds
// sequence numbers only; payloads stay in the writer's cache.
type ReaderProxy struct {
	attrs ReaderProxyAttributes

	highestSent rtps.SequenceNumber
	// every number below ackedBase is acknowledged; acked holds the
	// acknowledged numbers above it.
	ackedBase rtps.SequenceNumber
	acked     map[rtps.SequenceNumber]struct{}
	requested map[rtps.SequenceNumber]struct{}
	underway  map[rtps.SequenceNumber]time.Time
	// numbers below firstRelevant predate the match of a volatile reader.
	firstRelevant rtps.SequenceNumber

	ackNackCount  rtps.Count
	seenAckNack   bool
	nackFragCount rtps.Count
	seenNackFrag  bool
}

func newReaderProxy(attrs ReaderProxyAttributes) *ReaderProxy {
	return &ReaderProxy{
		attrs:         attrs,
		highestSent:   rtps.SequenceNumberUnknown,
		ackedBase:     1,
		acked:         make(map[rtps.SequenceNumber]struct{}),
		requested:     make(map[rtps.SequenceNumber]struct{}),
		underway:      make(map[rtps.SequenceNumber]time.Time),
		firstRelevant: 1,
	}
}

func (p *ReaderProxy) GUID() rtps.Guid { return p.attrs.RemoteReaderGUID }

func (p *ReaderProxy) Attributes() ReaderProxyAttributes { return p.attrs }

// HighestSent is the highest sequence number pushed or resent to the reader,
// SequenceNumberUnknown before the first one.
func (p *ReaderProxy) HighestSent() rtps.SequenceNumber { return p.highestSent }

// Status derives the state of seq for this reader.
func (p *ReaderProxy) Status(seq rtps.SequenceNumber) rtps.ChangeForReaderStatusKind {
	switch {
	case p.IsAcked(seq):
		return rtps.StatusAcknowledged
	case p.isRequested(seq):
		return rtps.StatusRequested
	case p.isUnderway(seq):
		return rtps.StatusUnderway
	case seq <= p.highestSent:
		return rtps.StatusUnacknowledged
	}
	return rtps.StatusUnsent
}

func (p *ReaderProxy) IsAcked(seq rtps.SequenceNumber) bool {
	if seq < p.ackedBase {
		return true
	}
	_, ok := p.acked[seq]
	return ok
}

func (p *ReaderProxy) isRequested(seq rtps.SequenceNumber) bool {
	_, ok := p.requested[seq]
	return ok
}

func (p *ReaderProxy) isUnderway(seq rtps.SequenceNumber) bool {
	_, ok := p.underway[seq]
	return ok
}

// AckedChangesSet applies the acknowledgement part of an AckNack: numbers
// below state.Base and window members that are not set. Numbers above upto,
// the writer's last sequence number, are never acknowledged. It reports
// whether anything new was acknowledged.
func (p *ReaderProxy) AckedChangesSet(state rtps.SequenceNumberSet, upto rtps.SequenceNumber) bool {
	changed := false
	if state.Base > p.ackedBase {
		p.ackedBase = state.Base
		for _, m := range []map[rtps.SequenceNumber]struct{}{p.acked, p.requested} {
			maps.DeleteFunc(m, func(seq rtps.SequenceNumber, _ struct{}) bool { return seq < state.Base })
		}
		maps.DeleteFunc(p.underway, func(seq rtps.SequenceNumber, _ time.Time) bool { return seq < state.Base })
		changed = true
	}
	last := min(state.Last(), upto)
	for seq := state.Base; seq <= last; seq++ {
		if state.Contains(seq) || p.IsAcked(seq) {
			continue
		}
		p.ack(seq)
		changed = true
	}
	p.compact()
	return changed
}

func (p *ReaderProxy) ack(seq rtps.SequenceNumber) {
	p.acked[seq] = struct{}{}
	delete(p.requested, seq)
	delete(p.underway, seq)
}

func (p *ReaderProxy) compact() {
	for {
		if _, ok := p.acked[p.ackedBase]; !ok {
			return
		}
		delete(p.acked, p.ackedBase)
		p.ackedBase++
	}
}

// RequestedChangesSet marks seqs as requested. Acknowledged numbers and
// numbers resent less than suppression ago are skipped, as are numbers above
// upto. Numbers that predate a volatile match stay requestable so they can be
// answered with a Gap. It returns how many numbers became requested.
func (p *ReaderProxy) RequestedChangesSet(seqs []rtps.SequenceNumber, upto rtps.SequenceNumber, now time.Time, suppression time.Duration) int {
	n := 0
	for _, seq := range seqs {
		if seq > upto || seq < 1 {
			continue
		}
		if p.IsAcked(seq) && seq >= p.firstRelevant {
			continue
		}
		if sent, ok := p.underway[seq]; ok {
			if now.Sub(sent) < suppression {
				continue
			}
			delete(p.underway, seq)
		}
		if _, ok := p.requested[seq]; !ok {
			p.requested[seq] = struct{}{}
			n++
		}
	}
	return n
}

// RequestedChanges lists the requested numbers in ascending order.
func (p *ReaderProxy) RequestedChanges() []rtps.SequenceNumber {
	return slices.Sorted(maps.Keys(p.requested))
}

func (p *ReaderProxy) NextRequestedChange() (rtps.SequenceNumber, bool) {
	if len(p.requested) == 0 {
		return rtps.SequenceNumberUnknown, false
	}
	return slices.Min(slices.Collect(maps.Keys(p.requested))), true
}

func (p *ReaderProxy) hasRequests() bool { return len(p.requested) > 0 }

// UnsentChanges are the cached changes above HighestSent.
func (p *ReaderProxy) UnsentChanges(cache history.Cache) []*rtps.CacheChange {
	var out []*rtps.CacheChange
	for _, c := range cache.Changes() {
		if c.SequenceNumber > p.highestSent && c.SequenceNumber >= p.firstRelevant {
			out = append(out, c)
		}
	}
	return out
}

func (p *ReaderProxy) NextUnsentChange(cache history.Cache) (*rtps.CacheChange, bool) {
	unsent := p.UnsentChanges(cache)
	if len(unsent) == 0 {
		return nil, false
	}
	return unsent[0], true
}

// UnackedChanges are the cached changes the reader has not acknowledged.
func (p *ReaderProxy) UnackedChanges(cache history.Cache) []*rtps.CacheChange {
	var out []*rtps.CacheChange
	for _, c := range cache.Changes() {
		if !p.IsAcked(c.SequenceNumber) {
			out = append(out, c)
		}
	}
	return out
}

func (p *ReaderProxy) hasUnacked(cache history.Cache) bool {
	for _, c := range cache.Changes() {
		if !p.IsAcked(c.SequenceNumber) {
			return true
		}
	}
	return false
}

func (p *ReaderProxy) markSent(seq rtps.SequenceNumber) {
	if seq > p.highestSent {
		p.highestSent = seq
	}
}

func (p *ReaderProxy) markUnderway(seq rtps.SequenceNumber, now time.Time) {
	delete(p.requested, seq)
	p.underway[seq] = now
	p.markSent(seq)
}

// skipTo treats every number up to last as irrelevant to this reader.
func (p *ReaderProxy) skipTo(last rtps.SequenceNumber) {
	if last < 1 {
		return
	}
	p.highestSent = last
	p.ackedBase = last + 1
	p.firstRelevant = last + 1
}

func (p *ReaderProxy) destinations() []rtps.Locator {
	if len(p.attrs.UnicastLocators) > 0 {
		return p.attrs.UnicastLocators
	}
	return p.attrs.MulticastLocators
}

func (p *ReaderProxy) clone() *ReaderProxy {
	c := *p
	c.acked = maps.Clone(p.acked)
	c.requested = maps.Clone(p.requested)
	c.underway = maps.Clone(p.underway)
	return &c
}
