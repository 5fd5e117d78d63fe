package reader

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

// StatefulReader is the reliable reader. It keeps a WriterProxy per matched
// writer, requests what heartbeats show it is missing and delivers samples,
// in order when configured to.
type StatefulReader struct {
	*endpoint

	proxies map[rtps.Guid]*WriterProxy
}

func NewStatefulReader(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, opts ...Opt) *StatefulReader {
	return &StatefulReader{
		endpoint: newEndpoint(guid, q, sender, "stateful_reader", opts),
		proxies:  make(map[rtps.Guid]*WriterProxy),
	}
}

// MatchedWriterAdd starts tracking a writer. Matching a guid twice is a
// programming error and panics.
func (r *StatefulReader) MatchedWriterAdd(attrs WriterProxyAttributes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	guid := attrs.RemoteWriterGUID
	if _, ok := r.proxies[guid]; ok {
		panic(fmt.Errorf("%w: writer %s on reader %s", rtps.ErrDuplicateMatch, guid, r.guid))
	}
	r.proxies[guid] = newWriterProxy(attrs)
	telemetry.MatchedProxies.WithLabelValues("writer").Inc()
	r.logger.Info("matched writer", zap.Stringer("writer", guid))
}

// MatchedWriterRemove forgets a writer along with its pending AckNack and
// partially received samples. Samples already in the cache stay.
func (r *StatefulReader) MatchedWriterRemove(guid rtps.Guid) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[guid]
	if !ok {
		return false
	}
	if p.ackNack != nil {
		p.ackNack.Stop()
	}
	r.frags.forgetWriter(guid)
	delete(r.proxies, guid)
	telemetry.MatchedProxies.WithLabelValues("writer").Dec()
	r.logger.Info("unmatched writer", zap.Stringer("writer", guid))
	return true
}

// MatchedWriterLookup returns a snapshot of the proxy for guid.
func (r *StatefulReader) MatchedWriterLookup(guid rtps.Guid) (*WriterProxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.proxies[guid]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (r *StatefulReader) MatchedWriters() []rtps.Guid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.SortedFunc(maps.Keys(r.proxies), rtps.Guid.Compare)
}

func (r *StatefulReader) HandleData(src rtps.GuidPrefix, d *message.Data) {
	r.mu.Lock()
	ready := r.handleDataLocked(d)
	r.mu.Unlock()
	r.deliver(ready)
}

func (r *StatefulReader) handleDataLocked(d *message.Data) []*rtps.CacheChange {
	p, ok := r.proxies[d.WriterGUID]
	if !ok {
		r.unknownPeer(message.KindData, d.WriterGUID)
		return nil
	}
	if d.SequenceNumber < 1 {
		r.violationLocked(message.KindData, badSequenceNumber(d.SequenceNumber))
		return nil
	}
	r.observe(p.GUID())
	return r.acceptLocked(p, &rtps.CacheChange{
		Kind:           d.ChangeKind,
		WriterGUID:     d.WriterGUID,
		InstanceHandle: d.InstanceHandle,
		SequenceNumber: d.SequenceNumber,
		Data:           d.Payload,
		InlineQos:      d.InlineQos,
	})
}

// acceptLocked stores a complete change and returns the changes that are
// ready for the application.
func (r *StatefulReader) acceptLocked(p *WriterProxy, c *rtps.CacheChange) []*rtps.CacheChange {
	switch s := p.Status(c.SequenceNumber); {
	case s == rtps.StatusReceived:
		r.stats.Duplicates++
		return nil
	case s.NotAvailable():
		r.stats.Discarded++
		r.logger.Info("discarding change declared unavailable",
			zap.Stringer("change", c.ID()),
			zap.Stringer("status", s),
		)
		return nil
	}
	if !r.storeLocked(c) {
		return nil
	}
	p.ReceivedChangeSet(c.SequenceNumber)
	if !r.cfg.OrderedDelivery {
		return []*rtps.CacheChange{c}
	}
	p.held[c.SequenceNumber] = c
	return p.releasable()
}

func (r *StatefulReader) HandleDataFrag(src rtps.GuidPrefix, df *message.DataFrag) {
	r.mu.Lock()
	ready := r.handleDataFragLocked(df)
	r.mu.Unlock()
	r.deliver(ready)
}

func (r *StatefulReader) handleDataFragLocked(df *message.DataFrag) []*rtps.CacheChange {
	p, ok := r.proxies[df.WriterGUID]
	if !ok {
		r.unknownPeer(message.KindDataFrag, df.WriterGUID)
		return nil
	}
	if df.SequenceNumber < 1 {
		r.violationLocked(message.KindDataFrag, badSequenceNumber(df.SequenceNumber))
		return nil
	}
	r.observe(p.GUID())
	if s := p.Status(df.SequenceNumber); s == rtps.StatusReceived || s.NotAvailable() {
		r.frags.forget(df.WriterGUID, df.SequenceNumber)
		return nil
	}
	c := r.assembleLocked(df)
	if c == nil {
		return nil
	}
	return r.acceptLocked(p, c)
}

// HandleGap marks the numbers a writer declared irrelevant as removed.
func (r *StatefulReader) HandleGap(src rtps.GuidPrefix, g *message.Gap) {
	r.mu.Lock()
	ready := r.handleGapLocked(g)
	r.mu.Unlock()
	r.deliver(ready)
}

func (r *StatefulReader) handleGapLocked(g *message.Gap) []*rtps.CacheChange {
	p, ok := r.proxies[g.WriterGUID]
	if !ok {
		r.unknownPeer(message.KindGap, g.WriterGUID)
		return nil
	}
	if err := g.Validate(); err != nil {
		r.violationLocked(message.KindGap, err)
		return nil
	}
	r.observe(p.GUID())
	p.RemovedChangesSet(g.GapStart, g.GapList.Base-1)
	for _, seq := range g.GapList.Set {
		p.RemovedChangesSet(seq, seq)
	}
	r.frags.forgetRange(g.WriterGUID, g.GapStart, g.GapList.Base-1)
	for _, seq := range g.GapList.Set {
		r.frags.forget(g.WriterGUID, seq)
	}
	return p.releasable()
}

// HandleHeartbeat updates the announced range of a writer and schedules the
// AckNack answering it.
func (r *StatefulReader) HandleHeartbeat(src rtps.GuidPrefix, hb *message.Heartbeat) {
	r.mu.Lock()
	outs, ready := r.handleHeartbeatLocked(hb)
	r.mu.Unlock()
	r.deliver(ready)
	r.send(outs)
}

func (r *StatefulReader) handleHeartbeatLocked(hb *message.Heartbeat) ([]message.Outbound, []*rtps.CacheChange) {
	p, ok := r.proxies[hb.WriterGUID]
	if !ok {
		r.unknownPeer(message.KindHeartbeat, hb.WriterGUID)
		return nil, nil
	}
	if p.seenHeartbeat && hb.Count <= p.hbCount {
		r.logger.Debug("ignoring stale heartbeat", zap.Stringer("writer", hb.WriterGUID), zap.Int32("count", int32(hb.Count)))
		return nil, nil
	}
	if err := hb.Validate(); err != nil {
		r.violationLocked(message.KindHeartbeat, err)
		return nil, nil
	}
	p.seenHeartbeat = true
	p.hbCount = hb.Count
	r.observe(p.GUID())
	if hb.Liveliness {
		return nil, nil
	}

	p.MissingChangesUpdate(hb.LastSN)
	p.LostChangesUpdate(hb.FirstSN)
	ready := p.releasable()

	if !hb.Final {
		p.mustRespond = true
	}
	if !p.mustRespond && !p.hasMissing() {
		return nil, ready
	}
	now := r.clock.Now()
	if d := r.cfg.HeartbeatSuppressionDelay; d > 0 && !p.lastAckNack.IsZero() && now.Sub(p.lastAckNack) < d {
		return nil, ready
	}
	if r.cfg.HeartbeatResponseDelay <= 0 {
		return r.ackNackLocked(p), ready
	}
	if p.ackNack == nil {
		guid := p.GUID()
		p.ackNack = r.clock.AfterFunc(r.cfg.HeartbeatResponseDelay, func() { r.flushAckNack(guid) })
	}
	return nil, ready
}

// flushAckNack sends the AckNack scheduled for guid. A writer unmatched in
// the meantime gets nothing.
func (r *StatefulReader) flushAckNack(guid rtps.Guid) {
	r.mu.Lock()
	p, ok := r.proxies[guid]
	if !ok {
		r.mu.Unlock()
		return
	}
	p.ackNack = nil
	outs := r.ackNackLocked(p)
	r.mu.Unlock()
	r.send(outs)
}

// ackNackLocked acknowledges everything up to AvailableChangesMax and
// requests the missing numbers of the window that follows.
func (r *StatefulReader) ackNackLocked(p *WriterProxy) []message.Outbound {
	missing := p.MissingChanges()
	p.ackNackCount++
	p.mustRespond = false
	p.lastAckNack = r.clock.Now()
	r.stats.AckNacksSent++
	an := &message.AckNack{
		ReaderGUID:    r.guid,
		WriterGUID:    p.GUID(),
		ReaderSNState: message.AckNackState(p.availableMax+1, p.announced, missing),
		Count:         p.ackNackCount,
		Final:         len(missing) == 0,
	}
	return []message.Outbound{{Destinations: p.destinations(), Submessages: []message.Submessage{an}}}
}

// HandleHeartbeatFrag asks for the fragments still missing of a sample.
func (r *StatefulReader) HandleHeartbeatFrag(src rtps.GuidPrefix, hf *message.HeartbeatFrag) {
	r.mu.Lock()
	outs := r.handleHeartbeatFragLocked(hf)
	r.mu.Unlock()
	r.send(outs)
}

func (r *StatefulReader) handleHeartbeatFragLocked(hf *message.HeartbeatFrag) []message.Outbound {
	p, ok := r.proxies[hf.WriterGUID]
	if !ok {
		r.unknownPeer(message.KindHeartbeatFrag, hf.WriterGUID)
		return nil
	}
	if p.seenHBFrag && hf.Count <= p.hbFragCount {
		return nil
	}
	if hf.SequenceNumber < 1 || hf.LastFragmentNum < 1 {
		r.violationLocked(message.KindHeartbeatFrag, fmt.Errorf("%w: heartbeatfrag %d/%d",
			rtps.ErrProtocolViolation, hf.SequenceNumber, hf.LastFragmentNum))
		return nil
	}
	p.seenHBFrag = true
	p.hbFragCount = hf.Count
	r.observe(p.GUID())
	if s := p.Status(hf.SequenceNumber); s == rtps.StatusReceived || s.NotAvailable() {
		return nil
	}
	nf := r.nackFragLocked(hf.WriterGUID, hf.SequenceNumber, hf.LastFragmentNum, &p.nackFragCount)
	if nf == nil {
		return nil
	}
	return []message.Outbound{{Destinations: p.destinations(), Submessages: []message.Submessage{nf}}}
}

// nackFragLocked builds the NackFrag for the missing fragments of seq, nil
// when none are missing.
func (r *StatefulReader) nackFragLocked(writer rtps.Guid, seq rtps.SequenceNumber, last rtps.FragmentNumber, count *rtps.Count) *message.NackFrag {
	missing := r.frags.missing(writer, seq, last)
	if len(missing) == 0 {
		return nil
	}
	base := missing[0]
	numBits := min(uint32(last-base)+1, rtps.MaxSetBits)
	*count++
	r.stats.NackFragsSent++
	return &message.NackFrag{
		ReaderGUID:          r.guid,
		WriterGUID:          writer,
		SequenceNumber:      seq,
		FragmentNumberState: rtps.NewFragmentNumberSet(base, numBits, missing...),
		Count:               *count,
	}
}

// Run waits for ctx and then cancels pending AckNacks.
func (r *StatefulReader) Run(ctx context.Context) error {
	<-ctx.Done()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.proxies {
		if p.ackNack != nil {
			p.ackNack.Stop()
			p.ackNack = nil
		}
	}
	return nil
}

func (r *StatefulReader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.CacheLen = r.cache.Len()
	s.MatchedWriters = len(r.proxies)
	s.PendingFragments = r.frags.count()
	return s
}
