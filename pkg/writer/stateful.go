package writer

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

// Stats is a point-in-time view of a StatefulWriter.
type Stats struct {
	LastSequenceNumber rtps.SequenceNumber `json:"last_sequence_number"`
	CacheLen           int                 `json:"cache_len"`
	MatchedReaders     int                 `json:"matched_readers"`
	HeartbeatsSent     uint64              `json:"heartbeats_sent"`
	AckNacksReceived   uint64              `json:"acknacks_received"`
	Retransmissions    uint64              `json:"retransmissions"`
	GapsSent           uint64              `json:"gaps_sent"`
	ProtocolViolations uint64              `json:"protocol_violations"`
}

// StatefulWriter is the reliable writer. It keeps a ReaderProxy per matched
// reader, resends what readers request and answers requests for changes it
// no longer holds with a Gap.
type StatefulWriter struct {
	*endpoint

	proxies map[rtps.Guid]*ReaderProxy
	hbCount rtps.Count
	// repair is the pending coalesced retransmission, nil when none.
	repair clockwork.Timer
	// repairGen identifies the current repair timer. A callback carrying an
	// older generation was stopped too late and does nothing.
	repairGen uint64
	stats  Stats
}

func NewStatefulWriter(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, opts ...Opt) *StatefulWriter {
	return &StatefulWriter{
		endpoint: newEndpoint(guid, q, sender, "stateful_writer", opts),
		proxies:  make(map[rtps.Guid]*ReaderProxy),
	}
}

// NewChange allocates the next sequence number, stores the change and, in
// push mode, sends it to every matched reader.
func (w *StatefulWriter) NewChange(ctx context.Context, kind rtps.ChangeKind, handle rtps.InstanceHandle, data []byte, inlineQos rtps.ParameterList) (*rtps.CacheChange, error) {
	return w.newChange(ctx, kind, handle, data, inlineQos, w.reclaimLocked, w.pushLocked)
}

func (w *StatefulWriter) Write(ctx context.Context, handle rtps.InstanceHandle, data []byte) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindAlive, handle, data, nil)
}

func (w *StatefulWriter) Dispose(ctx context.Context, handle rtps.InstanceHandle) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindNotAliveDisposed, handle, nil, nil)
}

func (w *StatefulWriter) Unregister(ctx context.Context, handle rtps.InstanceHandle) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindNotAliveUnregistered, handle, nil, nil)
}

// RemoveChange drops seq from the history.
func (w *StatefulWriter) RemoveChange(seq rtps.SequenceNumber) bool {
	return w.removeChange(seq)
}

func (w *StatefulWriter) pushLocked(c *rtps.CacheChange) []message.Outbound {
	if !w.cfg.PushMode {
		return nil
	}
	var outs []message.Outbound
	for _, p := range w.sortedProxiesLocked() {
		outs = append(outs, message.Outbound{
			Destinations: p.destinations(),
			Submessages:  w.dataSubmessages(c, p.GUID(), p.attrs.ExpectsInlineQos),
		})
		p.markSent(c.SequenceNumber)
	}
	return outs
}

// reclaimLocked frees changes every matched reader acknowledged. A
// transient-local writer without readers keeps its history for late joiners.
func (w *StatefulWriter) reclaimLocked() int {
	if len(w.proxies) == 0 && w.qos.Durability.Kind != qos.Volatile {
		return 0
	}
	n := 0
	for _, c := range w.cache.Changes() {
		if w.ackedByAllLocked(c.SequenceNumber) {
			w.cache.RemoveChange(c.WriterGUID, c.SequenceNumber)
			n++
		}
	}
	if n > 0 {
		w.logger.Debug("reclaimed acknowledged changes", zap.Int("count", n))
	}
	return n
}

// MatchedReaderAdd starts tracking a reader. Matching a guid twice is a
// programming error and panics.
func (w *StatefulWriter) MatchedReaderAdd(attrs ReaderProxyAttributes) {
	w.mu.Lock()
	guid := attrs.RemoteReaderGUID
	if _, ok := w.proxies[guid]; ok {
		w.mu.Unlock()
		panic(fmt.Errorf("%w: reader %s on writer %s", rtps.ErrDuplicateMatch, guid, w.guid))
	}
	p := newReaderProxy(attrs)
	if attrs.Durability == qos.Volatile {
		p.skipTo(w.lastSeq)
	}
	w.proxies[guid] = p
	telemetry.MatchedProxies.WithLabelValues("reader").Inc()

	var outs []message.Outbound
	if w.cfg.PushMode {
		var subs []message.Submessage
		for _, c := range p.UnsentChanges(w.cache) {
			subs = append(subs, w.dataSubmessages(c, guid, attrs.ExpectsInlineQos)...)
			p.markSent(c.SequenceNumber)
		}
		if len(subs) > 0 {
			outs = append(outs, message.Outbound{Destinations: p.destinations(), Submessages: subs})
		}
	}
	outs = append(outs, w.heartbeatLocked([]*ReaderProxy{p})...)
	w.mu.Unlock()

	w.logger.Info("matched reader", zap.Stringer("reader", guid), zap.Stringer("durability", attrs.Durability))
	w.send(outs)
}

// MatchedReaderRemove forgets a reader. Changes it never acknowledged stop
// waiting on it.
func (w *StatefulWriter) MatchedReaderRemove(guid rtps.Guid) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.proxies[guid]; !ok {
		return false
	}
	delete(w.proxies, guid)
	telemetry.MatchedProxies.WithLabelValues("reader").Dec()
	if !w.anyRequestsLocked() {
		w.cancelRepairLocked()
	}
	w.notifyProgressLocked()
	w.logger.Info("unmatched reader", zap.Stringer("reader", guid))
	return true
}

// MatchedReaderLookup returns a snapshot of the proxy for guid.
func (w *StatefulWriter) MatchedReaderLookup(guid rtps.Guid) (*ReaderProxy, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.proxies[guid]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (w *StatefulWriter) MatchedReaders() []rtps.Guid {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.SortedFunc(maps.Keys(w.proxies), rtps.Guid.Compare)
}

// IsAckedByAll reports whether every matched reader acknowledged seq.
func (w *StatefulWriter) IsAckedByAll(seq rtps.SequenceNumber) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ackedByAllLocked(seq)
}

func (w *StatefulWriter) ackedByAllLocked(seq rtps.SequenceNumber) bool {
	for _, p := range w.proxies {
		if !p.IsAcked(seq) {
			return false
		}
	}
	return true
}

func (w *StatefulWriter) allAckedLocked() bool {
	for _, c := range w.cache.Changes() {
		if !w.ackedByAllLocked(c.SequenceNumber) {
			return false
		}
	}
	return true
}

// WaitForAcknowledgments blocks until every cached change is acknowledged by
// every matched reader, maxWait elapses or ctx is done.
func (w *StatefulWriter) WaitForAcknowledgments(ctx context.Context, maxWait time.Duration) error {
	timer := w.clock.NewTimer(maxWait)
	defer timer.Stop()
	for {
		w.mu.Lock()
		done := w.allAckedLocked()
		progress := w.progress
		w.mu.Unlock()
		if done {
			return nil
		}
		select {
		case <-progress:
		case <-timer.Chan():
			return ErrAckTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendHeartbeat announces the cached range to every matched reader now.
func (w *StatefulWriter) SendHeartbeat() {
	w.mu.Lock()
	outs := w.heartbeatLocked(w.sortedProxiesLocked())
	w.mu.Unlock()
	w.send(outs)
}

// periodicHeartbeat announces the range to readers still missing
// acknowledgements.
func (w *StatefulWriter) periodicHeartbeat() {
	w.mu.Lock()
	var pending []*ReaderProxy
	for _, p := range w.sortedProxiesLocked() {
		if p.hasUnacked(w.cache) {
			pending = append(pending, p)
		}
	}
	outs := w.heartbeatLocked(pending)
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatefulWriter) heartbeatLocked(proxies []*ReaderProxy) []message.Outbound {
	if len(proxies) == 0 {
		return nil
	}
	w.hbCount++
	outs := make([]message.Outbound, 0, len(proxies))
	for _, p := range proxies {
		outs = append(outs, message.Outbound{
			Destinations: p.destinations(),
			Submessages:  []message.Submessage{w.heartbeatForLocked(p)},
		})
	}
	w.stats.HeartbeatsSent += uint64(len(proxies))
	return outs
}

// heartbeatForLocked uses the current count; callers bump it once per round.
func (w *StatefulWriter) heartbeatForLocked(p *ReaderProxy) *message.Heartbeat {
	first, last := w.rangeLocked()
	if p.firstRelevant > first {
		first = min(p.firstRelevant, last+1)
	}
	return &message.Heartbeat{
		ReaderGUID: p.GUID(),
		WriterGUID: w.guid,
		FirstSN:    first,
		LastSN:     last,
		Count:      w.hbCount,
		Final:      !p.hasUnacked(w.cache),
	}
}

// HandleAckNack applies a reader's acknowledgement state and schedules the
// retransmissions it asks for.
func (w *StatefulWriter) HandleAckNack(src rtps.GuidPrefix, an *message.AckNack) {
	w.mu.Lock()
	outs := w.handleAckNackLocked(an)
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatefulWriter) handleAckNackLocked(an *message.AckNack) []message.Outbound {
	p, ok := w.proxies[an.ReaderGUID]
	if !ok {
		w.unknownPeer(message.KindAckNack, an.ReaderGUID)
		return nil
	}
	if p.seenAckNack && an.Count <= p.ackNackCount {
		w.logger.Debug("ignoring stale acknack", zap.Stringer("reader", an.ReaderGUID), zap.Int32("count", int32(an.Count)))
		return nil
	}
	if err := w.validateAckNackLocked(an); err != nil {
		w.stats.ProtocolViolations++
		w.violation(message.KindAckNack, err)
		return nil
	}
	p.seenAckNack = true
	p.ackNackCount = an.Count
	w.stats.AckNacksReceived++
	w.observe(p.GUID())

	now := w.clock.Now()
	if p.AckedChangesSet(an.ReaderSNState, w.lastSeq) {
		w.notifyProgressLocked()
	}
	p.RequestedChangesSet(an.ReaderSNState.Set, w.lastSeq, now, w.cfg.NackSuppressionDelay)

	var outs []message.Outbound
	requested := p.hasRequests()
	switch {
	case requested:
		outs = w.scheduleRepairLocked()
	case !w.anyRequestsLocked():
		w.cancelRepairLocked()
	}
	if !an.Final && !requested && p.hasUnacked(w.cache) {
		outs = append(outs, w.heartbeatLocked([]*ReaderProxy{p})...)
	}
	return outs
}

func (w *StatefulWriter) validateAckNackLocked(an *message.AckNack) error {
	state := an.ReaderSNState
	if err := state.Validate(); err != nil {
		return err
	}
	if state.Base > w.lastSeq+1 {
		return fmt.Errorf("%w: acknack base %d beyond last sequence number %d", rtps.ErrProtocolViolation, state.Base, w.lastSeq)
	}
	return nil
}

func (w *StatefulWriter) anyRequestsLocked() bool {
	for _, p := range w.proxies {
		if p.hasRequests() {
			return true
		}
	}
	return false
}

func (w *StatefulWriter) scheduleRepairLocked() []message.Outbound {
	if w.cfg.NackResponseDelay <= 0 {
		return w.repairLocked()
	}
	if w.repair == nil {
		w.repairGen++
		gen := w.repairGen
		w.repair = w.clock.AfterFunc(w.cfg.NackResponseDelay, func() { w.repairExpired(gen) })
	}
	return nil
}

func (w *StatefulWriter) cancelRepairLocked() {
	if w.repair != nil {
		w.repair.Stop()
		w.repair = nil
		w.repairGen++
	}
}

// repairExpired runs when the nack response delay of timer gen expires.
func (w *StatefulWriter) repairExpired(gen uint64) {
	w.mu.Lock()
	if gen != w.repairGen || w.repair == nil {
		w.mu.Unlock()
		return
	}
	w.repair = nil
	outs := w.repairLocked()
	w.mu.Unlock()
	w.send(outs)
}

// FlushRetransmissions answers every outstanding request now, without
// waiting for a pending nack response delay.
func (w *StatefulWriter) FlushRetransmissions() {
	w.mu.Lock()
	w.cancelRepairLocked()
	outs := w.repairLocked()
	w.mu.Unlock()
	w.send(outs)
}

// repairLocked resends requested changes still cached and answers the
// others with a Gap. A heartbeat rides along with every repair.
func (w *StatefulWriter) repairLocked() []message.Outbound {
	now := w.clock.Now()
	var (
		outs    []message.Outbound
		pending []*ReaderProxy
	)
	for _, p := range w.sortedProxiesLocked() {
		if !p.hasRequests() {
			continue
		}
		var (
			subs []message.Submessage
			gaps []rtps.SequenceNumber
		)
		for _, seq := range p.RequestedChanges() {
			c, ok := w.cache.Change(w.guid, seq)
			if !ok || seq < p.firstRelevant {
				gaps = append(gaps, seq)
				delete(p.requested, seq)
				continue
			}
			subs = append(subs, w.dataSubmessages(c, p.GUID(), p.attrs.ExpectsInlineQos)...)
			p.markUnderway(seq, now)
			w.stats.Retransmissions++
			telemetry.Retransmissions.Inc()
		}
		if len(gaps) > 0 {
			for _, g := range message.GapsFor(w.guid, p.GUID(), gaps) {
				subs = append(subs, g)
			}
			w.stats.GapsSent += uint64(len(gaps))
			telemetry.GapsSent.Add(float64(len(gaps)))
			w.logger.Debug("answering with gap",
				zap.Stringer("reader", p.GUID()),
				zap.Error(fmt.Errorf("%w: %v", rtps.ErrChangeUnavailable, gaps)),
			)
		}
		outs = append(outs, message.Outbound{Destinations: p.destinations(), Submessages: subs})
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return nil
	}
	w.hbCount++
	for i, p := range pending {
		outs[i].Submessages = append(outs[i].Submessages, w.heartbeatForLocked(p))
	}
	w.stats.HeartbeatsSent += uint64(len(pending))
	return outs
}

// HandleNackFrag resends the fragments a reader is missing.
func (w *StatefulWriter) HandleNackFrag(src rtps.GuidPrefix, nf *message.NackFrag) {
	w.mu.Lock()
	outs := w.handleNackFragLocked(nf)
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatefulWriter) handleNackFragLocked(nf *message.NackFrag) []message.Outbound {
	p, ok := w.proxies[nf.ReaderGUID]
	if !ok {
		w.unknownPeer(message.KindNackFrag, nf.ReaderGUID)
		return nil
	}
	if p.seenNackFrag && nf.Count <= p.nackFragCount {
		return nil
	}
	if err := nf.FragmentNumberState.Validate(); err != nil {
		w.stats.ProtocolViolations++
		w.violation(message.KindNackFrag, err)
		return nil
	}
	p.seenNackFrag = true
	p.nackFragCount = nf.Count
	w.observe(p.GUID())

	c, ok := w.cache.Change(w.guid, nf.SequenceNumber)
	if !ok {
		w.stats.GapsSent++
		telemetry.GapsSent.Inc()
		subs := make([]message.Submessage, 0, 1)
		for _, g := range message.GapsFor(w.guid, p.GUID(), []rtps.SequenceNumber{nf.SequenceNumber}) {
			subs = append(subs, g)
		}
		return []message.Outbound{{Destinations: p.destinations(), Submessages: subs}}
	}
	var iq rtps.ParameterList
	if p.attrs.ExpectsInlineQos {
		iq = c.InlineQos
	}
	var subs []message.Submessage
	if w.fragmented(c) {
		subs = w.fragmentSubmessages(c, p.GUID(), iq, nf.FragmentNumberState.Set)
	} else {
		subs = w.dataSubmessages(c, p.GUID(), p.attrs.ExpectsInlineQos)
	}
	p.markSent(c.SequenceNumber)
	return []message.Outbound{{Destinations: p.destinations(), Submessages: subs}}
}

func (w *StatefulWriter) sortedProxiesLocked() []*ReaderProxy {
	out := make([]*ReaderProxy, 0, len(w.proxies))
	for _, guid := range slices.SortedFunc(maps.Keys(w.proxies), rtps.Guid.Compare) {
		out = append(out, w.proxies[guid])
	}
	return out
}

// Run sends periodic heartbeats until ctx is done.
func (w *StatefulWriter) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.HeartbeatPeriod)
	defer ticker.Stop()
	defer func() {
		w.mu.Lock()
		w.cancelRepairLocked()
		w.mu.Unlock()
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.periodicHeartbeat()
		}
	}
}

func (w *StatefulWriter) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.stats
	s.LastSequenceNumber = w.lastSeq
	s.CacheLen = w.cache.Len()
	s.MatchedReaders = len(w.proxies)
	return s
}
