package writer

import (
	"context"
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

// ReaderLocator is a best-effort destination. It remembers only the highest
// sequence number sent and the fragments readers behind it asked for.
type ReaderLocator struct {
	Locator          rtps.Locator
	ExpectsInlineQos bool

	highestSent rtps.SequenceNumber
	requested   map[rtps.SequenceNumber][]rtps.FragmentNumber
	refs        int
}

func newReaderLocator(loc rtps.Locator, expectsInlineQos bool) *ReaderLocator {
	return &ReaderLocator{
		Locator:          loc,
		ExpectsInlineQos: expectsInlineQos,
		highestSent:      rtps.SequenceNumberUnknown,
		requested:        make(map[rtps.SequenceNumber][]rtps.FragmentNumber),
	}
}

func (l *ReaderLocator) HighestSent() rtps.SequenceNumber { return l.highestSent }

func (l *ReaderLocator) UnsentChanges(cache history.Cache) []*rtps.CacheChange {
	var out []*rtps.CacheChange
	for _, c := range cache.Changes() {
		if c.SequenceNumber > l.highestSent {
			out = append(out, c)
		}
	}
	return out
}

func (l *ReaderLocator) NextUnsentChange(cache history.Cache) (*rtps.CacheChange, bool) {
	unsent := l.UnsentChanges(cache)
	if len(unsent) == 0 {
		return nil, false
	}
	return unsent[0], true
}

// UnsentChangesReset makes every cached change unsent again.
func (l *ReaderLocator) UnsentChangesReset() {
	l.highestSent = rtps.SequenceNumberUnknown
}

// RequestedChangesSet records fragments requested through a NackFrag.
func (l *ReaderLocator) RequestedChangesSet(seq rtps.SequenceNumber, frags []rtps.FragmentNumber) {
	merged := append(l.requested[seq], frags...)
	slices.Sort(merged)
	l.requested[seq] = slices.Compact(merged)
}

// RequestedChanges lists the sequence numbers with requested fragments.
func (l *ReaderLocator) RequestedChanges() []rtps.SequenceNumber {
	return slices.Sorted(maps.Keys(l.requested))
}

func (l *ReaderLocator) NextRequestedChange() (rtps.SequenceNumber, bool) {
	reqs := l.RequestedChanges()
	if len(reqs) == 0 {
		return rtps.SequenceNumberUnknown, false
	}
	return reqs[0], true
}

func (l *ReaderLocator) markSent(seq rtps.SequenceNumber) {
	if seq > l.highestSent {
		l.highestSent = seq
	}
}

// StatelessWriter sends best effort to a set of locators. It keeps no
// per-reader acknowledgement state; changes may be resent up to ResendCount
// times every ResendPeriod.
type StatelessWriter struct {
	*endpoint

	locators map[rtps.Locator]*ReaderLocator
	// resent counts the periodic resends of each cached change.
	resent map[rtps.SequenceNumber]int
}

func NewStatelessWriter(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, opts ...Opt) *StatelessWriter {
	return &StatelessWriter{
		endpoint: newEndpoint(guid, q, sender, "stateless_writer", opts),
		locators: make(map[rtps.Locator]*ReaderLocator),
		resent:   make(map[rtps.SequenceNumber]int),
	}
}

// NewChange stores a change and, in push mode, sends it to every locator. A
// full KeepAll history blocks up to the max blocking time and then fails;
// nothing acknowledges a stateless writer, so only RemoveChange frees room.
func (w *StatelessWriter) NewChange(ctx context.Context, kind rtps.ChangeKind, handle rtps.InstanceHandle, data []byte, inlineQos rtps.ParameterList) (*rtps.CacheChange, error) {
	return w.newChange(ctx, kind, handle, data, inlineQos, func() int { return 0 }, w.pushLocked)
}

func (w *StatelessWriter) Write(ctx context.Context, handle rtps.InstanceHandle, data []byte) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindAlive, handle, data, nil)
}

func (w *StatelessWriter) Dispose(ctx context.Context, handle rtps.InstanceHandle) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindNotAliveDisposed, handle, nil, nil)
}

func (w *StatelessWriter) Unregister(ctx context.Context, handle rtps.InstanceHandle) (*rtps.CacheChange, error) {
	return w.NewChange(ctx, rtps.ChangeKindNotAliveUnregistered, handle, nil, nil)
}

func (w *StatelessWriter) RemoveChange(seq rtps.SequenceNumber) bool {
	return w.removeChange(seq)
}

func (w *StatelessWriter) pushLocked(c *rtps.CacheChange) []message.Outbound {
	if !w.cfg.PushMode {
		return nil
	}
	var outs []message.Outbound
	for _, l := range w.sortedLocatorsLocked() {
		outs = append(outs, w.renderLocked(l, c))
		l.markSent(c.SequenceNumber)
	}
	return outs
}

func (w *StatelessWriter) renderLocked(l *ReaderLocator, c *rtps.CacheChange) message.Outbound {
	return message.Outbound{
		Destinations: []rtps.Locator{l.Locator},
		Submessages:  w.dataSubmessages(c, rtps.GuidUnknown, l.ExpectsInlineQos),
	}
}

// ReaderLocatorAdd adds a destination. Several readers may share a locator;
// it stays until every one of them was removed. Changes already cached are
// sent to a new locator only if the writer is transient local.
func (w *StatelessWriter) ReaderLocatorAdd(loc rtps.Locator, expectsInlineQos bool) {
	w.mu.Lock()
	l, ok := w.locators[loc]
	if ok {
		l.refs++
		l.ExpectsInlineQos = l.ExpectsInlineQos || expectsInlineQos
		w.mu.Unlock()
		return
	}
	l = newReaderLocator(loc, expectsInlineQos)
	l.refs = 1
	if w.qos.Durability.Kind == qos.Volatile {
		l.markSent(w.lastSeq)
	}
	w.locators[loc] = l
	telemetry.MatchedProxies.WithLabelValues("locator").Inc()
	outs := w.unsentLocked(l)
	w.mu.Unlock()

	w.logger.Info("added reader locator", zap.Stringer("locator", loc))
	w.send(outs)
}

// ReaderLocatorRemove drops one reference to loc and reports whether the
// locator is gone.
func (w *StatelessWriter) ReaderLocatorRemove(loc rtps.Locator) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locators[loc]
	if !ok {
		return false
	}
	if l.refs--; l.refs > 0 {
		return false
	}
	delete(w.locators, loc)
	telemetry.MatchedProxies.WithLabelValues("locator").Dec()
	w.logger.Info("removed reader locator", zap.Stringer("locator", loc))
	return true
}

func (w *StatelessWriter) ReaderLocators() []rtps.Locator {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]rtps.Locator, 0, len(w.locators))
	for _, l := range w.sortedLocatorsLocked() {
		out = append(out, l.Locator)
	}
	return out
}

// ReaderLocatorLookup returns a snapshot of the locator state.
func (w *StatelessWriter) ReaderLocatorLookup(loc rtps.Locator) (ReaderLocator, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	l, ok := w.locators[loc]
	if !ok {
		return ReaderLocator{}, false
	}
	snap := *l
	snap.requested = maps.Clone(l.requested)
	return snap, true
}

// UnsentChangesReset marks every cached change unsent for every locator and
// sends them again.
func (w *StatelessWriter) UnsentChangesReset() {
	w.mu.Lock()
	var outs []message.Outbound
	for _, l := range w.sortedLocatorsLocked() {
		l.UnsentChangesReset()
		outs = append(outs, w.unsentLocked(l)...)
	}
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatelessWriter) unsentLocked(l *ReaderLocator) []message.Outbound {
	var subs []message.Submessage
	for _, c := range l.UnsentChanges(w.cache) {
		subs = append(subs, w.dataSubmessages(c, rtps.GuidUnknown, l.ExpectsInlineQos)...)
		l.markSent(c.SequenceNumber)
	}
	if len(subs) == 0 {
		return nil
	}
	return []message.Outbound{{Destinations: []rtps.Locator{l.Locator}, Submessages: subs}}
}

// HandleNackFrag records the fragments requested by a reader reachable at
// one of replyTo and sends them.
func (w *StatelessWriter) HandleNackFrag(replyTo []rtps.Locator, nf *message.NackFrag) {
	w.mu.Lock()
	outs := w.handleNackFragLocked(replyTo, nf)
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatelessWriter) handleNackFragLocked(replyTo []rtps.Locator, nf *message.NackFrag) []message.Outbound {
	var l *ReaderLocator
	for _, loc := range replyTo {
		if l = w.locators[loc]; l != nil {
			break
		}
	}
	if l == nil {
		w.unknownPeer(message.KindNackFrag, nf.ReaderGUID)
		return nil
	}
	if err := nf.FragmentNumberState.Validate(); err != nil {
		w.violation(message.KindNackFrag, err)
		return nil
	}
	w.observe(nf.ReaderGUID)
	l.RequestedChangesSet(nf.SequenceNumber, nf.FragmentNumberState.Set)
	return w.requestedLocked(l)
}

// requestedLocked sends the requested fragments of l and clears them.
// Requests for changes no longer cached are dropped.
func (w *StatelessWriter) requestedLocked(l *ReaderLocator) []message.Outbound {
	var subs []message.Submessage
	for _, seq := range l.RequestedChanges() {
		frags := l.requested[seq]
		delete(l.requested, seq)
		c, ok := w.cache.Change(w.guid, seq)
		if !ok {
			continue
		}
		var iq rtps.ParameterList
		if l.ExpectsInlineQos {
			iq = c.InlineQos
		}
		if w.fragmented(c) {
			subs = append(subs, w.fragmentSubmessages(c, rtps.GuidUnknown, iq, frags)...)
		} else {
			subs = append(subs, w.dataSubmessages(c, rtps.GuidUnknown, l.ExpectsInlineQos)...)
		}
	}
	if len(subs) == 0 {
		return nil
	}
	return []message.Outbound{{Destinations: []rtps.Locator{l.Locator}, Submessages: subs}}
}

// resend runs once per ResendPeriod: unsent changes go out (pull mode) and
// every cached change is repeated until it was resent ResendCount times.
func (w *StatelessWriter) resend() {
	w.mu.Lock()
	var outs []message.Outbound
	live := make(map[rtps.SequenceNumber]struct{})
	for _, c := range w.cache.Changes() {
		live[c.SequenceNumber] = struct{}{}
		if w.resent[c.SequenceNumber] >= w.cfg.ResendCount {
			continue
		}
		w.resent[c.SequenceNumber]++
		for _, l := range w.sortedLocatorsLocked() {
			if c.SequenceNumber <= l.highestSent {
				outs = append(outs, w.renderLocked(l, c))
			}
		}
	}
	maps.DeleteFunc(w.resent, func(seq rtps.SequenceNumber, _ int) bool {
		_, ok := live[seq]
		return !ok
	})
	for _, l := range w.sortedLocatorsLocked() {
		outs = append(outs, w.unsentLocked(l)...)
	}
	w.mu.Unlock()
	w.send(outs)
}

func (w *StatelessWriter) sortedLocatorsLocked() []*ReaderLocator {
	keys := slices.SortedFunc(maps.Keys(w.locators), compareLocators)
	out := make([]*ReaderLocator, 0, len(keys))
	for _, k := range keys {
		out = append(out, w.locators[k])
	}
	return out
}

func compareLocators(a, b rtps.Locator) int {
	if a.Kind != b.Kind {
		return int(a.Kind) - int(b.Kind)
	}
	for i := range a.Address {
		if a.Address[i] != b.Address[i] {
			return int(a.Address[i]) - int(b.Address[i])
		}
	}
	return int(a.Port) - int(b.Port)
}

// Run drives periodic resends until ctx is done.
func (w *StatelessWriter) Run(ctx context.Context) error {
	ticker := w.clock.NewTicker(w.cfg.ResendPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			w.resend()
		}
	}
}
