package writer

import (
	"bytes"
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

var (
	writerGUID  = rtps.Guid{Prefix: rtps.GuidPrefix{1}, EntityId: rtps.NewEntityId(1, rtps.EntityKindUserWriterWithKey)}
	readerGUID  = rtps.Guid{Prefix: rtps.GuidPrefix{2}, EntityId: rtps.NewEntityId(1, rtps.EntityKindUserReaderWithKey)}
	reader2GUID = rtps.Guid{Prefix: rtps.GuidPrefix{3}, EntityId: rtps.NewEntityId(1, rtps.EntityKindUserReaderWithKey)}
)

func loc(port uint16) rtps.Locator {
	return rtps.LocatorFromAddrPort(netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), port))
}

func attrsFor(guid rtps.Guid, port uint16, d qos.DurabilityKind) ReaderProxyAttributes {
	return ReaderProxyAttributes{
		RemoteReaderGUID: guid,
		UnicastLocators:  []rtps.Locator{loc(port)},
		Durability:       d,
	}
}

func keepAll(maxSamples int) qos.Endpoint {
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepAll}
	q.ResourceLimits.MaxSamples = maxSamples
	return q
}

func keepLast(depth int) qos.Endpoint {
	q := qos.DefaultWriter()
	q.History = qos.History{Kind: qos.KeepLast, Depth: depth}
	return q
}

func immediate() Config {
	cfg := DefaultConfig()
	cfg.HeartbeatPeriod = 100 * time.Millisecond
	cfg.NackResponseDelay = 0
	return cfg
}

func newTestWriter(t *testing.T, q qos.Endpoint, cfg Config, opts ...Opt) (*StatefulWriter, *transport.Recorder) {
	rec := &transport.Recorder{}
	opts = append([]Opt{WithConfig(cfg), WithLogger(zaptest.NewLogger(t))}, opts...)
	return NewStatefulWriter(writerGUID, q, rec, opts...), rec
}

func acknack(reader rtps.Guid, count rtps.Count, base rtps.SequenceNumber, numBits uint32, requested ...rtps.SequenceNumber) *message.AckNack {
	return &message.AckNack{
		ReaderGUID:    reader,
		WriterGUID:    writerGUID,
		ReaderSNState: rtps.NewSequenceNumberSet(base, numBits, requested...),
		Count:         count,
	}
}

func kinds(subs []message.Submessage) []message.SubmessageKind {
	out := make([]message.SubmessageKind, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.Kind())
	}
	return out
}

func dataSeqs(subs []message.Submessage) []rtps.SequenceNumber {
	var out []rtps.SequenceNumber
	for _, s := range subs {
		if d, ok := s.(*message.Data); ok {
			out = append(out, d.SequenceNumber)
		}
	}
	return out
}

func heartbeats(subs []message.Submessage) []*message.Heartbeat {
	var out []*message.Heartbeat
	for _, s := range subs {
		if hb, ok := s.(*message.Heartbeat); ok {
			out = append(out, hb)
		}
	}
	return out
}

func requirePanicsWith(t *testing.T, target error, f func()) {
	t.Helper()
	var got any
	func() {
		defer func() { got = recover() }()
		f()
	}()
	err, ok := got.(error)
	require.True(t, ok, "expected a panic carrying an error, got %v", got)
	require.ErrorIs(t, err, target)
}

func write(t *testing.T, w interface {
	Write(context.Context, rtps.InstanceHandle, []byte) (*rtps.CacheChange, error)
}, n int) {
	t.Helper()
	for i := range n {
		_, err := w.Write(context.Background(), rtps.InstanceHandle{1}, []byte{byte(i)})
		require.NoError(t, err)
	}
}

func TestRetransmitsOnlyRequestedChange(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))

	hbs := heartbeats(rec.Submessages())
	require.Len(t, hbs, 1)
	require.Equal(t, rtps.SequenceNumber(1), hbs[0].FirstSN)
	require.Equal(t, rtps.SequenceNumber(0), hbs[0].LastSN)
	require.True(t, hbs[0].Final)

	write(t, w, 3)
	require.Equal(t, []rtps.SequenceNumber{1, 2, 3}, dataSeqs(rec.Submessages()))

	// acknowledges 1 and 3, requests 2
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 3, 2))

	out := rec.Take()
	require.Len(t, out, 1)
	require.Equal(t, []rtps.Locator{loc(7411)}, out[0].Destinations)
	require.Equal(t, []rtps.SequenceNumber{2}, dataSeqs(out[0].Submessages))
	require.Equal(t, []message.SubmessageKind{message.KindData, message.KindHeartbeat}, kinds(out[0].Submessages))

	p, ok := w.MatchedReaderLookup(readerGUID)
	require.True(t, ok)
	require.Equal(t, rtps.StatusAcknowledged, p.Status(1))
	require.Equal(t, rtps.StatusUnderway, p.Status(2))
	require.Equal(t, rtps.StatusAcknowledged, p.Status(3))
	require.False(t, w.IsAckedByAll(2))

	final := acknack(readerGUID, 2, 4, 0)
	final.Final = true
	w.HandleAckNack(readerGUID.Prefix, final)
	for seq := rtps.SequenceNumber(1); seq <= 3; seq++ {
		require.True(t, w.IsAckedByAll(seq), "seq %d", seq)
	}
	require.Zero(t, rec.Len(), "nothing left to send")
}

func TestEvictedChangeAnsweredWithGap(t *testing.T) {
	w, rec := newTestWriter(t, keepLast(2), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 7)
	rec.Take()

	_, ok := w.Cache().Change(writerGUID, 5)
	require.False(t, ok, "seq 5 was evicted")

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 7, 5))
	subs := rec.Submessages()
	require.NotEmpty(t, subs)
	gap, ok := subs[0].(*message.Gap)
	require.True(t, ok, "first answer is %s", subs[0].Kind())
	require.Equal(t, []rtps.SequenceNumber{5}, gap.Covers())
	require.Equal(t, readerGUID, gap.ReaderGUID)
	require.Empty(t, dataSeqs(subs), "an evicted change is never resent")
	require.Equal(t, uint64(1), w.Stats().GapsSent)
}

func TestRequestMixesDataAndGap(t *testing.T) {
	w, rec := newTestWriter(t, keepLast(2), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 7)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 4, 4, 4, 5, 6))
	subs := rec.Submessages()
	require.Equal(t, []rtps.SequenceNumber{6}, dataSeqs(subs))
	var covered []rtps.SequenceNumber
	for _, s := range subs {
		if g, ok := s.(*message.Gap); ok {
			covered = append(covered, g.Covers()...)
		}
	}
	require.Equal(t, []rtps.SequenceNumber{4, 5}, covered)
}

func TestSequenceNumbersNeverReused(t *testing.T) {
	q := keepAll(2)
	q.Reliability.MaxBlockingTime = time.Millisecond
	w, _ := newTestWriter(t, q, immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))

	var last rtps.SequenceNumber
	for i := range 2 {
		c, err := w.Write(context.Background(), rtps.InstanceHandle{}, []byte{byte(i)})
		require.NoError(t, err)
		require.Greater(t, c.SequenceNumber, last)
		last = c.SequenceNumber
	}

	_, err := w.Write(context.Background(), rtps.InstanceHandle{}, nil)
	require.ErrorIs(t, err, rtps.ErrResourceExhausted)
	require.Equal(t, last, w.LastSequenceNumber(), "a rejected write does not consume a number")

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 3, 0))
	c, err := w.Write(context.Background(), rtps.InstanceHandle{}, nil)
	require.NoError(t, err, "acknowledged changes are reclaimed")
	require.Equal(t, last+1, c.SequenceNumber)
}

func TestKeepAllWriteUnblocksOnAck(t *testing.T) {
	q := keepAll(2)
	q.Reliability.MaxBlockingTime = 5 * time.Second
	w, _ := newTestWriter(t, q, immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 2)

	done := make(chan error, 1)
	go func() {
		_, err := w.Write(context.Background(), rtps.InstanceHandle{}, []byte("third"))
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("write returned before any acknowledgement: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 3, 0))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("write still blocked after acknowledgement")
	}
	require.Equal(t, rtps.SequenceNumber(3), w.LastSequenceNumber())
}

func TestKeepAllWriteHonoursContext(t *testing.T) {
	q := keepAll(1)
	q.Reliability.MaxBlockingTime = time.Hour
	w, _ := newTestWriter(t, q, immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := w.Write(ctx, rtps.InstanceHandle{}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsAckedByAllIgnoresRemovedReader(t *testing.T) {
	w, _ := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	w.MatchedReaderAdd(attrsFor(reader2GUID, 7413, qos.Volatile))
	write(t, w, 2)

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 3, 0))
	require.False(t, w.IsAckedByAll(1), "second reader has not acknowledged")

	require.True(t, w.MatchedReaderRemove(reader2GUID))
	require.False(t, w.MatchedReaderRemove(reader2GUID))
	require.True(t, w.IsAckedByAll(1))
	require.True(t, w.IsAckedByAll(2))
	require.Equal(t, []rtps.Guid{readerGUID}, w.MatchedReaders())
}

func TestWaitForAcknowledgments(t *testing.T) {
	w, _ := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 2)

	require.ErrorIs(t, w.WaitForAcknowledgments(context.Background(), 10*time.Millisecond), ErrAckTimeout)

	done := make(chan error, 1)
	go func() { done <- w.WaitForAcknowledgments(context.Background(), 5*time.Second) }()
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 2, 0))
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 2, 3, 0))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("wait did not observe the acknowledgement")
	}
}

func TestStaleAckNackIgnored(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 3)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 5, 1, 3, 2))
	require.Len(t, dataSeqs(rec.Submessages()), 1)

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 5, 1, 3, 1, 2, 3))
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 4, 1, 3, 1, 2, 3))
	require.Zero(t, rec.Len(), "same or older count is a duplicate")
	require.Equal(t, uint64(1), w.Stats().AckNacksReceived)
}

func TestMalformedAckNackDropped(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 3)
	rec.Take()

	// base beyond the last sequence number + 1
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 9, 0))
	// window wider than a set can carry
	wide := acknack(readerGUID, 2, 1, 0)
	wide.ReaderSNState.NumBits = rtps.MaxSetBits + 1
	w.HandleAckNack(readerGUID.Prefix, wide)
	// member outside its window
	outside := acknack(readerGUID, 3, 1, 2)
	outside.ReaderSNState.Set = []rtps.SequenceNumber{3}
	w.HandleAckNack(readerGUID.Prefix, outside)

	require.Zero(t, rec.Len())
	require.Equal(t, uint64(3), w.Stats().ProtocolViolations)
	require.False(t, w.IsAckedByAll(1))

	// the endpoint keeps working
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 4, 4, 0))
	require.True(t, w.IsAckedByAll(3))
}

func TestUnorderedAckNackSetDropped(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 5)
	rec.Take()

	for i, set := range [][]rtps.SequenceNumber{{5, 2}, {2, 2}} {
		an := acknack(readerGUID, rtps.Count(i+1), 1, 5)
		an.ReaderSNState.Set = set
		w.HandleAckNack(readerGUID.Prefix, an)
	}
	require.Zero(t, rec.Len())
	require.Equal(t, uint64(2), w.Stats().ProtocolViolations)
	for seq := rtps.SequenceNumber(1); seq <= 5; seq++ {
		require.False(t, w.IsAckedByAll(seq), "seq %d", seq)
	}

	// the same request in order is repaired
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 3, 1, 5, 5, 2))
	require.Equal(t, []rtps.SequenceNumber{2, 5}, dataSeqs(rec.Submessages()))
	require.True(t, w.IsAckedByAll(1))
	require.False(t, w.IsAckedByAll(2))
}

func TestUnknownReaderDropped(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	write(t, w, 1)
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 1, 1))
	w.HandleNackFrag(readerGUID.Prefix, &message.NackFrag{ReaderGUID: readerGUID, WriterGUID: writerGUID, SequenceNumber: 1})
	require.Zero(t, rec.Len())
}

func TestDuplicateMatchPanics(t *testing.T) {
	w, _ := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	requirePanicsWith(t, rtps.ErrDuplicateMatch, func() {
		w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	})
}

func TestDurabilityAtMatch(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	write(t, w, 3)

	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	subs := rec.Submessages()
	require.Empty(t, dataSeqs(subs), "volatile readers skip earlier changes")
	hbs := heartbeats(subs)
	require.Len(t, hbs, 1)
	require.Equal(t, rtps.SequenceNumber(4), hbs[0].FirstSN, "earlier changes are not announced")
	require.True(t, w.IsAckedByAll(3))

	w.MatchedReaderAdd(attrsFor(reader2GUID, 7413, qos.TransientLocal))
	subs = rec.Submessages()
	require.Equal(t, []rtps.SequenceNumber{1, 2, 3}, dataSeqs(subs))
	require.False(t, w.IsAckedByAll(1))
	p, _ := w.MatchedReaderLookup(reader2GUID)
	require.Equal(t, rtps.StatusUnacknowledged, p.Status(1))
	require.Equal(t, rtps.SequenceNumber(3), p.HighestSent())
}

func TestVolatileRequestForOldChangeGetsGap(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	write(t, w, 2)
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 1)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 3, 1, 2))
	subs := rec.Submessages()
	require.Empty(t, dataSeqs(subs))
	gap, ok := subs[0].(*message.Gap)
	require.True(t, ok)
	require.Equal(t, []rtps.SequenceNumber{1, 2}, gap.Covers())
}

func TestPullModeSendsOnRequest(t *testing.T) {
	cfg := immediate()
	cfg.PushMode = false
	w, rec := newTestWriter(t, keepAll(100), cfg)
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	rec.Take()

	write(t, w, 2)
	require.Zero(t, rec.Len(), "pull mode does not push")

	p, _ := w.MatchedReaderLookup(readerGUID)
	require.Equal(t, rtps.StatusUnsent, p.Status(1))

	w.SendHeartbeat()
	hbs := heartbeats(rec.Submessages())
	require.Len(t, hbs, 1)
	require.Equal(t, rtps.SequenceNumber(1), hbs[0].FirstSN)
	require.Equal(t, rtps.SequenceNumber(2), hbs[0].LastSN)
	require.False(t, hbs[0].Final)

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 2, 1, 2))
	require.Equal(t, []rtps.SequenceNumber{1, 2}, dataSeqs(rec.Submessages()))
}

func TestPreemptiveAckNackTriggersHeartbeat(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 2)
	rec.Take()

	// non-final, nothing requested, but 1 and 2 are unacknowledged
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 0))
	hbs := heartbeats(rec.Submessages())
	require.Len(t, hbs, 1)
	require.False(t, hbs[0].Final)
	require.Equal(t, readerGUID, hbs[0].ReaderGUID)
}

func TestNackResponseDelayCoalesces(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := immediate()
	cfg.NackResponseDelay = 200 * time.Millisecond
	w, rec := newTestWriter(t, keepAll(100), cfg, WithClock(clock))
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 3)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 2, 1, 2))
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 2, 2, 2, 2, 3))
	require.Zero(t, rec.Len(), "repair waits for the response delay")

	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.Len() > 0 }, time.Second, time.Millisecond)
	out := rec.Take()
	require.Len(t, out, 1, "one coalesced repair")
	require.Equal(t, []rtps.SequenceNumber{2, 3}, dataSeqs(out[0].Submessages))
}

func TestAckNackCancelsPendingRepair(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := immediate()
	cfg.NackResponseDelay = 200 * time.Millisecond
	w, rec := newTestWriter(t, keepAll(100), cfg, WithClock(clock))
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 3)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 3, 2))
	final := acknack(readerGUID, 2, 4, 0)
	final.Final = true
	w.HandleAckNack(readerGUID.Prefix, final)

	clock.Advance(time.Second)
	require.Never(t, func() bool { return rec.Len() > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestStoppedRepairTimerFiresLate(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := immediate()
	cfg.NackResponseDelay = 200 * time.Millisecond
	w, rec := newTestWriter(t, keepAll(100), cfg, WithClock(clock))
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 3)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 3, 2))
	w.mu.Lock()
	stale := w.repairGen
	w.mu.Unlock()
	// acknowledging 2 cancels the first timer
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 2, 3, 0))
	write(t, w, 1)
	rec.Take()
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 3, 4, 1, 4))
	require.Zero(t, rec.Len())

	// the first timer's callback got past Stop and runs now
	w.repairExpired(stale)
	require.Zero(t, rec.Len(), "the pending repair keeps its delay")
	w.mu.Lock()
	require.NotNil(t, w.repair)
	w.mu.Unlock()

	clock.Advance(200 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.Len() > 0 }, time.Second, time.Millisecond)
	require.Equal(t, []rtps.SequenceNumber{4}, dataSeqs(rec.Submessages()))
}

func TestNackSuppressionDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := immediate()
	cfg.NackSuppressionDelay = 100 * time.Millisecond
	w, rec := newTestWriter(t, keepAll(100), cfg, WithClock(clock))
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 2)
	rec.Take()

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 1, 1, 2, 2))
	require.Equal(t, []rtps.SequenceNumber{2}, dataSeqs(rec.Submessages()))

	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 2, 1, 2, 2))
	require.Empty(t, dataSeqs(rec.Submessages()), "resent too recently")

	clock.Advance(100 * time.Millisecond)
	w.HandleAckNack(readerGUID.Prefix, acknack(readerGUID, 3, 1, 2, 2))
	require.Equal(t, []rtps.SequenceNumber{2}, dataSeqs(rec.Submessages()))
}

func TestPeriodicHeartbeat(t *testing.T) {
	clock := clockwork.NewFakeClock()
	w, rec := newTestWriter(t, keepAll(100), immediate(), WithClock(clock))
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	w.MatchedReaderAdd(attrsFor(reader2GUID, 7413, qos.Volatile))
	write(t, w, 1)
	w.HandleAckNack(reader2GUID.Prefix, acknack(reader2GUID, 1, 2, 0))
	rec.Take()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	clock.BlockUntil(1)

	require.Eventually(t, func() bool {
		clock.Advance(100 * time.Millisecond)
		return rec.Len() > 0
	}, time.Second, 5*time.Millisecond)
	hbs := heartbeats(rec.Submessages())
	require.NotEmpty(t, hbs)
	for _, hb := range hbs {
		require.Equal(t, readerGUID, hb.ReaderGUID, "only readers with unacknowledged changes")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestFragmentedWriteAndNackFrag(t *testing.T) {
	cfg := immediate()
	cfg.FragmentSize = 4
	w, rec := newTestWriter(t, keepAll(100), cfg)
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	rec.Take()

	payload := []byte("0123456789")
	_, err := w.Write(context.Background(), rtps.InstanceHandle{}, payload)
	require.NoError(t, err)

	subs := rec.Submessages()
	require.Equal(t, []message.SubmessageKind{
		message.KindDataFrag, message.KindDataFrag, message.KindDataFrag, message.KindHeartbeatFrag,
	}, kinds(subs))
	var joined []byte
	for _, s := range subs[:3] {
		df := s.(*message.DataFrag)
		require.Equal(t, uint32(len(payload)), df.SampleSize)
		require.Equal(t, uint16(4), df.FragmentSize)
		joined = append(joined, df.Payload...)
	}
	require.True(t, bytes.Equal(payload, joined))
	require.Equal(t, rtps.FragmentNumber(3), subs[3].(*message.HeartbeatFrag).LastFragmentNum)

	w.HandleNackFrag(readerGUID.Prefix, &message.NackFrag{
		ReaderGUID:          readerGUID,
		WriterGUID:          writerGUID,
		SequenceNumber:      1,
		FragmentNumberState: rtps.NewFragmentNumberSet(2, 2, 2),
		Count:               1,
	})
	subs = rec.Submessages()
	require.Len(t, subs, 1)
	df := subs[0].(*message.DataFrag)
	require.Equal(t, rtps.FragmentNumber(2), df.FragmentStart)
	require.Equal(t, []byte("4567"), df.Payload)
}

func TestNackFragForEvictedChangeGetsGap(t *testing.T) {
	w, rec := newTestWriter(t, keepLast(1), immediate())
	w.MatchedReaderAdd(attrsFor(readerGUID, 7411, qos.Volatile))
	write(t, w, 2)
	rec.Take()

	w.HandleNackFrag(readerGUID.Prefix, &message.NackFrag{
		ReaderGUID:          readerGUID,
		WriterGUID:          writerGUID,
		SequenceNumber:      1,
		FragmentNumberState: rtps.NewFragmentNumberSet(1, 1, 1),
		Count:               1,
	})
	subs := rec.Submessages()
	require.Len(t, subs, 1)
	require.Equal(t, []rtps.SequenceNumber{1}, subs[0].(*message.Gap).Covers())
}

func TestInlineQosOnlyWhenExpected(t *testing.T) {
	w, rec := newTestWriter(t, keepAll(100), immediate())
	plain := attrsFor(readerGUID, 7411, qos.Volatile)
	expecting := attrsFor(reader2GUID, 7413, qos.Volatile)
	expecting.ExpectsInlineQos = true
	w.MatchedReaderAdd(plain)
	w.MatchedReaderAdd(expecting)
	rec.Take()

	iq := rtps.ParameterList{{ID: rtps.PIDKeyHash, Value: make([]byte, 16)}}
	_, err := w.NewChange(context.Background(), rtps.ChangeKindAlive, rtps.InstanceHandle{}, []byte("x"), iq)
	require.NoError(t, err)

	for _, out := range rec.Take() {
		d := out.Submessages[0].(*message.Data)
		if d.ReaderGUID == reader2GUID {
			require.Equal(t, iq, d.InlineQos)
		} else {
			require.Nil(t, d.InlineQos)
		}
	}
}

func TestDisposeAndUnregisterKinds(t *testing.T) {
	w, _ := newTestWriter(t, keepAll(100), immediate())
	d, err := w.Dispose(context.Background(), rtps.InstanceHandle{7})
	require.NoError(t, err)
	require.Equal(t, rtps.ChangeKindNotAliveDisposed, d.Kind)
	u, err := w.Unregister(context.Background(), rtps.InstanceHandle{7})
	require.NoError(t, err)
	require.Equal(t, rtps.ChangeKindNotAliveUnregistered, u.Kind)
	require.Equal(t, d.SequenceNumber+1, u.SequenceNumber)

	require.True(t, w.RemoveChange(d.SequenceNumber))
	require.False(t, w.RemoveChange(d.SequenceNumber))
	require.Equal(t, 1, w.Stats().CacheLen)
}
