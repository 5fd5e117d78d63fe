// Package writer implements the sending half of the protocol: a reliable
// StatefulWriter tracking one ReaderProxy per matched reader and a
// best-effort StatelessWriter pushing to ReaderLocators.
//
// Every mutation of a writer's history cache and proxies happens under the
// writer's single lock. Outbound submessages are collected under the lock
// and handed to the transport after it is released.
package writer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/liveliness"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

// ErrAckTimeout is returned by WaitForAcknowledgments when readers did not
// acknowledge every cached change in time.
var ErrAckTimeout = errors.New("timed out waiting for acknowledgments")

const maxFragmentSize = 1<<16 - 1

// endpoint is the state both writer flavours share.
type endpoint struct {
	mu sync.Mutex

	guid     rtps.Guid
	qos      qos.Endpoint
	cfg      Config
	cache    history.Cache
	sender   transport.Sender
	clock    clockwork.Clock
	logger   *zap.Logger
	observer liveliness.Observer

	// lastSeq is the last sequence number committed to the cache.
	lastSeq     rtps.SequenceNumber
	hbFragCount rtps.Count
	// progress is closed and replaced whenever acknowledgements or removals
	// may have freed room in the cache.
	progress chan struct{}
}

func newEndpoint(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, role string, opts []Opt) *endpoint {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.Stringer("writer", guid))
	cache := o.cache
	if cache == nil {
		cache = history.NewStore(q.History, q.ResourceLimits, history.WithEvictionHook(func(c *rtps.CacheChange) {
			telemetry.Evictions.WithLabelValues(role).Inc()
			logger.Debug("evicted change", zap.Int64("seq", int64(c.SequenceNumber)))
		}))
	}
	if o.cfg.FragmentSize > maxFragmentSize {
		o.cfg.FragmentSize = maxFragmentSize
	}
	return &endpoint{
		guid:     guid,
		qos:      q,
		cfg:      o.cfg,
		cache:    cache,
		sender:   sender,
		clock:    o.clock,
		logger:   logger,
		observer: o.observer,
		lastSeq:  rtps.SequenceNumberZero,
		progress: make(chan struct{}),
	}
}

func (e *endpoint) GUID() rtps.Guid { return e.guid }

func (e *endpoint) QoS() qos.Endpoint { return e.qos }

// Cache exposes the writer history for inspection. Mutate it only through
// the writer.
func (e *endpoint) Cache() history.Cache { return e.cache }

// LastSequenceNumber is the last sequence number handed out, zero before the
// first write.
func (e *endpoint) LastSequenceNumber() rtps.SequenceNumber {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSeq
}

func (e *endpoint) blockingTime() time.Duration {
	if d := e.qos.Reliability.MaxBlockingTime; d > 0 {
		return d
	}
	return e.cfg.MaxBlockingTime
}

// newChange inserts a change and hands it to announce under the lock. When
// the cache is full it runs reclaim, then waits for progress until the
// blocking time runs out. A sequence number is committed only once its
// change is in the cache.
func (e *endpoint) newChange(
	ctx context.Context,
	kind rtps.ChangeKind,
	handle rtps.InstanceHandle,
	data []byte,
	inlineQos rtps.ParameterList,
	reclaim func() int,
	announce func(*rtps.CacheChange) []message.Outbound,
) (*rtps.CacheChange, error) {
	deadline := e.clock.Now().Add(e.blockingTime())
	for {
		e.mu.Lock()
		c, err := e.addLocked(kind, handle, data, inlineQos)
		if err == nil {
			outs := announce(c)
			e.mu.Unlock()
			e.send(outs)
			return c, nil
		}
		if !errors.Is(err, rtps.ErrResourceExhausted) {
			e.mu.Unlock()
			return nil, err
		}
		if reclaim() > 0 {
			e.mu.Unlock()
			continue
		}
		progress := e.progress
		e.mu.Unlock()

		remaining := deadline.Sub(e.clock.Now())
		if remaining <= 0 {
			telemetry.WriteTimeouts.Inc()
			return nil, fmt.Errorf("write blocked for %s: %w", e.blockingTime(), err)
		}
		timer := e.clock.NewTimer(remaining)
		select {
		case <-progress:
			timer.Stop()
		case <-timer.Chan():
			telemetry.WriteTimeouts.Inc()
			return nil, fmt.Errorf("write blocked for %s: %w", e.blockingTime(), err)
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

func (e *endpoint) addLocked(kind rtps.ChangeKind, handle rtps.InstanceHandle, data []byte, inlineQos rtps.ParameterList) (*rtps.CacheChange, error) {
	seq := e.lastSeq.Next()
	c := &rtps.CacheChange{
		Kind:           kind,
		WriterGUID:     e.guid,
		InstanceHandle: handle,
		SequenceNumber: seq,
		Data:           data,
		InlineQos:      inlineQos,
	}
	if err := e.cache.AddChange(c); err != nil {
		return nil, err
	}
	e.lastSeq = seq
	telemetry.ChangesWritten.Inc()
	return c, nil
}

func (e *endpoint) notifyProgressLocked() {
	close(e.progress)
	e.progress = make(chan struct{})
}

// removeChange drops seq from the cache. Applications call it once a change
// is no longer needed, typically after it was acknowledged by all readers.
func (e *endpoint) removeChange(seq rtps.SequenceNumber) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.cache.RemoveChange(e.guid, seq); !ok {
		return false
	}
	e.notifyProgressLocked()
	return true
}

// rangeLocked is the [first, last] range a heartbeat announces. An empty
// cache yields first = last+1.
func (e *endpoint) rangeLocked() (first, last rtps.SequenceNumber) {
	lo, ok := e.cache.SeqNumMin()
	if !ok {
		return e.lastSeq + 1, e.lastSeq
	}
	hi, _ := e.cache.SeqNumMax()
	return lo, hi
}

func (e *endpoint) fragmented(c *rtps.CacheChange) bool {
	return e.cfg.FragmentSize > 0 && len(c.Data) > e.cfg.FragmentSize
}

// dataSubmessages renders c for reader: one Data, or every DataFrag followed
// by a HeartbeatFrag when the payload exceeds the fragment size.
func (e *endpoint) dataSubmessages(c *rtps.CacheChange, reader rtps.Guid, expectsInlineQos bool) []message.Submessage {
	var iq rtps.ParameterList
	if expectsInlineQos {
		iq = c.InlineQos
	}
	if !e.fragmented(c) {
		return []message.Submessage{&message.Data{
			ReaderGUID:     reader,
			WriterGUID:     e.guid,
			SequenceNumber: c.SequenceNumber,
			ChangeKind:     c.Kind,
			InstanceHandle: c.InstanceHandle,
			InlineQos:      iq,
			Payload:        c.Data,
		}}
	}
	n := message.FragmentCount(len(c.Data), e.cfg.FragmentSize)
	all := make([]rtps.FragmentNumber, n)
	for i := range all {
		all[i] = rtps.FragmentNumber(i + 1)
	}
	subs := e.fragmentSubmessages(c, reader, iq, all)
	e.hbFragCount++
	return append(subs, &message.HeartbeatFrag{
		ReaderGUID:      reader,
		WriterGUID:      e.guid,
		SequenceNumber:  c.SequenceNumber,
		LastFragmentNum: rtps.FragmentNumber(n),
		Count:           e.hbFragCount,
	})
}

// fragmentSubmessages renders the listed fragments of c, one per DataFrag.
// Numbers beyond the last fragment are skipped.
func (e *endpoint) fragmentSubmessages(c *rtps.CacheChange, reader rtps.Guid, iq rtps.ParameterList, nums []rtps.FragmentNumber) []message.Submessage {
	frags := message.Fragment(c.Data, e.cfg.FragmentSize)
	subs := make([]message.Submessage, 0, len(nums))
	for _, num := range nums {
		if num < 1 || int(num) > len(frags) {
			continue
		}
		subs = append(subs, &message.DataFrag{
			ReaderGUID:            reader,
			WriterGUID:            e.guid,
			SequenceNumber:        c.SequenceNumber,
			ChangeKind:            c.Kind,
			InstanceHandle:        c.InstanceHandle,
			InlineQos:             iq,
			FragmentStart:         num,
			FragmentsInSubmessage: 1,
			FragmentSize:          uint16(e.cfg.FragmentSize),
			SampleSize:            uint32(len(c.Data)),
			Payload:               frags[num-1],
		})
	}
	return subs
}

func (e *endpoint) observe(peer rtps.Guid) {
	if e.observer != nil {
		e.observer.Observe(peer, e.clock.Now())
	}
}

func (e *endpoint) send(outs []message.Outbound) {
	for _, out := range outs {
		if len(out.Submessages) == 0 || len(out.Destinations) == 0 {
			continue
		}
		if err := e.sender.Send(out); err != nil {
			e.logger.Warn("send failed", zap.Error(err))
		}
	}
}

func (e *endpoint) violation(kind message.SubmessageKind, err error) {
	telemetry.ProtocolViolations.WithLabelValues(kind.String()).Inc()
	e.logger.Warn("dropping malformed submessage", zap.Stringer("kind", kind), zap.Error(err))
}

func (e *endpoint) unknownPeer(kind message.SubmessageKind, peer rtps.Guid) {
	telemetry.UnknownPeerDrops.WithLabelValues(kind.String()).Inc()
	e.logger.Debug("dropping submessage from unknown reader", zap.Stringer("kind", kind), zap.Stringer("reader", peer))
}
