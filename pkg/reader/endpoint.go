// Package reader implements the receiving half of the protocol: a reliable
// StatefulReader that tracks one WriterProxy per matched writer and answers
// heartbeats with AckNacks, and a best-effort StatelessReader.
//
// All state of a reader is guarded by one lock. Sample notifications and
// outbound submessages are produced under it and handed out after it is
// released.
package reader

import (
	"fmt"
	"sync"

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

// Stats is a point-in-time view of a reader.
type Stats struct {
	CacheLen           int    `json:"cache_len"`
	MatchedWriters     int    `json:"matched_writers"`
	PendingFragments   int    `json:"pending_fragments"`
	SamplesReceived    uint64 `json:"samples_received"`
	SamplesDelivered   uint64 `json:"samples_delivered"`
	Duplicates         uint64 `json:"duplicates"`
	Discarded          uint64 `json:"discarded"`
	AckNacksSent       uint64 `json:"acknacks_sent"`
	NackFragsSent      uint64 `json:"nackfrags_sent"`
	ProtocolViolations uint64 `json:"protocol_violations"`
}

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
	listener SampleFunc
	frags    *assembler
	stats    Stats
}

func newEndpoint(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, role string, opts []Opt) *endpoint {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With(zap.Stringer("reader", guid))
	cache := o.cache
	if cache == nil {
		cache = history.NewStore(q.History, q.ResourceLimits, history.WithEvictionHook(func(c *rtps.CacheChange) {
			telemetry.Evictions.WithLabelValues(role).Inc()
			logger.Debug("evicted change", zap.Stringer("change", c.ID()))
		}))
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
		listener: o.listener,
		frags:    newAssembler(o.cfg.MaxPendingFragments, o.cfg.MaxSampleSize),
	}
}

func (e *endpoint) GUID() rtps.Guid { return e.guid }

func (e *endpoint) QoS() qos.Endpoint { return e.qos }

// Cache exposes the received changes. Use RemoveChange to take them out.
func (e *endpoint) Cache() history.Cache { return e.cache }

// RemoveChange drops a received change, making room in a KeepAll history.
func (e *endpoint) RemoveChange(writer rtps.Guid, seq rtps.SequenceNumber) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.cache.RemoveChange(writer, seq)
	return ok
}

// storeLocked adds c to the cache. A refused change is logged and left for
// the writer to repair.
func (e *endpoint) storeLocked(c *rtps.CacheChange) bool {
	if err := e.cache.AddChange(c); err != nil {
		e.logger.Warn("cannot store change", zap.Stringer("change", c.ID()), zap.Error(err))
		return false
	}
	e.stats.SamplesReceived++
	return true
}

// assembleLocked feeds df to the fragment assembler and returns the change
// once it is complete.
func (e *endpoint) assembleLocked(df *message.DataFrag) *rtps.CacheChange {
	c, err := e.frags.add(df)
	if err != nil {
		e.violationLocked(message.KindDataFrag, err)
		return nil
	}
	return c
}

func (e *endpoint) deliver(changes []*rtps.CacheChange) {
	if len(changes) == 0 {
		return
	}
	e.mu.Lock()
	e.stats.SamplesDelivered += uint64(len(changes))
	e.mu.Unlock()
	telemetry.SamplesDelivered.Add(float64(len(changes)))
	if e.listener == nil {
		return
	}
	for _, c := range changes {
		e.listener(c)
	}
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

func (e *endpoint) violationLocked(kind message.SubmessageKind, err error) {
	e.stats.ProtocolViolations++
	telemetry.ProtocolViolations.WithLabelValues(kind.String()).Inc()
	e.logger.Warn("dropping malformed submessage", zap.Stringer("kind", kind), zap.Error(err))
}

func (e *endpoint) unknownPeer(kind message.SubmessageKind, peer rtps.Guid) {
	telemetry.UnknownPeerDrops.WithLabelValues(kind.String()).Inc()
	e.logger.Debug("dropping submessage from unknown writer", zap.Stringer("kind", kind), zap.Stringer("writer", peer))
}

func badSequenceNumber(seq rtps.SequenceNumber) error {
	return fmt.Errorf("%w: sequence number %d", rtps.ErrProtocolViolation, seq)
}
