package reader

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
)

// StatelessReader accepts samples from any writer without matching and
// without acknowledging them. Per writer it remembers only the last sequence
// number delivered, for the most recently heard writers, and drops anything
// not newer.
type StatelessReader struct {
	*endpoint

	lastSeen *lru.Cache[rtps.Guid, rtps.SequenceNumber]
}

func NewStatelessReader(guid rtps.Guid, q qos.Endpoint, sender transport.Sender, opts ...Opt) *StatelessReader {
	e := newEndpoint(guid, q, sender, "stateless_reader", opts)
	lastSeen, err := lru.New[rtps.Guid, rtps.SequenceNumber](max(e.cfg.MaxTrackedWriters, 1))
	if err != nil {
		panic(err)
	}
	return &StatelessReader{endpoint: e, lastSeen: lastSeen}
}

func (r *StatelessReader) HandleData(src rtps.GuidPrefix, d *message.Data) {
	r.mu.Lock()
	ready := r.handleDataLocked(d)
	r.mu.Unlock()
	r.deliver(ready)
}

func (r *StatelessReader) handleDataLocked(d *message.Data) []*rtps.CacheChange {
	if d.SequenceNumber < 1 {
		r.violationLocked(message.KindData, badSequenceNumber(d.SequenceNumber))
		return nil
	}
	r.observe(d.WriterGUID)
	return r.acceptLocked(&rtps.CacheChange{
		Kind:           d.ChangeKind,
		WriterGUID:     d.WriterGUID,
		InstanceHandle: d.InstanceHandle,
		SequenceNumber: d.SequenceNumber,
		Data:           d.Payload,
		InlineQos:      d.InlineQos,
	})
}

func (r *StatelessReader) stale(writer rtps.Guid, seq rtps.SequenceNumber) bool {
	last, ok := r.lastSeen.Get(writer)
	return ok && seq <= last
}

func (r *StatelessReader) acceptLocked(c *rtps.CacheChange) []*rtps.CacheChange {
	if r.stale(c.WriterGUID, c.SequenceNumber) {
		r.stats.Duplicates++
		r.logger.Debug("dropping stale change", zap.Stringer("change", c.ID()))
		return nil
	}
	if !r.storeLocked(c) {
		return nil
	}
	r.lastSeen.Add(c.WriterGUID, c.SequenceNumber)
	return []*rtps.CacheChange{c}
}

func (r *StatelessReader) HandleDataFrag(src rtps.GuidPrefix, df *message.DataFrag) {
	r.mu.Lock()
	ready := r.handleDataFragLocked(df)
	r.mu.Unlock()
	r.deliver(ready)
}

func (r *StatelessReader) handleDataFragLocked(df *message.DataFrag) []*rtps.CacheChange {
	if df.SequenceNumber < 1 {
		r.violationLocked(message.KindDataFrag, badSequenceNumber(df.SequenceNumber))
		return nil
	}
	r.observe(df.WriterGUID)
	if r.stale(df.WriterGUID, df.SequenceNumber) {
		r.frags.forget(df.WriterGUID, df.SequenceNumber)
		return nil
	}
	c := r.assembleLocked(df)
	if c == nil {
		return nil
	}
	return r.acceptLocked(c)
}

// HandleHeartbeat only refreshes the writer's liveliness; a stateless reader
// never answers.
func (r *StatelessReader) HandleHeartbeat(src rtps.GuidPrefix, hb *message.Heartbeat) {
	r.observe(hb.WriterGUID)
}

// HandleGap is ignored: without per-writer state there is nothing to settle.
func (r *StatelessReader) HandleGap(src rtps.GuidPrefix, g *message.Gap) {}

// HandleHeartbeatFrag is ignored; missing fragments are never requested.
func (r *StatelessReader) HandleHeartbeatFrag(src rtps.GuidPrefix, hf *message.HeartbeatFrag) {}

// Forget drops the duplicate-suppression state of writer, so a restarted
// writer counting from 1 again is heard.
func (r *StatelessReader) Forget(writer rtps.Guid) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSeen.Remove(writer)
	r.frags.forgetWriter(writer)
}

func (r *StatelessReader) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.CacheLen = r.cache.Len()
	s.MatchedWriters = r.lastSeen.Len()
	s.PendingFragments = r.frags.count()
	return s
}
