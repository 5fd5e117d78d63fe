// Package participant groups the endpoints of one process under a single
// GuidPrefix. It routes inbound submessages to them, pairs them with the
// remote endpoints discovery reports and serves a small HTTP API.
package participant

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrrtps/discovery"
	"github.com/ryandielhenn/zephyrrtps/pkg/history"
	"github.com/ryandielhenn/zephyrrtps/pkg/liveliness"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/reader"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/samples"
	"github.com/ryandielhenn/zephyrrtps/pkg/transport"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

const maxEntityKey = 1<<24 - 1

var ErrRunning = errors.New("participant already running")

// Writer is what both writer flavours offer the participant.
type Writer interface {
	GUID() rtps.Guid
	QoS() qos.Endpoint
	Cache() history.Cache
	LastSequenceNumber() rtps.SequenceNumber
	Write(ctx context.Context, handle rtps.InstanceHandle, data []byte) (*rtps.CacheChange, error)
	Dispose(ctx context.Context, handle rtps.InstanceHandle) (*rtps.CacheChange, error)
	Run(ctx context.Context) error
}

// Reader is what both reader flavours offer the participant.
type Reader interface {
	GUID() rtps.Guid
	QoS() qos.Endpoint
	Cache() history.Cache
	HandleData(src rtps.GuidPrefix, d *message.Data)
	HandleDataFrag(src rtps.GuidPrefix, df *message.DataFrag)
	HandleGap(src rtps.GuidPrefix, g *message.Gap)
	HandleHeartbeat(src rtps.GuidPrefix, hb *message.Heartbeat)
	HandleHeartbeatFrag(src rtps.GuidPrefix, hf *message.HeartbeatFrag)
	Stats() reader.Stats
}

type runner interface {
	Run(ctx context.Context) error
}

// local is one endpoint owned by the participant.
type local struct {
	topic    string
	stateful bool
	writer   Writer
	reader   Reader
	cancel   context.CancelFunc
}

func (l *local) guid() rtps.Guid {
	if l.writer != nil {
		return l.writer.GUID()
	}
	return l.reader.GUID()
}

func (l *local) qos() qos.Endpoint {
	if l.writer != nil {
		return l.writer.QoS()
	}
	return l.reader.QoS()
}

func (l *local) runner() (runner, bool) {
	if l.writer != nil {
		return l.writer, true
	}
	r, ok := l.reader.(runner)
	return r, ok
}

type Participant struct {
	// matchMu serializes pairing changes so the endpoint calls they produce
	// run in the order the pairings were decided.
	matchMu sync.Mutex
	mu      sync.RWMutex

	prefix   rtps.GuidPrefix
	cfg      Config
	sender   transport.Sender
	unicast  []rtps.Locator
	logger   *zap.Logger
	clock    clockwork.Clock
	listener SampleFunc
	detector *liveliness.Detector
	samples  *samples.Store

	nextKey uint32
	writers map[rtps.Guid]*local
	readers map[rtps.Guid]*local
	remote  map[rtps.Guid]discovery.Announcement
	// matched maps a remote endpoint to the local endpoints paired with it.
	matched map[rtps.Guid]map[rtps.Guid]struct{}

	group  *errgroup.Group
	runCtx context.Context
}

// New creates a participant that sends through sender and is reachable at
// the unicast locators.
func New(prefix rtps.GuidPrefix, sender transport.Sender, unicast []rtps.Locator, opts ...Opt) *Participant {
	o := options{
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.Named("participant").With(zap.Stringer("prefix", prefix))
	p := &Participant{
		prefix:   prefix,
		cfg:      o.cfg,
		sender:   transport.Instrument(sender),
		unicast:  slices.Clone(unicast),
		logger:   logger,
		clock:    o.clock,
		listener: o.listener,
		samples:  samples.NewStore(o.cfg.SampleBufferBytes, o.cfg.SampleTTL, o.clock),
		writers:  make(map[rtps.Guid]*local),
		readers:  make(map[rtps.Guid]*local),
		remote:   make(map[rtps.Guid]discovery.Announcement),
		matched:  make(map[rtps.Guid]map[rtps.Guid]struct{}),
	}
	p.detector = liveliness.New(
		liveliness.WithConfig(o.cfg.Liveliness),
		liveliness.WithLogger(o.logger),
		liveliness.WithClock(o.clock),
		liveliness.OnTransition(p.livelinessChanged),
	)
	return p
}

func (p *Participant) GuidPrefix() rtps.GuidPrefix { return p.prefix }

func (p *Participant) Samples() *samples.Store { return p.samples }

func (p *Participant) livelinessChanged(tr liveliness.Transition) {
	if tr.To != liveliness.StateDead {
		return
	}
	p.mu.RLock()
	a, known := p.remote[tr.Peer]
	p.mu.RUnlock()
	if known {
		p.logger.Warn("matched peer went quiet",
			zap.Stringer("peer", tr.Peer), zap.String("topic", a.Topic), zap.String("role", string(a.Role)))
	}
}

func (p *Participant) NewStatefulWriter(topic string, q qos.Endpoint) (*writer.StatefulWriter, error) {
	guid, err := p.allocate(topic, q, rtps.EntityKindUserWriterWithKey)
	if err != nil {
		return nil, err
	}
	w := writer.NewStatefulWriter(guid, q, p.sender, p.writerOpts()...)
	p.add(&local{topic: topic, stateful: true, writer: w})
	return w, nil
}

func (p *Participant) NewStatelessWriter(topic string, q qos.Endpoint) (*writer.StatelessWriter, error) {
	guid, err := p.allocate(topic, q, rtps.EntityKindUserWriterWithKey)
	if err != nil {
		return nil, err
	}
	w := writer.NewStatelessWriter(guid, q, p.sender, p.writerOpts()...)
	p.add(&local{topic: topic, writer: w})
	return w, nil
}

func (p *Participant) NewStatefulReader(topic string, q qos.Endpoint) (*reader.StatefulReader, error) {
	guid, err := p.allocate(topic, q, rtps.EntityKindUserReaderWithKey)
	if err != nil {
		return nil, err
	}
	r := reader.NewStatefulReader(guid, q, p.sender, p.readerOpts(topic)...)
	p.add(&local{topic: topic, stateful: true, reader: r})
	return r, nil
}

func (p *Participant) NewStatelessReader(topic string, q qos.Endpoint) (*reader.StatelessReader, error) {
	guid, err := p.allocate(topic, q, rtps.EntityKindUserReaderWithKey)
	if err != nil {
		return nil, err
	}
	r := reader.NewStatelessReader(guid, q, p.sender, p.readerOpts(topic)...)
	p.add(&local{topic: topic, reader: r})
	return r, nil
}

func (p *Participant) allocate(topic string, q qos.Endpoint, kind rtps.EntityKind) (rtps.Guid, error) {
	if topic == "" {
		return rtps.GuidUnknown, errors.New("empty topic name")
	}
	if err := q.Validate(); err != nil {
		return rtps.GuidUnknown, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.nextKey == maxEntityKey {
		return rtps.GuidUnknown, fmt.Errorf("%w: entity keys", rtps.ErrResourceExhausted)
	}
	p.nextKey++
	return rtps.Guid{Prefix: p.prefix, EntityId: rtps.NewEntityId(p.nextKey, kind)}, nil
}

func (p *Participant) writerOpts() []writer.Opt {
	return []writer.Opt{
		writer.WithConfig(p.cfg.Writer),
		writer.WithLogger(p.logger),
		writer.WithClock(p.clock),
		writer.WithLiveliness(p.detector),
	}
}

func (p *Participant) readerOpts(topic string) []reader.Opt {
	return []reader.Opt{
		reader.WithConfig(p.cfg.Reader),
		reader.WithLogger(p.logger),
		reader.WithClock(p.clock),
		reader.WithLiveliness(p.detector),
		reader.WithListener(func(c *rtps.CacheChange) {
			p.samples.Put(topic, c)
			if p.listener != nil {
				p.listener(topic, c)
			}
		}),
	}
}

// add registers l, starts its loop when the participant runs and pairs it
// with every compatible remote endpoint already known.
func (p *Participant) add(l *local) {
	p.matchMu.Lock()
	defer p.matchMu.Unlock()

	p.mu.Lock()
	if l.writer != nil {
		p.writers[l.guid()] = l
	} else {
		p.readers[l.guid()] = l
	}
	if p.group != nil {
		p.startLocked(l)
	}
	var acts []func()
	for _, a := range p.sortedRemoteLocked() {
		if a.Topic != l.topic {
			continue
		}
		if act := p.pairLocked(l, a); act != nil {
			acts = append(acts, act)
		}
	}
	p.mu.Unlock()

	p.logger.Info("created endpoint",
		zap.Stringer("guid", l.guid()), zap.String("topic", l.topic), zap.Bool("stateful", l.stateful))
	run(acts)
}

// Delete drops a local endpoint and undoes its pairings.
func (p *Participant) Delete(guid rtps.Guid) bool {
	p.matchMu.Lock()
	defer p.matchMu.Unlock()

	p.mu.Lock()
	l, ok := p.writers[guid]
	if ok {
		delete(p.writers, guid)
	} else if l, ok = p.readers[guid]; ok {
		delete(p.readers, guid)
	}
	if !ok {
		p.mu.Unlock()
		return false
	}
	var acts []func()
	for remote, locals := range p.matched {
		if _, paired := locals[guid]; !paired {
			continue
		}
		delete(locals, guid)
		if len(locals) == 0 {
			delete(p.matched, remote)
		}
		acts = append(acts, unpair(l, p.remote[remote]))
	}
	if l.cancel != nil {
		l.cancel()
	}
	p.mu.Unlock()

	run(acts)
	p.logger.Info("deleted endpoint", zap.Stringer("guid", guid))
	return true
}

// Writer returns the local writer with guid.
func (p *Participant) Writer(guid rtps.Guid) (Writer, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.writers[guid]
	if !ok {
		return nil, false
	}
	return l.writer, true
}

// WritersOf returns the local writers of topic in creation order.
func (p *Participant) WritersOf(topic string) []Writer {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Writer
	for _, l := range sortedLocals(p.writers) {
		if l.topic == topic {
			out = append(out, l.writer)
		}
	}
	return out
}

// Run drives the loops of every endpoint, including ones created later, and
// the liveliness detector until ctx ends or one of them fails.
func (p *Participant) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	p.mu.Lock()
	if p.group != nil {
		p.mu.Unlock()
		return ErrRunning
	}
	p.group, p.runCtx = g, ctx
	for _, l := range sortedLocals(p.writers) {
		p.startLocked(l)
	}
	for _, l := range sortedLocals(p.readers) {
		p.startLocked(l)
	}
	p.mu.Unlock()

	g.Go(func() error { return p.detector.Run(ctx) })
	p.logger.Info("participant running")
	err := g.Wait()

	p.mu.Lock()
	p.group, p.runCtx = nil, nil
	for _, l := range p.writers {
		l.cancel = nil
	}
	for _, l := range p.readers {
		l.cancel = nil
	}
	p.mu.Unlock()
	return err
}

func (p *Participant) startLocked(l *local) {
	r, ok := l.runner()
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(p.runCtx)
	l.cancel = cancel
	p.group.Go(func() error {
		if err := r.Run(ctx); err != nil {
			return fmt.Errorf("endpoint %s: %w", l.guid(), err)
		}
		return nil
	})
}

// Close gives every reliable writer up to linger to be acknowledged by its
// readers, then deletes all local endpoints. Writers that timed out are
// reported together.
func (p *Participant) Close(ctx context.Context, linger time.Duration) error {
	p.mu.RLock()
	var reliable []*writer.StatefulWriter
	for _, l := range sortedLocals(p.writers) {
		if w, ok := l.writer.(*writer.StatefulWriter); ok {
			reliable = append(reliable, w)
		}
	}
	guids := slices.Concat(
		slices.SortedFunc(maps.Keys(p.writers), rtps.Guid.Compare),
		slices.SortedFunc(maps.Keys(p.readers), rtps.Guid.Compare),
	)
	p.mu.RUnlock()

	var (
		mu   sync.Mutex
		errs error
		wg   sync.WaitGroup
	)
	for _, w := range reliable {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.WaitForAcknowledgments(ctx, linger); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("writer %s: %w", w.GUID(), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, guid := range guids {
		p.Delete(guid)
	}
	p.logger.Info("participant closed", zap.Int("endpoints", len(guids)), zap.Error(errs))
	return errs
}

func sortedLocals(m map[rtps.Guid]*local) []*local {
	out := make([]*local, 0, len(m))
	for _, guid := range slices.SortedFunc(maps.Keys(m), rtps.Guid.Compare) {
		out = append(out, m[guid])
	}
	return out
}

func run(acts []func()) {
	for _, act := range acts {
		act()
	}
}
