package participant

import (
	"maps"
	"reflect"
	"slices"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/discovery"
	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/reader"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

// Apply pairs or unpairs local endpoints with the remote endpoint ev
// describes. Records of this participant's own endpoints are ignored.
func (p *Participant) Apply(ev discovery.Event) {
	a := ev.Announcement
	if a.GUID.Prefix == p.prefix {
		return
	}
	p.matchMu.Lock()
	defer p.matchMu.Unlock()

	p.mu.Lock()
	var acts []func()
	switch ev.Type {
	case discovery.Added:
		if old, ok := p.remote[a.GUID]; ok {
			if reflect.DeepEqual(old, a) {
				p.mu.Unlock()
				return
			}
			acts = p.unpairRemoteLocked(old)
		}
		p.remote[a.GUID] = a
		acts = append(acts, p.pairRemoteLocked(a)...)
	case discovery.Removed:
		old, ok := p.remote[a.GUID]
		if !ok {
			p.mu.Unlock()
			return
		}
		delete(p.remote, a.GUID)
		acts = p.unpairRemoteLocked(old)
	}
	p.mu.Unlock()

	if ev.Type == discovery.Removed {
		p.detector.Remove(a.GUID)
	}
	p.logger.Debug("discovery event",
		zap.Stringer("type", ev.Type), zap.Stringer("remote", a.GUID), zap.Int("changes", len(acts)))
	run(acts)
}

func (p *Participant) pairRemoteLocked(a discovery.Announcement) []func() {
	locals := p.readers
	if a.Role == discovery.RoleReader {
		locals = p.writers
	}
	var acts []func()
	for _, l := range sortedLocals(locals) {
		if l.topic != a.Topic {
			continue
		}
		if act := p.pairLocked(l, a); act != nil {
			acts = append(acts, act)
		}
	}
	return acts
}

func (p *Participant) unpairRemoteLocked(a discovery.Announcement) []func() {
	locals := p.matched[a.GUID]
	delete(p.matched, a.GUID)
	var acts []func()
	for _, guid := range slices.SortedFunc(maps.Keys(locals), rtps.Guid.Compare) {
		l, ok := p.writers[guid]
		if !ok {
			l, ok = p.readers[guid]
		}
		if ok {
			acts = append(acts, unpair(l, a))
		}
	}
	return acts
}

// pairLocked records the pairing of l with remote a when their roles are
// opposite and the qos gate passes, and returns the endpoint call that
// applies it. It returns nil when nothing is to be done.
func (p *Participant) pairLocked(l *local, a discovery.Announcement) func() {
	if (l.writer != nil) == (a.Role == discovery.RoleWriter) {
		return nil
	}
	if locals := p.matched[a.GUID]; locals != nil {
		if _, ok := locals[l.guid()]; ok {
			return nil
		}
	}
	offered, requested := l.qos(), a.QoS
	if l.reader != nil {
		offered, requested = a.QoS, l.qos()
	}
	if ok, reason := qos.Compatible(offered, requested); !ok {
		p.logger.Info("incompatible qos, not matching",
			zap.Stringer("local", l.guid()), zap.Stringer("remote", a.GUID), zap.String("reason", reason))
		return nil
	}
	if p.matched[a.GUID] == nil {
		p.matched[a.GUID] = make(map[rtps.Guid]struct{})
	}
	p.matched[a.GUID][l.guid()] = struct{}{}

	switch ep := l.writer.(type) {
	case *writer.StatefulWriter:
		attrs := writer.ReaderProxyAttributes{
			RemoteReaderGUID:  a.GUID,
			ExpectsInlineQos:  a.ExpectsInlineQos,
			UnicastLocators:   a.UnicastLocators,
			MulticastLocators: a.MulticastLocators,
			Durability:        a.QoS.Durability.Kind,
		}
		return func() { ep.MatchedReaderAdd(attrs) }
	case *writer.StatelessWriter:
		locs := readerLocators(a)
		return func() {
			for _, loc := range locs {
				ep.ReaderLocatorAdd(loc, a.ExpectsInlineQos)
			}
		}
	}
	if r, ok := l.reader.(*reader.StatefulReader); ok {
		attrs := reader.WriterProxyAttributes{
			RemoteWriterGUID:  a.GUID,
			UnicastLocators:   a.UnicastLocators,
			MulticastLocators: a.MulticastLocators,
		}
		return func() { r.MatchedWriterAdd(attrs) }
	}
	// stateless readers accept any writer; the pairing only routes traffic
	return func() {}
}

func unpair(l *local, a discovery.Announcement) func() {
	switch ep := l.writer.(type) {
	case *writer.StatefulWriter:
		return func() { ep.MatchedReaderRemove(a.GUID) }
	case *writer.StatelessWriter:
		locs := readerLocators(a)
		return func() {
			for _, loc := range locs {
				ep.ReaderLocatorRemove(loc)
			}
		}
	}
	switch ep := l.reader.(type) {
	case *reader.StatefulReader:
		return func() { ep.MatchedWriterRemove(a.GUID) }
	case *reader.StatelessReader:
		return func() { ep.Forget(a.GUID) }
	}
	return func() {}
}

// readerLocators are the destinations a stateless writer uses for a remote
// reader: its unicast locators, or its multicast ones when it has none.
func readerLocators(a discovery.Announcement) []rtps.Locator {
	if len(a.UnicastLocators) > 0 {
		return a.UnicastLocators
	}
	return a.MulticastLocators
}

func (p *Participant) sortedRemoteLocked() []discovery.Announcement {
	out := make([]discovery.Announcement, 0, len(p.remote))
	for _, guid := range slices.SortedFunc(maps.Keys(p.remote), rtps.Guid.Compare) {
		out = append(out, p.remote[guid])
	}
	return out
}

// Matched returns the remote endpoints paired with the local endpoint guid.
func (p *Participant) Matched(guid rtps.Guid) []rtps.Guid {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []rtps.Guid
	for remote, locals := range p.matched {
		if _, ok := locals[guid]; ok {
			out = append(out, remote)
		}
	}
	slices.SortFunc(out, rtps.Guid.Compare)
	return out
}

// Announcements describe every local endpoint for discovery.
func (p *Participant) Announcements() []discovery.Announcement {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []discovery.Announcement
	for _, l := range sortedLocals(p.writers) {
		out = append(out, p.announcementLocked(l))
	}
	for _, l := range sortedLocals(p.readers) {
		out = append(out, p.announcementLocked(l))
	}
	return out
}

func (p *Participant) Announcement(guid rtps.Guid) (discovery.Announcement, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	l, ok := p.writers[guid]
	if !ok {
		l, ok = p.readers[guid]
	}
	if !ok {
		return discovery.Announcement{}, false
	}
	return p.announcementLocked(l), true
}

func (p *Participant) announcementLocked(l *local) discovery.Announcement {
	a := discovery.Announcement{
		GUID:            l.guid(),
		Role:            discovery.RoleWriter,
		Topic:           l.topic,
		Stateful:        l.stateful,
		QoS:             l.qos(),
		UnicastLocators: slices.Clone(p.unicast),
	}
	if l.reader != nil {
		a.Role = discovery.RoleReader
		a.ExpectsInlineQos = p.cfg.Reader.ExpectsInlineQos
	}
	return a
}
