package participant

import (
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
	"github.com/ryandielhenn/zephyrrtps/pkg/writer"
)

// Receive dispatches every submessage of env. Writer-bound submessages go to
// the addressed local writer. Reader-bound ones go to the addressed reader,
// or to every local reader paired with the sending writer when the reader
// GUID is unknown.
func (p *Participant) Receive(env message.Envelope) {
	for _, sub := range env.Submessages {
		kind := sub.Kind()
		telemetry.SubmessagesReceived.WithLabelValues(kind.String()).Inc()

		switch m := sub.(type) {
		case *message.AckNack:
			if w, ok := p.Writer(m.WriterGUID); ok {
				if sw, ok := w.(*writer.StatefulWriter); ok {
					sw.HandleAckNack(env.Source, m)
					continue
				}
			}
			p.drop(kind, m.WriterGUID)
		case *message.NackFrag:
			w, ok := p.Writer(m.WriterGUID)
			if !ok {
				p.drop(kind, m.WriterGUID)
				continue
			}
			switch ep := w.(type) {
			case *writer.StatefulWriter:
				ep.HandleNackFrag(env.Source, m)
			case *writer.StatelessWriter:
				ep.HandleNackFrag(env.ReplyTo, m)
			}
		case *message.Data:
			for _, r := range p.readersFor(m.ReaderGUID, m.WriterGUID, kind) {
				r.HandleData(env.Source, m)
			}
		case *message.DataFrag:
			for _, r := range p.readersFor(m.ReaderGUID, m.WriterGUID, kind) {
				r.HandleDataFrag(env.Source, m)
			}
		case *message.Gap:
			for _, r := range p.readersFor(m.ReaderGUID, m.WriterGUID, kind) {
				r.HandleGap(env.Source, m)
			}
		case *message.Heartbeat:
			for _, r := range p.readersFor(m.ReaderGUID, m.WriterGUID, kind) {
				r.HandleHeartbeat(env.Source, m)
			}
		case *message.HeartbeatFrag:
			for _, r := range p.readersFor(m.ReaderGUID, m.WriterGUID, kind) {
				r.HandleHeartbeatFrag(env.Source, m)
			}
		}
	}
}

func (p *Participant) readersFor(readerGUID, writerGUID rtps.Guid, kind message.SubmessageKind) []Reader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !readerGUID.IsUnknown() {
		if l, ok := p.readers[readerGUID]; ok {
			return []Reader{l.reader}
		}
		p.drop(kind, readerGUID)
		return nil
	}
	var out []Reader
	for guid := range p.matched[writerGUID] {
		if l, ok := p.readers[guid]; ok {
			out = append(out, l.reader)
		}
	}
	if len(out) == 0 {
		p.drop(kind, writerGUID)
	}
	return out
}

func (p *Participant) drop(kind message.SubmessageKind, target rtps.Guid) {
	telemetry.UnknownPeerDrops.WithLabelValues(kind.String()).Inc()
	p.logger.Debug("no local endpoint for submessage", zap.Stringer("kind", kind), zap.Stringer("target", target))
}
