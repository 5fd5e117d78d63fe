// Package transport moves decoded submessages between participants. The
// protocol engine hands Outbound requests to a Sender and receives Envelopes
// through a Handler; it never owns a socket.
//
// Implementations:
//
//	Bus       in-process, optionally lossy, for tests and the loopback bench
//	UDP       development transport with a msgpack envelope codec
//	Recorder  captures outbound requests for assertions
package transport

import (
	"sync"

	"github.com/ryandielhenn/zephyrrtps/internal/telemetry"
	"github.com/ryandielhenn/zephyrrtps/pkg/message"
)

type Sender interface {
	Send(out message.Outbound) error
}

type Handler interface {
	Receive(env message.Envelope)
}

type SenderFunc func(message.Outbound) error

func (f SenderFunc) Send(out message.Outbound) error { return f(out) }

type HandlerFunc func(message.Envelope)

func (f HandlerFunc) Receive(env message.Envelope) { f(env) }

// Discard drops every request.
var Discard Sender = SenderFunc(func(message.Outbound) error { return nil })

// Instrument counts every submessage handed to s.
func Instrument(s Sender) Sender {
	return SenderFunc(func(out message.Outbound) error {
		for _, sub := range out.Submessages {
			telemetry.SubmessagesSent.WithLabelValues(sub.Kind().String()).Inc()
		}
		return s.Send(out)
	})
}

// Recorder is a Sender that keeps every request it is given.
type Recorder struct {
	mu  sync.Mutex
	out []message.Outbound
}

func (r *Recorder) Send(out message.Outbound) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, out)
	return nil
}

// Take returns the recorded requests and forgets them.
func (r *Recorder) Take() []message.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.out
	r.out = nil
	return out
}

// Submessages flattens the recorded requests, oldest first, and forgets them.
func (r *Recorder) Submessages() []message.Submessage {
	var subs []message.Submessage
	for _, out := range r.Take() {
		subs = append(subs, out.Submessages...)
	}
	return subs
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.out)
}
