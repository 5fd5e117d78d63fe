package transport

import (
	"math/rand/v2"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/message"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

type BusOpt func(*Bus)

func WithBusLogger(l *zap.Logger) BusOpt {
	return func(b *Bus) {
		b.logger = l
	}
}

// WithLoss drops each submessage independently with probability p.
func WithLoss(p float64, seed uint64) BusOpt {
	return func(b *Bus) {
		b.loss = p
		b.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	}
}

// Bus is an in-process network. Delivery is synchronous on the sending
// goroutine, so senders must not hold endpoint locks while sending.
type Bus struct {
	mu       sync.RWMutex
	handlers map[rtps.Locator]Handler

	rngMu sync.Mutex
	rng   *rand.Rand
	loss  float64

	logger *zap.Logger

	sent, dropped uint64
}

func NewBus(opts ...BusOpt) *Bus {
	b := &Bus{
		handlers: make(map[rtps.Locator]Handler),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach makes h reachable at loc, replacing any previous handler.
func (b *Bus) Attach(loc rtps.Locator, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[loc] = h
}

func (b *Bus) Detach(loc rtps.Locator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, loc)
}

// Sender returns the Sender a participant with the given prefix uses; the
// envelopes it produces carry replyTo as the answer address.
func (b *Bus) Sender(source rtps.GuidPrefix, replyTo ...rtps.Locator) Sender {
	return SenderFunc(func(out message.Outbound) error {
		b.deliver(source, replyTo, out)
		return nil
	})
}

func (b *Bus) deliver(source rtps.GuidPrefix, replyTo []rtps.Locator, out message.Outbound) {
	for _, dst := range out.Destinations {
		b.mu.RLock()
		h, ok := b.handlers[dst]
		b.mu.RUnlock()
		if !ok {
			b.logger.Debug("no handler at destination", zap.Stringer("locator", dst))
			continue
		}
		subs := make([]message.Submessage, 0, len(out.Submessages))
		for _, sub := range out.Submessages {
			if b.drop() {
				continue
			}
			subs = append(subs, sub)
		}
		if len(subs) == 0 {
			continue
		}
		h.Receive(message.Envelope{Source: source, ReplyTo: replyTo, Submessages: subs})
	}
}

func (b *Bus) drop() bool {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	b.sent++
	if b.rng == nil || b.loss <= 0 {
		return false
	}
	if b.rng.Float64() < b.loss {
		b.dropped++
		return true
	}
	return false
}

// Stats reports how many submessages were offered and how many were lost.
func (b *Bus) Stats() (sent, dropped uint64) {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.sent, b.dropped
}
