// Package liveliness tracks when matched peers were last heard from and
// reports peers that go quiet. Writers observe the readers whose AckNacks
// they process; readers observe writers through Heartbeats and Data.
package liveliness

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

type State uint8

const (
	StateAlive State = iota
	StateSuspect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateAlive:
		return "alive"
	case StateSuspect:
		return "suspect"
	case StateDead:
		return "dead"
	}
	return "invalid"
}

// Observer is what endpoints report peer activity to.
type Observer interface {
	Observe(peer rtps.Guid, t time.Time)
}

type Config struct {
	SuspectAfter  time.Duration `mapstructure:"suspect-after"`
	DeadAfter     time.Duration `mapstructure:"dead-after"`
	SweepInterval time.Duration `mapstructure:"sweep-interval"`
}

func DefaultConfig() Config {
	return Config{
		SuspectAfter:  10 * time.Second,
		DeadAfter:     30 * time.Second,
		SweepInterval: time.Second,
	}
}

// Transition is a state change found by Sweep.
type Transition struct {
	Peer     rtps.Guid
	From, To State
}

type Opt func(*Detector)

func WithConfig(cfg Config) Opt {
	return func(d *Detector) {
		d.cfg = cfg
	}
}

func WithLogger(l *zap.Logger) Opt {
	return func(d *Detector) {
		d.logger = l
	}
}

func WithClock(c clockwork.Clock) Opt {
	return func(d *Detector) {
		d.clock = c
	}
}

// OnTransition is called by Run, outside the detector lock, for every
// transition a sweep finds.
func OnTransition(fn func(Transition)) Opt {
	return func(d *Detector) {
		d.onTransition = fn
	}
}

type peer struct {
	last  time.Time
	state State
}

// Detector is a timeout failure detector over peer guids.
type Detector struct {
	mu    sync.Mutex
	peers map[rtps.Guid]*peer

	cfg          Config
	clock        clockwork.Clock
	logger       *zap.Logger
	onTransition func(Transition)
}

var _ Observer = (*Detector)(nil)

func New(opts ...Opt) *Detector {
	d := &Detector{
		peers:  make(map[rtps.Guid]*peer),
		cfg:    DefaultConfig(),
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Observe records activity of id at t. Older observations are ignored.
func (d *Detector) Observe(id rtps.Guid, t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		d.peers[id] = &peer{last: t}
		return
	}
	if t.After(p.last) {
		p.last = t
	}
}

func (d *Detector) Remove(id rtps.Guid) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.peers, id)
}

// State derives the state of id at now; false if id was never observed.
func (d *Detector) State(id rtps.Guid, now time.Time) (State, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.peers[id]
	if !ok {
		return StateAlive, false
	}
	return d.classify(now.Sub(p.last)), true
}

func (d *Detector) classify(silence time.Duration) State {
	switch {
	case silence >= d.cfg.DeadAfter:
		return StateDead
	case silence >= d.cfg.SuspectAfter:
		return StateSuspect
	}
	return StateAlive
}

// Sweep re-evaluates every peer at now and returns those whose state changed
// since the previous sweep, ordered by guid.
func (d *Detector) Sweep(now time.Time) []Transition {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Transition
	for _, id := range slices.SortedFunc(maps.Keys(d.peers), rtps.Guid.Compare) {
		p := d.peers[id]
		next := d.classify(now.Sub(p.last))
		if next == p.state {
			continue
		}
		out = append(out, Transition{Peer: id, From: p.state, To: next})
		p.state = next
	}
	return out
}

func (d *Detector) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// Run sweeps every SweepInterval until ctx is done.
func (d *Detector) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.Chan():
			for _, tr := range d.Sweep(now) {
				d.logger.Info("peer liveliness changed",
					zap.Stringer("peer", tr.Peer),
					zap.Stringer("from", tr.From),
					zap.Stringer("to", tr.To),
				)
				if d.onTransition != nil {
					d.onTransition(tr)
				}
			}
		}
	}
}
