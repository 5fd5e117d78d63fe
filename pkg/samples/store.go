// Package samples keeps recently delivered samples for inspection over the
// participant's HTTP API.
package samples

import (
	"container/list"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// Sample is one delivered change as the API shows it.
type Sample struct {
	Topic      string          `json:"topic"`
	Writer     string          `json:"writer"`
	Sequence   int64           `json:"seq"`
	Kind       string          `json:"kind"`
	Data       []byte          `json:"data,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
	id         rtps.ChangeID
	expireAt   time.Time
}

// Store is bounded by total payload bytes and evicts least recently put
// samples first. Entries may also expire after a TTL.
type Store struct {
	mu    sync.RWMutex
	data  map[rtps.ChangeID]*list.Element
	ll    *list.List
	used  int
	cap   int
	ttl   time.Duration
	clock clockwork.Clock
}

// NewStore keeps up to capacityBytes of payload; ttl <= 0 never expires.
func NewStore(capacityBytes int, ttl time.Duration, clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		data:  make(map[rtps.ChangeID]*list.Element),
		ll:    list.New(),
		cap:   capacityBytes,
		ttl:   ttl,
		clock: clock,
	}
}

// Put records c as delivered on topic. A change already present is only
// refreshed.
func (s *Store) Put(topic string, c *rtps.CacheChange) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
	}
	id := c.ID()
	if el, ok := s.data[id]; ok {
		el.Value.(*Sample).expireAt = exp
		s.ll.MoveToFront(el)
		return
	}
	smp := &Sample{
		Topic:      topic,
		Writer:     c.WriterGUID.String(),
		Sequence:   int64(c.SequenceNumber),
		Kind:       c.Kind.String(),
		Data:       append([]byte(nil), c.Data...),
		ReceivedAt: now,
		id:         id,
		expireAt:   exp,
	}
	s.data[id] = s.ll.PushFront(smp)
	s.used += len(smp.Data)
	s.evictIfNeeded()
}

func (s *Store) Get(id rtps.ChangeID) (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[id]
	if !ok {
		return Sample{}, false
	}
	smp := el.Value.(*Sample)
	if s.expired(smp) {
		s.removeElement(el)
		return Sample{}, false
	}
	return *smp, true
}

// List returns up to limit live samples of topic, newest first. limit <= 0
// means all.
func (s *Store) List(topic string, limit int) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Sample
	for el := s.ll.Front(); el != nil; {
		next := el.Next()
		smp := el.Value.(*Sample)
		switch {
		case s.expired(smp):
			s.removeElement(el)
		case smp.Topic == topic:
			out = append(out, *smp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
		el = next
	}
	return out
}

func (s *Store) Delete(id rtps.ChangeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[id]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Bytes is the payload currently held.
func (s *Store) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

func (s *Store) expired(smp *Sample) bool {
	return !smp.expireAt.IsZero() && s.clock.Now().After(smp.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	smp := el.Value.(*Sample)
	delete(s.data, smp.id)
	s.used -= len(smp.Data)
	s.ll.Remove(el)
}
