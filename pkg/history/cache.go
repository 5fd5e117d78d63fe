package history

import (
	"fmt"
	"slices"
	"sync"

	"github.com/ryandielhenn/zephyrrtps/pkg/qos"
	"github.com/ryandielhenn/zephyrrtps/pkg/rtps"
)

// Cache is the storage an endpoint owns for its changes. Writers hold only
// their own changes; readers hold changes of every matched writer.
type Cache interface {
	// AddChange inserts c. Adding a change whose identity is already present
	// is a no-op. Resource limit breaches return rtps.ErrResourceExhausted
	// and leave the cache untouched.
	AddChange(c *rtps.CacheChange) error
	RemoveChange(writer rtps.Guid, seq rtps.SequenceNumber) (*rtps.CacheChange, bool)
	Change(writer rtps.Guid, seq rtps.SequenceNumber) (*rtps.CacheChange, bool)
	SeqNumMin() (rtps.SequenceNumber, bool)
	SeqNumMax() (rtps.SequenceNumber, bool)
	// Changes returns the cached changes ordered by sequence number.
	Changes() []*rtps.CacheChange
	Len() int
}

type Option func(*Store)

// WithEvictionHook is called, outside the cache lock, for every change a
// KeepLast history drops to make room.
func WithEvictionHook(fn func(*rtps.CacheChange)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

// Store is an in-memory Cache bounded by History and ResourceLimits QoS.
type Store struct {
	mu        sync.RWMutex
	changes   map[rtps.ChangeID]*rtps.CacheChange
	order     []*rtps.CacheChange                          // sorted by (seq, writer)
	instances map[rtps.InstanceHandle][]*rtps.CacheChange // insertion order
	history   qos.History
	limits    qos.ResourceLimits
	onEvict   func(*rtps.CacheChange)
}

var _ Cache = (*Store)(nil)

func NewStore(h qos.History, rl qos.ResourceLimits, opts ...Option) *Store {
	s := &Store{
		changes:   make(map[rtps.ChangeID]*rtps.CacheChange),
		instances: make(map[rtps.InstanceHandle][]*rtps.CacheChange),
		history:   h,
		limits:    rl,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) AddChange(c *rtps.CacheChange) error {
	evicted, err := s.add(c)
	if s.onEvict != nil {
		for _, e := range evicted {
			s.onEvict(e)
		}
	}
	return err
}

func (s *Store) add(c *rtps.CacheChange) ([]*rtps.CacheChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.changes[c.ID()]; ok {
		return nil, nil
	}

	inst, known := s.instances[c.InstanceHandle]
	if !known && limited(s.limits.MaxInstances) && len(s.instances) >= s.limits.MaxInstances {
		return nil, fmt.Errorf("%w: max_instances %d", rtps.ErrResourceExhausted, s.limits.MaxInstances)
	}

	evict := 0
	switch s.history.Kind {
	case qos.KeepLast:
		if n := len(inst) - s.history.Depth + 1; n > 0 {
			evict = n
		}
	case qos.KeepAll:
		if limited(s.limits.MaxSamplesPerInstance) && len(inst) >= s.limits.MaxSamplesPerInstance {
			return nil, fmt.Errorf("%w: max_samples_per_instance %d", rtps.ErrResourceExhausted, s.limits.MaxSamplesPerInstance)
		}
	}
	if limited(s.limits.MaxSamples) && len(s.order)-evict >= s.limits.MaxSamples {
		return nil, fmt.Errorf("%w: max_samples %d", rtps.ErrResourceExhausted, s.limits.MaxSamples)
	}

	var evicted []*rtps.CacheChange
	if evict > 0 {
		evicted = slices.Clone(inst[:evict])
		for _, old := range evicted {
			s.removeLocked(old)
		}
	}

	s.changes[c.ID()] = c
	idx, _ := slices.BinarySearchFunc(s.order, c, compareChanges)
	s.order = slices.Insert(s.order, idx, c)
	s.instances[c.InstanceHandle] = append(s.instances[c.InstanceHandle], c)
	return evicted, nil
}

func (s *Store) RemoveChange(writer rtps.Guid, seq rtps.SequenceNumber) (*rtps.CacheChange, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.changes[rtps.ChangeID{Writer: writer, Seq: seq}]
	if !ok {
		return nil, false
	}
	s.removeLocked(c)
	return c, true
}

func (s *Store) Change(writer rtps.Guid, seq rtps.SequenceNumber) (*rtps.CacheChange, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.changes[rtps.ChangeID{Writer: writer, Seq: seq}]
	return c, ok
}

func (s *Store) SeqNumMin() (rtps.SequenceNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return rtps.SequenceNumberUnknown, false
	}
	return s.order[0].SequenceNumber, true
}

func (s *Store) SeqNumMax() (rtps.SequenceNumber, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.order) == 0 {
		return rtps.SequenceNumberUnknown, false
	}
	return s.order[len(s.order)-1].SequenceNumber, true
}

func (s *Store) Changes() []*rtps.CacheChange {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) InstanceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instances)
}

func (s *Store) removeLocked(c *rtps.CacheChange) {
	delete(s.changes, c.ID())
	if idx, found := slices.BinarySearchFunc(s.order, c, compareChanges); found {
		s.order = slices.Delete(s.order, idx, idx+1)
	}
	inst := s.instances[c.InstanceHandle]
	if i := slices.Index(inst, c); i >= 0 {
		inst = slices.Delete(inst, i, i+1)
	}
	if len(inst) == 0 {
		delete(s.instances, c.InstanceHandle)
	} else {
		s.instances[c.InstanceHandle] = inst
	}
}

func compareChanges(a, b *rtps.CacheChange) int {
	switch {
	case a.SequenceNumber < b.SequenceNumber:
		return -1
	case a.SequenceNumber > b.SequenceNumber:
		return 1
	}
	return a.WriterGUID.Compare(b.WriterGUID)
}

func limited(v int) bool { return v != qos.LengthUnlimited && v > 0 }
